// Package data provides historical bar storage for backtests and price
// history queries: a JSON-file cache keyed by symbol and timeframe,
// refilled through the exchange adapter on miss.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wangxso/ftrader/internal/exchange"
	"github.com/wangxso/ftrader/pkg/types"
)

// fetchLimit caps one adapter fetch; venues bound kline pages anyway.
const fetchLimit = 1500

// Store caches historical bars on disk and in memory.
type Store struct {
	logger  *zap.Logger
	adapter exchange.Adapter
	dataDir string

	mu    sync.Mutex
	cache map[string][]types.Bar
}

// NewStore creates a bar store rooted at dataDir.
func NewStore(logger *zap.Logger, adapter exchange.Adapter, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data: create dir: %w", err)
	}
	return &Store{
		logger:  logger.Named("data"),
		adapter: adapter,
		dataDir: dataDir,
		cache:   make(map[string][]types.Bar),
	}, nil
}

// Bars returns the bars for [start, end], oldest first. Cached data is
// served when it covers the range; otherwise the venue is asked for the
// most recent window and the cache is rewritten.
func (s *Store) Bars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	sym := exchange.NormalizeSymbol(symbol)
	key := fmt.Sprintf("%s_%s", sym, timeframe)

	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()

	if !ok {
		cached = s.loadFile(key)
	}
	if covers(cached, start, end) {
		return filterRange(cached, start, end), nil
	}

	bars, err := s.adapter.FetchBars(ctx, sym, timeframe, fetchLimit)
	if err != nil {
		if len(cached) > 0 {
			s.logger.Warn("bar fetch failed, serving cache", zap.String("key", key), zap.Error(err))
			return filterRange(cached, start, end), nil
		}
		return nil, err
	}

	merged := mergeBars(cached, bars)
	s.mu.Lock()
	s.cache[key] = merged
	s.mu.Unlock()
	s.saveFile(key, merged)

	return filterRange(merged, start, end), nil
}

// Recent returns the most recent limit bars.
func (s *Store) Recent(ctx context.Context, symbol string, timeframe types.Timeframe, limit int) ([]types.Bar, error) {
	bars, err := s.adapter.FetchBars(ctx, exchange.NormalizeSymbol(symbol), timeframe, limit)
	if err != nil {
		return nil, err
	}
	return bars, nil
}

func (s *Store) loadFile(key string) []types.Bar {
	raw, err := os.ReadFile(s.filename(key))
	if err != nil {
		return nil
	}
	var bars []types.Bar
	if err := json.Unmarshal(raw, &bars); err != nil {
		s.logger.Warn("bar cache unreadable", zap.String("key", key), zap.Error(err))
		return nil
	}
	s.mu.Lock()
	s.cache[key] = bars
	s.mu.Unlock()
	return bars
}

func (s *Store) saveFile(key string, bars []types.Bar) {
	raw, err := json.Marshal(bars)
	if err != nil {
		s.logger.Warn("bar cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := os.WriteFile(s.filename(key), raw, 0o644); err != nil {
		s.logger.Warn("bar cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Store) filename(key string) string {
	return filepath.Join(s.dataDir, key+".json")
}

func covers(bars []types.Bar, start, end time.Time) bool {
	if len(bars) == 0 {
		return false
	}
	return !bars[0].Timestamp.After(start) && !bars[len(bars)-1].Timestamp.Before(end)
}

func filterRange(bars []types.Bar, start, end time.Time) []types.Bar {
	out := make([]types.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Timestamp.Before(start) || b.Timestamp.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// mergeBars unions two sorted bar sets by timestamp, newest data
// winning on overlap.
func mergeBars(old, fresh []types.Bar) []types.Bar {
	byTime := make(map[int64]types.Bar, len(old)+len(fresh))
	for _, b := range old {
		byTime[b.Timestamp.UnixMilli()] = b
	}
	for _, b := range fresh {
		byTime[b.Timestamp.UnixMilli()] = b
	}
	out := make([]types.Bar, 0, len(byTime))
	for _, b := range byTime {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
