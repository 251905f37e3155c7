// Package events provides the in-process publish/subscribe fan-out of
// status, trade and progress events to external subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/pkg/types"
)

// Topic is a typed event channel name.
type Topic string

const (
	TopicStrategyStatus   Topic = "strategy_status"
	TopicTrade            Topic = "trade"
	TopicPosition         Topic = "position"
	TopicAccount          Topic = "account"
	TopicBacktestProgress Topic = "backtest_progress"
	TopicError            Topic = "error"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Topic     Topic     `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// StrategyStatusPayload reports a strategy's state and run counters.
type StrategyStatusPayload struct {
	StrategyID  int64                `json:"strategyId"`
	Status      types.StrategyStatus `json:"status"`
	RunID       int64                `json:"runId,omitempty"`
	TotalTrades int                  `json:"totalTrades"`
	WinTrades   int                  `json:"winTrades"`
	LossTrades  int                  `json:"lossTrades"`
	RealizedPnL decimal.Decimal      `json:"realizedPnl"`
}

// TradePayload announces an appended trade.
type TradePayload struct {
	Trade types.Trade `json:"trade"`
}

// PositionPayload announces a position change; Position is nil after a
// close.
type PositionPayload struct {
	StrategyID int64           `json:"strategyId"`
	RunID      int64           `json:"runId"`
	Position   *types.Position `json:"position,omitempty"`
}

// AccountPayload carries a balance snapshot.
type AccountPayload struct {
	Balance types.Balance `json:"balance"`
}

// BacktestProgressPayload streams backtest progress.
type BacktestProgressPayload struct {
	BacktestID     string          `json:"backtestId"`
	Current        int             `json:"current"`
	Total          int             `json:"total"`
	Percentage     float64         `json:"percentage"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
}

// ErrorPayload reports a component failure.
type ErrorPayload struct {
	StrategyID int64           `json:"strategyId,omitempty"`
	Kind       types.ErrorKind `json:"kind"`
	Message    string          `json:"message"`
}

// Subscription is one subscriber's buffered feed for a single topic.
// Events that arrive while the buffer is full are dropped and counted.
type Subscription struct {
	topic   Topic
	ch      chan Event
	dropped atomic.Int64
	closed  atomic.Bool
}

// C returns the receive channel. It is closed on Unsubscribe and on bus
// shutdown.
func (s *Subscription) C() <-chan Event { return s.ch }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() Topic { return s.topic }

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Stats are bus-wide counters.
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

// Bus is the in-process fan-out. Publication order is preserved per
// topic; a slow subscriber never blocks a publisher.
type Bus struct {
	logger *zap.Logger

	mu      sync.RWMutex
	subs    map[Topic][]*Subscription
	topicMu map[Topic]*sync.Mutex
	closed  bool

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:  logger.Named("events"),
		subs:    make(map[Topic][]*Subscription),
		topicMu: make(map[Topic]*sync.Mutex),
	}
}

// Subscribe registers a buffered subscriber for one topic. buffer <= 0
// selects a default of 64.
func (b *Bus) Subscribe(topic Topic, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{topic: topic, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed.Store(true)
		close(sub.ch)
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	if _, ok := b.topicMu[topic]; !ok {
		b.topicMu[topic] = &sync.Mutex{}
	}
	return sub
}

// Unsubscribe removes the subscription and closes its channel. The
// topic lock is held across the close so no publisher is mid-send.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.RLock()
	tm := b.topicMu[sub.topic]
	b.mu.RUnlock()
	if tm != nil {
		tm.Lock()
		defer tm.Unlock()
	}

	if !sub.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	close(sub.ch)
}

// Publish fans the payload out to every subscriber of the topic. The
// per-topic lock defines publication order; full subscriber buffers
// drop the event with a count.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	tm := b.topicMu[topic]
	b.mu.RUnlock()

	ev := Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	b.published.Add(1)

	if tm == nil {
		return // no subscriber has ever registered for this topic
	}

	tm.Lock()
	defer tm.Unlock()

	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- ev:
			b.delivered.Add(1)
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber buffer full",
				zap.String("topic", string(topic)))
		}
	}
}

// Stats returns the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, list := range b.subs {
		n += len(list)
	}
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

// Close shuts the bus down and closes every subscriber channel. The
// subscriber table is emptied before channels close, and each close
// happens under its topic lock, so in-flight publishers either see no
// subscribers or finish their sends first.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	locks := b.topicMu
	b.subs = make(map[Topic][]*Subscription)
	b.mu.Unlock()

	for topic, list := range subs {
		tm := locks[topic]
		tm.Lock()
		for _, sub := range list {
			if sub.closed.CompareAndSwap(false, true) {
				close(sub.ch)
			}
		}
		tm.Unlock()
	}

	b.logger.Info("event bus closed",
		zap.Int64("published", b.published.Load()),
		zap.Int64("dropped", b.dropped.Load()))
}
