package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wangxso/ftrader/pkg/types"
)

const (
	liveBaseURL    = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	maxRetries   = 3
	retryBackoff = 500 * time.Millisecond
)

// Credentials are supplied at construction, out-of-band of any config
// document.
type Credentials struct {
	APIKey    string
	APISecret string
}

// FuturesConfig configures the live venue client.
type FuturesConfig struct {
	Testnet     bool
	HTTPTimeout time.Duration
	RecvWindow  time.Duration
}

// DefaultFuturesConfig returns sensible defaults.
func DefaultFuturesConfig() FuturesConfig {
	return FuturesConfig{
		HTTPTimeout: 15 * time.Second,
		RecvWindow:  5 * time.Second,
	}
}

// FuturesClient is the live Adapter implementation. It is a shared,
// thread-safe singleton per venue+credentials pair; concurrent orders
// on the same symbol are serialized to keep quantity sizing stable.
type FuturesClient struct {
	base   string
	creds  Credentials
	cfg    FuturesConfig
	hc     *http.Client
	logger *zap.Logger

	mu        sync.Mutex
	precision map[string]SymbolPrecision
	orderMu   map[string]*sync.Mutex
	leverage  map[string]int
}

// NewFuturesClient creates a venue client. The mode flag in cfg selects
// between live and testnet endpoints.
func NewFuturesClient(logger *zap.Logger, creds Credentials, cfg FuturesConfig) *FuturesClient {
	base := liveBaseURL
	if cfg.Testnet {
		base = testnetBaseURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	return &FuturesClient{
		base:      base,
		creds:     creds,
		cfg:       cfg,
		hc:        &http.Client{Timeout: cfg.HTTPTimeout},
		logger:    logger.Named("exchange"),
		precision: make(map[string]SymbolPrecision),
		orderMu:   make(map[string]*sync.Mutex),
		leverage:  make(map[string]int),
	}
}

var _ Adapter = (*FuturesClient)(nil)

// ConfigureLeverage sets the symbol leverage. Re-applying the current
// value is accepted by the venue, so the call is idempotent.
func (c *FuturesClient) ConfigureLeverage(ctx context.Context, symbol string, leverage int) error {
	sym := NormalizeSymbol(symbol)

	c.mu.Lock()
	if cur, ok := c.leverage[sym]; ok && cur == leverage {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", sym)
	params.Set("leverage", strconv.Itoa(leverage))

	err := c.withRetry(ctx, "exchange.ConfigureLeverage", func() error {
		var resp struct {
			Leverage int `json:"leverage"`
		}
		return c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, &resp)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.leverage[sym] = leverage
	c.mu.Unlock()
	return nil
}

// FetchTicker combines the book ticker and the mark price into one
// snapshot.
func (c *FuturesClient) FetchTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	sym := NormalizeSymbol(symbol)

	var book struct {
		Symbol string `json:"symbol"`
		Bid    string `json:"bidPrice"`
		Ask    string `json:"askPrice"`
	}
	var premium struct {
		MarkPrice string `json:"markPrice"`
		Time      int64  `json:"time"`
	}

	err := c.withRetry(ctx, "exchange.FetchTicker", func() error {
		if err := c.publicRequest(ctx, "/fapi/v1/ticker/bookTicker", url.Values{"symbol": {sym}}, &book); err != nil {
			return err
		}
		return c.publicRequest(ctx, "/fapi/v1/premiumIndex", url.Values{"symbol": {sym}}, &premium)
	})
	if err != nil {
		return nil, err
	}

	bid, err := decimal.NewFromString(book.Bid)
	if err != nil {
		return nil, types.E(types.ErrKindVenuePermanent, "exchange.FetchTicker", "bad bid price %q", book.Bid)
	}
	ask, err := decimal.NewFromString(book.Ask)
	if err != nil {
		return nil, types.E(types.ErrKindVenuePermanent, "exchange.FetchTicker", "bad ask price %q", book.Ask)
	}
	mark, err := decimal.NewFromString(premium.MarkPrice)
	if err != nil {
		return nil, types.E(types.ErrKindVenuePermanent, "exchange.FetchTicker", "bad mark price %q", premium.MarkPrice)
	}

	return &types.Ticker{
		Symbol:    sym,
		Bid:       bid,
		Ask:       ask,
		Last:      bid.Add(ask).Div(decimal.NewFromInt(2)),
		Mark:      mark,
		Timestamp: time.UnixMilli(premium.Time),
	}, nil
}

// FetchBars returns the most recent limit klines, oldest first.
func (c *FuturesClient) FetchBars(ctx context.Context, symbol string, timeframe types.Timeframe, limit int) ([]types.Bar, error) {
	if !timeframe.Valid() {
		return nil, types.E(types.ErrKindVenuePermanent, "exchange.FetchBars", "unsupported timeframe %q", timeframe)
	}
	if limit <= 0 {
		limit = 100
	}
	sym := NormalizeSymbol(symbol)

	params := url.Values{}
	params.Set("symbol", sym)
	params.Set("interval", string(timeframe))
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]json.RawMessage
	err := c.withRetry(ctx, "exchange.FetchBars", func() error {
		return c.publicRequest(ctx, "/fapi/v1/klines", params, &raw)
	})
	if err != nil {
		return nil, err
	}

	bars := make([]types.Bar, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		var openTime int64
		var o, h, l, cl, v string
		if err := json.Unmarshal(k[0], &openTime); err != nil {
			return nil, types.WrapErr(types.ErrKindVenuePermanent, "exchange.FetchBars", err)
		}
		for i, dst := range []*string{&o, &h, &l, &cl, &v} {
			if err := json.Unmarshal(k[i+1], dst); err != nil {
				return nil, types.WrapErr(types.ErrKindVenuePermanent, "exchange.FetchBars", err)
			}
		}
		bar, err := parseBar(openTime, o, h, l, cl, v)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseBar(openTime int64, o, h, l, cl, v string) (types.Bar, error) {
	fields := [5]decimal.Decimal{}
	for i, s := range []string{o, h, l, cl, v} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return types.Bar{}, types.E(types.ErrKindVenuePermanent, "exchange.FetchBars", "bad kline field %q", s)
		}
		fields[i] = d
	}
	return types.Bar{
		Timestamp: time.UnixMilli(openTime),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

// OpenMarket converts the quote-currency notional to a contract
// quantity at the current mark and places a market order.
func (c *FuturesClient) OpenMarket(ctx context.Context, symbol string, side types.Side, notional decimal.Decimal) (*types.Fill, error) {
	sym := NormalizeSymbol(symbol)
	if notional.LessThanOrEqual(decimal.Zero) {
		return nil, types.E(types.ErrKindVenuePermanent, "exchange.OpenMarket", "notional must be positive, got %s", notional)
	}

	unlock := c.lockSymbol(sym)
	defer unlock()

	ticker, err := c.FetchTicker(ctx, sym)
	if err != nil {
		return nil, err
	}
	if ticker.Mark.IsZero() {
		return nil, types.E(types.ErrKindVenuePermanent, "exchange.OpenMarket", "zero mark price for %s", sym)
	}

	prec := c.symbolPrecision(ctx, sym)
	qty := RoundAmount(notional.Div(ticker.Mark), prec)
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, types.E(types.ErrKindVenuePermanent, "exchange.OpenMarket", "notional %s too small for %s", notional, sym)
	}

	return c.placeMarketOrder(ctx, sym, orderSide(side, types.TradeKindOpen), qty, false)
}

// CloseMarket flattens the symbol+side position with a reduce-only
// market order for the full venue-reported quantity.
func (c *FuturesClient) CloseMarket(ctx context.Context, symbol string, side types.Side) (*types.Fill, error) {
	sym := NormalizeSymbol(symbol)

	unlock := c.lockSymbol(sym)
	defer unlock()

	pos, err := c.FetchPosition(ctx, sym)
	if err != nil {
		return nil, err
	}
	if pos == nil || pos.Side != side || pos.Quantity.IsZero() {
		return nil, types.E(types.ErrKindVenuePermanent, "exchange.CloseMarket", "no %s position for %s", side, sym)
	}

	return c.placeMarketOrder(ctx, sym, orderSide(side, types.TradeKindClose), pos.Quantity, true)
}

// FetchPosition returns the venue position for the symbol, or nil when
// flat.
func (c *FuturesClient) FetchPosition(ctx context.Context, symbol string) (*types.Position, error) {
	sym := NormalizeSymbol(symbol)

	var rows []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
		MarkPrice   string `json:"markPrice"`
		Leverage    string `json:"leverage"`
		Notional    string `json:"notional"`
		UpdateTime  int64  `json:"updateTime"`
	}
	err := c.withRetry(ctx, "exchange.FetchPosition", func() error {
		return c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{"symbol": {sym}}, &rows)
	})
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		if row.Symbol != sym {
			continue
		}
		amt, err := decimal.NewFromString(row.PositionAmt)
		if err != nil || amt.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(row.EntryPrice)
		mark, _ := decimal.NewFromString(row.MarkPrice)
		notional, _ := decimal.NewFromString(row.Notional)
		lev, _ := strconv.Atoi(row.Leverage)

		side := types.SideLong
		if amt.IsNegative() {
			side = types.SideShort
		}
		return &types.Position{
			Symbol:     sym,
			Side:       side,
			EntryPrice: entry,
			Quantity:   amt.Abs(),
			Notional:   notional.Abs(),
			Leverage:   lev,
			OpenedAt:   time.UnixMilli(row.UpdateTime),
			MarkPrice:  mark,
		}, nil
	}
	return nil, nil
}

// FetchBalance returns the USDT-margined account balance.
func (c *FuturesClient) FetchBalance(ctx context.Context) (*types.Balance, error) {
	var rows []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	err := c.withRetry(ctx, "exchange.FetchBalance", func() error {
		return c.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, &rows)
	})
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		if row.Asset != "USDT" {
			continue
		}
		total, err := decimal.NewFromString(row.Balance)
		if err != nil {
			return nil, types.E(types.ErrKindVenuePermanent, "exchange.FetchBalance", "bad balance %q", row.Balance)
		}
		free, err := decimal.NewFromString(row.AvailableBalance)
		if err != nil {
			return nil, types.E(types.ErrKindVenuePermanent, "exchange.FetchBalance", "bad available balance %q", row.AvailableBalance)
		}
		return &types.Balance{Total: total, Free: free, Used: total.Sub(free)}, nil
	}
	return &types.Balance{}, nil
}

// placeMarketOrder submits a MARKET order and maps the response to a
// fill. Callers hold the per-symbol lock.
func (c *FuturesClient) placeMarketOrder(ctx context.Context, sym, side string, qty decimal.Decimal, reduceOnly bool) (*types.Fill, error) {
	params := url.Values{}
	params.Set("symbol", sym)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", qty.String())
	params.Set("newOrderRespType", "RESULT")
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	var resp struct {
		AvgPrice    string `json:"avgPrice"`
		ExecutedQty string `json:"executedQty"`
		UpdateTime  int64  `json:"updateTime"`
	}
	err := c.withRetry(ctx, "exchange.placeMarketOrder", func() error {
		return c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &resp)
	})
	if err != nil {
		return nil, err
	}

	price, err := decimal.NewFromString(resp.AvgPrice)
	if err != nil {
		return nil, types.E(types.ErrKindVenuePermanent, "exchange.placeMarketOrder", "bad fill price %q", resp.AvgPrice)
	}
	filled, err := decimal.NewFromString(resp.ExecutedQty)
	if err != nil {
		return nil, types.E(types.ErrKindVenuePermanent, "exchange.placeMarketOrder", "bad fill quantity %q", resp.ExecutedQty)
	}

	fillSide := types.SideLong
	if side == "SELL" {
		fillSide = types.SideShort
	}
	return &types.Fill{
		Symbol:    sym,
		Side:      fillSide,
		Price:     price,
		Quantity:  filled,
		Timestamp: time.UnixMilli(resp.UpdateTime),
	}, nil
}

// orderSide maps position side and trade kind to the venue order side.
func orderSide(side types.Side, kind types.TradeKind) string {
	if isBuy(side, kind) {
		return "BUY"
	}
	return "SELL"
}

// symbolPrecision returns cached precision for the symbol, fetching
// exchange info on first use. Lookup failure falls back to a
// conservative default rather than blocking the order path.
func (c *FuturesClient) symbolPrecision(ctx context.Context, sym string) SymbolPrecision {
	c.mu.Lock()
	if p, ok := c.precision[sym]; ok {
		c.mu.Unlock()
		return p
	}
	c.mu.Unlock()

	var info struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int32  `json:"pricePrecision"`
			QuantityPrecision int32  `json:"quantityPrecision"`
		} `json:"symbols"`
	}
	err := c.publicRequest(ctx, "/fapi/v1/exchangeInfo", url.Values{}, &info)
	if err != nil {
		c.logger.Warn("exchange info fetch failed, using default precision",
			zap.String("symbol", sym), zap.Error(err))
		return SymbolPrecision{Price: 2, Amount: 3}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range info.Symbols {
		c.precision[s.Symbol] = SymbolPrecision{Price: s.PricePrecision, Amount: s.QuantityPrecision}
	}
	if p, ok := c.precision[sym]; ok {
		return p
	}
	return SymbolPrecision{Price: 2, Amount: 3}
}

// lockSymbol serializes order flow per symbol.
func (c *FuturesClient) lockSymbol(sym string) func() {
	c.mu.Lock()
	m, ok := c.orderMu[sym]
	if !ok {
		m = &sync.Mutex{}
		c.orderMu[sym] = m
	}
	c.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// withRetry retries transient venue failures with exponential backoff.
// Permanent failures and context cancellation surface immediately.
func (c *FuturesClient) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff << (attempt - 1)
			c.logger.Debug("retrying venue call",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return types.WrapErr(types.ErrKindVenueTransient, op, ctx.Err())
			case <-time.After(backoff):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !types.IsKind(err, types.ErrKindVenueTransient) {
			return err
		}
	}
	return err
}

func (c *FuturesClient) publicRequest(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, params, false, out)
}

func (c *FuturesClient) signedRequest(ctx context.Context, method, path string, params url.Values, out any) error {
	return c.do(ctx, method, path, params, true, out)
}

func (c *FuturesClient) do(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	op := "exchange." + strings.TrimPrefix(path, "/")

	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow.Milliseconds(), 10))
		params.Set("signature", c.sign(params.Encode()))
	}

	u := c.base + path
	if encoded := params.Encode(); encoded != "" {
		u += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return types.WrapErr(types.ErrKindVenuePermanent, op, err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.creds.APIKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return types.WrapErr(types.ErrKindVenueTransient, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.WrapErr(types.ErrKindVenueTransient, op, err)
	}

	if resp.StatusCode >= 300 {
		kind := types.ErrKindVenuePermanent
		if resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode >= 500 {
			kind = types.ErrKindVenueTransient
		}
		return types.E(kind, op, "venue status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return types.WrapErr(types.ErrKindVenuePermanent, op, err)
	}
	return nil
}

func (c *FuturesClient) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
