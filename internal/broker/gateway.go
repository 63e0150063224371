package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultSubscribeRate  = 40
	gatewayRetryCount     = 2
	gatewayRetryWait      = 200 * time.Millisecond
	gatewayRetryMaxWait   = 2 * time.Second
)

// GatewayConfig configures the REST bridge and quote stream endpoints.
type GatewayConfig struct {
	BaseURL        string
	StreamURL      string
	AccountID      string
	APIKey         string
	RequestTimeout time.Duration
	// SubscribeRate caps new market-data lines per second
	SubscribeRate float64
}

// Gateway talks to a brokerage REST bridge for requests and a websocket
// stream for quotes.
type Gateway struct {
	cfg     GatewayConfig
	http    *resty.Client
	logger  logrus.FieldLogger
	book    *QuoteBook
	limiter *rate.Limiter

	mu        sync.Mutex
	stream    *quoteStream
	connected atomic.Bool
}

type orderRequest struct {
	Contract models.Contract `json:"contract"`
	Order    models.Order    `json:"order"`
}

type orderResponse struct {
	OrderID string `json:"order_id"`
}

type statusResponse struct {
	Connected bool   `json:"connected"`
	Message   string `json:"message,omitempty"`
}

type orderStatusMessage struct {
	OrderID      string            `json:"order_id"`
	State        models.OrderState `json:"state"`
	Filled       int               `json:"filled"`
	Remaining    int               `json:"remaining"`
	AvgFillPrice *float64          `json:"avg_fill_price"`
	Commission   *float64          `json:"commission"`
}

// NewGateway creates a gateway client. Nothing is dialed until Connect.
func NewGateway(cfg GatewayConfig, logger logrus.FieldLogger) *Gateway {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.SubscribeRate <= 0 {
		cfg.SubscribeRate = defaultSubscribeRate
	}
	cfg.BaseURL = normalizeURL(cfg.BaseURL, "http")
	if cfg.StreamURL == "" {
		cfg.StreamURL = strings.Replace(cfg.BaseURL, "http", "ws", 1) + "/v1/stream"
	}
	cfg.StreamURL = normalizeURL(cfg.StreamURL, "ws")

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(gatewayRetryCount).
		SetRetryWaitTime(gatewayRetryWait).
		SetRetryMaxWaitTime(gatewayRetryMaxWait).
		AddRetryCondition(isRetryableResponse).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}

	return &Gateway{
		cfg:     cfg,
		http:    httpClient,
		logger:  logger.WithField("component", "gateway"),
		book:    NewQuoteBook(),
		limiter: rate.NewLimiter(rate.Limit(cfg.SubscribeRate), 1),
	}
}

// normalizeURL adds a scheme to bare host:port endpoints.
func normalizeURL(raw, scheme string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" || strings.Contains(raw, "://") {
		return raw
	}
	return scheme + "://" + raw
}

// isRetryableResponse retries idempotent reads on throttling and server errors.
func isRetryableResponse(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil {
		return false
	}
	if resp.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		return true
	}
	code := resp.StatusCode()
	return code == http.StatusTooManyRequests || code >= 500
}

// do executes one request and decodes the JSON response into out.
func (g *Gateway) do(ctx context.Context, method, path string, body, out any) error {
	req := g.http.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return &APIError{Status: resp.StatusCode(), Body: string(resp.Body())}
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decoding %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (g *Gateway) accountPath(suffix string) string {
	return "/v1/accounts/" + g.cfg.AccountID + suffix
}

// Connect checks the bridge session and opens the quote stream.
func (g *Gateway) Connect(ctx context.Context) error {
	var status statusResponse
	if err := g.do(ctx, http.MethodGet, "/v1/status", nil, &status); err != nil {
		return fmt.Errorf("checking gateway status: %w", err)
	}
	if !status.Connected {
		return fmt.Errorf("gateway has no brokerage session: %s", status.Message)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stream == nil {
		stream := newQuoteStream(g.cfg.StreamURL, g.book.Update, g.logger)
		if err := stream.start(ctx); err != nil {
			return err
		}
		g.stream = stream
	}
	g.connected.Store(true)
	g.logger.WithField("url", g.cfg.BaseURL).Info("Connected to broker gateway")
	return nil
}

// Disconnect closes the quote stream and forgets every subscription.
func (g *Gateway) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stream != nil {
		g.stream.stop()
		g.stream = nil
	}
	g.book.Reset()
	g.connected.Store(false)
	return nil
}

// Connected reports whether Connect succeeded and Disconnect was not called.
func (g *Gateway) Connected() bool {
	return g.connected.Load()
}

// Quote implements models.QuoteReader.
func (g *Gateway) Quote(conID int64) (models.Quote, bool) {
	return g.book.Quote(conID)
}

// QualifyContract resolves one contract.
func (g *Gateway) QualifyContract(ctx context.Context, c models.Contract) (models.Contract, error) {
	out, err := g.QualifyContracts(ctx, []models.Contract{c})
	if err != nil {
		return c, err
	}
	if len(out) != 1 {
		return c, fmt.Errorf("qualify returned %d contracts for 1", len(out))
	}
	return out[0], nil
}

// QualifyContracts resolves contracts in one request, preserving order.
func (g *Gateway) QualifyContracts(ctx context.Context, cs []models.Contract) ([]models.Contract, error) {
	if !g.Connected() {
		return nil, ErrNotConnected
	}
	var out []models.Contract
	if err := g.do(ctx, http.MethodPost, "/v1/contracts/qualify", cs, &out); err != nil {
		return nil, err
	}
	if len(out) != len(cs) {
		return nil, fmt.Errorf("qualify returned %d contracts for %d", len(out), len(cs))
	}
	return out, nil
}

// OptionChainParams lists the chain parameter sets for an underlying.
func (g *Gateway) OptionChainParams(ctx context.Context, underlying models.Contract) ([]ChainParams, error) {
	if !g.Connected() {
		return nil, ErrNotConnected
	}
	var out []ChainParams
	if err := g.do(ctx, http.MethodPost, "/v1/contracts/chains", underlying, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe opens or shares a quote line for a qualified contract.
func (g *Gateway) Subscribe(ctx context.Context, c models.Contract) (SubscriptionID, error) {
	g.mu.Lock()
	stream := g.stream
	g.mu.Unlock()
	if stream == nil {
		return 0, ErrNotConnected
	}
	if !c.Qualified() {
		return 0, fmt.Errorf("subscribing %s: contract not qualified", c)
	}

	id, first := g.book.Acquire(c.ConID)
	if !first {
		return id, nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		_, _, _ = g.book.Release(id)
		return 0, fmt.Errorf("subscribe throttle: %w", err)
	}
	if err := stream.subscribe(ctx, c.ConID); err != nil {
		_, _, _ = g.book.Release(id)
		return 0, err
	}
	return id, nil
}

// Unsubscribe releases a subscription, closing the line when it was the last.
func (g *Gateway) Unsubscribe(id SubscriptionID) error {
	conID, last, err := g.book.Release(id)
	if err != nil || !last {
		return err
	}
	g.mu.Lock()
	stream := g.stream
	g.mu.Unlock()
	if stream == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), streamWriteTimeout)
	defer cancel()
	return stream.unsubscribe(ctx, conID)
}

// PlaceOrder submits a limit order and returns its id.
func (g *Gateway) PlaceOrder(ctx context.Context, c models.Contract, o models.Order) (string, error) {
	if !g.Connected() {
		return "", ErrNotConnected
	}
	if err := o.Validate(); err != nil {
		return "", err
	}
	var resp orderResponse
	if err := g.do(ctx, http.MethodPost, g.accountPath("/orders"), orderRequest{Contract: c, Order: o}, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("gateway returned no order id")
	}
	return resp.OrderID, nil
}

// OrderStatus polls the order.
func (g *Gateway) OrderStatus(ctx context.Context, orderID string) (models.OrderStatus, error) {
	if !g.Connected() {
		return models.OrderStatus{}, ErrNotConnected
	}
	var msg orderStatusMessage
	if err := g.do(ctx, http.MethodGet, g.accountPath("/orders/"+orderID), nil, &msg); err != nil {
		return models.OrderStatus{}, err
	}
	return models.OrderStatus{
		OrderID:      msg.OrderID,
		State:        msg.State,
		Filled:       msg.Filled,
		Remaining:    msg.Remaining,
		AvgFillPrice: valueOrNaN(msg.AvgFillPrice),
		Commission:   valueOrZero(msg.Commission),
	}, nil
}

func valueOrZero(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// CancelOrder requests cancellation of a working order.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	if !g.Connected() {
		return ErrNotConnected
	}
	return g.do(ctx, http.MethodDelete, g.accountPath("/orders/"+orderID), nil, nil)
}

// Positions returns the broker's aggregate positions for the account.
func (g *Gateway) Positions(ctx context.Context) ([]models.BrokerPosition, error) {
	if !g.Connected() {
		return nil, ErrNotConnected
	}
	var out []models.BrokerPosition
	if err := g.do(ctx, http.MethodGet, g.accountPath("/positions"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AccountSummary returns the account values keyed by broker tag.
func (g *Gateway) AccountSummary(ctx context.Context) (map[string]float64, error) {
	if !g.Connected() {
		return nil, ErrNotConnected
	}
	out := make(map[string]float64)
	if err := g.do(ctx, http.MethodGet, g.accountPath("/summary"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
