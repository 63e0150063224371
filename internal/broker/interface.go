// Package broker provides the brokerage clients the engine trades through: a
// REST/websocket gateway client, an in-process paper simulator, and a circuit
// breaker wrapper shared by both.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
)

var (
	// ErrNotConnected is returned by calls made before Connect or after Disconnect
	ErrNotConnected = errors.New("broker not connected")
	// ErrUnknownSubscription is returned when releasing an id that is not live
	ErrUnknownSubscription = errors.New("unknown subscription")
	// ErrUnknownOrder is returned for order ids the broker never issued
	ErrUnknownOrder = errors.New("unknown order")
)

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// SubscriptionID identifies one market-data subscription handed out by Subscribe.
type SubscriptionID int64

// ChainParams is one option-chain parameter set for an underlying, as the
// broker reports it per exchange and trading class.
type ChainParams struct {
	Exchange     string    `json:"exchange"`
	TradingClass string    `json:"trading_class"`
	Multiplier   int       `json:"multiplier"`
	Expirations  []string  `json:"expirations"`
	Strikes      []float64 `json:"strikes"`
}

// Client defines the interface for interacting with a brokerage.
//
// Quote reads are served from a local book fed by the market-data stream and
// never block. Subscriptions are reference counted per contract id: the line
// is opened on the first Subscribe and closed on the last Unsubscribe.
type Client interface {
	models.QuoteReader

	// Session
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool

	// Contracts. Unresolved contracts come back with a zero ConID.
	QualifyContract(ctx context.Context, c models.Contract) (models.Contract, error)
	QualifyContracts(ctx context.Context, cs []models.Contract) ([]models.Contract, error)
	OptionChainParams(ctx context.Context, underlying models.Contract) ([]ChainParams, error)

	// Market data
	Subscribe(ctx context.Context, c models.Contract) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error

	// Orders
	PlaceOrder(ctx context.Context, c models.Contract, o models.Order) (string, error)
	OrderStatus(ctx context.Context, orderID string) (models.OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Account
	Positions(ctx context.Context) ([]models.BrokerPosition, error)
	AccountSummary(ctx context.Context) (map[string]float64, error)
}

// CircuitBreakerClient wraps a Client with circuit breaker functionality.
// Request/response calls go through the breaker; session management and
// local quote reads do not.
type CircuitBreakerClient struct {
	client  Client
	breaker *gobreaker.CircuitBreaker
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	client Client,
	fn func(Client) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(client) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings returns the standard breaker tuning.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	}
}

// NewCircuitBreakerClient creates a new CircuitBreakerClient with sensible defaults
func NewCircuitBreakerClient(client Client, logger logrus.FieldLogger) *CircuitBreakerClient {
	return NewCircuitBreakerClientWithSettings(client, DefaultCircuitBreakerSettings(), logger)
}

// NewCircuitBreakerClientWithSettings creates a CircuitBreakerClient with custom settings
func NewCircuitBreakerClientWithSettings(client Client, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerClient {
	if logger == nil {
		logger = logrus.New()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Cancellation is the caller giving up, not the broker failing
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerClient{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the current breaker state.
func (c *CircuitBreakerClient) State() gobreaker.State {
	return c.breaker.State()
}

// Connect passes through to the wrapped client
func (c *CircuitBreakerClient) Connect(ctx context.Context) error {
	return c.client.Connect(ctx)
}

// Disconnect passes through to the wrapped client
func (c *CircuitBreakerClient) Disconnect() error {
	return c.client.Disconnect()
}

// Connected passes through to the wrapped client
func (c *CircuitBreakerClient) Connected() bool {
	return c.client.Connected()
}

// Quote passes through to the wrapped client
func (c *CircuitBreakerClient) Quote(conID int64) (models.Quote, bool) {
	return c.client.Quote(conID)
}

// QualifyContract wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) QualifyContract(ctx context.Context, contract models.Contract) (models.Contract, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) (models.Contract, error) {
		return b.QualifyContract(ctx, contract)
	})
}

// QualifyContracts wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) QualifyContracts(ctx context.Context, cs []models.Contract) ([]models.Contract, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) ([]models.Contract, error) {
		return b.QualifyContracts(ctx, cs)
	})
}

// OptionChainParams wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) OptionChainParams(ctx context.Context, underlying models.Contract) ([]ChainParams, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) ([]ChainParams, error) {
		return b.OptionChainParams(ctx, underlying)
	})
}

// Subscribe wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) Subscribe(ctx context.Context, contract models.Contract) (SubscriptionID, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) (SubscriptionID, error) {
		return b.Subscribe(ctx, contract)
	})
}

// Unsubscribe passes through; releasing a line must work while the breaker is open
func (c *CircuitBreakerClient) Unsubscribe(id SubscriptionID) error {
	return c.client.Unsubscribe(id)
}

// PlaceOrder wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) PlaceOrder(ctx context.Context, contract models.Contract, o models.Order) (string, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) (string, error) {
		return b.PlaceOrder(ctx, contract, o)
	})
}

// OrderStatus wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) OrderStatus(ctx context.Context, orderID string) (models.OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) (models.OrderStatus, error) {
		return b.OrderStatus(ctx, orderID)
	})
}

// CancelOrder wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.client, func(b Client) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// Positions wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) Positions(ctx context.Context) ([]models.BrokerPosition, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) ([]models.BrokerPosition, error) {
		return b.Positions(ctx)
	})
}

// AccountSummary wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) AccountSummary(ctx context.Context) (map[string]float64, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) (map[string]float64, error) {
		return b.AccountSummary(ctx)
	})
}

// Ensure implementations satisfy Client at compile time.
var (
	_ Client = (*CircuitBreakerClient)(nil)
	_ Client = (*Gateway)(nil)
	_ Client = (*Paper)(nil)
)
