package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
)

// Account summary tags reported by the broker.
const (
	TagTotalCashValue  = "TotalCashValue"
	TagCashBalance     = "CashBalance"
	TagAvailableFunds  = "AvailableFunds"
	TagBuyingPower     = "BuyingPower"
	TagMaintMarginReq  = "MaintMarginReq"
	TagExcessLiquidity = "ExcessLiquidity"
	TagCushion         = "Cushion"
)

// FillFunc decides how much of an order fills and at what price, given the
// quote at placement time.
type FillFunc func(c models.Contract, o models.Order, q models.Quote, haveQuote bool) (filled int, price float64)

// MarketableFill fills marketable limits at the touch, capped by the quoted
// size. Buys fill at the ask, sells at the bid.
func MarketableFill(_ models.Contract, o models.Order, q models.Quote, haveQuote bool) (int, float64) {
	if !haveQuote {
		return 0, math.NaN()
	}
	switch o.Action {
	case models.ActionBuy:
		if models.IsPositiveFinite(q.Ask) && o.LimitPrice >= q.Ask && q.AskSize > 0 {
			return min(o.Quantity, q.AskSize), q.Ask
		}
	case models.ActionSell:
		if models.IsPositiveFinite(q.Bid) && o.LimitPrice <= q.Bid && q.BidSize > 0 {
			return min(o.Quantity, q.BidSize), q.Bid
		}
	}
	return 0, math.NaN()
}

type paperOrder struct {
	contract models.Contract
	order    models.Order
	status   models.OrderStatus
}

// Paper is an in-process simulated broker. Orders fill immediately against
// the quote book; unfilled remainders are cancelled.
type Paper struct {
	mu     sync.Mutex
	logger logrus.FieldLogger
	book   *QuoteBook

	account   string
	connected bool

	contracts map[string]models.Contract
	chains    map[int64][]ChainParams
	orders    map[string]*paperOrder
	positions map[int64]*models.BrokerPosition
	summary   map[string]float64

	// Commission per contract charged on every fill
	Commission float64
	// Fill decides each order's outcome; defaults to MarketableFill
	Fill FillFunc
}

// NewPaper creates a simulator for account with the given starting funds.
func NewPaper(account string, funds float64, logger logrus.FieldLogger) *Paper {
	if logger == nil {
		logger = logrus.New()
	}
	p := &Paper{
		logger:    logger.WithField("component", "paper_broker"),
		book:      NewQuoteBook(),
		account:   account,
		contracts: make(map[string]models.Contract),
		chains:    make(map[int64][]ChainParams),
		orders:    make(map[string]*paperOrder),
		positions: make(map[int64]*models.BrokerPosition),
		summary:   make(map[string]float64),
		Fill:      MarketableFill,
	}
	for _, tag := range []string{TagTotalCashValue, TagCashBalance, TagAvailableFunds, TagBuyingPower, TagExcessLiquidity} {
		p.summary[tag] = funds
	}
	p.summary[TagMaintMarginReq] = 0
	p.summary[TagCushion] = 1
	return p
}

func qualifyKey(c models.Contract) string {
	if c.SecType == models.SecTypeOption {
		return fmt.Sprintf("%s|OPT|%s|%s|%.4f", c.Symbol, c.Expiration, c.Right, c.Strike)
	}
	return fmt.Sprintf("%s|%s", c.Symbol, c.SecType)
}

// AddContract makes a fully specified contract resolvable by QualifyContract.
func (p *Paper) AddContract(c models.Contract) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contracts[qualifyKey(c)] = c
}

// SetChain sets the chain parameters returned for an underlying.
func (p *Paper) SetChain(underlyingConID int64, params ...ChainParams) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chains[underlyingConID] = params
}

// SetQuote publishes a quote. It is dropped unless someone subscribed.
func (p *Paper) SetQuote(conID int64, q models.Quote) {
	p.book.Update(conID, q)
}

// SetAccountValue overrides one account summary tag.
func (p *Paper) SetAccountValue(tag string, v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summary[tag] = v
}

// SetPosition plants a position held outside the engine's control.
func (p *Paper) SetPosition(pos models.BrokerPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.Quantity == 0 {
		delete(p.positions, pos.Contract.ConID)
		return
	}
	if pos.Account == "" {
		pos.Account = p.account
	}
	p.positions[pos.Contract.ConID] = &pos
}

// Lines returns the quote lines currently open.
func (p *Paper) Lines() []int64 {
	lines := p.book.Lines()
	sort.Slice(lines, func(i, j int) bool { return lines[i] < lines[j] })
	return lines
}

// Connect implements Client.
func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

// Disconnect implements Client.
func (p *Paper) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.book.Reset()
	return nil
}

// Connected implements Client.
func (p *Paper) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Quote implements models.QuoteReader.
func (p *Paper) Quote(conID int64) (models.Quote, bool) {
	return p.book.Quote(conID)
}

// QualifyContract implements Client.
func (p *Paper) QualifyContract(ctx context.Context, c models.Contract) (models.Contract, error) {
	out, err := p.QualifyContracts(ctx, []models.Contract{c})
	if err != nil {
		return c, err
	}
	return out[0], nil
}

// QualifyContracts implements Client. Unknown contracts keep a zero ConID.
func (p *Paper) QualifyContracts(ctx context.Context, cs []models.Contract) ([]models.Contract, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	out := make([]models.Contract, len(cs))
	for i, c := range cs {
		if known, ok := p.contracts[qualifyKey(c)]; ok {
			out[i] = known
			continue
		}
		c.ConID = 0
		out[i] = c
	}
	return out, nil
}

// OptionChainParams implements Client.
func (p *Paper) OptionChainParams(ctx context.Context, underlying models.Contract) ([]ChainParams, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	return append([]ChainParams(nil), p.chains[underlying.ConID]...), nil
}

// Subscribe implements Client.
func (p *Paper) Subscribe(ctx context.Context, c models.Contract) (SubscriptionID, error) {
	if !p.Connected() {
		return 0, ErrNotConnected
	}
	if !c.Qualified() {
		return 0, fmt.Errorf("subscribing %s: contract not qualified", c)
	}
	id, _ := p.book.Acquire(c.ConID)
	return id, nil
}

// Unsubscribe implements Client.
func (p *Paper) Unsubscribe(id SubscriptionID) error {
	_, _, err := p.book.Release(id)
	return err
}

// PlaceOrder implements Client. The order reaches a terminal state before it returns.
func (p *Paper) PlaceOrder(ctx context.Context, c models.Contract, o models.Order) (string, error) {
	if err := o.Validate(); err != nil {
		return "", err
	}
	q, haveQuote := p.book.Quote(c.ConID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return "", ErrNotConnected
	}

	filled, price := p.Fill(c, o, q, haveQuote)
	filled = max(0, min(filled, o.Quantity))
	id := uuid.NewString()
	status := models.OrderStatus{
		OrderID:      id,
		Filled:       filled,
		Remaining:    o.Quantity - filled,
		AvgFillPrice: math.NaN(),
	}
	switch {
	case !haveQuote:
		status.State = models.OrderInactive
	case filled == o.Quantity:
		status.State = models.OrderFilled
	default:
		status.State = models.OrderCancelled
	}
	if filled > 0 {
		status.AvgFillPrice = price
		status.Commission = p.Commission * float64(filled)
		p.applyFill(c, o.Action, filled, price, status.Commission)
	}
	p.orders[id] = &paperOrder{contract: c, order: o, status: status}

	p.logger.WithFields(logrus.Fields{
		"order_id": id,
		"contract": c.String(),
		"action":   o.Action,
		"quantity": o.Quantity,
		"limit":    o.LimitPrice,
		"filled":   filled,
		"state":    status.State,
	}).Debug("Paper order")
	return id, nil
}

// applyFill updates the aggregate position and cash. Caller holds p.mu.
func (p *Paper) applyFill(c models.Contract, action models.Action, filled int, price, commission float64) {
	mult := c.PriceMultiplier()
	signed := action.Sign() * filled
	pos, ok := p.positions[c.ConID]
	if !ok {
		pos = &models.BrokerPosition{Account: p.account, Contract: c}
		p.positions[c.ConID] = pos
	}

	newQty := pos.Quantity + signed
	switch {
	case newQty == 0:
		delete(p.positions, c.ConID)
	case pos.Quantity == 0 || (pos.Quantity > 0) != (newQty > 0):
		pos.AvgCost = price * mult
	case (signed > 0) == (pos.Quantity > 0):
		// adding to the position re-weights the average
		total := pos.AvgCost*float64(abs(pos.Quantity)) + price*mult*float64(filled)
		pos.AvgCost = total / float64(abs(newQty))
	}
	pos.Quantity = newQty

	cash := -float64(signed)*price*mult - commission
	for _, tag := range []string{TagTotalCashValue, TagCashBalance, TagAvailableFunds, TagBuyingPower, TagExcessLiquidity} {
		p.summary[tag] += cash
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// OrderStatus implements Client.
func (p *Paper) OrderStatus(ctx context.Context, orderID string) (models.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return models.OrderStatus{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	return o.status, nil
}

// CancelOrder implements Client. Terminal orders are left as they are.
func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if !o.status.State.Terminal() {
		o.status.State = models.OrderAPICancelled
	}
	return nil
}

// Positions implements Client.
func (p *Paper) Positions(ctx context.Context) ([]models.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	out := make([]models.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract.ConID < out[j].Contract.ConID })
	return out, nil
}

// AccountSummary implements Client.
func (p *Paper) AccountSummary(ctx context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	out := make(map[string]float64, len(p.summary))
	for k, v := range p.summary {
		out[k] = v
	}
	return out, nil
}
