package broker

import (
	"fmt"
	"sync"

	"github.com/eddiefleurent/scranton_straddle/internal/models"
)

// QuoteBook holds the latest quote per contract and the reference counts of
// the subscriptions feeding it. Safe for concurrent use.
type QuoteBook struct {
	mu     sync.RWMutex
	quotes map[int64]models.Quote
	refs   map[int64]int
	subs   map[SubscriptionID]int64
	nextID SubscriptionID
}

// NewQuoteBook creates an empty book.
func NewQuoteBook() *QuoteBook {
	return &QuoteBook{
		quotes: make(map[int64]models.Quote),
		refs:   make(map[int64]int),
		subs:   make(map[SubscriptionID]int64),
	}
}

// Acquire registers a subscription to conID. first is true when no other
// subscription holds the line.
func (b *QuoteBook) Acquire(conID int64) (id SubscriptionID, first bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id = b.nextID
	b.subs[id] = conID
	b.refs[conID]++
	return id, b.refs[conID] == 1
}

// Release drops a subscription. last is true when it was the final holder of
// the line, in which case the cached quote is discarded.
func (b *QuoteBook) Release(id SubscriptionID) (conID int64, last bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conID, ok := b.subs[id]
	if !ok {
		return 0, false, fmt.Errorf("%w: %d", ErrUnknownSubscription, id)
	}
	delete(b.subs, id)
	b.refs[conID]--
	if b.refs[conID] > 0 {
		return conID, false, nil
	}
	delete(b.refs, conID)
	delete(b.quotes, conID)
	return conID, true, nil
}

// Update stores a quote. Quotes for lines nobody holds are dropped.
func (b *QuoteBook) Update(conID int64, q models.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs[conID] == 0 {
		return
	}
	b.quotes[conID] = q
}

// Quote implements models.QuoteReader.
func (b *QuoteBook) Quote(conID int64) (models.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[conID]
	return q, ok
}

// Lines returns the contract ids with at least one subscription.
func (b *QuoteBook) Lines() []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]int64, 0, len(b.refs))
	for conID := range b.refs {
		out = append(out, conID)
	}
	return out
}

// Refs returns the subscription count for conID.
func (b *QuoteBook) Refs(conID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.refs[conID]
}

// Reset drops every subscription and quote.
func (b *QuoteBook) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes = make(map[int64]models.Quote)
	b.refs = make(map[int64]int)
	b.subs = make(map[SubscriptionID]int64)
}
