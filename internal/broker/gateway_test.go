package broker

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_straddle/internal/logging"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
)

// fakeBridge serves the REST bridge and the quote stream.
type fakeBridge struct {
	mu        sync.Mutex
	ops       []streamRequest
	orders    map[string]orderRequest
	connected bool
	server    *httptest.Server
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{orders: make(map[string]orderRequest), connected: true}
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		writeJSON(w, statusResponse{Connected: fb.connected, Message: "no session"})
	})
	mux.HandleFunc("POST /v1/contracts/qualify", func(w http.ResponseWriter, r *http.Request) {
		var cs []models.Contract
		if err := json.NewDecoder(r.Body).Decode(&cs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for i := range cs {
			if cs[i].Symbol == "SPY" {
				cs[i].ConID = 756733
			}
		}
		writeJSON(w, cs)
	})
	mux.HandleFunc("POST /v1/contracts/chains", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []ChainParams{{Exchange: "SMART", TradingClass: "SPY", Multiplier: 100,
			Expirations: []string{"20260116"}, Strikes: []float64{499, 500, 501}}})
	})
	mux.HandleFunc("POST /v1/accounts/DU1/orders", func(w http.ResponseWriter, r *http.Request) {
		var req orderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fb.mu.Lock()
		fb.orders["ord-1"] = req
		fb.mu.Unlock()
		writeJSON(w, orderResponse{OrderID: "ord-1"})
	})
	mux.HandleFunc("GET /v1/accounts/DU1/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "ord-1" {
			http.Error(w, "unknown order", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order_id":"ord-1","state":"Filled","filled":3,"remaining":0,"avg_fill_price":2.05,"commission":null}`))
	})
	mux.HandleFunc("DELETE /v1/accounts/DU1/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/accounts/DU1/positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []models.BrokerPosition{{Account: "DU1", Contract: paperCall(), Quantity: 3, AvgCost: 205}})
	})
	mux.HandleFunc("GET /v1/accounts/DU1/summary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]float64{TagAvailableFunds: 50000, TagCushion: 0.9})
	})
	mux.HandleFunc("/v1/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req streamRequest
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			fb.mu.Lock()
			fb.ops = append(fb.ops, req)
			fb.mu.Unlock()
			if req.Op != "subscribe" {
				continue
			}
			for _, id := range req.ConIDs {
				ask := 2.05
				msg, _ := json.Marshal(quoteMessage{ConID: id, Ask: &ask, AskSize: 7})
				_ = conn.Write(ctx, websocket.MessageText, msg)
			}
		}
	})

	fb.server = httptest.NewServer(mux)
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBridge) opsSnapshot() []streamRequest {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]streamRequest(nil), fb.ops...)
}

func newTestGateway(t *testing.T, fb *fakeBridge) *Gateway {
	t.Helper()
	g := NewGateway(GatewayConfig{
		BaseURL:        fb.server.URL,
		AccountID:      "DU1",
		RequestTimeout: 2 * time.Second,
		SubscribeRate:  1000,
	}, logging.Discard())
	t.Cleanup(func() { _ = g.Disconnect() })
	return g
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:4002", normalizeURL("127.0.0.1:4002", "http"))
	assert.Equal(t, "https://gw.example/api", normalizeURL("https://gw.example/api/", "http"))
	assert.Equal(t, "", normalizeURL("  ", "ws"))
}

func TestGateway_NotConnected(t *testing.T) {
	g := NewGateway(GatewayConfig{BaseURL: "http://127.0.0.1:1", AccountID: "DU1"}, logging.Discard())
	_, err := g.Positions(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = g.Subscribe(context.Background(), paperCall())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestGateway_ConnectRejectsMissingSession(t *testing.T) {
	fb := newFakeBridge(t)
	fb.connected = false
	g := newTestGateway(t, fb)
	err := g.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no brokerage session")
	assert.False(t, g.Connected())
}

func TestGateway_RequestResponse(t *testing.T) {
	fb := newFakeBridge(t)
	g := newTestGateway(t, fb)
	ctx := context.Background()
	require.NoError(t, g.Connect(ctx))
	require.True(t, g.Connected())

	qualified, err := g.QualifyContract(ctx, models.Contract{Symbol: "SPY", SecType: models.SecTypeStock, Exchange: "SMART"})
	require.NoError(t, err)
	assert.Equal(t, int64(756733), qualified.ConID)

	chains, err := g.OptionChainParams(ctx, qualified)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, []float64{499, 500, 501}, chains[0].Strikes)

	id, err := g.PlaceOrder(ctx, paperCall(), models.Order{Action: models.ActionBuy, Quantity: 3, LimitPrice: 2.05, TIF: models.TIFIOC, Ref: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", id)
	fb.mu.Lock()
	assert.Equal(t, "r1", fb.orders["ord-1"].Order.Ref)
	fb.mu.Unlock()

	status, err := g.OrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, status.State)
	assert.Equal(t, 3, status.Filled)
	assert.InDelta(t, 2.05, status.AvgFillPrice, 1e-9)
	assert.Equal(t, 0.0, status.Commission)

	_, err = g.OrderStatus(ctx, "nope")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	require.NoError(t, g.CancelOrder(ctx, id))

	positions, err := g.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 3, positions[0].Quantity)

	summary, err := g.AccountSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, summary[TagAvailableFunds])
}

func TestGateway_SubscriptionsAreShared(t *testing.T) {
	fb := newFakeBridge(t)
	g := newTestGateway(t, fb)
	ctx := context.Background()
	require.NoError(t, g.Connect(ctx))

	c := paperCall()
	first, err := g.Subscribe(ctx, c)
	require.NoError(t, err)
	second, err := g.Subscribe(ctx, c)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		q, ok := g.Quote(c.ConID)
		return ok && q.Ask == 2.05 && q.AskSize == 7
	}, 2*time.Second, 10*time.Millisecond)

	q, _ := g.Quote(c.ConID)
	assert.True(t, math.IsNaN(q.Bid), "null bid decodes to NaN")

	require.NoError(t, g.Unsubscribe(first))
	_, ok := g.Quote(c.ConID)
	assert.True(t, ok, "line stays open while another subscription holds it")

	require.NoError(t, g.Unsubscribe(second))
	require.Eventually(t, func() bool {
		ops := fb.opsSnapshot()
		return len(ops) == 2 && ops[1].Op == "unsubscribe"
	}, 2*time.Second, 10*time.Millisecond)

	ops := fb.opsSnapshot()
	assert.Equal(t, "subscribe", ops[0].Op, "one wire subscribe for two holders")
	assert.ErrorIs(t, g.Unsubscribe(second), ErrUnknownSubscription)

	unqualified := c
	unqualified.ConID = 0
	_, err = g.Subscribe(ctx, unqualified)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not qualified"))
}
