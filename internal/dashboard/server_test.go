package dashboard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_straddle/internal/logging"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/scheduler"
	"github.com/eddiefleurent/scranton_straddle/internal/storage"
)

type staticStatus scheduler.Status

func (s staticStatus) Status() scheduler.Status { return scheduler.Status(s) }

// MockAccount is an AccountSource backed by testify/mock.
type MockAccount struct {
	mock.Mock
}

func (m *MockAccount) Snapshot() models.AccountSnapshot {
	args := m.Called()
	return args.Get(0).(models.AccountSnapshot)
}

func newTestServer(t *testing.T, token string) (*Server, *storage.MockStorage, *int) {
	t.Helper()
	store := storage.NewMockStorage()
	calls := 0
	status := staticStatus{State: models.StateRunning, Tracked: []string{"SPY"}, Ticks: 42}
	account := &MockAccount{}
	account.On("Snapshot").Return(models.AccountSnapshot{AvailableFunds: 75000}).Maybe()
	s := NewServer(Config{AuthToken: token}, status, account, store,
		func() { calls++ }, logging.Discard())
	return s, store, &calls
}

func do(t *testing.T, s *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStatus(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	rec = do(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st scheduler.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, models.StateRunning, st.State)
	assert.Equal(t, []string{"SPY"}, st.Tracked)
	assert.Equal(t, int64(42), st.Ticks)

	rec = do(t, s, http.MethodGet, "/account", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available_funds":75000`)
}

func TestAccount_ReadsSnapshotPerRequest(t *testing.T) {
	account := &MockAccount{}
	account.On("Snapshot").Return(models.AccountSnapshot{AvailableFunds: 60000}).Once()
	account.On("Snapshot").Return(models.AccountSnapshot{AvailableFunds: 58000}).Once()
	s := NewServer(Config{}, staticStatus{}, account, storage.NewMockStorage(), func() {}, logging.Discard())

	first := do(t, s, http.MethodGet, "/account", "")
	second := do(t, s, http.MethodGet, "/account", "")
	assert.Contains(t, first.Body.String(), `"available_funds":60000`)
	assert.Contains(t, second.Body.String(), `"available_funds":58000`)
	account.AssertExpectations(t)
	account.AssertNumberOfCalls(t, "Snapshot", 2)
}

func TestPositions(t *testing.T) {
	s, store, _ := newTestServer(t, "")
	ctx := context.Background()
	_, err := store.RegisterUnderlying(ctx, models.Registration{
		ConID: 756733, Symbol: "SPY", SecType: models.SecTypeStock, PrimaryExchange: "ARCA",
	})
	require.NoError(t, err)
	c := models.Contract{ConID: 5001, Symbol: "SPY", SecType: models.SecTypeOption, Right: models.RightCall, Strike: 500, Multiplier: 100}
	require.NoError(t, store.LogTrade(ctx, models.Fill{Time: time.Now(), Contract: c, Quantity: 2, AvgPrice: 1.5}))

	rec := do(t, s, http.MethodGet, "/positions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var views []positionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, 2, views[0].Quantity)
	require.NotNil(t, views[0].AvgPrice)
	assert.InDelta(t, 1.5, *views[0].AvgPrice, 1e-9)

	store.SetError("AllOpenPositions", assert.AnError)
	rec = do(t, s, http.MethodGet, "/positions", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAuth(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code, "health stays open")
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/status", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/status", "secret").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/status?token=secret", "").Code)
}

func TestShutdown(t *testing.T) {
	s, _, calls := newTestServer(t, "")

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/shutdown", "").Code)
	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/shutdown", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/shutdown", "").Code)
	assert.Equal(t, 1, *calls)
}
