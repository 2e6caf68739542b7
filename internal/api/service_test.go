package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/flashpool/internal/address"
	"github.com/atmx/flashpool/internal/api"
	"github.com/atmx/flashpool/internal/flashloan"
	"github.com/atmx/flashpool/internal/limits"
	"github.com/atmx/flashpool/internal/model"
	"github.com/atmx/flashpool/internal/pool"
	"github.com/atmx/flashpool/internal/store"
	"github.com/atmx/flashpool/internal/swap"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var (
	authority = address.FromSeed("authority")
	lender    = address.FromSeed("lender")
	borrower  = address.FromSeed("borrower")
)

type testEnv struct {
	hub    *api.Hub
	router chi.Router
}

// newTestEnv creates an API over an in-memory store with a seeded swap
// router.
func newTestEnv(t *testing.T, opts ...flashloan.Option) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	hub := api.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	venues := swap.DefaultRouter(9)
	require.NoError(t, venues.ParsePool("raydium:SOL/BONK:1000:2000000"))
	require.NoError(t, venues.ParsePool("jupiter:SOL/BONK:1000:1800000"))

	opts = append(opts, flashloan.WithNotifier(hub))
	svc := api.NewService(pool.NewManager(ms), flashloan.NewController(ms, opts...), venues, hub)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{hub: hub, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

var onePercent uint32 = 100

// seedPool creates a 1% pool holding 10000.
func (e *testEnv) seedPool(t *testing.T) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/pools", api.InitializeRequest{Authority: authority, Name: "sol-main", FeeBps: &onePercent})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var p model.PoolSummary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))

	w = e.do(t, "POST", "/api/v1/pools/"+p.ID+"/deposit", api.AmountRequest{Depositor: lender, Amount: d("10000")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return p.ID
}

func (e *testEnv) pool(t *testing.T, id string) model.PoolSummary {
	t.Helper()
	w := e.do(t, "GET", "/api/v1/pools/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var p model.PoolSummary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	return p
}

// --- Pool management tests ---

func TestInitializePool(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/v1/pools", api.InitializeRequest{Authority: authority, Name: "sol-main"})
	require.Equal(t, http.StatusCreated, w.Code)

	var p model.PoolSummary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	assert.Equal(t, address.PoolAddress(authority, "sol-main"), p.ID)
	assert.Equal(t, pool.DefaultFeeBps, p.FeeBps)
	assert.True(t, p.MinLoan.Equal(d("0.1")))
	assert.True(t, p.SharePrice.Equal(d("1")))

	w = e.do(t, "POST", "/api/v1/pools", api.InitializeRequest{Authority: authority, Name: "sol-main"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestInitializePool_ExplicitZero(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/v1/pools", map[string]any{
		"authority": authority,
		"name":      "free",
		"fee_bps":   0,
		"decimals":  0,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var p model.PoolSummary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	assert.Equal(t, uint32(0), p.FeeBps)
	assert.Equal(t, int32(0), p.Decimals)

	w = e.do(t, "POST", "/api/v1/pools/"+p.ID+"/deposit", api.AmountRequest{Depositor: lender, Amount: d("300")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, "POST", "/api/v1/pools/"+p.ID+"/flashloan", api.FlashLoanRequest{Borrower: borrower, Principal: d("100")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.FlashLoanResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Fee.IsZero())
	assert.True(t, resp.Repaid.Equal(d("100")))
	assert.True(t, e.pool(t, p.ID).TotalLiquidity.Equal(d("300")))
}

func TestInitializePool_BadRequest(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/pools", strings.NewReader("{"))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "POST", "/api/v1/pools", api.InitializeRequest{Authority: "bogus", Name: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListPools(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "GET", "/api/v1/pools", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	id := e.seedPool(t)
	w = e.do(t, "GET", "/api/v1/pools", nil)
	var pools []model.PoolSummary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&pools))
	require.Len(t, pools, 1)
	assert.Equal(t, id, pools[0].ID)
	assert.True(t, pools[0].Available.Equal(d("10000")))
}

func TestGetPool_NotFound(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/v1/pools/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeposit_InvalidAmount(t *testing.T) {
	e := newTestEnv(t)
	id := e.seedPool(t)

	w := e.do(t, "POST", "/api/v1/pools/"+id+"/deposit", api.AmountRequest{Depositor: lender, Amount: d("0")})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, e.pool(t, id).TotalLiquidity.Equal(d("10000")))
}

func TestLiquidity_InvalidDepositor(t *testing.T) {
	e := newTestEnv(t)
	id := e.seedPool(t)

	for _, who := range []string{"", "alice", "not a key!/../"} {
		w := e.do(t, "POST", "/api/v1/pools/"+id+"/deposit", api.AmountRequest{Depositor: who, Amount: d("5")})
		assert.Equal(t, http.StatusBadRequest, w.Code, "deposit by %q", who)

		w = e.do(t, "POST", "/api/v1/pools/"+id+"/withdraw", api.AmountRequest{Depositor: who, Amount: d("5")})
		assert.Equal(t, http.StatusBadRequest, w.Code, "withdraw by %q", who)
	}

	w := e.do(t, "GET", "/api/v1/pools/"+id+"/positions/alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.True(t, e.pool(t, id).TotalLiquidity.Equal(d("10000")))
	w = e.do(t, "GET", "/api/v1/pools/"+id+"/positions", nil)
	var positions []model.Position
	require.NoError(t, json.NewDecoder(w.Body).Decode(&positions))
	assert.Len(t, positions, 1)
}

func TestWithdraw(t *testing.T) {
	e := newTestEnv(t)
	id := e.seedPool(t)

	w := e.do(t, "POST", "/api/v1/pools/"+id+"/withdraw", api.AmountRequest{Depositor: lender, Amount: d("2500")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.WithdrawResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Amount.Equal(d("2500")))
	assert.True(t, resp.Position.Shares.Equal(d("7500")))

	w = e.do(t, "POST", "/api/v1/pools/"+id+"/withdraw", api.AmountRequest{Depositor: lender, Amount: d("7501")})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPositions(t *testing.T) {
	e := newTestEnv(t)
	id := e.seedPool(t)

	w := e.do(t, "GET", "/api/v1/pools/"+id+"/positions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var positions []model.Position
	require.NoError(t, json.NewDecoder(w.Body).Decode(&positions))
	require.Len(t, positions, 1)
	assert.Equal(t, lender, positions[0].Owner)

	w = e.do(t, "GET", "/api/v1/pools/"+id+"/positions/"+borrower, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pos model.Position
	require.NoError(t, json.NewDecoder(w.Body).Decode(&pos))
	assert.True(t, pos.Shares.IsZero())
}

// --- Flash loan tests ---

func TestQuote(t *testing.T) {
	e := newTestEnv(t)
	id := e.seedPool(t)

	w := e.do(t, "GET", "/api/v1/pools/"+id+"/quote?principal=1000", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var q flashloan.Quote
	require.NoError(t, json.NewDecoder(w.Body).Decode(&q))
	assert.True(t, q.Required.Equal(d("1010")))

	w = e.do(t, "GET", "/api/v1/pools/"+id+"/quote?principal=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "GET", "/api/v1/pools/"+id+"/quote?principal=0.01", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFlashLoan_Exact(t *testing.T) {
	e := newTestEnv(t)
	id := e.seedPool(t)

	w := e.do(t, "POST", "/api/v1/pools/"+id+"/flashloan", api.FlashLoanRequest{
		Borrower: borrower, Principal: d("1000"), Repayment: d("1010"),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.FlashLoanResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Fee.Equal(d("10")))
	assert.True(t, resp.NetProfit.Equal(d("-10")))
	assert.False(t, resp.Profitable)

	p := e.pool(t, id)
	assert.True(t, p.TotalLiquidity.Equal(d("10010")))
	assert.True(t, p.FeeAccumulated.Equal(d("10")))

	w = e.do(t, "GET", "/api/v1/pools/"+id+"/loans", nil)
	var loans []model.LoanRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&loans))
	require.Len(t, loans, 1)
	assert.Equal(t, resp.LoanID, loans[0].ID)
}

func TestFlashLoan_UnderRepayment(t *testing.T) {
	e := newTestEnv(t)
	id := e.seedPool(t)

	w := e.do(t, "POST", "/api/v1/pools/"+id+"/flashloan", api.FlashLoanRequest{
		Borrower: borrower, Principal: d("1000"), Repayment: d("1005"),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	p := e.pool(t, id)
	assert.True(t, p.TotalLiquidity.Equal(d("10000")))
	assert.True(t, p.FeeAccumulated.IsZero())
}

func TestFlashLoan_Errors(t *testing.T) {
	tests := []struct {
		name   string
		req    api.FlashLoanRequest
		status int
	}{
		{"below minimum", api.FlashLoanRequest{Borrower: borrower, Principal: d("0.01")}, http.StatusBadRequest},
		{"insufficient", api.FlashLoanRequest{Borrower: borrower, Principal: d("10001")}, http.StatusConflict},
		{"bad borrower", api.FlashLoanRequest{Borrower: "x", Principal: d("1")}, http.StatusBadRequest},
		{"unknown strategy", api.FlashLoanRequest{Borrower: borrower, Principal: d("1"),
			Action: &api.ActionSpec{Strategy: "sandwich"}}, http.StatusBadRequest},
		{"open route", api.FlashLoanRequest{Borrower: borrower, Principal: d("1"),
			Action: &api.ActionSpec{Strategy: "route", Route: []swap.Hop{{Venue: "raydium", From: "SOL", To: "BONK"}}}},
			http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			id := e.seedPool(t)
			w := e.do(t, "POST", "/api/v1/pools/"+id+"/flashloan", tt.req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.True(t, e.pool(t, id).TotalLiquidity.Equal(d("10000")))
		})
	}
}

func TestFlashLoan_UnknownPool(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "POST", "/api/v1/pools/missing/flashloan", api.FlashLoanRequest{Borrower: borrower, Principal: d("1")})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFlashLoan_Route(t *testing.T) {
	e := newTestEnv(t)
	id := e.seedPool(t)

	w := e.do(t, "POST", "/api/v1/pools/"+id+"/flashloan", api.FlashLoanRequest{
		Borrower:  borrower,
		Principal: d("10"),
		Action: &api.ActionSpec{Strategy: "route", Route: []swap.Hop{
			{Venue: "raydium", From: "SOL", To: "BONK"},
			{Venue: "jupiter", From: "BONK", To: "SOL"},
		}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.FlashLoanResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Repaid.Equal(d("10.1")))
	assert.True(t, resp.Proceeds.GreaterThan(d("10.5")))
	assert.True(t, resp.Profitable)
}

func TestFlashLoan_RateLimited(t *testing.T) {
	e := newTestEnv(t, flashloan.WithLimiter(limits.NewLoanLimiter(0, 0.001, 1)))
	id := e.seedPool(t)

	req := api.FlashLoanRequest{Borrower: borrower, Principal: d("1")}
	w := e.do(t, "POST", "/api/v1/pools/"+id+"/flashloan", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, "POST", "/api/v1/pools/"+id+"/flashloan", req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, api.StatusFor(model.ErrPoolBusy))
	assert.Equal(t, http.StatusUnprocessableEntity, api.StatusFor(model.ErrReceiptMismatch))
	assert.Equal(t, http.StatusUnprocessableEntity, api.StatusFor(model.ErrLoanNotRepaid))
	assert.Equal(t, http.StatusConflict, api.StatusFor(model.ErrAlreadyInitialized))
	assert.Equal(t, http.StatusInternalServerError, api.StatusFor(model.ErrInvariantViolation))
}

// --- WebSocket ---

func TestWebSocket_LoanEvent(t *testing.T) {
	e := newTestEnv(t)
	id := e.seedPool(t)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return e.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	w := e.do(t, "POST", "/api/v1/pools/"+id+"/flashloan", api.FlashLoanRequest{Borrower: borrower, Principal: d("1000")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev api.Event
	// Seeding events may still be in flight; skip to the loan.
	for ev.Type != api.EventLoanSettled {
		require.NoError(t, conn.ReadJSON(&ev))
	}
	assert.Equal(t, id, ev.PoolID)
	assert.Equal(t, "10", ev.Fee)
	assert.Equal(t, "10010", ev.Liquidity)
}
