// Package api provides the HTTP handlers for creating pools, moving
// liquidity, quoting and executing flash loans, and querying positions and
// loan history.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/flashpool/internal/flashloan"
	"github.com/atmx/flashpool/internal/limits"
	"github.com/atmx/flashpool/internal/model"
	"github.com/atmx/flashpool/internal/pool"
	"github.com/atmx/flashpool/internal/swap"
)

// Service serves the pool API. Serialization per pool is left to the
// store's ledger slots, so handlers for different pools run concurrently.
type Service struct {
	pools  *pool.Manager
	loans  *flashloan.Controller
	router *swap.Router
	hub    *Hub // optional WebSocket hub for real-time broadcasts
}

// NewService creates the API service.
// Pass nil for hub if WebSocket broadcasting is not needed, and nil for
// router to disable route actions.
func NewService(pools *pool.Manager, loans *flashloan.Controller, router *swap.Router, hub *Hub) *Service {
	return &Service{pools: pools, loans: loans, router: router, hub: hub}
}

// Routes registers the API under r (mounted at /api/v1).
func (s *Service) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Get("/pools", s.ListPools)
	r.Post("/pools", s.InitializePool)
	r.Route("/pools/{poolID}", func(r chi.Router) {
		r.Get("/", s.GetPool)
		r.Post("/deposit", s.Deposit)
		r.Post("/withdraw", s.Withdraw)
		r.Get("/positions", s.ListPositions)
		r.Get("/positions/{owner}", s.GetPosition)
		r.Get("/loans", s.ListLoans)
		r.Get("/quote", s.Quote)
		r.Post("/flashloan", s.FlashLoan)
	})
}

// --- Request/Response types ---

// InitializeRequest is the JSON body for pool creation. Omitted fields take
// the server defaults; an explicit 0 fee_bps or decimals is kept.
type InitializeRequest struct {
	Authority string          `json:"authority"` // base58 pool admin key
	Name      string          `json:"name"`
	FeeBps    *uint32         `json:"fee_bps,omitempty"`
	MinLoan   decimal.Decimal `json:"min_loan"`
	Decimals  *int32          `json:"decimals,omitempty"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Depositor string          `json:"depositor"`
	Amount    decimal.Decimal `json:"amount"`
}

// WithdrawResponse is returned from a withdrawal.
type WithdrawResponse struct {
	Amount   decimal.Decimal `json:"amount"`
	Position *model.Position `json:"position"`
}

// ActionSpec selects what a bracket does with the borrowed funds.
type ActionSpec struct {
	Strategy string     `json:"strategy"` // "route" or empty
	Route    []swap.Hop `json:"route"`
}

// FlashLoanRequest is the JSON body for POST /pools/{poolID}/flashloan.
type FlashLoanRequest struct {
	Borrower  string          `json:"borrower"`
	Principal decimal.Decimal `json:"principal"`
	Repayment decimal.Decimal `json:"repayment"` // 0 → exactly the required amount
	Action    *ActionSpec     `json:"action,omitempty"`
}

// FlashLoanResponse wraps the settled result with a profitability verdict.
type FlashLoanResponse struct {
	flashloan.Result
	Profitable bool `json:"profitable"`
}

// --- HTTP Handlers ---

// InitializePool handles POST /api/v1/pools
func (s *Service) InitializePool(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.pools.Initialize(r.Context(), req.Authority, pool.Params{
		Name:     req.Name,
		FeeBps:   req.FeeBps,
		MinLoan:  req.MinLoan,
		Decimals: req.Decimals,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.broadcast(Event{Type: EventPoolInitialized, PoolID: p.ID, Account: p.Authority,
		Liquidity: p.TotalLiquidity.String()})

	writeJSON(w, http.StatusCreated, model.Summarize(p))
}

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.pools.Pools(r.Context())
	if err != nil {
		writeMessage(w, "failed to list pools", http.StatusInternalServerError)
		return
	}

	out := make([]model.PoolSummary, 0, len(pools))
	for i := range pools {
		out = append(out, model.Summarize(&pools[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPool handles GET /api/v1/pools/{poolID}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := s.pools.Pool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Summarize(p))
}

// Deposit handles POST /api/v1/pools/{poolID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, err := s.pools.Deposit(r.Context(), poolID, req.Depositor, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	s.broadcastPool(r, EventDeposit, poolID, req.Depositor, req.Amount)
	writeJSON(w, http.StatusOK, pos)
}

// Withdraw handles POST /api/v1/pools/{poolID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}

	amount, pos, err := s.pools.Withdraw(r.Context(), poolID, req.Depositor, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	s.broadcastPool(r, EventWithdrawal, poolID, req.Depositor, amount)
	writeJSON(w, http.StatusOK, WithdrawResponse{Amount: amount, Position: pos})
}

// ListPositions handles GET /api/v1/pools/{poolID}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.pools.Positions(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/pools/{poolID}/positions/{owner}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.pools.Position(r.Context(), chi.URLParam(r, "poolID"), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ListLoans handles GET /api/v1/pools/{poolID}/loans
func (s *Service) ListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := s.pools.Loans(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if loans == nil {
		loans = []model.LoanRecord{}
	}
	writeJSON(w, http.StatusOK, loans)
}

// Quote handles GET /api/v1/pools/{poolID}/quote?principal=
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	principal, err := decimal.NewFromString(r.URL.Query().Get("principal"))
	if err != nil {
		writeMessage(w, "principal must be a decimal amount", http.StatusBadRequest)
		return
	}

	q, err := s.loans.Quote(r.Context(), chi.URLParam(r, "poolID"), principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// FlashLoan handles POST /api/v1/pools/{poolID}/flashloan
// Borrows, runs the action, and repays as one unit.
func (s *Service) FlashLoan(w http.ResponseWriter, r *http.Request) {
	var req FlashLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}

	action, err := s.action(req.Action)
	if err != nil {
		writeMessage(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.loans.FlashLoan(r.Context(), flashloan.BracketRequest{
		PoolID:    chi.URLParam(r, "poolID"),
		Borrower:  req.Borrower,
		Principal: req.Principal,
		Repayment: req.Repayment,
		Action:    action,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FlashLoanResponse{
		Result:     *res,
		Profitable: swap.Profitable(res.Proceeds, res.Repaid, swap.DefaultGasCost),
	})
}

// action builds the bracket action a request asks for.
func (s *Service) action(spec *ActionSpec) (flashloan.Action, error) {
	if spec == nil {
		return nil, nil
	}
	switch strings.ToLower(spec.Strategy) {
	case "", "none":
		return nil, nil
	case "route":
		if s.router == nil {
			return nil, errors.New("route actions are disabled")
		}
		route, err := swap.NewRoute(s.router, spec.Route)
		if err != nil {
			return nil, err
		}
		return route, nil
	}
	return nil, errors.New("unknown strategy: " + spec.Strategy)
}

func (s *Service) broadcast(ev Event) {
	if s.hub != nil {
		s.hub.Broadcast(ev)
	}
}

func (s *Service) broadcastPool(r *http.Request, typ, poolID, account string, amount decimal.Decimal) {
	if s.hub == nil {
		return
	}
	p, err := s.pools.Pool(r.Context(), poolID)
	if err != nil {
		return
	}
	s.hub.Broadcast(Event{Type: typ, PoolID: poolID, Account: account,
		Amount: amount.String(), Liquidity: p.TotalLiquidity.String()})
}

// StatusFor maps a domain error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrPoolNotFound):
		return http.StatusNotFound
	case errors.Is(err, limits.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrBelowMinimum),
		errors.Is(err, model.ErrInvalidIdentity):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientLiquidity),
		errors.Is(err, model.ErrPoolBusy),
		errors.Is(err, model.ErrAlreadyInitialized):
		return http.StatusConflict
	case errors.Is(err, model.ErrUnderRepayment),
		errors.Is(err, model.ErrReceiptMismatch),
		errors.Is(err, model.ErrLoanNotRepaid),
		errors.Is(err, flashloan.ErrActionFailed),
		errors.Is(err, flashloan.ErrReceiverPanic):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeError writes a JSON error response for err.
func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeMessage(w, "internal error", status)
		return
	}
	writeMessage(w, err.Error(), status)
}

// writeMessage writes a JSON error response.
func writeMessage(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
