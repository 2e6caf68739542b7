// Package flashloan runs the borrow → caller actions → repay cycle against a
// pool inside one store unit. Either the whole cycle commits, with the fee
// credited and a loan record appended, or nothing it did persists.
//
// All monetary values use shopspring/decimal, never float64.
package flashloan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/flashpool/internal/address"
	"github.com/atmx/flashpool/internal/fee"
	"github.com/atmx/flashpool/internal/limits"
	"github.com/atmx/flashpool/internal/metrics"
	"github.com/atmx/flashpool/internal/model"
	"github.com/atmx/flashpool/internal/store"
)

var (
	// ErrReceiverPanic wraps a panic raised inside a receiver.
	ErrReceiverPanic = errors.New("flashloan: receiver panicked")

	// ErrActionFailed wraps an error from a bracket's action.
	ErrActionFailed = errors.New("flashloan: action failed")
)

// Receiver is the caller's code that runs while the loan is open. It must
// call loan.Repay before returning; any error it returns rolls the loan back.
type Receiver interface {
	OnFlashLoan(ctx context.Context, loan *Loan) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, loan *Loan) error

func (f ReceiverFunc) OnFlashLoan(ctx context.Context, loan *Loan) error {
	return f(ctx, loan)
}

// Action is what a bracket does with the borrowed principal, typically a
// swap route. It returns the proceeds available to the borrower.
type Action interface {
	Run(ctx context.Context, principal decimal.Decimal) (decimal.Decimal, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, principal decimal.Decimal) (decimal.Decimal, error)

func (f ActionFunc) Run(ctx context.Context, principal decimal.Decimal) (decimal.Decimal, error) {
	return f(ctx, principal)
}

// Notifier is told about every committed loan.
type Notifier interface {
	LoanSettled(rec *model.LoanRecord, pool *model.Pool)
}

// Request asks for a loan handed to a Receiver.
type Request struct {
	PoolID    string
	Borrower  string
	Principal decimal.Decimal
}

// BracketRequest is a loan, an action and a repayment as one call.
// A zero Repayment repays exactly the required amount.
type BracketRequest struct {
	PoolID    string
	Borrower  string
	Principal decimal.Decimal
	Repayment decimal.Decimal
	Action    Action
}

// Result reports a settled bracket.
type Result struct {
	LoanID    string          `json:"loan_id"`
	PoolID    string          `json:"pool_id"`
	Borrower  string          `json:"borrower"`
	Principal decimal.Decimal `json:"principal"`
	Fee       decimal.Decimal `json:"fee"`
	Repaid    decimal.Decimal `json:"repaid"`
	Proceeds  decimal.Decimal `json:"proceeds"`
	NetProfit decimal.Decimal `json:"net_profit"` // proceeds - repaid; negative is a loss
}

// Quote is a dry run of a borrow.
type Quote struct {
	PoolID    string          `json:"pool_id"`
	Principal decimal.Decimal `json:"principal"`
	Fee       decimal.Decimal `json:"fee"`
	Required  decimal.Decimal `json:"required_repayment"`
	Available decimal.Decimal `json:"available_liquidity"`
	FeeBps    uint32          `json:"fee_bps"`
}

// Controller runs flash loans.
type Controller struct {
	store    store.Store
	limiter  *limits.LoanLimiter
	notifier Notifier
	now      func() time.Time
	newID    func() string
}

// Option configures a Controller.
type Option func(*Controller)

// WithLimiter applies utilization and rate limits to every loan.
func WithLimiter(l *limits.LoanLimiter) Option {
	return func(c *Controller) { c.limiter = l }
}

// WithNotifier registers a listener for committed loans.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller over st.
func NewController(st store.Store, opts ...Option) *Controller {
	c := &Controller{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute borrows req.Principal from the pool, hands the open loan to recv
// and commits only if recv repaid in full and the pool invariants hold.
// The pool's ledger slot is taken without waiting; if another unit holds
// it the call fails with model.ErrPoolBusy.
func (c *Controller) Execute(ctx context.Context, req Request, recv Receiver) (*model.LoanRecord, error) {
	start := time.Now()
	var (
		rec      *model.LoanRecord
		after    *model.Pool
		borrowed bool
	)

	err := c.run(ctx, req, func(tx store.Tx) error {
		p, err := tx.Pool(ctx)
		if err != nil {
			return err
		}
		if p.Reserved.Valid {
			return fmt.Errorf("%w: %s has %s reserved", model.ErrPoolBusy, p.ID, p.Reserved.Decimal)
		}
		before := p.Clone()

		required, err := c.check(p, req.Principal)
		if err != nil {
			return err
		}

		loan := borrow(c.newID(), req.Borrower, p, req.Principal, required)
		borrowed = true
		slog.Debug("flash loan borrowed",
			"loan", loan.ID,
			"pool", p.ID,
			"borrower", req.Borrower,
			"principal", req.Principal.String(),
			"required", required.String(),
		)

		if err := invoke(ctx, recv, loan); err != nil {
			loan.close()
			return err
		}

		settled, repaid, err := loan.settle()
		if err != nil {
			return err
		}

		now := c.now()
		settled.LoanCount++
		settled.UpdatedAt = now
		if err := Verify(before, settled); err != nil {
			metrics.InvariantViolations.Inc()
			return err
		}
		if err := tx.SavePool(ctx, settled); err != nil {
			return err
		}

		rec = &model.LoanRecord{
			ID:        loan.ID,
			PoolID:    p.ID,
			Borrower:  req.Borrower,
			Principal: req.Principal,
			Repaid:    repaid,
			Fee:       repaid.Sub(req.Principal),
			Timestamp: now,
		}
		if err := tx.InsertLoan(ctx, rec); err != nil {
			return err
		}
		after = settled
		return nil
	})

	outcome := outcomeOf(err, borrowed)
	metrics.LoansTotal.WithLabelValues(outcome).Inc()
	metrics.LoanLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		slog.Warn("flash loan failed",
			"pool", req.PoolID,
			"borrower", req.Borrower,
			"principal", req.Principal.String(),
			"outcome", outcome,
			"err", err,
		)
		return nil, err
	}

	metrics.FeesCollected.WithLabelValues(rec.PoolID).Add(rec.Fee.InexactFloat64())
	metrics.LoanVolume.WithLabelValues(rec.PoolID).Add(rec.Principal.InexactFloat64())
	metrics.PoolLiquidity.WithLabelValues(rec.PoolID).Set(after.TotalLiquidity.InexactFloat64())

	slog.Info("flash loan settled",
		"loan", rec.ID,
		"pool", rec.PoolID,
		"borrower", rec.Borrower,
		"principal", rec.Principal.String(),
		"repaid", rec.Repaid.String(),
		"fee", rec.Fee.String(),
		"liquidity", after.TotalLiquidity.String(),
	)

	if c.notifier != nil {
		c.notifier.LoanSettled(rec, after)
	}
	return rec, nil
}

// FlashLoan borrows, runs the action on the principal and repays, as one
// unit. The result reports what the borrower kept.
func (c *Controller) FlashLoan(ctx context.Context, req BracketRequest) (*Result, error) {
	proceeds := req.Principal
	recv := ReceiverFunc(func(ctx context.Context, loan *Loan) error {
		if req.Action != nil {
			out, err := req.Action.Run(ctx, loan.Principal)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrActionFailed, err)
			}
			proceeds = out
		}

		amount := req.Repayment
		if amount.IsZero() {
			amount = loan.Required
		}
		return loan.Repay(req.Borrower, amount)
	})

	rec, err := c.Execute(ctx, Request{
		PoolID:    req.PoolID,
		Borrower:  req.Borrower,
		Principal: req.Principal,
	}, recv)
	if err != nil {
		return nil, err
	}

	return &Result{
		LoanID:    rec.ID,
		PoolID:    rec.PoolID,
		Borrower:  rec.Borrower,
		Principal: rec.Principal,
		Fee:       rec.Fee,
		Repaid:    rec.Repaid,
		Proceeds:  proceeds,
		NetProfit: proceeds.Sub(rec.Repaid),
	}, nil
}

// Quote runs the borrow checks against the committed pool state without
// opening a loan.
func (c *Controller) Quote(ctx context.Context, poolID string, principal decimal.Decimal) (*Quote, error) {
	p, err := c.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, translate(err)
	}
	required, err := c.check(p, principal)
	if err != nil {
		return nil, err
	}
	return &Quote{
		PoolID:    p.ID,
		Principal: principal,
		Fee:       required.Sub(principal),
		Required:  required,
		Available: p.Available(),
		FeeBps:    p.FeeBps,
	}, nil
}

func (c *Controller) run(ctx context.Context, req Request, fn store.TxFunc) error {
	if _, err := address.Parse(req.Borrower); err != nil {
		return fmt.Errorf("borrower: %w", err)
	}
	if err := c.limiter.Allow(req.Borrower); err != nil {
		return err
	}
	return translate(c.store.TryUpdate(ctx, req.PoolID, fn))
}

// check validates principal against the pool and returns the required
// repayment.
func (c *Controller) check(p *model.Pool, principal decimal.Decimal) (decimal.Decimal, error) {
	policy := fee.PolicyFor(p)
	if err := policy.CheckPrincipal(principal, p.Available()); err != nil {
		return decimal.Zero, err
	}
	if err := c.limiter.CheckUtilization(principal, p.Available()); err != nil {
		return decimal.Zero, err
	}
	return policy.RequiredRepayment(principal)
}

// invoke runs the receiver, turning a panic into an error so the unit
// rolls back instead of crashing the caller.
func invoke(ctx context.Context, recv Receiver, loan *Loan) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrReceiverPanic, r)
		}
	}()
	return recv.OnFlashLoan(ctx, loan)
}

func outcomeOf(err error, borrowed bool) string {
	switch {
	case err == nil:
		return metrics.OutcomeSettled
	case errors.Is(err, model.ErrPoolBusy):
		return metrics.OutcomeBusy
	case errors.Is(err, limits.ErrRateLimited):
		return metrics.OutcomeRateLimited
	case borrowed:
		return metrics.OutcomeRolledBack
	}
	return metrics.OutcomeRejected
}

// translate maps storage errors onto domain errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrLocked):
		return fmt.Errorf("%w: %v", model.ErrPoolBusy, err)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", model.ErrPoolNotFound, err)
	}
	return err
}
