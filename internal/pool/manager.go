// Package pool owns the liquidity ledger outside the loan cycle: creating
// pools and moving depositor funds in and out of them.
//
// All monetary values use shopspring/decimal, never float64.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/flashpool/internal/address"
	"github.com/atmx/flashpool/internal/fee"
	"github.com/atmx/flashpool/internal/metrics"
	"github.com/atmx/flashpool/internal/model"
	"github.com/atmx/flashpool/internal/store"
)

// Defaults applied when Params leaves a field unset.
const (
	DefaultFeeBps   uint32 = 20
	DefaultDecimals int32  = 9
)

// DefaultMinLoan is the smallest principal a pool accepts unless configured.
var DefaultMinLoan = decimal.RequireFromString("0.1")

// Params are the pool-level settings fixed at initialization. A nil
// FeeBps or Decimals takes the manager's default; zero is a valid explicit
// value for both. MinLoan must be positive, so zero means unset.
type Params struct {
	Name     string
	FeeBps   *uint32
	MinLoan  decimal.Decimal
	Decimals *int32
}

// Defaults are the values Initialize uses for fields Params leaves unset.
type Defaults struct {
	FeeBps   uint32
	MinLoan  decimal.Decimal
	Decimals int32
}

// Manager creates pools and handles deposits and withdrawals. Every
// mutation runs inside a store unit that waits for the pool's ledger slot,
// so it never interleaves with an open loan.
type Manager struct {
	store    store.Store
	defaults Defaults
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaults replaces the manager defaults. A non-positive MinLoan keeps
// DefaultMinLoan.
func WithDefaults(d Defaults) Option {
	return func(m *Manager) {
		if !d.MinLoan.IsPositive() {
			d.MinLoan = DefaultMinLoan
		}
		m.defaults = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a pool manager over st.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store: st,
		defaults: Defaults{
			FeeBps:   DefaultFeeBps,
			MinLoan:  DefaultMinLoan,
			Decimals: DefaultDecimals,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize creates an empty pool owned by authority. The pool address is
// derived from (authority, name), so initializing the same pair twice fails
// with model.ErrAlreadyInitialized.
func (m *Manager) Initialize(ctx context.Context, authority string, p Params) (*model.Pool, error) {
	if _, err := address.Parse(authority); err != nil {
		return nil, fmt.Errorf("authority: %w", err)
	}
	if err := address.ValidateName(p.Name); err != nil {
		return nil, err
	}
	feeBps, decimals := m.defaults.FeeBps, m.defaults.Decimals
	if p.FeeBps != nil {
		feeBps = *p.FeeBps
	}
	if p.Decimals != nil {
		decimals = *p.Decimals
	}
	minLoan := p.MinLoan
	if minLoan.IsZero() {
		minLoan = m.defaults.MinLoan.RoundCeil(decimals)
	}

	policy, err := fee.NewPolicy(feeBps, decimals, minLoan)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidAmount, err)
	}

	id := address.PoolAddress(authority, p.Name)
	now := m.now()
	pool := &model.Pool{
		ID:             id,
		Name:           p.Name,
		Authority:      authority,
		Decimals:       policy.Scale,
		TotalLiquidity: decimal.Zero,
		FeeAccumulated: decimal.Zero,
		FeeBps:         policy.FeeBps,
		MinLoan:        policy.MinLoan,
		TotalShares:    decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := m.store.CreatePool(ctx, pool); err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, fmt.Errorf("%w: %s", model.ErrAlreadyInitialized, id)
		}
		return nil, fmt.Errorf("create pool: %w", err)
	}

	recordLiquidity(pool)
	slog.Info("pool initialized",
		"pool", id,
		"name", p.Name,
		"authority", authority,
		"fee_bps", policy.FeeBps,
		"min_loan", policy.MinLoan.String(),
	)
	return pool, nil
}

// Deposit adds amount to the pool's liquidity and mints the depositor's
// proportional shares. Returns the updated position.
func (m *Manager) Deposit(ctx context.Context, poolID, depositor string, amount decimal.Decimal) (*model.Position, error) {
	if _, err := address.Parse(depositor); err != nil {
		return nil, fmt.Errorf("depositor: %w", err)
	}

	var (
		out       *model.Position
		committed *model.Pool
	)
	err := m.update(ctx, poolID, func(tx store.Tx) error {
		p, err := tx.Pool(ctx)
		if err != nil {
			return err
		}
		if err := fee.ValidateAmount(amount, p.Decimals); err != nil {
			return err
		}

		minted := SharesForDeposit(p, amount)
		if !minted.IsPositive() {
			return fmt.Errorf("%w: %s mints no shares", model.ErrInvalidAmount, amount)
		}

		pos, err := tx.Position(ctx, depositor)
		if err != nil {
			return err
		}

		now := m.now()
		p.TotalLiquidity = p.TotalLiquidity.Add(amount)
		p.TotalShares = p.TotalShares.Add(minted)
		p.UpdatedAt = now

		pos.Shares = pos.Shares.Add(minted)
		pos.Deposited = pos.Deposited.Add(amount)
		pos.UpdatedAt = now

		if err := tx.SavePool(ctx, p); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, pos); err != nil {
			return err
		}
		out, committed = pos, p
		return nil
	})
	if err != nil {
		return nil, err
	}

	recordLiquidity(committed)
	slog.Info("deposit",
		"pool", poolID,
		"depositor", depositor,
		"amount", amount.String(),
		"shares", out.Shares.String(),
	)
	return out, nil
}

// Withdraw transfers amount out of the pool to the depositor, burning the
// shares it represents. The amount must not exceed the available liquidity
// or the depositor's position value.
func (m *Manager) Withdraw(ctx context.Context, poolID, depositor string, amount decimal.Decimal) (decimal.Decimal, *model.Position, error) {
	if _, err := address.Parse(depositor); err != nil {
		return decimal.Zero, nil, fmt.Errorf("depositor: %w", err)
	}

	var (
		out       *model.Position
		committed *model.Pool
	)
	err := m.update(ctx, poolID, func(tx store.Tx) error {
		p, err := tx.Pool(ctx)
		if err != nil {
			return err
		}
		if err := fee.ValidateAmount(amount, p.Decimals); err != nil {
			return err
		}
		if amount.GreaterThan(p.Available()) {
			return fmt.Errorf("%w: requested %s, available %s",
				model.ErrInsufficientLiquidity, amount, p.Available())
		}

		pos, err := tx.Position(ctx, depositor)
		if err != nil {
			return err
		}
		if value := pos.Value(p); amount.GreaterThan(value) {
			return fmt.Errorf("%w: requested %s, position worth %s",
				model.ErrInsufficientLiquidity, amount, value)
		}

		burned := SharesForWithdrawal(p, amount)
		if burned.GreaterThan(pos.Shares) {
			burned = pos.Shares
		}

		now := m.now()
		p.TotalLiquidity = p.TotalLiquidity.Sub(amount)
		p.TotalShares = p.TotalShares.Sub(burned)
		p.UpdatedAt = now

		pos.Shares = pos.Shares.Sub(burned)
		pos.Withdrawn = pos.Withdrawn.Add(amount)
		pos.UpdatedAt = now

		if err := tx.SavePool(ctx, p); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, pos); err != nil {
			return err
		}
		out, committed = pos, p
		return nil
	})
	if err != nil {
		return decimal.Zero, nil, err
	}

	recordLiquidity(committed)
	slog.Info("withdrawal",
		"pool", poolID,
		"depositor", depositor,
		"amount", amount.String(),
		"shares_left", out.Shares.String(),
	)
	return amount, out, nil
}

// Pool returns one pool.
func (m *Manager) Pool(ctx context.Context, poolID string) (*model.Pool, error) {
	p, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

// Pools returns every pool, newest first.
func (m *Manager) Pools(ctx context.Context) ([]model.Pool, error) {
	return m.store.ListPools(ctx)
}

// Position returns a depositor's position; unknown owners get a zero one.
func (m *Manager) Position(ctx context.Context, poolID, owner string) (*model.Position, error) {
	if _, err := address.Parse(owner); err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	if _, err := m.Pool(ctx, poolID); err != nil {
		return nil, err
	}
	return m.store.GetPosition(ctx, poolID, owner)
}

// Positions returns all positions in a pool.
func (m *Manager) Positions(ctx context.Context, poolID string) ([]model.Position, error) {
	if _, err := m.Pool(ctx, poolID); err != nil {
		return nil, err
	}
	return m.store.ListPositions(ctx, poolID)
}

// Loans returns the settled loan history of a pool.
func (m *Manager) Loans(ctx context.Context, poolID string) ([]model.LoanRecord, error) {
	if _, err := m.Pool(ctx, poolID); err != nil {
		return nil, err
	}
	return m.store.ListLoans(ctx, poolID)
}

func (m *Manager) update(ctx context.Context, poolID string, fn store.TxFunc) error {
	return translate(m.store.Update(ctx, poolID, fn))
}

// SharesForDeposit returns the shares minted for amount: one per unit on
// an empty pool, otherwise pro rata rounded down.
func SharesForDeposit(p *model.Pool, amount decimal.Decimal) decimal.Decimal {
	if p.TotalShares.IsZero() || p.TotalLiquidity.IsZero() {
		return amount
	}
	return amount.Mul(p.TotalShares).
		DivRound(p.TotalLiquidity, model.ShareScale+1).
		RoundFloor(model.ShareScale)
}

// SharesForWithdrawal returns the shares burned for amount, rounded up.
func SharesForWithdrawal(p *model.Pool, amount decimal.Decimal) decimal.Decimal {
	if p.TotalLiquidity.IsZero() {
		return decimal.Zero
	}
	return amount.Mul(p.TotalShares).
		DivRound(p.TotalLiquidity, model.ShareScale+1).
		RoundCeil(model.ShareScale)
}

// translate maps storage errors onto domain errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", model.ErrPoolNotFound, err)
	case errors.Is(err, store.ErrExists):
		return fmt.Errorf("%w: %v", model.ErrAlreadyInitialized, err)
	case errors.Is(err, store.ErrLocked):
		return fmt.Errorf("%w: %v", model.ErrPoolBusy, err)
	}
	return err
}

func recordLiquidity(p *model.Pool) {
	metrics.PoolLiquidity.WithLabelValues(p.ID).Set(p.TotalLiquidity.InexactFloat64())
}
