// Package model defines the core domain types shared across the flash pool.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ShareScale is the number of decimal places kept for depositor shares.
const ShareScale int32 = 18

// Pool is the liquidity ledger a flash loan draws from. One record per pool
// address; mutated only inside a store transaction.
type Pool struct {
	ID             string              `json:"id" db:"id"`               // base58 pool address
	Name           string              `json:"name" db:"name"`
	Authority      string              `json:"authority" db:"authority"` // pool admin identity
	Decimals       int32               `json:"decimals" db:"decimals"`   // amount precision (9 = lamports)
	TotalLiquidity decimal.Decimal     `json:"total_liquidity" db:"total_liquidity"`
	Reserved       decimal.NullDecimal `json:"reserved_for_loan" db:"reserved_for_loan"` // set only mid-loan
	FeeAccumulated decimal.Decimal     `json:"fee_accumulated" db:"fee_accumulated"`
	FeeBps         uint32              `json:"fee_bps" db:"fee_bps"`   // 100 = 1%
	MinLoan        decimal.Decimal     `json:"min_loan" db:"min_loan"` // smallest principal accepted
	TotalShares    decimal.Decimal     `json:"total_shares" db:"total_shares"`
	LoanCount      int64               `json:"loan_count" db:"loan_count"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at" db:"updated_at"`
}

// Available returns the liquidity not currently lent out.
func (p *Pool) Available() decimal.Decimal {
	if p.Reserved.Valid {
		return p.TotalLiquidity.Sub(p.Reserved.Decimal)
	}
	return p.TotalLiquidity
}

// Clone returns an independent copy of the pool record.
func (p *Pool) Clone() *Pool {
	c := *p
	return &c
}

// Position is a depositor's proportional claim on a pool.
type Position struct {
	PoolID    string          `json:"pool_id" db:"pool_id"`
	Owner     string          `json:"owner" db:"owner"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Deposited decimal.Decimal `json:"deposited" db:"deposited"` // lifetime deposits
	Withdrawn decimal.Decimal `json:"withdrawn" db:"withdrawn"` // lifetime withdrawals
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Value returns the position's current claim on the pool's liquidity,
// rounded down to the pool's precision.
func (p *Position) Value(pool *Pool) decimal.Decimal {
	if p.Shares.IsZero() || pool.TotalShares.IsZero() {
		return decimal.Zero
	}
	return p.Shares.Mul(pool.TotalLiquidity).
		DivRound(pool.TotalShares, pool.Decimals+ShareScale).
		RoundFloor(pool.Decimals)
}

// LoanRecord is an immutable record of a settled flash loan. It is written
// in the same transaction that commits the loan and never on rollback.
type LoanRecord struct {
	ID        string          `json:"id" db:"id"`
	PoolID    string          `json:"pool_id" db:"pool_id"`
	Borrower  string          `json:"borrower" db:"borrower"`
	Principal decimal.Decimal `json:"principal" db:"principal"`
	Repaid    decimal.Decimal `json:"repaid" db:"repaid"`
	Fee       decimal.Decimal `json:"fee" db:"fee"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// PoolSummary is the read model returned by the API: the pool plus derived
// figures.
type PoolSummary struct {
	Pool
	Available  decimal.Decimal `json:"available_liquidity"`
	SharePrice decimal.Decimal `json:"share_price"` // liquidity per share
}

// Summarize builds the read model for a pool.
func Summarize(p *Pool) PoolSummary {
	price := decimal.NewFromInt(1)
	if p.TotalShares.IsPositive() {
		price = p.TotalLiquidity.DivRound(p.TotalShares, ShareScale)
	}
	return PoolSummary{
		Pool:       *p,
		Available:  p.Available(),
		SharePrice: price,
	}
}
