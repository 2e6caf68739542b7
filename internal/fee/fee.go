// Package fee implements the flash-loan fee policy: the pure mapping from a
// loan principal and the pool's parameters to the amount that must come back
// before the loan's atomic unit commits.
//
// Fees are quoted in basis points and always rounded up to the pool's amount
// precision, so truncation can never short-change the pool:
//
//	required = principal + ceil(principal * bps / 10000)
//
// All monetary values use shopspring/decimal, never float64.
package fee

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/flashpool/internal/model"
)

// MaxBps is the highest accepted fee rate (100%).
const MaxBps uint32 = 10000

// MaxScale bounds the amount precision a pool may declare.
const MaxScale int32 = 18

var (
	// ErrInvalidRate is returned for fee rates above MaxBps.
	ErrInvalidRate = errors.New("fee: rate must not exceed 10000 bps")

	// ErrInvalidScale is returned for a precision outside [0, MaxScale].
	ErrInvalidScale = errors.New("fee: scale must be between 0 and 18")

	bpsDenominator = decimal.NewFromInt(int64(MaxBps))
)

// Rate converts basis points into a decimal fraction (100 bps → 0.01).
func Rate(bps uint32) decimal.Decimal {
	return decimal.NewFromInt(int64(bps)).Div(bpsDenominator)
}

// ValidateAmount checks that amount is strictly positive and carries no more
// than scale fractional digits.
func ValidateAmount(amount decimal.Decimal, scale int32) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", model.ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Truncate(scale)) {
		return fmt.Errorf("%w: %s exceeds %d decimal places", model.ErrInvalidAmount, amount, scale)
	}
	return nil
}

// Fee returns the fee owed on principal, rounded up to scale.
func Fee(principal decimal.Decimal, bps uint32, scale int32) (decimal.Decimal, error) {
	if err := ValidateAmount(principal, scale); err != nil {
		return decimal.Zero, err
	}
	return principal.Mul(Rate(bps)).RoundCeil(scale), nil
}

// RequiredRepayment returns principal plus its fee.
func RequiredRepayment(principal decimal.Decimal, bps uint32, scale int32) (decimal.Decimal, error) {
	f, err := Fee(principal, bps, scale)
	if err != nil {
		return decimal.Zero, err
	}
	return principal.Add(f), nil
}

// Policy bundles one pool's fee parameters. It is stateless; the pool's
// balances are passed in by the caller.
type Policy struct {
	FeeBps  uint32
	Scale   int32
	MinLoan decimal.Decimal
}

// NewPolicy validates and builds a fee policy.
func NewPolicy(bps uint32, scale int32, minLoan decimal.Decimal) (*Policy, error) {
	if bps > MaxBps {
		return nil, ErrInvalidRate
	}
	if scale < 0 || scale > MaxScale {
		return nil, ErrInvalidScale
	}
	if err := ValidateAmount(minLoan, scale); err != nil {
		return nil, fmt.Errorf("min loan: %w", err)
	}
	return &Policy{FeeBps: bps, Scale: scale, MinLoan: minLoan}, nil
}

// PolicyFor returns the policy recorded on a pool.
func PolicyFor(p *model.Pool) *Policy {
	return &Policy{FeeBps: p.FeeBps, Scale: p.Decimals, MinLoan: p.MinLoan}
}

// Fee returns the fee owed on principal under this policy.
func (p *Policy) Fee(principal decimal.Decimal) (decimal.Decimal, error) {
	return Fee(principal, p.FeeBps, p.Scale)
}

// RequiredRepayment returns principal plus its fee under this policy.
func (p *Policy) RequiredRepayment(principal decimal.Decimal) (decimal.Decimal, error) {
	return RequiredRepayment(principal, p.FeeBps, p.Scale)
}

// CheckPrincipal validates a requested principal against the policy floor
// and the liquidity currently available.
func (p *Policy) CheckPrincipal(principal, available decimal.Decimal) error {
	if err := ValidateAmount(principal, p.Scale); err != nil {
		return err
	}
	if principal.LessThan(p.MinLoan) {
		return fmt.Errorf("%w: %s < %s", model.ErrBelowMinimum, principal, p.MinLoan)
	}
	if principal.GreaterThan(available) {
		return fmt.Errorf("%w: requested %s, available %s", model.ErrInsufficientLiquidity, principal, available)
	}
	return nil
}
