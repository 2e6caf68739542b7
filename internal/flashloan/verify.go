package flashloan

import (
	"fmt"

	"github.com/atmx/flashpool/internal/model"
)

// Verify is the last check before a loan unit commits. It compares the pool
// as it was before the borrow with the state about to be written:
//
//   - no loan may remain reserved
//   - total liquidity must not fall
//   - liquidity gained must equal fee accrued
//   - depositor shares are untouched by a loan
func Verify(before, after *model.Pool) error {
	if after.Reserved.Valid {
		return fmt.Errorf("%w: %s still reserved", model.ErrInvariantViolation, after.Reserved.Decimal)
	}
	if after.TotalLiquidity.LessThan(before.TotalLiquidity) {
		return fmt.Errorf("%w: liquidity fell from %s to %s",
			model.ErrInvariantViolation, before.TotalLiquidity, after.TotalLiquidity)
	}

	gained := after.TotalLiquidity.Sub(before.TotalLiquidity)
	accrued := after.FeeAccumulated.Sub(before.FeeAccumulated)
	if !gained.Equal(accrued) {
		return fmt.Errorf("%w: liquidity gained %s but fees accrued %s",
			model.ErrInvariantViolation, gained, accrued)
	}
	if !after.TotalShares.Equal(before.TotalShares) {
		return fmt.Errorf("%w: shares changed from %s to %s",
			model.ErrInvariantViolation, before.TotalShares, after.TotalShares)
	}
	return nil
}
