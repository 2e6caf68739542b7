// Package limits implements the per-loan risk limits the controller applies
// on top of the fee policy: a cap on how much of a pool's available
// liquidity one loan may take, and a per-borrower request rate.
package limits

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/flashpool/internal/model"
)

var (
	// ErrUtilizationExceeded is returned when a principal exceeds the share
	// of available liquidity a single loan may draw. It matches
	// model.ErrInsufficientLiquidity under errors.Is.
	ErrUtilizationExceeded = fmt.Errorf("limits: utilization cap exceeded: %w", model.ErrInsufficientLiquidity)

	// ErrRateLimited is returned when a borrower exceeds its loan rate.
	ErrRateLimited = errors.New("limits: borrower rate limit exceeded")
)

var bps = decimal.NewFromInt(10000)

// LoanLimiter enforces utilization and rate limits.
//
//   - MaxUtilizationBps caps principal at available * bps / 10000.
//     Zero disables the cap, so a loan may take all available liquidity.
//   - Each borrower gets a token bucket refilled at PerSecond with room for
//     Burst loans. PerSecond <= 0 disables rate limiting.
type LoanLimiter struct {
	MaxUtilizationBps uint32
	PerSecond         float64
	Burst             int

	mu        sync.Mutex
	borrowers map[string]*rate.Limiter
}

// NewLoanLimiter creates a limiter. A nil *LoanLimiter allows everything.
func NewLoanLimiter(maxUtilizationBps uint32, perSecond float64, burst int) *LoanLimiter {
	if burst < 1 {
		burst = 1
	}
	return &LoanLimiter{
		MaxUtilizationBps: maxUtilizationBps,
		PerSecond:         perSecond,
		Burst:             burst,
		borrowers:         make(map[string]*rate.Limiter),
	}
}

// CheckUtilization validates principal against the utilization cap.
func (l *LoanLimiter) CheckUtilization(principal, available decimal.Decimal) error {
	if l == nil || l.MaxUtilizationBps == 0 {
		return nil
	}
	limit := available.Mul(decimal.NewFromInt(int64(l.MaxUtilizationBps))).Div(bps)
	if principal.GreaterThan(limit) {
		return fmt.Errorf("%w: principal %s, cap %s (%d bps of %s)",
			ErrUtilizationExceeded, principal, limit, l.MaxUtilizationBps, available)
	}
	return nil
}

// Allow consumes one token from the borrower's bucket.
func (l *LoanLimiter) Allow(borrower string) error {
	if l == nil || l.PerSecond <= 0 {
		return nil
	}
	if !l.bucket(borrower).Allow() {
		return fmt.Errorf("%w: %s", ErrRateLimited, borrower)
	}
	return nil
}

func (l *LoanLimiter) bucket(borrower string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.borrowers[borrower]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.PerSecond), l.Burst)
		l.borrowers[borrower] = lim
	}
	return lim
}
