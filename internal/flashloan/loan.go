package flashloan

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/flashpool/internal/fee"
	"github.com/atmx/flashpool/internal/model"
)

// State is a loan receipt's position in the borrow/repay cycle.
type State int

const (
	Idle State = iota
	Borrowed
	Settled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Borrowed:
		return "borrowed"
	case Settled:
		return "settled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Loan is the receipt for one open flash loan. It lives only for the
// duration of its unit; once the unit ends every Repay fails with
// model.ErrReceiptMismatch.
type Loan struct {
	ID        string
	PoolID    string
	Borrower  string
	Principal decimal.Decimal
	Required  decimal.Decimal

	mu      sync.Mutex
	state   State
	closed  bool
	pool    *model.Pool // working copy, held under the pool's ledger slot
	repaid  decimal.Decimal
	lastErr error
}

// borrow opens a receipt against the working copy of the pool, reserving
// principal.
func borrow(id, borrower string, p *model.Pool, principal, required decimal.Decimal) *Loan {
	p.Reserved = decimal.NewNullDecimal(principal)
	return &Loan{
		ID:        id,
		PoolID:    p.ID,
		Borrower:  borrower,
		Principal: principal,
		Required:  required,
		state:     Borrowed,
		pool:      p,
	}
}

// Fee returns the minimum fee owed on the loan.
func (l *Loan) Fee() decimal.Decimal {
	return l.Required.Sub(l.Principal)
}

// State returns the receipt's current state.
func (l *Loan) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Repay returns funds to the pool and settles the loan. Any amount above
// the principal is credited as fee.
func (l *Loan) Repay(borrower string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.state != Borrowed {
		return fmt.Errorf("%w: loan %s is %s", model.ErrReceiptMismatch, l.ID, l.state)
	}
	if borrower != l.Borrower {
		return fmt.Errorf("%w: loan %s not held by %s", model.ErrReceiptMismatch, l.ID, borrower)
	}
	if err := fee.ValidateAmount(amount, l.pool.Decimals); err != nil {
		l.lastErr = err
		return err
	}
	if amount.LessThan(l.Required) {
		l.lastErr = fmt.Errorf("%w: repaid %s, required %s", model.ErrUnderRepayment, amount, l.Required)
		return l.lastErr
	}

	gained := amount.Sub(l.Principal)
	l.pool.TotalLiquidity = l.pool.TotalLiquidity.Add(gained)
	l.pool.FeeAccumulated = l.pool.FeeAccumulated.Add(gained)
	l.pool.Reserved = decimal.NullDecimal{}
	l.repaid = amount
	l.lastErr = nil
	l.state = Settled
	return nil
}

// settle closes the receipt and returns the pool state to commit. A loan
// still Borrowed fails with the last repayment error, or
// model.ErrLoanNotRepaid if repay was never attempted.
func (l *Loan) settle() (*model.Pool, decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.state != Settled {
		if l.lastErr != nil {
			return nil, decimal.Zero, l.lastErr
		}
		return nil, decimal.Zero, fmt.Errorf("%w: loan %s", model.ErrLoanNotRepaid, l.ID)
	}
	return l.pool, l.repaid, nil
}

// close invalidates the receipt without settling it.
func (l *Loan) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}
