package fee

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/flashpool/internal/model"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRate(t *testing.T) {
	if !Rate(100).Equal(d("0.01")) {
		t.Errorf("expected 100 bps = 0.01, got %s", Rate(100))
	}
	if !Rate(0).IsZero() {
		t.Errorf("expected 0 bps = 0, got %s", Rate(0))
	}
}

func TestRequiredRepayment_OnePercent(t *testing.T) {
	got, err := RequiredRepayment(d("1000"), 100, 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d("1010")) {
		t.Errorf("expected 1010, got %s", got)
	}
}

func TestRequiredRepayment_RoundsUp(t *testing.T) {
	tests := []struct {
		principal string
		bps       uint32
		scale     int32
		want      string
	}{
		// 0.000000001 * 0.002 = 2e-12 → ceil to 1 lamport.
		{"0.000000001", 20, 9, "0.000000002"},
		// 333 * 0.0009 = 0.2997 → ceil to whole units = 1.
		{"333", 9, 0, "334"},
		// exact fee needs no rounding.
		{"0.5", 20, 9, "0.501"},
		{"1.234567891", 30, 9, "1.238271595"},
	}

	for _, tt := range tests {
		got, err := RequiredRepayment(d(tt.principal), tt.bps, tt.scale)
		if err != nil {
			t.Fatalf("principal=%s: unexpected error: %v", tt.principal, err)
		}
		if !got.Equal(d(tt.want)) {
			t.Errorf("principal=%s bps=%d scale=%d: expected %s, got %s",
				tt.principal, tt.bps, tt.scale, tt.want, got)
		}
	}
}

func TestRequiredRepayment_InvalidPrincipal(t *testing.T) {
	for _, p := range []string{"0", "-1", "0.0000000001"} {
		_, err := RequiredRepayment(d(p), 100, 9)
		if !errors.Is(err, model.ErrInvalidAmount) {
			t.Errorf("principal=%s: expected ErrInvalidAmount, got %v", p, err)
		}
	}
}

func TestRequiredRepayment_NeverBelowExactFee(t *testing.T) {
	principals := []string{"0.1", "0.123456789", "1", "7.77", "1000", "999999.999999999"}
	for _, bps := range []uint32{0, 1, 9, 20, 100, 2500} {
		r := Rate(bps)
		for _, p := range principals {
			got, err := RequiredRepayment(d(p), bps, 9)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			exact := d(p).Mul(decimal.NewFromInt(1).Add(r))
			if got.LessThan(exact) {
				t.Errorf("p=%s bps=%d: %s < exact %s", p, bps, got, exact)
			}
		}
	}
}

func TestRequiredRepayment_Monotonic(t *testing.T) {
	step := d("0.000000001")
	prev := decimal.Zero
	p := d("0.000000001")
	for i := 0; i < 2000; i++ {
		got, err := RequiredRepayment(p, 20, 9)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.LessThan(prev) {
			t.Fatalf("not monotonic at p=%s: %s < %s", p, got, prev)
		}
		prev = got
		p = p.Add(step.Mul(decimal.NewFromInt(int64(i + 1))))
	}
}

func TestFee_MatchesRepaymentMinusPrincipal(t *testing.T) {
	p := d("12.345678901")
	f, err := Fee(p, 45, 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, _ := RequiredRepayment(p, 45, 9)
	if !r.Sub(p).Equal(f) {
		t.Errorf("fee %s != repayment-principal %s", f, r.Sub(p))
	}
}

// --- Policy ---

func TestNewPolicy_Validation(t *testing.T) {
	if _, err := NewPolicy(10001, 9, d("0.1")); err != ErrInvalidRate {
		t.Errorf("expected ErrInvalidRate, got %v", err)
	}
	if _, err := NewPolicy(20, 19, d("0.1")); err != ErrInvalidScale {
		t.Errorf("expected ErrInvalidScale, got %v", err)
	}
	if _, err := NewPolicy(20, 9, d("0")); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero min loan, got %v", err)
	}
	if _, err := NewPolicy(20, 9, d("0.1")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPolicy_CheckPrincipal(t *testing.T) {
	p, _ := NewPolicy(20, 9, d("0.1"))

	tests := []struct {
		principal, available string
		want                 error
	}{
		{"0.1", "10", nil},
		{"10", "10", nil},
		{"0.09", "10", model.ErrBelowMinimum},
		{"10.000000001", "10", model.ErrInsufficientLiquidity},
		{"0", "10", model.ErrInvalidAmount},
	}

	for _, tt := range tests {
		err := p.CheckPrincipal(d(tt.principal), d(tt.available))
		if tt.want == nil && err != nil {
			t.Errorf("principal=%s: unexpected error %v", tt.principal, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("principal=%s: expected %v, got %v", tt.principal, tt.want, err)
		}
	}
}

func TestPolicyFor(t *testing.T) {
	pool := &model.Pool{FeeBps: 100, Decimals: 6, MinLoan: d("1")}
	p := PolicyFor(pool)
	got, err := p.RequiredRepayment(d("1000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d("1010")) {
		t.Errorf("expected 1010, got %s", got)
	}
}
