// Package swap models the exchanges a borrower routes flash-loaned funds
// through. Each venue holds constant-product pools (x·y = k) and charges a
// fee on the output:
//
//	out = (reserveOut - k / (reserveIn + in)) * (10000 - feeBps) / 10000
//
// Quotes are taken against the current reserves and never move them; the
// venues are outside the loan's unit, so a route only reports what it would
// return.
//
// All monetary values use shopspring/decimal, never float64.
package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Default venue fees, in basis points.
const (
	RaydiumFeeBps uint32 = 25
	JupiterFeeBps uint32 = 30
)

// DefaultGasCost is the estimated execution cost of a loan and two swaps,
// in SOL.
var DefaultGasCost = decimal.RequireFromString("0.01")

var (
	ErrUnknownVenue = errors.New("swap: unknown venue")
	ErrUnknownPair  = errors.New("swap: no pool for pair")
	ErrNoLiquidity  = errors.New("swap: pool has no liquidity")
	ErrBrokenRoute  = errors.New("swap: route hops do not connect")
	ErrInvalidInput = errors.New("swap: input must be positive")
)

var bps = decimal.NewFromInt(10000)

// Reserves are one side-ordered view of a pool.
type Reserves struct {
	In  decimal.Decimal `json:"in"`
	Out decimal.Decimal `json:"out"`
}

// Venue is an exchange with constant-product pools.
type Venue struct {
	Name   string
	FeeBps uint32

	mu    sync.RWMutex
	pools map[string]Reserves // "FROM/TO" → reserves
}

// NewVenue creates an empty venue.
func NewVenue(name string, feeBps uint32) *Venue {
	return &Venue{Name: name, FeeBps: feeBps, pools: make(map[string]Reserves)}
}

// SetReserves sets the pool for tokens a and b in both directions.
func (v *Venue) SetReserves(a, b string, reserveA, reserveB decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pools[pairKey(a, b)] = Reserves{In: reserveA, Out: reserveB}
	v.pools[pairKey(b, a)] = Reserves{In: reserveB, Out: reserveA}
}

// Reserves returns the pool for swapping from into to.
func (v *Venue) Reserves(from, to string) (Reserves, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.pools[pairKey(from, to)]
	return r, ok
}

// AmountOut quotes swapping amount of from into to, rounded down to scale.
func (v *Venue) AmountOut(from, to string, amount decimal.Decimal, scale int32) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidInput, amount)
	}
	r, ok := v.Reserves(from, to)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s %s→%s", ErrUnknownPair, v.Name, from, to)
	}
	if !r.In.IsPositive() || !r.Out.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s %s→%s", ErrNoLiquidity, v.Name, from, to)
	}

	k := r.In.Mul(r.Out)
	// Rounding the remaining reserve up keeps the output on the venue's side.
	newOut := k.DivRound(r.In.Add(amount), scale+6).RoundCeil(scale + 6)
	out := r.Out.Sub(newOut)
	out = out.Mul(bps.Sub(decimal.NewFromInt(int64(v.FeeBps)))).Div(bps)
	return out.RoundFloor(scale), nil
}

// Hop is one swap in a route.
type Hop struct {
	Venue string `json:"venue"`
	From  string `json:"from"`
	To    string `json:"to"`
}

func (h Hop) String() string {
	return fmt.Sprintf("%s:%s>%s", h.Venue, h.From, h.To)
}

// Router holds the venues a route may use.
type Router struct {
	Scale  int32
	venues map[string]*Venue
}

// NewRouter creates a router quoting at scale decimal places.
func NewRouter(scale int32, venues ...*Venue) *Router {
	r := &Router{Scale: scale, venues: make(map[string]*Venue)}
	for _, v := range venues {
		r.venues[strings.ToLower(v.Name)] = v
	}
	return r
}

// DefaultRouter returns a router with empty Raydium and Jupiter venues.
func DefaultRouter(scale int32) *Router {
	return NewRouter(scale, NewVenue("raydium", RaydiumFeeBps), NewVenue("jupiter", JupiterFeeBps))
}

// Venue looks up a venue by name.
func (r *Router) Venue(name string) (*Venue, error) {
	v, ok := r.venues[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, name)
	}
	return v, nil
}

// Quote runs amount through every hop and returns the final output.
func (r *Router) Quote(route []Hop, amount decimal.Decimal) (decimal.Decimal, error) {
	if len(route) == 0 {
		return decimal.Zero, fmt.Errorf("%w: empty route", ErrBrokenRoute)
	}
	out := amount
	for i, h := range route {
		if i > 0 && route[i-1].To != h.From {
			return decimal.Zero, fmt.Errorf("%w: %s then %s", ErrBrokenRoute, route[i-1], h)
		}
		v, err := r.Venue(h.Venue)
		if err != nil {
			return decimal.Zero, err
		}
		out, err = v.AmountOut(h.From, h.To, out, r.Scale)
		if err != nil {
			return decimal.Zero, fmt.Errorf("hop %d %s: %w", i, h, err)
		}
	}
	return out, nil
}

// Route is a flash loan action that runs the principal through hops that
// start and end in the borrowed token.
type Route struct {
	Router *Router
	Hops   []Hop
}

// NewRoute validates that hops form a cycle and returns the action.
func NewRoute(router *Router, hops []Hop) (*Route, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("%w: empty route", ErrBrokenRoute)
	}
	if first, last := hops[0].From, hops[len(hops)-1].To; first != last {
		return nil, fmt.Errorf("%w: starts in %s, ends in %s", ErrBrokenRoute, first, last)
	}
	for _, h := range hops {
		if _, err := router.Venue(h.Venue); err != nil {
			return nil, err
		}
	}
	return &Route{Router: router, Hops: hops}, nil
}

// Run quotes the route for principal. It satisfies flashloan.Action.
func (a *Route) Run(ctx context.Context, principal decimal.Decimal) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	return a.Router.Quote(a.Hops, principal)
}

// Profitable reports whether proceeds cover the loan repayment plus the
// estimated execution cost with something left over.
func Profitable(proceeds, repayment, gasCost decimal.Decimal) bool {
	return proceeds.Sub(repayment).GreaterThan(gasCost)
}

// ParseRoute parses "venue:FROM>TO,venue:FROM>TO".
func ParseRoute(s string) ([]Hop, error) {
	var hops []Hop
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		venue, pair, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%w: hop %q (expected venue:FROM>TO)", ErrBrokenRoute, part)
		}
		from, to, ok := strings.Cut(pair, ">")
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("%w: hop %q (expected venue:FROM>TO)", ErrBrokenRoute, part)
		}
		hops = append(hops, Hop{Venue: venue, From: from, To: to})
	}
	return hops, nil
}

// ParsePool parses "venue:A/B:reserveA:reserveB" and loads it into the
// router.
func (r *Router) ParsePool(s string) error {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return fmt.Errorf("swap: pool %q (expected venue:A/B:reserveA:reserveB)", s)
	}
	v, err := r.Venue(parts[0])
	if err != nil {
		return err
	}
	a, b, ok := strings.Cut(parts[1], "/")
	if !ok {
		return fmt.Errorf("swap: pair %q (expected A/B)", parts[1])
	}
	ra, err := decimal.NewFromString(parts[2])
	if err != nil {
		return fmt.Errorf("swap: reserve %q: %w", parts[2], err)
	}
	rb, err := decimal.NewFromString(parts[3])
	if err != nil {
		return fmt.Errorf("swap: reserve %q: %w", parts[3], err)
	}
	v.SetReserves(a, b, ra, rb)
	return nil
}

func pairKey(from, to string) string {
	return from + "/" + to
}
