package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/flashpool/internal/address"
	"github.com/atmx/flashpool/internal/flashloan"
	"github.com/atmx/flashpool/internal/pool"
	"github.com/atmx/flashpool/internal/store"
	"github.com/atmx/flashpool/internal/swap"
)

func simulateCmd() *cobra.Command {
	var (
		liquidity  string
		principal  string
		feeBps     uint32
		route      string
		venuePools []string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one arbitrage flash loan against an in-memory pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			liq, err := decimal.NewFromString(liquidity)
			if err != nil {
				return fmt.Errorf("liquidity: %w", err)
			}
			amt, err := decimal.NewFromString(principal)
			if err != nil {
				return fmt.Errorf("principal: %w", err)
			}

			router := swap.DefaultRouter(pool.DefaultDecimals)
			for _, p := range venuePools {
				if err := router.ParsePool(p); err != nil {
					return err
				}
			}
			hops, err := swap.ParseRoute(route)
			if err != nil {
				return err
			}
			action, err := swap.NewRoute(router, hops)
			if err != nil {
				return err
			}

			st := store.NewMemoryStore()
			mgr := pool.NewManager(st)
			loans := flashloan.NewController(st)

			authority := address.FromSeed("simulate-authority")
			lp := address.FromSeed("simulate-lp")
			borrower := address.FromSeed("simulate-borrower")

			p, err := mgr.Initialize(ctx, authority, pool.Params{Name: "sim", FeeBps: &feeBps})
			if err != nil {
				return err
			}
			if _, err := mgr.Deposit(ctx, p.ID, lp, liq); err != nil {
				return err
			}

			res, err := loans.FlashLoan(ctx, flashloan.BracketRequest{
				PoolID:    p.ID,
				Borrower:  borrower,
				Principal: amt,
				Action:    action,
			})
			if err != nil {
				return err
			}
			after, err := mgr.Pool(ctx, p.ID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"result":     res,
				"profitable": swap.Profitable(res.Proceeds, res.Repaid, swap.DefaultGasCost),
				"pool":       after,
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&liquidity, "liquidity", "10000", "liquidity deposited before the loan")
	f.StringVar(&principal, "principal", "10", "loan principal")
	f.Uint32Var(&feeBps, "fee-bps", pool.DefaultFeeBps, "pool fee in basis points")
	f.StringVar(&route, "route", "raydium:SOL>BONK,jupiter:BONK>SOL", "hops as venue:FROM>TO,...")
	f.StringSliceVar(&venuePools, "swap-pool", []string{
		"raydium:SOL/BONK:1000:2000000",
		"jupiter:SOL/BONK:1000:1800000",
	}, "venue pools as venue:A/B:reserveA:reserveB")
	return cmd
}
