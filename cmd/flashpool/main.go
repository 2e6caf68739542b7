package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "flashpool",
		Short:        "Flash-loan liquidity pool server",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file path")

	root.AddCommand(serveCmd(), simulateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
