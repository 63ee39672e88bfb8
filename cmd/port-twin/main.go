package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	porttwin "github.com/kradalby/port-twin"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "port-twin",
	Short: "Port energy digital twin",
	Long: `port-twin reconciles live shore power measurements with the
historical archive and serves them on a dashboard.`,
	Version:       porttwin.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
