// Command gatewaymock is a stand-in for the Paystack API for local runs.
// Point gateway.base-url at it; it posts signed webhooks back to the escrow
// service.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		addr string
		opts options
	)

	cmd := &cobra.Command{
		Use:   "gatewaymock",
		Short: "Fake Paystack API that settles transfers and sends signed webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WebhookSecret = os.Getenv("GATEWAY_WEBHOOK_SECRET")
			if opts.TransferFailRate < 0 || opts.TransferFailRate > 1 {
				return errors.Errorf("transfer-fail-rate must be between 0 and 1, got %v", opts.TransferFailRate)
			}

			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "gateway-mock")
			s := newServer(opts, logger)

			logger.Info("Gateway mock listening", "addr", addr)
			return http.ListenAndServe(addr, s.routes())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8085", "listen address")
	cmd.Flags().Float64Var(&opts.TransferFailRate, "transfer-fail-rate", 0, "share of transfers that fail")
	cmd.Flags().DurationVar(&opts.SettleDelay, "settle-delay", 3*time.Second, "time before a transfer is settled")
	cmd.Flags().StringVar(&opts.WebhookURL, "webhook-url", "http://localhost:8080/webhooks/paystack", "where webhooks are posted")

	return cmd
}
