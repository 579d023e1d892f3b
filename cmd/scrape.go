package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pricehound/pricehound/internal/batch"
)

func newScrapeCmd() *cobra.Command {
	var retailerKey string

	cmd := &cobra.Command{
		Use:   "scrape <gtin>",
		Short: "Scrape a single product price",
		Long: `Looks up one product by GTIN on the selected retailer site and prints
the result as JSON. A failed scrape is reported in the result payload and
through a non-zero exit code.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gtin := args[0]
			if !batch.ValidGTIN(gtin) {
				return fmt.Errorf("invalid gtin %q", gtin)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			scraper, err := a.registry.Lookup(retailerKey)
			if err != nil {
				return err
			}

			res := a.runner.Run(ctx, scraper, gtin)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			if !res.Success() {
				a.logger.Warn("scrape failed",
					zap.String("gtin", gtin),
					zap.String("retailer", retailerKey),
					zap.String("error", res.Err),
				)
				return fmt.Errorf("scrape failed: %s", res.Err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&retailerKey, "retailer", "dm-scraper", "retailer scraper key")
	return cmd
}
