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

func newBatchCmd() *cobra.Command {
	var (
		retailerKey string
		itemsFile   string
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Scrape a file of GTINs in batches",
		Long: `Reads a newline-separated list of GTINs and scrapes them through the
selected retailer in fixed-size batches. Progress is logged as the run
advances and the aggregate result is printed as JSON when it finishes.

SIGINT requests a cooperative stop: the current batch finishes, later
batches are skipped, and partial results are still reported.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(itemsFile)
			if err != nil {
				return fmt.Errorf("open items file: %w", err)
			}
			items, err := batch.ReadItems(f)
			closeErr := f.Close()
			if err != nil {
				return err
			}
			if closeErr != nil {
				return fmt.Errorf("close items file: %w", closeErr)
			}
			if len(items) == 0 {
				return fmt.Errorf("no items in %s", itemsFile)
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

			// Translate the signal into a cooperative stop so in-flight
			// items finish instead of being cut off mid-navigation.
			go func() {
				<-ctx.Done()
				a.processor.Stop()
			}()

			cbs := batch.Callbacks{
				OnBatchComplete: func(n int, p batch.Progress) {
					a.logger.Info("batch finished",
						zap.Int("batch", n),
						zap.Int("of", p.TotalBatches),
						zap.Int("completed", p.Completed),
						zap.Int("total", p.Total),
						zap.Duration("eta", p.ETA),
					)
				},
			}
			out, err := a.processor.Process(cmd.Context(), scraper, items, cbs)
			if err != nil {
				return err
			}
			a.publishRun(cmd.Context(), out)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("encode run result: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&retailerKey, "retailer", "dm-scraper", "retailer scraper key")
	cmd.Flags().StringVar(&itemsFile, "file", "", "path to newline-separated GTIN list")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
