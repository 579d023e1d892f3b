// Package cmd defines and implements the CLI commands for the pricehound
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricehound",
		Short: "Headless-browser price scraper for German retailers",
		Long: `pricehound looks up product prices by GTIN on retailer websites using a
pool of headless Chrome browsers. It can scrape a single product, process a
file of GTINs in batches, or run as an HTTP service.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (YAML)")

	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newBatchCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
