// Package scrape implements the shared scrape algorithm: cache lookup, page
// acquisition, retailer-specific extraction with bounded retries, and result
// caching. Retailer packages supply only the extraction steps.
package scrape

import (
	"context"
	"time"
)

// Extraction is what a retailer scraper pulls from a search. Price is nil
// when the product was found without a readable price, or not found at all;
// neither case is an error.
type Extraction struct {
	Price      *float64 `json:"price,omitempty"`
	ProductURL string   `json:"product_url,omitempty"`
}

// Scraper supplies retailer-specific navigation and extraction. The context
// passed to Scrape is the page's tab context, bounded by the operation
// timeout; all automation commands run against it.
type Scraper interface {
	// Key identifies the scraper's browser lineage in the pool,
	// e.g. "dm-scraper".
	Key() string
	Scrape(ctx context.Context, gtin string) (Extraction, error)
}

// PageConfigurator lets a scraper replace the default per-attempt page setup
// (heavy-resource blocking).
type PageConfigurator interface {
	SetupPage(ctx context.Context) error
}

// Result is the uniform outcome of one scrape call. Failures are carried in
// Err, never as a returned error; batch processing relies on that.
type Result struct {
	GTIN       string        `json:"gtin"`
	Price      *float64      `json:"price,omitempty"`
	ProductURL string        `json:"product_url,omitempty"`
	Err        string        `json:"error,omitempty"`
	Cached     bool          `json:"cached"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
}

// Success reports whether the scrape produced a usable result.
func (r Result) Success() bool {
	return r.Err == ""
}
