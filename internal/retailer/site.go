package retailer

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/pricehound/pricehound/internal/scrape"
)

const (
	resultsWait   = 10 * time.Second
	pricePageWait = 8 * time.Second
)

// site carries the per-retailer navigation parameters and implements the
// shared search flow: navigate, dismiss consent, wait for results, pick the
// first organic candidate, and read the price from the results or the
// product page. Concrete scrapers embed it.
type site struct {
	key       string
	baseURL   string
	searchURL func(gtin string) string
	results   string // results container selector
	selectors ResultSelectors
	pricePage string // price selector on the product detail page
	consent   []string
}

func (s *site) Key() string { return s.key }

func (s *site) Scrape(ctx context.Context, gtin string) (scrape.Extraction, error) {
	if err := chromedp.Run(ctx, chromedp.Navigate(s.searchURL(gtin))); err != nil {
		return scrape.Extraction{}, fmt.Errorf("navigate search: %w", err)
	}
	_ = DismissConsent(ctx, s.consent...)

	found, err := waitVisible(ctx, s.results, resultsWait)
	if err != nil {
		return scrape.Extraction{}, err
	}
	if !found {
		// No results container: the GTIN is not listed here. That is a
		// successful empty lookup, not a failure.
		return scrape.Extraction{}, nil
	}

	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return scrape.Extraction{}, fmt.Errorf("snapshot results: %w", err)
	}

	cand, ok := SelectOrganicResult(html, s.baseURL, gtin, s.selectors)
	if !ok {
		return scrape.Extraction{}, nil
	}

	price := ParsePrice(cand.PriceText)
	if price == nil && cand.ProductURL != "" && s.pricePage != "" {
		price, err = s.priceFromProductPage(ctx, cand.ProductURL)
		if err != nil {
			return scrape.Extraction{}, err
		}
	}
	return scrape.Extraction{Price: price, ProductURL: cand.ProductURL}, nil
}

func (s *site) priceFromProductPage(ctx context.Context, productURL string) (*float64, error) {
	if err := chromedp.Run(ctx, chromedp.Navigate(productURL)); err != nil {
		return nil, fmt.Errorf("navigate product page: %w", err)
	}
	found, err := waitVisible(ctx, s.pricePage, pricePageWait)
	if err != nil || !found {
		return nil, err
	}
	var text string
	if err := chromedp.Run(ctx, chromedp.Text(s.pricePage, &text, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("read product price: %w", err)
	}
	return ParsePrice(text), nil
}

// waitVisible waits for a selector with its own bound inside the operation
// timeout. (false, nil) means the element never appeared; an error is
// returned only when the surrounding operation was canceled.
func waitVisible(ctx context.Context, sel string, timeout time.Duration) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := chromedp.Run(waitCtx, chromedp.WaitVisible(sel, chromedp.ByQuery))
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, fmt.Errorf("wait for %q: %w", sel, ctx.Err())
	}
	return false, nil
}
