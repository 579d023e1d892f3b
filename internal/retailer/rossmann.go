package retailer

import (
	"fmt"
	"net/url"
)

const rossmannBaseURL = "https://www.rossmann.de"

// Rossmann scrapes rossmann.de price listings by GTIN.
type Rossmann struct {
	site
}

// NewRossmann builds the rossmann.de scraper.
func NewRossmann() *Rossmann {
	return &Rossmann{site: site{
		key:     "rossmann-scraper",
		baseURL: rossmannBaseURL,
		searchURL: func(gtin string) string {
			return fmt.Sprintf("%s/de/search?text=%s", rossmannBaseURL, url.QueryEscape(gtin))
		},
		results: `.rm-grid__content`,
		selectors: ResultSelectors{
			Item:  `.rm-tile-product`,
			Link:  `a.rm-tile-product__title`,
			Price: `.rm-price__current`,
		},
		pricePage: `.rm-price__current`,
		consent: []string{
			`#consent-accept-btn`,
		},
	}}
}
