package retailer

import (
	"fmt"
	"net/url"
)

const dmBaseURL = "https://www.dm.de"

// DM scrapes dm.de price listings by GTIN.
type DM struct {
	site
}

// NewDM builds the dm.de scraper.
func NewDM() *DM {
	return &DM{site: site{
		key:     "dm-scraper",
		baseURL: dmBaseURL,
		searchURL: func(gtin string) string {
			return fmt.Sprintf("%s/search?query=%s", dmBaseURL, url.QueryEscape(gtin))
		},
		results: `div[data-dmid="product-grid"]`,
		selectors: ResultSelectors{
			Item:  `div[data-dmid="product-tile"]`,
			Link:  `a[data-dmid="product-tile-link"]`,
			Price: `span[data-dmid="price-localized"]`,
		},
		pricePage: `span[data-dmid="price-localized"]`,
	}}
}
