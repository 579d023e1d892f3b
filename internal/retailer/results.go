package retailer

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ResultSelectors describe where candidate products live in a retailer's
// rendered search-results markup.
type ResultSelectors struct {
	Item  string // one candidate result
	Link  string // product anchor within the item
	Price string // price text within the item
}

// Candidate is one product pulled from the search results.
type Candidate struct {
	ProductURL string
	PriceText  string
}

// Class and URL fragments that mark a result as sponsored or otherwise
// non-organic. Site-fragile by nature; kept deliberately broad.
var (
	adClassHints = []string{"sponsored", "promo", "banner", "ad-tile", "advert"}
	adURLHints   = []string{"/sponsored", "adservice", "doubleclick", "utm_medium=paid", "ad_id="}
)

// SelectOrganicResult picks the best candidate from rendered search-results
// HTML: the first non-sponsored result whose markup mentions the GTIN,
// falling back to the first non-sponsored result, then to the first result
// at all. Returns false when the page holds no candidates.
func SelectOrganicResult(html, baseURL, gtin string, sel ResultSelectors) (Candidate, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Candidate{}, false
	}

	var first, organic, matched *Candidate
	doc.Find(sel.Item).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		cand := extract(item, baseURL, sel)
		if cand == nil {
			return true
		}
		if first == nil {
			first = cand
		}
		if isAd(item, cand.ProductURL) {
			return true
		}
		if organic == nil {
			organic = cand
		}
		if gtin != "" && strings.Contains(itemMarkup(item), gtin) {
			matched = cand
			return false
		}
		return true
	})

	switch {
	case matched != nil:
		return *matched, true
	case organic != nil:
		return *organic, true
	case first != nil:
		return *first, true
	default:
		return Candidate{}, false
	}
}

func extract(item *goquery.Selection, baseURL string, sel ResultSelectors) *Candidate {
	link := item.Find(sel.Link).First()
	href, ok := link.Attr("href")
	if !ok || href == "" {
		return nil
	}
	return &Candidate{
		ProductURL: absoluteURL(baseURL, href),
		PriceText:  strings.TrimSpace(item.Find(sel.Price).First().Text()),
	}
}

func isAd(item *goquery.Selection, productURL string) bool {
	class, _ := item.Attr("class")
	class = strings.ToLower(class)
	for _, hint := range adClassHints {
		if strings.Contains(class, hint) {
			return true
		}
	}
	lowered := strings.ToLower(productURL)
	for _, hint := range adURLHints {
		if strings.Contains(lowered, hint) {
			return true
		}
	}
	if _, ok := item.Attr("data-sponsored"); ok {
		return true
	}
	return false
}

func itemMarkup(item *goquery.Selection) string {
	markup, err := goquery.OuterHtml(item)
	if err != nil {
		return ""
	}
	return markup
}

func absoluteURL(baseURL, href string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
