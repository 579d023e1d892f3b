package retailer

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/chromedp/chromedp"

	"github.com/pricehound/pricehound/internal/scrape"
)

const (
	metroBaseURL  = "https://www.metro.de"
	metroLoginURL = metroBaseURL + "/login"

	metroLoginForm     = `form[name="login"]`
	metroUserField     = `input[name="username"]`
	metroPasswordField = `input[name="password"]`
	metroSubmitButton  = `button[type="submit"]`
	metroAccountMarker = `[data-testid="account-menu"]`
)

// ErrLoginRejected indicates the wholesale portal refused the configured
// credentials.
var ErrLoginRejected = errors.New("metro login rejected")

// Metro scrapes the metro.de wholesale portal, which requires an
// authenticated session before searching.
type Metro struct {
	site
	username string
	password string
}

// NewMetro builds the metro.de scraper. Missing credentials are a
// configuration error and fail construction, before any pooling is involved.
func NewMetro(username, password string) (*Metro, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("metro scraper requires username and password")
	}
	return &Metro{
		username: username,
		password: password,
		site: site{
			key:     "metro-scraper",
			baseURL: metroBaseURL,
			searchURL: func(gtin string) string {
				return fmt.Sprintf("%s/shop/search?q=%s", metroBaseURL, url.QueryEscape(gtin))
			},
			results: `[data-testid="search-results"]`,
			selectors: ResultSelectors{
				Item:  `[data-testid="article-tile"]`,
				Link:  `a[data-testid="article-link"]`,
				Price: `[data-testid="article-price"]`,
			},
			pricePage: `[data-testid="article-price"]`,
		},
	}, nil
}

func (m *Metro) Scrape(ctx context.Context, gtin string) (scrape.Extraction, error) {
	if err := m.ensureLoggedIn(ctx); err != nil {
		return scrape.Extraction{}, err
	}
	return m.site.Scrape(ctx, gtin)
}

// ensureLoggedIn navigates through the login form unless the session is
// already authenticated. Sessions live in the browser profile, so one login
// serves every page of the scraper's pooled browser.
func (m *Metro) ensureLoggedIn(ctx context.Context) error {
	var loggedIn bool
	check := fmt.Sprintf(`document.querySelector(%q) !== null`, metroAccountMarker)
	if err := chromedp.Run(ctx, chromedp.Navigate(metroBaseURL)); err != nil {
		return fmt.Errorf("navigate portal: %w", err)
	}
	_ = DismissConsent(ctx)
	if err := chromedp.Run(ctx, chromedp.Evaluate(check, &loggedIn)); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if loggedIn {
		return nil
	}

	if err := chromedp.Run(ctx, chromedp.Navigate(metroLoginURL)); err != nil {
		return fmt.Errorf("navigate login: %w", err)
	}
	found, err := waitVisible(ctx, metroLoginForm, resultsWait)
	if err != nil {
		return err
	}
	if !found {
		return errors.New("metro login form not found")
	}

	err = chromedp.Run(ctx,
		chromedp.SendKeys(metroUserField, m.username, chromedp.ByQuery),
		chromedp.SendKeys(metroPasswordField, m.password, chromedp.ByQuery),
		chromedp.Click(metroSubmitButton, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("submit login: %w", err)
	}

	found, err = waitVisible(ctx, metroAccountMarker, resultsWait)
	if err != nil {
		return err
	}
	if !found {
		return ErrLoginRejected
	}
	return nil
}
