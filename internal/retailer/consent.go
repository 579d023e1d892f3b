package retailer

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
)

// consentSelectors are tried in order after navigation; the first element
// found is clicked. Covers the common German consent-manager buttons plus
// generic accept-all ids.
var consentSelectors = []string{
	`#onetrust-accept-btn-handler`,
	`button[data-testid="uc-accept-all-button"]`,
	`#uc-btn-accept-banner`,
	`button[aria-label="Alle akzeptieren"]`,
	`#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll`,
	`.cookie-consent-accept`,
	`button[id*="accept"]`,
}

// DismissConsent auto-accepts a cookie-consent dialog if one is present.
// It tries the selector list in order and stops at the first match; a page
// without any dialog is not an error.
func DismissConsent(ctx context.Context, extra ...string) error {
	selectors := append(append([]string(nil), extra...), consentSelectors...)

	script := fmt.Sprintf(`(() => {
		const selectors = [%s];
		for (const sel of selectors) {
			const el = document.querySelector(sel);
			if (el) { el.click(); return sel; }
		}
		return "";
	})()`, quoteList(selectors))

	var clicked string
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return fmt.Errorf("consent dismissal: %w", err)
	}
	return nil
}

func quoteList(selectors []string) string {
	quoted := make([]string, len(selectors))
	for i, s := range selectors {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ",")
}
