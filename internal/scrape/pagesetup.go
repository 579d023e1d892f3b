package scrape

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// BlockHeavyResources enables request interception and aborts images,
// stylesheets, fonts, and media to cut page weight and load time. It is the
// default per-attempt page setup.
func BlockHeavyResources(ctx context.Context) error {
	if err := chromedp.Run(ctx, fetch.Enable()); err != nil {
		return fmt.Errorf("enable fetch interception: %w", err)
	}

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(ctx)
			if c == nil {
				return
			}
			execCtx := cdp.WithExecutor(ctx, c.Target)
			switch paused.ResourceType {
			case network.ResourceTypeImage,
				network.ResourceTypeStylesheet,
				network.ResourceTypeFont,
				network.ResourceTypeMedia:
				// A request may already be gone when the page navigates away;
				// interception errors are not actionable.
				_ = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
			default:
				_ = fetch.ContinueRequest(paused.RequestID).Do(execCtx)
			}
		}()
	})
	return nil
}
