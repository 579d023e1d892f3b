package browserpool

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Fixed fingerprint-resistant identity shared by every pooled browser.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const (
	viewportWidth  = 1366
	viewportHeight = 768
	acceptLanguage = "de-DE,de;q=0.9,en;q=0.8"
)

// chromeLauncher creates headless Chrome processes via chromedp.
type chromeLauncher struct {
	cfg Config
}

func (l *chromeLauncher) Launch(_ context.Context) (browserHandle, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(viewportWidth, viewportHeight),
		chromedp.UserAgent(l.cfg.UserAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Warm up so launch failures surface here, not on first navigation.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &chromeBrowser{
		cfg:           l.cfg,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

type chromeBrowser struct {
	cfg           Config
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

func (b *chromeBrowser) NewPage(_ context.Context) (pageHandle, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)

	// Bound setup so a wedged tab cannot hold the claim path open forever.
	setupCtx, setupCancel := context.WithTimeout(tabCtx, b.cfg.PageTimeout)
	defer setupCancel()

	setup := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
			headers := network.Headers{"Accept-Language": acceptLanguage}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
			return nil
		}),
		chromedp.EmulateViewport(viewportWidth, viewportHeight),
	}
	if err := chromedp.Run(setupCtx, setup...); err != nil {
		tabCancel()
		return nil, fmt.Errorf("configure page: %w", err)
	}

	return &chromePage{ctx: tabCtx, cancel: tabCancel}, nil
}

func (b *chromeBrowser) Close() error {
	b.browserCancel()
	b.allocCancel()
	return nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *chromePage) Ctx() context.Context {
	return p.ctx
}

// Reset navigates to a blank page and strips request interception so the tab
// is neutral for its next holder.
func (p *chromePage) Reset(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(p.ctx, resetTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(runCtx,
			chromedp.ActionFunc(func(ctx context.Context) error {
				// Interception may not be enabled; a disable error is benign.
				_ = fetch.Disable().Do(ctx)
				return nil
			}),
			chromedp.Navigate("about:blank"),
		)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("reset page: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reset page: %w", ctx.Err())
	}
}

func (p *chromePage) Closed() bool {
	return p.ctx.Err() != nil
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}
