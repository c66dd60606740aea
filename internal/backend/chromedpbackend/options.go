package chromedpbackend

import (
	"github.com/chromedp/chromedp"

	"github.com/ibeckermayer/portalbypass/internal/backend"
)

// allocatorOptions returns the Chrome flags for a portal session.
func allocatorOptions(o backend.Options) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", o.Headless),

		// Portals sometimes refuse automated agents outright.
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1280, 800),

		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	if o.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(o.UserAgent))
	}
	if o.NoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}
	if o.Headless {
		opts = append(opts, chromedp.Flag("disable-gpu", true))
	}
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}

	return opts
}
