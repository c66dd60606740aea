package backend

import "time"

// DefaultUserAgent is sent by every backend that can override it. Some
// portals refuse requests from headless or unknown agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Options configures a backend at construction time.
type Options struct {
	Headless        bool
	NoSandbox       bool
	UserAgent       string
	ExecPath        string
	PageLoadTimeout time.Duration
	ElementTimeout  time.Duration
}

// DefaultOptions returns headless options with a 30s page load and 10s element wait.
func DefaultOptions() Options {
	return Options{
		Headless:        true,
		NoSandbox:       true,
		UserAgent:       DefaultUserAgent,
		PageLoadTimeout: 30 * time.Second,
		ElementTimeout:  10 * time.Second,
	}
}
