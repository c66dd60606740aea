// Package verify decides whether the device has unrestricted internet access.
package verify

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ibeckermayer/portalbypass/internal/backend"
)

// DefaultURL serves the plain-text body "success" when no portal intercepts it.
const DefaultURL = "http://detectportal.firefox.com/success.txt"

// Token is the lowercase marker the success page must contain.
const Token = "success"

// Result is the connectivity outcome of one run.
type Result struct {
	Succeeded bool
	// Detail explains a failed check for log lines.
	Detail string
}

// Verifier fetches a known-content endpoint through the backend.
type Verifier struct {
	url    string
	logger *zap.Logger
}

// New creates a verifier for url. An empty url means DefaultURL.
func New(url string, logger *zap.Logger) *Verifier {
	if url == "" {
		url = DefaultURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{url: url, logger: logger}
}

// URL returns the endpoint the verifier checks.
func (v *Verifier) URL() string { return v.url }

// Verify navigates to the success endpoint and checks its text. Navigation
// failures and timeouts are an ordinary negative result, never an error.
func (v *Verifier) Verify(ctx context.Context, b backend.Backend) Result {
	v.logger.Info("testing for internet connectivity", zap.String("url", v.url))

	if err := b.Open(ctx, v.url); err != nil {
		v.logger.Info("connectivity check could not load endpoint", zap.Error(err))
		return Result{Detail: err.Error()}
	}

	text, err := b.PageText(ctx)
	if err != nil {
		v.logger.Info("connectivity check could not read page", zap.Error(err))
		return Result{Detail: err.Error()}
	}

	if !strings.Contains(strings.ToLower(text), Token) {
		return Result{Detail: "success marker not found in " + v.url}
	}
	return Result{Succeeded: true}
}
