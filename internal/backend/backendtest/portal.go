package backendtest

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
)

const (
	// PortalPath serves the consent page.
	PortalPath = "/"
	// SubmitPath receives the consent form.
	SubmitPath = "/connect"
	// SuccessPath answers "success" once the client has consented and
	// redirects to the portal until then.
	SuccessPath = "/success.txt"
	// CoveredPath serves a portal whose connect button sits under a banner.
	CoveredPath = "/covered"
)

// PortalHTML is a typical hotel-style portal: a consent checkbox tied to its
// label with for=, an unrelated opt-in nested inside its label, a hidden
// session token and a submit button.
const PortalHTML = `<!DOCTYPE html>
<html>
<head><title>Guest WiFi</title></head>
<body>
<h1>Welcome to Guest WiFi</h1>
<form action="/connect" method="post">
  <label for="tos">I accept the Terms of Service</label>
  <input type="checkbox" id="tos" name="tos" value="yes">
  <label><input type="checkbox" name="offers" value="yes"> Send me special offers</label>
  <input type="hidden" name="session" value="abc123">
  <a href="/help">Help</a>
  <button type="submit" name="action" value="go">Connect</button>
</form>
</body>
</html>
`

// CoveredHTML has its consent already filled in, but a cookie banner covers
// the whole page. The page content behind the banner is inert, so a user
// click cannot reach the connect button while a scripted click can.
const CoveredHTML = `<!DOCTYPE html>
<html>
<head><title>Guest WiFi</title></head>
<body>
<div id="banner" style="position:fixed; top:0; left:0; width:100%; height:100%; z-index:99; background:rgba(0,0,0,0.6); color:#fff">
  We use cookies to improve your stay.
</div>
<main inert>
  <form action="/connect" method="post">
    <input type="hidden" name="tos" value="yes">
    <input type="hidden" name="session" value="abc123">
    <button type="submit" name="action" value="go">Connect</button>
  </form>
</main>
</body>
</html>
`

// Portal is an http.Handler emulating a captive portal that only lets the
// client through after the terms checkbox was submitted.
type Portal struct {
	mu          sync.Mutex
	connected   bool
	submissions []url.Values
}

// NewPortal returns a portal with no client connected.
func NewPortal() *Portal {
	return &Portal{}
}

func (p *Portal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case PortalPath:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, PortalHTML)

	case CoveredPath:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, CoveredHTML)

	case SubmitPath:
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.submissions = append(p.submissions, r.PostForm)
		ok := r.PostForm.Get("tos") == "yes" && r.PostForm.Get("session") == "abc123"
		if ok {
			p.connected = true
		}
		p.mu.Unlock()

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if ok {
			fmt.Fprint(w, "<html><body><p>You are now online.</p></body></html>")
			return
		}
		fmt.Fprint(w, "<html><body><p>You must accept the terms.</p></body></html>")

	case SuccessPath:
		if !p.Connected() {
			http.Redirect(w, r, PortalPath, http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "success\n")

	default:
		http.NotFound(w, r)
	}
}

// Connected reports whether a valid consent form was received.
func (p *Portal) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Submissions returns every form posted to SubmitPath.
func (p *Portal) Submissions() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.submissions...)
}
