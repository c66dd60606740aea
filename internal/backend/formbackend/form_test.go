package formbackend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ibeckermayer/portalbypass/internal/backend"
	"github.com/ibeckermayer/portalbypass/internal/backend/backendtest"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(backend.DefaultOptions(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// serve returns a server answering "/" with page, and a func listing every
// request it received.
func serve(t *testing.T, page string) (*httptest.Server, func() []*http.Request) {
	t.Helper()
	var mu sync.Mutex
	var got []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
		if r.URL.Path == "/" {
			fmt.Fprint(w, page)
			return
		}
		fmt.Fprint(w, "<html><body>ok</body></html>")
	}))
	t.Cleanup(srv.Close)
	return srv, func() []*http.Request {
		mu.Lock()
		defer mu.Unlock()
		return append([]*http.Request(nil), got...)
	}
}

func TestBackend_Conformance(t *testing.T) {
	backendtest.Conformance(t, newBackend(t))
}

func TestClick_SubmitsSuccessfulControls(t *testing.T) {
	portal := backendtest.NewPortal()
	srv := httptest.NewServer(portal)
	defer srv.Close()
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Open(ctx, srv.URL))
	terms, err := b.FindElements(ctx, backend.SpecFor(backend.Checkbox, "terms"))
	require.NoError(t, err)
	require.NoError(t, b.Click(ctx, terms[0]))
	buttons, err := b.FindElements(ctx, backend.SpecFor(backend.Button, "connect"))
	require.NoError(t, err)
	require.NoError(t, b.Click(ctx, buttons[0]))

	subs := portal.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, url.Values{
		"tos":     {"yes"},
		"session": {"abc123"},
		"action":  {"go"},
	}, subs[0])

	text, err := b.PageText(ctx)
	require.NoError(t, err)
	assert.Contains(t, text, "You are now online.")
}

func TestClick_GetFormWithFormAttribute(t *testing.T) {
	page := `<html><body>
<form id="f" action="/login" method="get">
  <input type="text" name="room" value="204">
  <input type="text" name="note" value="x" disabled>
  <select name="plan"><option value="basic">Basic</option><option value="free" selected>Free</option></select>
  <textarea name="msg">hi</textarea>
  <input type="radio" name="lang" value="en" checked>
  <input type="radio" name="lang" value="de">
</form>
<input type="submit" form="f" name="go" value="Free Access">
</body></html>`
	srv, got := serve(t, page)
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Open(ctx, srv.URL+"/"))
	buttons, err := b.FindElements(ctx, backend.SpecFor(backend.Button, "free"))
	require.NoError(t, err)
	require.Len(t, buttons, 1)
	require.NoError(t, b.Click(ctx, buttons[0]))

	reqs := got()
	require.Len(t, reqs, 2)
	last := reqs[1]
	assert.Equal(t, http.MethodGet, last.Method)
	assert.Equal(t, "/login", last.URL.Path)
	assert.Equal(t, url.Values{
		"room": {"204"},
		"plan": {"free"},
		"msg":  {"hi"},
		"lang": {"en"},
		"go":   {"Free Access"},
	}, last.URL.Query())
}

func TestClick_ButtonOutsideFormIsIntercepted(t *testing.T) {
	srv, _ := serve(t, `<html><body><button onclick="go()">Connect</button></body></html>`)
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Open(ctx, srv.URL+"/"))
	buttons, err := b.FindElements(ctx, backend.SpecFor(backend.Button, "connect"))
	require.NoError(t, err)
	require.Len(t, buttons, 1)

	assert.ErrorIs(t, b.Click(ctx, buttons[0]), backend.ErrClickIntercepted)
	assert.ErrorIs(t, b.ForceClick(ctx, buttons[0]), backend.ErrClickIntercepted)
}

func TestClick_InertControlIsIntercepted(t *testing.T) {
	page := `<html><body>
<div class="modal">Please read our cookie policy</div>
<form inert><label><input type="checkbox" name="tos"> I accept the terms</label></form>
</body></html>`
	srv, _ := serve(t, page)
	b := newBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Open(ctx, srv.URL+"/"))

	els, err := b.FindElements(ctx, backend.SpecFor(backend.Checkbox, "terms"))
	require.NoError(t, err)
	require.Len(t, els, 1)
	assert.False(t, b.IsClickable(ctx, els[0]))

	err = b.Click(ctx, els[0])
	assert.ErrorIs(t, err, backend.ErrClickIntercepted)
	selected, err := b.IsSelected(ctx, els[0])
	require.NoError(t, err)
	assert.False(t, selected)

	require.NoError(t, b.ForceClick(ctx, els[0]))
	selected, err = b.IsSelected(ctx, els[0])
	require.NoError(t, err)
	assert.True(t, selected)
}

func TestFindElements_Matching(t *testing.T) {
	page := `<html><body>
<label>I agree <input type="checkbox" id="a"></label>
<input type="checkbox" id="b" name="accept_policy">
<label for="c">Terms and Conditions</label><input type="checkbox" id="c">
<input type="checkbox" id="d">
<button>Log in</button>
<input type="submit" value="Login now">
<input type="button" value="LOGIN">
<input type="text" value="login">
</body></html>`
	srv, _ := serve(t, page)
	b := newBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Open(ctx, srv.URL+"/"))

	tests := []struct {
		kind backend.Kind
		kw   string
		want []string
	}{
		{backend.Checkbox, "agree", []string{`id="a"`}},
		{backend.Checkbox, "policy", []string{`id="b"`}},
		{backend.Checkbox, "Conditions", []string{`id="c"`}},
		{backend.Checkbox, "missing", nil},
		{backend.Button, "login", []string{`<input type="submit"`, `<input type="button"`}},
		{backend.Button, "log in", []string{`<button`}},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String()+"/"+tt.kw, func(t *testing.T) {
			els, err := b.FindElements(ctx, backend.SpecFor(tt.kind, tt.kw))
			require.NoError(t, err)
			require.Len(t, els, len(tt.want))
			for i, el := range els {
				assert.Contains(t, el.Describe(), tt.want[i])
			}
		})
	}
}

func TestIsClickable(t *testing.T) {
	page := `<html><body>
<input type="checkbox" name="terms_a">
<input type="checkbox" name="terms_b" disabled>
<div hidden><input type="checkbox" name="terms_c"></div>
</body></html>`
	srv, _ := serve(t, page)
	b := newBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Open(ctx, srv.URL+"/"))

	els, err := b.FindElements(ctx, backend.SpecFor(backend.Checkbox, "terms"))
	require.NoError(t, err)
	require.Len(t, els, 3)

	assert.True(t, b.IsClickable(ctx, els[0]))
	assert.False(t, b.IsClickable(ctx, els[1]))
	assert.False(t, b.IsClickable(ctx, els[2]))

	require.NoError(t, b.ForceClick(ctx, els[1]))
	selected, err := b.IsSelected(ctx, els[1])
	require.NoError(t, err)
	assert.True(t, selected)
}

func TestCookiesArePersisted(t *testing.T) {
	var sawCookie atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.SetCookie(w, &http.Cookie{Name: "portal_session", Value: "s1", Path: "/"})
			fmt.Fprint(w, `<form action="/go" method="post"><button>Continue</button></form>`)
			return
		}
		c, err := r.Cookie("portal_session")
		sawCookie.Store(err == nil && c.Value == "s1")
	}))
	defer srv.Close()
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Open(ctx, srv.URL+"/"))
	buttons, err := b.FindElements(ctx, backend.SpecFor(backend.Button, "continue"))
	require.NoError(t, err)
	require.NoError(t, b.Click(ctx, buttons[0]))

	assert.True(t, sawCookie.Load())
}

func TestOpen_Errors(t *testing.T) {
	t.Run("refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()

		err := newBackend(t).Open(context.Background(), addr)

		var nav *backend.NavigationError
		require.ErrorAs(t, err, &nav)
		assert.Equal(t, addr, nav.URL)
		assert.False(t, nav.Timeout())
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		opts := backend.DefaultOptions()
		opts.PageLoadTimeout = 50 * time.Millisecond
		b, err := New(opts, nil)
		require.NoError(t, err)

		err = b.Open(context.Background(), srv.URL)

		var nav *backend.NavigationError
		require.ErrorAs(t, err, &nav)
		assert.True(t, nav.Timeout())
	})

	t.Run("error status still loads", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNetworkAuthenticationRequired)
			fmt.Fprint(w, "<html><body>Sign in to the network</body></html>")
		}))
		defer srv.Close()
		b := newBackend(t)

		require.NoError(t, b.Open(context.Background(), srv.URL))
		text, err := b.PageText(context.Background())
		require.NoError(t, err)
		assert.Contains(t, text, "Sign in to the network")
	})
}

func TestPageText_SkipsScripts(t *testing.T) {
	srv, _ := serve(t, `<html><head><title>T</title></head><body><script>var success = 1;</script><p>Hello</p></body></html>`)
	b := newBackend(t)
	require.NoError(t, b.Open(context.Background(), srv.URL+"/"))

	text, err := b.PageText(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, "Hello")
	assert.NotContains(t, text, "success")
}

type otherElement struct{}

func (otherElement) Describe() string { return "other" }

func TestForeignAndStaleElements(t *testing.T) {
	srv, _ := serve(t, `<html><body><input type="checkbox" name="terms"></body></html>`)
	b := newBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Open(ctx, srv.URL+"/"))

	_, err := b.IsSelected(ctx, otherElement{})
	assert.True(t, errors.Is(err, backend.ErrForeignElement))

	els, err := b.FindElements(ctx, backend.SpecFor(backend.Checkbox, "terms"))
	require.NoError(t, err)
	require.NoError(t, b.Open(ctx, srv.URL+"/"))

	assert.ErrorIs(t, b.Click(ctx, els[0]), backend.ErrStaleElement)
	assert.False(t, b.IsClickable(ctx, els[0]))
}
