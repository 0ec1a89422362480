// internal/script/runner_test.go
package script

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/ghoul/api/schemas"
	"github.com/xkilldash9x/ghoul/internal/remote/headless"
	"github.com/xkilldash9x/ghoul/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

var _ Session = (*session.Session)(nil)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Sign in</title></head><body>
<form id="login" action="/auth" method="post">
  <input id="user" name="user">
  <input id="keep" name="keep" type="checkbox">
  <button id="go">Sign in</button>
</form></body></html>`)
	})
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		http.Redirect(w, r, "/welcome?user="+r.PostForm.Get("user")+"&keep="+r.PostForm.Get("keep"), http.StatusSeeOther)
	})
	mux.HandleFunc("/welcome", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><div id="banner"><b>Welcome</b> <i>%s</i></div></body></html>`, r.URL.Query().Get("user"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newRunner(t *testing.T, srv *httptest.Server) (*Runner, *bytes.Buffer) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	s := session.New(session.Options{BaseURL: srv.URL, PollInterval: 10 * time.Millisecond},
		headless.New(headless.Options{}, logger), logger)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	var out bytes.Buffer
	return NewRunner(s, &out, logger), &out
}

func TestRunner(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	t.Run("Login flow", func(t *testing.T) {
		r, out := newRunner(t, newSite(t))
		sc, err := Parse([]byte(`
steps:
  - visit: /login
  - eval: {expression: document.title, expect: Sign in}
  - fill: {target: "#user", value: admin, count: 1}
  - check: "#keep"
  - press_button: "#go"
  - expect: {url: /welcome, loading: false}
  - query: {target: "#banner", save: banner}
  - text: {target: i, within: $banner, expect: admin}
  - query_all: {target: "b, i", within: $banner, count: 2}
  - xpath: {expression: "//i", count: 1}
`))
		require.NoError(t, err)
		require.NoError(t, r.Run(ctx, sc))

		h, ok := r.Saved("banner")
		require.True(t, ok)
		assert.True(t, h.Valid())
		assert.Contains(t, out.String(), `text "i" = "admin"`)
		assert.Contains(t, out.String(), "expect ok")
	})

	t.Run("Stops at the first failure", func(t *testing.T) {
		r, out := newRunner(t, newSite(t))
		sc, err := Parse([]byte(`
steps:
  - visit: /login
  - text: {target: title, expect: Nope}
  - visit: /welcome
`))
		require.NoError(t, err)

		err = r.Run(ctx, sc)
		var stepErr *StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, 1, stepErr.Index)
		assert.Equal(t, ActionText, stepErr.Action)
		assert.Contains(t, err.Error(), "step 2 (text, line 4)")
		assert.NotContains(t, out.String(), "visit /welcome")
	})

	t.Run("Session errors keep their kind", func(t *testing.T) {
		r, _ := newRunner(t, newSite(t))
		sc, err := Parse([]byte(`
steps:
  - visit: /login
  - query: 9999
`))
		require.NoError(t, err)

		err = r.Run(ctx, sc)
		require.Error(t, err)
		assert.ErrorIs(t, err, schemas.ErrResolution)
	})

	t.Run("Unknown saved handle", func(t *testing.T) {
		r, _ := newRunner(t, newSite(t))
		sc, err := Parse([]byte(`
steps:
  - visit: /login
  - text: $nothing
`))
		require.NoError(t, err)
		err = r.Run(ctx, sc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `no handle saved as "nothing"`)
	})

	t.Run("Count mismatch", func(t *testing.T) {
		r, _ := newRunner(t, newSite(t))
		sc, err := Parse([]byte(`
steps:
  - visit: /login
  - query_all: {target: input, count: 5}
`))
		require.NoError(t, err)
		err = r.Run(ctx, sc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 5 handles, got 2")
	})

	t.Run("Cancelled context", func(t *testing.T) {
		r, _ := newRunner(t, newSite(t))
		cctx, ccancel := context.WithCancel(ctx)
		ccancel()
		sc := &Script{Steps: []Step{{Action: ActionVisit, Args: Args{Path: "/login"}}}}
		assert.ErrorIs(t, r.Run(cctx, sc), context.Canceled)
	})
}
