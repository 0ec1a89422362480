// internal/remote/headless/context_test.go
package headless

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/ghoul/api/schemas"
	"github.com/xkilldash9x/ghoul/internal/remote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

const loginPage = `<!DOCTYPE html>
<html><head><title>Login</title></head>
<body>
  <a id="home" href="/">Home</a>
  <a id="anchor" href="#top">Top</a>
  <form action="/session" method="post">
    <input type="text" name="user" id="user">
    <input type="password" name="pass">
    <input type="checkbox" name="remember" value="yes">
    <select name="lang"><option value="en">English</option><option value="fr">French</option></select>
    <button type="submit" name="go" value="1">Log in</button>
  </form>
</body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Home</title></head><body><p id="q">`+r.URL.RawQuery+`</p></body></html>`)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, loginPage)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		fmt.Fprintf(w, `<html><body><p id="who">%s|%s|%s|%s</p></body></html>`,
			r.PostForm.Get("user"), r.PostForm.Get("remember"), r.PostForm.Get("lang"), r.PostForm.Get("go"))
	})
	mux.HandleFunc("/scripted", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div id="out"></div>
<script src="/lib.js"></script>
<script>document.getElementById('out').textContent = greet('load'); setTimeout(function(){ window.later = true; }, 10);</script>
<script>throw new Error('broken page script');</script>
</body></html>`)
	})
	mux.HandleFunc("/lib.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		fmt.Fprint(w, `function greet(s) { return 'hello ' + s; }`)
	})
	mux.HandleFunc("/gzip", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte(`<html><body><p id="enc">gzip</p></body></html>`))
		require.NoError(t, zw.Close())
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	})
	mux.HandleFunc("/br", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		_, _ = bw.Write([]byte(`<html><body><p id="enc">brotli</p></body></html>`))
		require.NoError(t, bw.Close())
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write(buf.Bytes())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type loadEvents struct {
	started  chan struct{}
	finished chan struct{}
}

func listen(rc remote.Context) *loadEvents {
	ev := &loadEvents{started: make(chan struct{}, 16), finished: make(chan struct{}, 16)}
	rc.Listen(remote.LoadFuncs{
		Started:  func() { ev.started <- struct{}{} },
		Finished: func() { ev.finished <- struct{}{} },
	})
	return ev
}

func (ev *loadEvents) awaitFinished(t *testing.T) {
	t.Helper()
	select {
	case <-ev.finished:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for load to finish")
	}
}

func newTestContext(t *testing.T, params map[string]string) *Context {
	t.Helper()
	e := New(Options{}, zaptest.NewLogger(t))
	rc, err := e.Create(context.Background(), params)
	require.NoError(t, err)
	t.Cleanup(rc.Terminate)
	return rc.(*Context)
}

func eval(t *testing.T, rc remote.Context, fn string, out any) {
	t.Helper()
	require.NoError(t, remote.Call(context.Background(), rc, "test", fn, nil, out))
}

func TestContext_OpenAndEvaluate(t *testing.T) {
	srv := newSite(t)
	rc := newTestContext(t, nil)
	ev := listen(rc)
	ctx := context.Background()

	url, err := rc.URL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "about:blank", url)

	require.NoError(t, rc.Open(ctx, srv.URL+"/login"))
	assert.Len(t, ev.started, 1)
	assert.Len(t, ev.finished, 1)

	var title string
	eval(t, rc, `function () { return document.title; }`, &title)
	assert.Equal(t, "Login", title)

	var count int
	eval(t, rc, `function () { return document.querySelectorAll('form input').length; }`, &count)
	assert.Equal(t, 3, count)

	t.Run("args arrive as JSON", func(t *testing.T) {
		raw, err := rc.Evaluate(ctx, `function (a) { return a.n * 2 + a.list.length; }`, map[string]any{"n": 20, "list": []int{1, 2}})
		require.NoError(t, err)
		assert.JSONEq(t, "42", string(raw))
	})

	t.Run("nodes serialize as empty objects", func(t *testing.T) {
		raw, err := rc.Evaluate(ctx, `function () { return document.body; }`, nil)
		require.NoError(t, err)
		assert.JSONEq(t, "{}", string(raw))
	})

	t.Run("undefined becomes null", func(t *testing.T) {
		raw, err := rc.Evaluate(ctx, `function () {}`, nil)
		require.NoError(t, err)
		assert.Equal(t, "null", string(raw))
	})

	t.Run("settled promises are unwrapped", func(t *testing.T) {
		raw, err := rc.Evaluate(ctx, `function () { return Promise.resolve('done'); }`, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `"done"`, string(raw))
	})

	t.Run("exceptions are evaluation errors", func(t *testing.T) {
		_, err := rc.Evaluate(ctx, `function () { throw new TypeError('nope'); }`, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, schemas.ErrEvaluation)
		assert.Contains(t, err.Error(), "nope")
	})

	t.Run("syntax errors are evaluation errors", func(t *testing.T) {
		_, err := rc.Evaluate(ctx, `function ( {`, nil)
		assert.ErrorIs(t, err, schemas.ErrEvaluation)
	})

	t.Run("node identity is stable", func(t *testing.T) {
		var same bool
		eval(t, rc, `function () { return document.getElementById('user') === document.querySelector('#user'); }`, &same)
		assert.True(t, same)
	})
}

func TestContext_FormSubmission(t *testing.T) {
	srv := newSite(t)
	rc := newTestContext(t, nil)
	ctx := context.Background()
	require.NoError(t, rc.Open(ctx, srv.URL+"/login"))
	ev := listen(rc)

	var ok bool
	eval(t, rc, `function () {
		document.getElementById('user').value = 'bob';
		document.querySelector('input[name=remember]').checked = true;
		document.querySelector('select').value = 'fr';
		document.querySelector('button').click();
		return true;
	}`, &ok)
	require.True(t, ok)

	select {
	case <-ev.started:
	default:
		t.Fatal("click on a submit button should start a load synchronously")
	}
	ev.awaitFinished(t)

	url, err := rc.URL(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/session", url)

	var who string
	eval(t, rc, `function () { return document.getElementById('who').textContent; }`, &who)
	assert.Equal(t, "bob|yes|fr|1", who)
}

func TestContext_Links(t *testing.T) {
	srv := newSite(t)
	rc := newTestContext(t, nil)
	ctx := context.Background()
	require.NoError(t, rc.Open(ctx, srv.URL+"/login"))
	ev := listen(rc)

	t.Run("fragment links stay in the document", func(t *testing.T) {
		eval(t, rc, `function () { document.getElementById('anchor').click(); }`, nil)
		assert.Empty(t, ev.started)
		url, err := rc.URL(ctx)
		require.NoError(t, err)
		assert.Equal(t, srv.URL+"/login", url)
	})

	t.Run("href is resolved against the document", func(t *testing.T) {
		var href string
		eval(t, rc, `function () { return document.getElementById('home').href; }`, &href)
		assert.Equal(t, srv.URL+"/", href)
	})

	t.Run("location assignment navigates", func(t *testing.T) {
		eval(t, rc, `function () { window.location.href = '/?from=script'; }`, nil)
		ev.awaitFinished(t)
		var q string
		eval(t, rc, `function () { return document.getElementById('q').textContent; }`, &q)
		assert.Equal(t, "from=script", q)
	})
}

func TestContext_PageScripts(t *testing.T) {
	srv := newSite(t)
	rc := newTestContext(t, nil)
	require.NoError(t, rc.Open(context.Background(), srv.URL+"/scripted"))

	var out struct {
		Text  string `json:"text"`
		Later bool   `json:"later"`
	}
	eval(t, rc, `function () { return { text: document.getElementById('out').textContent, later: !!window.later }; }`, &out)
	assert.Equal(t, "hello load", out.Text)
	assert.True(t, out.Later, "queued timers run once after load")
}

func TestContext_XPath(t *testing.T) {
	srv := newSite(t)
	rc := newTestContext(t, nil)
	require.NoError(t, rc.Open(context.Background(), srv.URL+"/login"))

	var names []string
	eval(t, rc, `function () {
		var form = document.querySelector('form');
		var r = document.evaluate('.//input[@type="text" or @type="password"]', form, null, 7, null);
		var out = [];
		for (var i = 0; i < r.snapshotLength; i++) { out.push(r.snapshotItem(i).getAttribute('name')); }
		return out;
	}`, &names)
	assert.Equal(t, []string{"user", "pass"}, names)
}

func TestContext_Decompression(t *testing.T) {
	srv := newSite(t)
	rc := newTestContext(t, nil)

	for _, enc := range []string{"gzip", "br"} {
		t.Run(enc, func(t *testing.T) {
			require.NoError(t, rc.Open(context.Background(), srv.URL+"/"+enc))
			var text string
			eval(t, rc, `function () { return document.getElementById('enc').textContent; }`, &text)
			assert.Equal(t, map[string]string{"gzip": "gzip", "br": "brotli"}[enc], text)
		})
	}
}

func TestContext_NavigationDelay(t *testing.T) {
	srv := newSite(t)
	rc := newTestContext(t, map[string]string{ParamNavigationDelay: "150"})
	ctx := context.Background()
	require.NoError(t, rc.Open(ctx, srv.URL+"/login"))
	ev := listen(rc)

	eval(t, rc, `function () { location.assign('/?slow=1'); }`, nil)
	url, err := rc.URL(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/login", url, "the old document stays until the delayed load lands")

	ev.awaitFinished(t)
	url, err = rc.URL(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/?slow=1", url)
}

func TestContext_Failures(t *testing.T) {
	t.Run("unreachable host", func(t *testing.T) {
		rc := newTestContext(t, nil)
		ev := listen(rc)
		err := rc.Open(context.Background(), "http://127.0.0.1:1/")
		assert.ErrorIs(t, err, schemas.ErrNavigation)
		assert.Len(t, ev.finished, 1, "a failed load still reports that it finished")
	})

	t.Run("bad parameters", func(t *testing.T) {
		_, err := New(Options{}, nil).Create(context.Background(), map[string]string{ParamNavigationDelay: "soon"})
		assert.ErrorIs(t, err, schemas.ErrCreation)
	})

	t.Run("missing script", func(t *testing.T) {
		srv := newSite(t)
		rc := newTestContext(t, nil)
		require.NoError(t, rc.Open(context.Background(), srv.URL+"/login"))
		err := rc.IncludeScript(context.Background(), "http://127.0.0.1:1/lib.js")
		assert.ErrorIs(t, err, schemas.ErrInjection)
	})

	t.Run("terminate is idempotent", func(t *testing.T) {
		rc := newTestContext(t, nil)
		rc.Terminate()
		rc.Terminate()
		_, err := rc.Evaluate(context.Background(), `function () { return 1; }`, nil)
		assert.Error(t, err)
	})

	t.Run("cancelled evaluation is interrupted", func(t *testing.T) {
		rc := newTestContext(t, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := rc.Evaluate(ctx, `function () { for (;;) {} }`, nil)
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "interrupted"))
	})
}

func TestContext_IncludeScript(t *testing.T) {
	srv := newSite(t)
	rc := newTestContext(t, nil)
	require.NoError(t, rc.Open(context.Background(), srv.URL+"/login"))
	require.NoError(t, rc.IncludeScript(context.Background(), "/lib.js"))

	var s string
	eval(t, rc, `function () { return greet('include'); }`, &s)
	assert.Equal(t, "hello include", s)
}

func TestContext_ScriptOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<script src="/slow.js"></script>
<script>window.order.push('inline');</script>
<script src="/fast.js"></script>
<script type="module">window.order.push('module');</script>
</body></html>`)
	})
	mux.HandleFunc("/slow.js", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, `window.order = ['slow'];`)
	})
	mux.HandleFunc("/fast.js", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `window.order.push('fast');`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rc := newTestContext(t, nil)
	require.NoError(t, rc.Open(context.Background(), srv.URL+"/"))

	var order []string
	eval(t, rc, `function () { return window.order; }`, &order)
	assert.Equal(t, []string{"slow", "inline", "fast"}, order, "document order holds whatever order the fetches finish in")
}

func TestContext_RequestRate(t *testing.T) {
	srv := newSite(t)

	t.Run("parameter", func(t *testing.T) {
		_, err := New(Options{}, nil).Create(context.Background(), map[string]string{ParamRequestRate: "-1"})
		assert.ErrorIs(t, err, schemas.ErrCreation)
	})

	t.Run("throttles fetches", func(t *testing.T) {
		rc := newTestContext(t, map[string]string{ParamRequestRate: "5"})
		ctx := context.Background()

		start := time.Now()
		require.NoError(t, rc.Open(ctx, srv.URL+"/"))
		require.NoError(t, rc.Open(ctx, srv.URL+"/login"))
		require.NoError(t, rc.Open(ctx, srv.URL+"/"))
		// One burst token, then 200ms per request.
		assert.GreaterOrEqual(t, time.Since(start), 350*time.Millisecond)
	})

	t.Run("cancellation while throttled", func(t *testing.T) {
		rc := newTestContext(t, map[string]string{ParamRequestRate: "0.1"})
		require.NoError(t, rc.Open(context.Background(), srv.URL+"/"))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := rc.Open(ctx, srv.URL+"/login")
		assert.ErrorIs(t, err, schemas.ErrNavigation)
	})
}

func TestContext_Console(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><script>console.warn('low', 1); console.log('hello'); console.debug('noise');</script></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	core, logs := observer.New(zapcore.InfoLevel)
	rc, err := New(Options{}, zap.New(core)).Create(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(rc.Terminate)
	require.NoError(t, rc.Open(context.Background(), srv.URL+"/"))

	entries := logs.FilterMessage("[JS Console]").All()
	require.Len(t, entries, 2, "debug output stays below the configured level")
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "low 1", entries[0].ContextMap()["message"])
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "hello", entries[1].ContextMap()["message"])
	assert.Equal(t, srv.URL+"/", entries[0].ContextMap()["url"])
}
