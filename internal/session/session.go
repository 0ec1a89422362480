// internal/session/session.go
// Package session is the host-facing façade: it owns one remote context and
// sequences every operation against it, waiting out navigations and keeping
// the reference table in step with the current document.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ghoul/api/schemas"
	"github.com/xkilldash9x/ghoul/internal/loadstate"
	"github.com/xkilldash9x/ghoul/internal/query"
	"github.com/xkilldash9x/ghoul/internal/remote"
)

// rawEval runs its argument as script source with indirect (global) eval.
const rawEval = `function (a) { return (0, eval)(a.source); }`

var errClosed = errors.New("session is closed")

// Session drives one remote context. Operations run one at a time, in the
// order callers acquire the session.
type Session struct {
	id      string
	opts    Options
	engine  remote.Engine
	logger  *zap.Logger
	tracker *loadstate.Tracker

	// sem admits one operation at a time. Fields below it are owned by the holder.
	sem      chan struct{}
	query    *query.Engine
	tableGen uint64
	hasTable bool

	mu       sync.Mutex
	rc       remote.Context
	closed   bool
	lifetime context.Context
	cancel   context.CancelFunc
}

// New prepares a session. Nothing is started until the first operation.
func New(opts Options, engine remote.Engine, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	id := uuid.New().String()
	logger = logger.Named("session").With(zap.String("session_id", id))
	lifetime, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       id,
		opts:     opts,
		engine:   engine,
		logger:   logger,
		tracker:  loadstate.New(logger, opts.PollInterval),
		sem:      make(chan struct{}, 1),
		lifetime: lifetime,
		cancel:   cancel,
	}
}

// ID returns the session identifier used in log lines.
func (s *Session) ID() string { return s.id }

// Loading reports whether the current document is mid-navigation.
func (s *Session) Loading() bool { return s.tracker.Loading() }

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// begin admits the caller as the single running operation. The returned
// context ends when ctx ends or the session closes.
func (s *Session) begin(ctx context.Context, op string) (context.Context, func(), error) {
	if s.isClosed() {
		return nil, nil, schemas.NewError(schemas.KindSessionClosed, op, errClosed)
	}
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-s.lifetime.Done():
		return nil, nil, schemas.NewError(schemas.KindSessionClosed, op, errClosed)
	}
	if s.isClosed() {
		<-s.sem
		return nil, nil, schemas.NewError(schemas.KindSessionClosed, op, errClosed)
	}
	opCtx, cancel := combineContext(ctx, s.lifetime)
	return opCtx, func() {
		cancel()
		<-s.sem
	}, nil
}

// fail reports err, or SessionClosed when the session was closed underneath the operation.
func (s *Session) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	if s.isClosed() && !errors.Is(err, schemas.ErrSessionClosed) {
		return schemas.NewError(schemas.KindSessionClosed, op, err)
	}
	return err
}

// bounded limits a single remote evaluation.
func (s *Session) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.OperationTimeout)
}

// ensure creates the remote context on first use.
func (s *Session) ensure(ctx context.Context) (remote.Context, error) {
	s.mu.Lock()
	rc := s.rc
	s.mu.Unlock()
	if rc != nil {
		return rc, nil
	}

	start := time.Now()
	rc, err := s.engine.Create(ctx, s.opts.EngineParameters)
	if err != nil {
		return nil, schemas.AsKind(schemas.KindCreation, "create", err)
	}
	rc.Listen(s.tracker)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		rc.Terminate()
		return nil, schemas.NewError(schemas.KindSessionClosed, "create", errClosed)
	}
	s.rc = rc
	s.mu.Unlock()

	s.query = query.New(rc, s.opts.helperURL(), s.logger)
	s.hasTable = false
	s.logger.Info("Remote context created.", zap.Duration("startup", time.Since(start)))
	return rc, nil
}

// settle waits until no navigation is in flight.
func (s *Session) settle(ctx context.Context) error {
	if err := s.tracker.Wait(ctx, s.opts.NavigationTimeout); err != nil {
		if schemas.KindOf(err) == schemas.KindNavigation {
			s.tracker.Settle()
		}
		return err
	}
	return nil
}

// reinstall puts an empty table into the current document.
func (s *Session) reinstall(ctx context.Context) error {
	gen := s.tracker.Generation()
	bctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.query.Install(bctx); err != nil {
		return err
	}
	s.tableGen = gen
	s.hasTable = true
	return nil
}

// ready brings the session to a state where the table of the current
// document can answer: context exists, no navigation in flight, table fresh.
func (s *Session) ready(ctx context.Context) error {
	if _, err := s.ensure(ctx); err != nil {
		return err
	}
	if err := s.settle(ctx); err != nil {
		return err
	}
	if !s.hasTable || s.tableGen != s.tracker.Generation() {
		return s.reinstall(ctx)
	}
	return nil
}

// Visit navigates to BaseURL+path and prepares the new document.
func (s *Session) Visit(ctx context.Context, path string) error {
	ctx, done, err := s.begin(ctx, "visit")
	if err != nil {
		return err
	}
	defer done()
	return s.fail("visit", s.visit(ctx, path))
}

func (s *Session) visit(ctx context.Context, path string) error {
	rc, err := s.ensure(ctx)
	if err != nil {
		return err
	}
	target := s.opts.BaseURL + path
	s.logger.Info("Visiting page.", zap.String("url", target))

	// Engines may return from Open before their load signals are delivered.
	since := s.tracker.Generation()
	nctx, cancel := context.WithTimeout(ctx, s.opts.NavigationTimeout)
	defer cancel()
	if err := rc.Open(nctx, target); err != nil {
		s.tracker.Settle()
		return schemas.AsKind(schemas.KindNavigation, "visit", err)
	}
	s.tracker.Expect(since)
	if err := s.settle(ctx); err != nil {
		return err
	}
	return s.reinstall(ctx)
}

// Close terminates the remote context. It is idempotent, and an operation in
// flight fails with SessionClosed.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	s.mu.Unlock()

	// Give the running operation a chance to unwind before the context goes away.
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
	}

	s.mu.Lock()
	rc := s.rc
	s.rc = nil
	s.mu.Unlock()
	if rc != nil {
		s.logger.Info("Terminating remote context.")
		rc.Terminate()
	}
	return nil
}

// URL reports the address of the current document.
func (s *Session) URL(ctx context.Context) (string, error) {
	ctx, done, err := s.begin(ctx, "url")
	if err != nil {
		return "", err
	}
	defer done()
	rc, err := s.ensure(ctx)
	if err != nil {
		return "", s.fail("url", err)
	}
	if err := s.settle(ctx); err != nil {
		return "", s.fail("url", err)
	}
	bctx, cancel := s.bounded(ctx)
	defer cancel()
	u, err := rc.URL(bctx)
	return u, s.fail("url", err)
}

// -- Queries --

// Query returns the first match of target inside within (the document when
// nil), or schemas.NoMatch.
func (s *Session) Query(ctx context.Context, target, within schemas.Target) (schemas.Handle, error) {
	h := schemas.NoMatch
	err := s.do(ctx, "query", func(ctx context.Context) (err error) {
		h, err = s.query.Query(ctx, target, within)
		return err
	})
	return h, err
}

// QueryAll returns handles for every match.
func (s *Session) QueryAll(ctx context.Context, target, within schemas.Target) ([]schemas.Handle, error) {
	var hs []schemas.Handle
	err := s.do(ctx, "query_all", func(ctx context.Context) (err error) {
		hs, err = s.query.QueryAll(ctx, target, within)
		return err
	})
	return hs, err
}

// HTML returns the outer markup of the matches.
func (s *Session) HTML(ctx context.Context, target, within schemas.Target) (string, error) {
	var out string
	err := s.do(ctx, "html", func(ctx context.Context) (err error) {
		out, err = s.query.HTML(ctx, target, within)
		return err
	})
	return out, err
}

// Text returns the text content of the matches.
func (s *Session) Text(ctx context.Context, target, within schemas.Target) (string, error) {
	var out string
	err := s.do(ctx, "text", func(ctx context.Context) (err error) {
		out, err = s.query.Text(ctx, target, within)
		return err
	})
	return out, err
}

// XPath registers every node expr selects.
func (s *Session) XPath(ctx context.Context, expr string, within schemas.Target) ([]schemas.Handle, error) {
	var hs []schemas.Handle
	err := s.do(ctx, "xpath", func(ctx context.Context) (err error) {
		hs, err = s.query.XPath(ctx, expr, within)
		return err
	})
	return hs, err
}

// -- Mutations --

// Fill sets the value of every match.
func (s *Session) Fill(ctx context.Context, target schemas.Target, value string) ([]schemas.Handle, error) {
	var hs []schemas.Handle
	err := s.do(ctx, "fill", func(ctx context.Context) (err error) {
		hs, err = s.query.Fill(ctx, target, value)
		return err
	})
	return hs, err
}

// Select is Fill under the name used for drop-downs.
func (s *Session) Select(ctx context.Context, target schemas.Target, value string) ([]schemas.Handle, error) {
	return s.Fill(ctx, target, value)
}

// Check checks every match.
func (s *Session) Check(ctx context.Context, target schemas.Target) ([]schemas.Handle, error) {
	var hs []schemas.Handle
	err := s.do(ctx, "check", func(ctx context.Context) (err error) {
		hs, err = s.query.Check(ctx, target)
		return err
	})
	return hs, err
}

// Choose is Check under the name used for radio buttons.
func (s *Session) Choose(ctx context.Context, target schemas.Target) ([]schemas.Handle, error) {
	return s.Check(ctx, target)
}

// Uncheck unchecks every match.
func (s *Session) Uncheck(ctx context.Context, target schemas.Target) ([]schemas.Handle, error) {
	var hs []schemas.Handle
	err := s.do(ctx, "uncheck", func(ctx context.Context) (err error) {
		hs, err = s.query.Uncheck(ctx, target)
		return err
	})
	return hs, err
}

// ClickLink follows the first matching link and waits for the resulting load.
func (s *Session) ClickLink(ctx context.Context, target schemas.Target) (schemas.Handle, error) {
	return s.navigating(ctx, "click_link", func(ctx context.Context) (query.Action, error) {
		return s.query.ClickLink(ctx, target)
	})
}

// PressButton clicks the first matching button and waits for the resulting load.
func (s *Session) PressButton(ctx context.Context, target schemas.Target) (schemas.Handle, error) {
	return s.navigating(ctx, "press_button", func(ctx context.Context) (query.Action, error) {
		return s.query.PressButton(ctx, target)
	})
}

// do runs a table operation once the document is ready for it.
func (s *Session) do(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, done, err := s.begin(ctx, op)
	if err != nil {
		return err
	}
	defer done()
	if err := s.ready(ctx); err != nil {
		return s.fail(op, err)
	}
	bctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.fail(op, fn(bctx))
}

// navigating fires an action that may start a navigation. The generation is
// read before firing, so a load that completes before the reply arrives is
// not waited for twice.
func (s *Session) navigating(ctx context.Context, op string, fire func(context.Context) (query.Action, error)) (schemas.Handle, error) {
	ctx, done, err := s.begin(ctx, op)
	if err != nil {
		return schemas.NoMatch, err
	}
	defer done()
	if err := s.ready(ctx); err != nil {
		return schemas.NoMatch, s.fail(op, err)
	}

	since := s.tracker.Generation()
	bctx, cancel := s.bounded(ctx)
	act, err := fire(bctx)
	cancel()
	if err != nil {
		return schemas.NoMatch, s.fail(op, err)
	}
	if !act.Navigates {
		return act.Handle, nil
	}

	s.tracker.Expect(since)
	if err := s.settle(ctx); err != nil {
		return schemas.NoMatch, s.fail(op, err)
	}
	if err := s.reinstall(ctx); err != nil {
		return schemas.NoMatch, s.fail(op, err)
	}
	s.logger.Debug("Navigation completed.", zap.String("op", op), zap.Uint64("generation", s.tableGen))
	return act.Handle, nil
}

// -- Escape hatch --

// Evaluate runs source verbatim in the current document and returns the JSON
// encoding of its completion value.
//
// This is unsafe: source runs with page privileges and callers own every bit
// of quoting. Splicing untrusted input into it is script injection. The typed
// operations never need it.
func (s *Session) Evaluate(ctx context.Context, source string) (jsoniter.RawMessage, error) {
	ctx, done, err := s.begin(ctx, "evaluate")
	if err != nil {
		return nil, err
	}
	defer done()
	rc, err := s.ensure(ctx)
	if err != nil {
		return nil, s.fail("evaluate", err)
	}
	if err := s.settle(ctx); err != nil {
		return nil, s.fail("evaluate", err)
	}
	bctx, cancel := s.bounded(ctx)
	defer cancel()
	raw, err := rc.Evaluate(bctx, rawEval, map[string]string{"source": source})
	if err != nil {
		return nil, s.fail("evaluate", schemas.AsKind(schemas.KindEvaluation, "evaluate", err))
	}
	return raw, nil
}

// EvaluateInto is Evaluate followed by decoding the result into out.
func (s *Session) EvaluateInto(ctx context.Context, source string, out any) error {
	raw, err := s.Evaluate(ctx, source)
	if err != nil {
		return err
	}
	if err := remote.Decode(raw, out); err != nil {
		return schemas.NewError(schemas.KindEvaluation, "evaluate", err)
	}
	return nil
}
