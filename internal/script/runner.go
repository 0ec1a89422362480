// internal/script/runner.go
package script

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ghoul/api/schemas"
)

// Session is the part of a session the runner drives.
type Session interface {
	Visit(ctx context.Context, path string) error
	Fill(ctx context.Context, target schemas.Target, value string) ([]schemas.Handle, error)
	Select(ctx context.Context, target schemas.Target, value string) ([]schemas.Handle, error)
	Check(ctx context.Context, target schemas.Target) ([]schemas.Handle, error)
	Choose(ctx context.Context, target schemas.Target) ([]schemas.Handle, error)
	Uncheck(ctx context.Context, target schemas.Target) ([]schemas.Handle, error)
	ClickLink(ctx context.Context, target schemas.Target) (schemas.Handle, error)
	PressButton(ctx context.Context, target schemas.Target) (schemas.Handle, error)
	Query(ctx context.Context, target, within schemas.Target) (schemas.Handle, error)
	QueryAll(ctx context.Context, target, within schemas.Target) ([]schemas.Handle, error)
	HTML(ctx context.Context, target, within schemas.Target) (string, error)
	Text(ctx context.Context, target, within schemas.Target) (string, error)
	XPath(ctx context.Context, expr string, within schemas.Target) ([]schemas.Handle, error)
	Evaluate(ctx context.Context, source string) (jsoniter.RawMessage, error)
	URL(ctx context.Context) (string, error)
	Loading() bool
}

// Runner executes steps in order and stops at the first failure.
type Runner struct {
	sess   Session
	out    io.Writer
	logger *zap.Logger
	saved  map[string]schemas.Handle
}

// NewRunner returns a runner that reports step results to out.
func NewRunner(sess Session, out io.Writer, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{sess: sess, out: out, logger: logger.Named("script"), saved: make(map[string]schemas.Handle)}
}

// StepError locates a failed step.
type StepError struct {
	Index  int
	Action string
	Line   int
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s, line %d): %v", e.Index+1, e.Action, e.Line, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Run executes every step of sc.
func (r *Runner) Run(ctx context.Context, sc *Script) error {
	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.logger.Debug("Running step.", zap.Int("index", i+1), zap.String("action", step.Action))
		if err := r.step(ctx, step); err != nil {
			return &StepError{Index: i, Action: step.Action, Line: step.Line, Err: err}
		}
	}
	return nil
}

// Saved returns the handle stored under name.
func (r *Runner) Saved(name string) (schemas.Handle, bool) {
	h, ok := r.saved[name]
	return h, ok
}

func (r *Runner) step(ctx context.Context, s Step) error {
	a := s.Args
	switch s.Action {
	case ActionVisit:
		if err := r.sess.Visit(ctx, a.Path); err != nil {
			return err
		}
		r.printf("visit %s", a.Path)
		return nil

	case ActionFill, ActionSelect:
		target, err := r.target(a.Target)
		if err != nil {
			return err
		}
		op := r.sess.Fill
		if s.Action == ActionSelect {
			op = r.sess.Select
		}
		hs, err := op(ctx, target, a.Value)
		return r.handles(s, target, hs, err)

	case ActionCheck, ActionChoose, ActionUncheck:
		target, err := r.target(a.Target)
		if err != nil {
			return err
		}
		op := map[string]func(context.Context, schemas.Target) ([]schemas.Handle, error){
			ActionCheck:   r.sess.Check,
			ActionChoose:  r.sess.Choose,
			ActionUncheck: r.sess.Uncheck,
		}[s.Action]
		hs, err := op(ctx, target)
		return r.handles(s, target, hs, err)

	case ActionClickLink, ActionPressButton:
		target, err := r.target(a.Target)
		if err != nil {
			return err
		}
		op := r.sess.ClickLink
		if s.Action == ActionPressButton {
			op = r.sess.PressButton
		}
		h, err := op(ctx, target)
		if err != nil {
			return err
		}
		return r.handles(s, target, []schemas.Handle{h}, nil)

	case ActionQuery:
		target, within, err := r.targets(a)
		if err != nil {
			return err
		}
		h, err := r.sess.Query(ctx, target, within)
		if err != nil {
			return err
		}
		if h == schemas.NoMatch {
			return r.handles(s, target, []schemas.Handle{}, nil)
		}
		return r.handles(s, target, []schemas.Handle{h}, nil)

	case ActionQueryAll:
		target, within, err := r.targets(a)
		if err != nil {
			return err
		}
		hs, err := r.sess.QueryAll(ctx, target, within)
		return r.handles(s, target, hs, err)

	case ActionXPath:
		within, err := r.target(a.Within)
		if err != nil {
			return err
		}
		hs, err := r.sess.XPath(ctx, a.Expression, within)
		return r.handles(s, schemas.Selector(a.Expression), hs, err)

	case ActionHTML, ActionText:
		target, within, err := r.targets(a)
		if err != nil {
			return err
		}
		op := r.sess.HTML
		if s.Action == ActionText {
			op = r.sess.Text
		}
		v, err := op(ctx, target, within)
		if err != nil {
			return err
		}
		r.printf("%s %s = %q", s.Action, schemas.DescribeTarget(target), v)
		return expectValue(a.Expect, v)

	case ActionEval:
		raw, err := r.sess.Evaluate(ctx, a.Expression)
		if err != nil {
			return err
		}
		r.printf("eval = %s", string(raw))
		if a.Expect == nil {
			return nil
		}
		var v any
		if err := jsoniter.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("result is not JSON: %w", err)
		}
		return expectValue(a.Expect, fmt.Sprint(v))

	case ActionExpect:
		return r.expect(ctx, a)
	}
	return fmt.Errorf("unknown action %q", s.Action)
}

func (r *Runner) expect(ctx context.Context, a Args) error {
	if a.URL != "" {
		u, err := r.sess.URL(ctx)
		if err != nil {
			return err
		}
		if !strings.Contains(u, a.URL) {
			return fmt.Errorf("expected the address to contain %q, it is %q", a.URL, u)
		}
	}
	if a.Loading != nil && r.sess.Loading() != *a.Loading {
		return fmt.Errorf("expected loading=%t", *a.Loading)
	}
	r.printf("expect ok")
	return nil
}

// handles reports the returned handles, saves the first one when asked and
// checks an expected count.
func (r *Runner) handles(s Step, target schemas.Target, hs []schemas.Handle, err error) error {
	if err != nil {
		return err
	}
	parts := make([]string, len(hs))
	for i, h := range hs {
		parts[i] = h.String()
	}
	r.printf("%s %s -> [%s]", s.Action, schemas.DescribeTarget(target), strings.Join(parts, " "))

	if s.Args.Save != "" {
		if len(hs) == 0 {
			return fmt.Errorf("nothing to save as %q", s.Args.Save)
		}
		r.saved[s.Args.Save] = hs[0]
	}
	if s.Args.Count != nil && len(hs) != *s.Args.Count {
		return fmt.Errorf("expected %d handles, got %d", *s.Args.Count, len(hs))
	}
	return nil
}

func (r *Runner) targets(a Args) (schemas.Target, schemas.Target, error) {
	target, err := r.target(a.Target)
	if err != nil {
		return nil, nil, err
	}
	within, err := r.target(a.Within)
	if err != nil {
		return nil, nil, err
	}
	return target, within, nil
}

// target routes a YAML value. "$name" names a saved handle; everything else
// goes through schemas.TargetOf.
func (r *Runner) target(v any) (schemas.Target, error) {
	if s, ok := v.(string); ok && strings.HasPrefix(s, "$") {
		name := strings.TrimPrefix(s, "$")
		h, ok := r.saved[name]
		if !ok {
			return nil, fmt.Errorf("no handle saved as %q", name)
		}
		return h, nil
	}
	return schemas.TargetOf(v), nil
}

func expectValue(want *string, got string) error {
	if want == nil || *want == got {
		return nil
	}
	return fmt.Errorf("expected %s, got %s", strconv.Quote(*want), strconv.Quote(got))
}

func (r *Runner) printf(format string, args ...any) {
	if r.out != nil {
		fmt.Fprintf(r.out, format+"\n", args...)
	}
}
