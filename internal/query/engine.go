// internal/query/engine.go
// Package query resolves targets against the reference table of the current
// document and shapes the table replies into handles, projections and
// mutation outcomes.
package query

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/ghoul/api/schemas"
	"github.com/xkilldash9x/ghoul/internal/agent"
	"github.com/xkilldash9x/ghoul/internal/remote"
)

// Action is the outcome of a click-style mutation.
type Action struct {
	Handle schemas.Handle
	// Navigates is true when the remote side reported that the action started
	// a navigation, so the caller has to wait before the next operation.
	Navigates bool
}

// Engine owns the table lifecycle for one remote context. It is not safe for
// concurrent use; the session serializes calls.
type Engine struct {
	rc        remote.Context
	helperURL string
	logger    *zap.Logger

	base int
	// next is the first handle not yet issued by any table; a new table starts there.
	next int
}

// New creates an engine for rc. A non-empty helperURL is included into every
// document before its table is installed.
func New(rc remote.Context, helperURL string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{rc: rc, helperURL: helperURL, logger: logger}
}

// Base is the first handle of the current table. Handles below it belong to
// earlier documents.
func (e *Engine) Base() int { return e.base }

// Next is the handle the next registration will receive.
func (e *Engine) Next() int { return e.next }

// Install injects the helper library when configured and replaces the table
// of the current document with an empty one starting at the watermark.
func (e *Engine) Install(ctx context.Context) error {
	if e.helperURL != "" {
		if err := e.rc.IncludeScript(ctx, e.helperURL); err != nil {
			return schemas.AsKind(schemas.KindInjection, "include_helper", err)
		}
	}
	base := e.next
	if err := agent.Install(ctx, e.rc, base); err != nil {
		return schemas.AsKind(schemas.KindInjection, "install_table", err)
	}
	e.base = base
	e.logger.Debug("Reference table installed.", zap.Int("base", base))
	return nil
}

// run issues req and, when the document lost its table to a navigation nobody
// observed, installs a fresh one and issues req once more.
func (e *Engine) run(ctx context.Context, req agent.Request) (*agent.Result, error) {
	res, err := agent.Run(ctx, e.rc, req)
	if errors.Is(err, agent.ErrTableMissing) {
		e.logger.Debug("Reference table missing, reinstalling.", zap.String("op", string(req.Op)))
		if err := e.Install(ctx); err != nil {
			return nil, err
		}
		res, err = agent.Run(ctx, e.rc, req)
		if errors.Is(err, agent.ErrTableMissing) {
			return nil, schemas.NewError(schemas.KindInjection, string(req.Op), err)
		}
	}
	if err != nil {
		return nil, err
	}
	if res.Next > e.next {
		e.next = res.Next
	}
	return res, nil
}

func request(op agent.Op, target, within schemas.Target) agent.Request {
	return agent.Request{Op: op, Target: agent.Ref(target), Within: agent.Ref(within)}
}

// -- Queries --

// Query returns the first match of target, or schemas.NoMatch.
func (e *Engine) Query(ctx context.Context, target, within schemas.Target) (schemas.Handle, error) {
	handles, err := e.QueryAll(ctx, target, within)
	if err != nil {
		return schemas.NoMatch, err
	}
	if len(handles) == 0 {
		return schemas.NoMatch, nil
	}
	return handles[0], nil
}

// QueryAll registers every match of target and returns their handles.
func (e *Engine) QueryAll(ctx context.Context, target, within schemas.Target) ([]schemas.Handle, error) {
	res, err := e.run(ctx, request(agent.OpQuery, target, within))
	if err != nil {
		return nil, err
	}
	return nonNil(res.Handles), nil
}

// HTML returns the concatenated outer markup of the matches.
func (e *Engine) HTML(ctx context.Context, target, within schemas.Target) (string, error) {
	res, err := e.run(ctx, request(agent.OpHTML, target, within))
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

// Text returns the concatenated text content of the matches.
func (e *Engine) Text(ctx context.Context, target, within schemas.Target) (string, error) {
	res, err := e.run(ctx, request(agent.OpText, target, within))
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

// XPath evaluates expr against within (the document when nil or unresolvable)
// and registers every resulting node.
func (e *Engine) XPath(ctx context.Context, expr string, within schemas.Target) ([]schemas.Handle, error) {
	req := agent.Request{Op: agent.OpXPath, Expression: expr, Within: agent.Ref(within)}
	res, err := e.run(ctx, req)
	if err != nil {
		return nil, err
	}
	return nonNil(res.Handles), nil
}

// -- Mutations --

// Fill sets the value of every match and fires input and change.
func (e *Engine) Fill(ctx context.Context, target schemas.Target, value string) ([]schemas.Handle, error) {
	req := request(agent.OpFill, target, nil)
	req.Value = value
	return e.mutate(ctx, req)
}

// Check sets the checked attribute and property of every match.
func (e *Engine) Check(ctx context.Context, target schemas.Target) ([]schemas.Handle, error) {
	return e.mutate(ctx, request(agent.OpCheck, target, nil))
}

// Uncheck clears the checked attribute and property of every match.
func (e *Engine) Uncheck(ctx context.Context, target schemas.Target) ([]schemas.Handle, error) {
	return e.mutate(ctx, request(agent.OpUncheck, target, nil))
}

func (e *Engine) mutate(ctx context.Context, req agent.Request) ([]schemas.Handle, error) {
	res, err := e.run(ctx, req)
	if err != nil {
		return nil, err
	}
	return nonNil(res.Handles), nil
}

// ClickLink follows the first matching anchor, or clicks the element when it
// is not a navigable link.
func (e *Engine) ClickLink(ctx context.Context, target schemas.Target) (Action, error) {
	return e.act(ctx, request(agent.OpClickLink, target, nil))
}

// PressButton clicks the first match. Submit controls inside a form report a navigation.
func (e *Engine) PressButton(ctx context.Context, target schemas.Target) (Action, error) {
	return e.act(ctx, request(agent.OpPressButton, target, nil))
}

func (e *Engine) act(ctx context.Context, req agent.Request) (Action, error) {
	res, err := e.run(ctx, req)
	if err != nil {
		return Action{Handle: schemas.NoMatch}, err
	}
	if len(res.Handles) == 0 {
		return Action{Handle: schemas.NoMatch}, schemas.Errorf(schemas.KindEvaluation, string(req.Op), "table reported no affected node")
	}
	return Action{Handle: res.Handles[0], Navigates: res.Navigates}, nil
}

func nonNil(h []schemas.Handle) []schemas.Handle {
	if h == nil {
		return []schemas.Handle{}
	}
	return h
}
