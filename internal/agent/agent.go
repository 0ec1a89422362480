// internal/agent/agent.go
// Package agent owns the node reference table that lives inside the remote
// script context and the wire format used to talk to it.
package agent

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/xkilldash9x/ghoul/api/schemas"
	"github.com/xkilldash9x/ghoul/internal/remote"
)

// Source installs a fresh, empty reference table as window.__ghoul. It takes
// {base} and numbers its first entry base.
//
//go:embed agent.js
var Source string

// dispatch forwards one request to the installed table. It reports
// {missing: true} instead of failing when the document has no table, which
// happens after a navigation the session has not caught up with yet.
const dispatch = `function (a) {
  var t = window.__ghoul;
  if (!t || typeof t.run !== 'function') {
    return { missing: true };
  }
  return t.run(a);
}`

// ErrTableMissing is returned by Run when the current document has no table.
var ErrTableMissing = errors.New("reference table is not installed in the current document")

// Op names an operation understood by the table.
type Op string

const (
	OpQuery       Op = "query"
	OpHTML        Op = "html"
	OpText        Op = "text"
	OpXPath       Op = "xpath"
	OpFill        Op = "fill"
	OpCheck       Op = "check"
	OpUncheck     Op = "uncheck"
	OpClickLink   Op = "clickLink"
	OpPressButton Op = "pressButton"
)

// TargetRef is the wire form of a schemas.Target. Handles and selectors are
// tagged explicitly so the remote side never guesses.
type TargetRef struct {
	Kind     string `json:"kind"`
	Handle   int    `json:"handle"`
	Selector string `json:"selector,omitempty"`
}

// Ref converts a target to its wire form. A nil target stays nil.
func Ref(t schemas.Target) *TargetRef {
	switch v := t.(type) {
	case nil:
		return nil
	case schemas.Handle:
		return &TargetRef{Kind: "handle", Handle: int(v)}
	case schemas.Selector:
		return &TargetRef{Kind: "selector", Selector: string(v)}
	default:
		return &TargetRef{Kind: "selector", Selector: fmt.Sprint(v)}
	}
}

// Request is the argument bag of a table operation.
type Request struct {
	Op         Op         `json:"op"`
	Target     *TargetRef `json:"target,omitempty"`
	Within     *TargetRef `json:"within,omitempty"`
	Value      string     `json:"value,omitempty"`
	Expression string     `json:"expression,omitempty"`
}

// Failure is an error reported by the table itself.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result is the reply of a table operation.
type Result struct {
	Missing   bool             `json:"missing"`
	Handles   []schemas.Handle `json:"handles"`
	Value     string           `json:"value"`
	Navigates bool             `json:"navigates"`
	// Next is the handle the table will issue next.
	Next  int      `json:"next"`
	Error *Failure `json:"error"`
}

// Install replaces the table in the current document with an empty one whose
// first handle is base.
func Install(ctx context.Context, rc remote.Context, base int) error {
	var reply struct {
		Base int `json:"base"`
	}
	if err := remote.Call(ctx, rc, "install", Source, map[string]int{"base": base}, &reply); err != nil {
		return err
	}
	if reply.Base != base {
		return schemas.Errorf(schemas.KindEvaluation, "install", "table reported base %d, want %d", reply.Base, base)
	}
	return nil
}

// Run executes req against the installed table. Table failures come back as
// ResolutionError or EvaluationError; a missing table as ErrTableMissing.
func Run(ctx context.Context, rc remote.Context, req Request) (*Result, error) {
	op := string(req.Op)
	var res Result
	if err := remote.Call(ctx, rc, op, dispatch, req, &res); err != nil {
		return nil, err
	}
	if res.Missing {
		return nil, ErrTableMissing
	}
	if res.Error != nil {
		kind := schemas.KindEvaluation
		if res.Error.Kind == "resolution" {
			kind = schemas.KindResolution
		}
		return nil, schemas.NewError(kind, op, errors.New(res.Error.Message))
	}
	return &res, nil
}
