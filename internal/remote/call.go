// internal/remote/call.go
package remote

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/ghoul/api/schemas"
)

// Call evaluates fn with args in rc and decodes the result into out (which may be nil).
// Engine failures and undecodable results are reported as EvaluationError.
func Call(ctx context.Context, rc Context, op string, fn string, args any, out any) error {
	raw, err := rc.Evaluate(ctx, fn, args)
	if err != nil {
		return schemas.AsKind(schemas.KindEvaluation, op, err)
	}
	if out == nil {
		return nil
	}
	if err := Decode(raw, out); err != nil {
		return schemas.NewError(schemas.KindEvaluation, op, err)
	}
	return nil
}

// Decode unmarshals an evaluation result. An empty payload is treated as null.
func Decode(raw jsoniter.RawMessage, out any) error {
	if len(raw) == 0 {
		raw = jsoniter.RawMessage("null")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode evaluation result %s: %w", truncate(raw, 256), err)
	}
	return nil
}

// Marshal encodes an argument bag with the bridge codec.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("argument bag is not JSON-serializable: %w", err)
	}
	return b, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
