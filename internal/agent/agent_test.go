// internal/agent/agent_test.go
package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/ghoul/api/schemas"
	"github.com/xkilldash9x/ghoul/internal/remote"
)

// fakeContext answers every evaluation with a canned reply and records the arguments.
type fakeContext struct {
	reply string
	err   error
	fn    string
	args  []byte
}

func (f *fakeContext) Open(context.Context, string) error          { return nil }
func (f *fakeContext) IncludeScript(context.Context, string) error { return nil }
func (f *fakeContext) URL(context.Context) (string, error)         { return "about:blank", nil }
func (f *fakeContext) Listen(remote.LoadListener)                  {}
func (f *fakeContext) Terminate()                                  {}

func (f *fakeContext) Evaluate(_ context.Context, fn string, args any) (jsoniter.RawMessage, error) {
	f.fn = fn
	f.args, _ = remote.Marshal(args)
	if f.err != nil {
		return nil, f.err
	}
	return jsoniter.RawMessage(f.reply), nil
}

func TestRef(t *testing.T) {
	assert.Nil(t, Ref(nil))
	assert.Equal(t, &TargetRef{Kind: "handle", Handle: 4}, Ref(schemas.Handle(4)))
	assert.Equal(t, &TargetRef{Kind: "selector", Selector: "#a"}, Ref(schemas.Selector("#a")))
	assert.Equal(t, &TargetRef{Kind: "selector", Selector: "12"}, Ref(schemas.Selector("12")))
}

func TestRequestWireFormat(t *testing.T) {
	req := Request{Op: OpFill, Target: Ref(schemas.Handle(0)), Value: "x"}
	b, err := remote.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"fill","target":{"kind":"handle","handle":0},"value":"x"}`, string(b))
}

func TestInstall(t *testing.T) {
	ctx := context.Background()

	t.Run("passes the base and accepts the echo", func(t *testing.T) {
		rc := &fakeContext{reply: `{"base":7}`}
		require.NoError(t, Install(ctx, rc, 7))
		assert.Equal(t, Source, rc.fn)
		assert.JSONEq(t, `{"base":7}`, string(rc.args))
	})

	t.Run("rejects a mismatched base", func(t *testing.T) {
		rc := &fakeContext{reply: `{"base":0}`}
		err := Install(ctx, rc, 7)
		assert.ErrorIs(t, err, schemas.ErrEvaluation)
	})

	t.Run("engine failures are evaluation errors", func(t *testing.T) {
		rc := &fakeContext{err: errors.New("boom")}
		err := Install(ctx, rc, 0)
		assert.ErrorIs(t, err, schemas.ErrEvaluation)
		assert.Contains(t, err.Error(), "boom")
	})
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	req := Request{Op: OpQuery, Target: Ref(schemas.Selector("p"))}

	tests := []struct {
		name    string
		reply   string
		want    *Result
		wantErr error
	}{
		{
			name:  "handles",
			reply: `{"handles":[3,4],"next":5}`,
			want:  &Result{Handles: []schemas.Handle{3, 4}, Next: 5},
		},
		{
			name:  "navigation flag",
			reply: `{"handles":[0],"navigates":true,"next":1}`,
			want:  &Result{Handles: []schemas.Handle{0}, Navigates: true, Next: 1},
		},
		{
			name:    "missing table",
			reply:   `{"missing":true}`,
			wantErr: ErrTableMissing,
		},
		{
			name:    "resolution failure",
			reply:   `{"error":{"kind":"resolution","message":"handle 2 does not belong to the current document"}}`,
			wantErr: schemas.ErrResolution,
		},
		{
			name:    "script failure",
			reply:   `{"error":{"kind":"evaluation","message":"SyntaxError"}}`,
			wantErr: schemas.ErrEvaluation,
		},
		{
			name:    "garbage reply",
			reply:   `[1,2`,
			wantErr: schemas.ErrEvaluation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := &fakeContext{reply: tt.reply}
			got, err := Run(ctx, rc, req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Run() mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, dispatch, rc.fn)
		})
	}
}
