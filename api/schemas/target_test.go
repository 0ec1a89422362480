// api/schemas/target_test.go
package schemas

import (
	"strconv"
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
)

type stringer struct{ s string }

func (s stringer) String() string { return s.s }

func TestTargetOf(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Target
	}{
		{"nil is the document", nil, nil},
		{"int", 3, Handle(3)},
		{"int8", int8(4), Handle(4)},
		{"int64", int64(5), Handle(5)},
		{"uint16", uint16(6), Handle(6)},
		{"uint64", uint64(7), Handle(7)},
		{"zero", 0, Handle(0)},
		{"string", "#user", Selector("#user")},
		{"digit string stays a selector", "12", Selector("12")},
		{"typed handle", Handle(9), Handle(9)},
		{"typed selector", Selector("a"), Selector("a")},
		{"float is not an integer", 1.5, Selector("1.5")},
		{"stringer", stringer{"form input"}, Selector("form input")},
		{"bool", true, Selector("true")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TargetOf(tt.in))
		})
	}
}

func TestParseTarget(t *testing.T) {
	assert.Equal(t, Handle(12), ParseTarget("12"))
	assert.Equal(t, Handle(12), ParseTarget(" 12 "))
	assert.Equal(t, Handle(-1), ParseTarget("-1"))
	assert.Equal(t, Selector("#a"), ParseTarget("#a"))
	assert.Equal(t, Selector("12px"), ParseTarget("12px"))
	assert.Equal(t, Selector(""), ParseTarget(""))
}

func TestHandle(t *testing.T) {
	assert.True(t, Handle(0).Valid())
	assert.False(t, NoMatch.Valid())
	assert.Equal(t, "#4", Handle(4).String())
	assert.Equal(t, "<no match>", NoMatch.String())
}

func TestDescribeTarget(t *testing.T) {
	assert.Equal(t, "document", DescribeTarget(nil))
	assert.Equal(t, "handle #2", DescribeTarget(Handle(2)))
	assert.Equal(t, `"div > p"`, DescribeTarget(Selector("div > p")))
}

// FuzzTargetOf checks that routing is total: integers always become handles
// and strings always become the same selector, for any input.
func FuzzTargetOf(f *testing.F) {
	f.Add([]byte("seed"))
	f.Add([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8})

	f.Fuzz(func(t *testing.T, data []byte) {
		c := fuzz.NewConsumer(data)

		n, err := c.GetInt()
		if err != nil {
			return
		}
		if got, ok := TargetOf(n).(Handle); !ok || int(got) != n {
			t.Fatalf("TargetOf(%d) = %#v, want Handle", n, TargetOf(n))
		}

		s, err := c.GetString()
		if err != nil {
			return
		}
		if got := TargetOf(s); got != Selector(s) {
			t.Fatalf("TargetOf(%q) = %#v, want Selector", s, got)
		}

		switch got := ParseTarget(s).(type) {
		case Handle:
			if n, err := strconv.Atoi(strings.TrimSpace(s)); err != nil || n != int(got) {
				t.Fatalf("ParseTarget(%q) = %v, but the input is not that integer", s, got)
			}
		case Selector:
			if string(got) != s {
				t.Fatalf("ParseTarget(%q) = %q", s, got)
			}
		default:
			t.Fatalf("ParseTarget(%q) = %#v, neither handle nor selector", s, got)
		}
	})
}
