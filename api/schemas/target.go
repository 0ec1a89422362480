// api/schemas/target.go
package schemas

import (
	"fmt"
	"strconv"
	"strings"
)

// -- Node Handles --

// Handle names a DOM node registered in the remote reference table. It is only
// meaningful for the document it was issued against.
type Handle int

// NoMatch is returned by single-node queries that matched nothing.
const NoMatch Handle = -1

// Valid reports whether h could name a table entry.
func (h Handle) Valid() bool { return h >= 0 }

func (h Handle) String() string {
	if h == NoMatch {
		return "<no match>"
	}
	return "#" + strconv.Itoa(int(h))
}

func (Handle) isTarget() {}

// -- Targets --

// Target is anything a query-like operation can resolve to a set of nodes.
// It is implemented by Handle and Selector only. A nil Target used as a query
// context means the whole document.
type Target interface {
	isTarget()
}

// Selector is a CSS selector, or a Sizzle selector when the helper library is loaded.
type Selector string

func (Selector) isTarget() {}

func (s Selector) String() string { return string(s) }

// TargetOf routes an untyped value. Integers of any width are handles, anything
// else is a selector. The routing never fails.
func TargetOf(v any) Target {
	switch t := v.(type) {
	case nil:
		return nil
	case Target:
		return t
	case int:
		return Handle(t)
	case int8:
		return Handle(t)
	case int16:
		return Handle(t)
	case int32:
		return Handle(t)
	case int64:
		return Handle(t)
	case uint:
		return Handle(t)
	case uint8:
		return Handle(t)
	case uint16:
		return Handle(t)
	case uint32:
		return Handle(t)
	case uint64:
		return Handle(t)
	case string:
		return Selector(t)
	case fmt.Stringer:
		return Selector(t.String())
	default:
		return Selector(fmt.Sprint(v))
	}
}

// ParseTarget routes textual input such as command line arguments. A string
// holding only a base-10 integer becomes a handle, so a selector made purely
// of digits cannot be expressed this way; pass a Selector directly for that.
func ParseTarget(s string) Target {
	trimmed := strings.TrimSpace(s)
	if n, err := strconv.Atoi(trimmed); err == nil {
		return Handle(n)
	}
	return Selector(s)
}

// DescribeTarget renders a target for logs and error messages.
func DescribeTarget(t Target) string {
	switch v := t.(type) {
	case nil:
		return "document"
	case Handle:
		return "handle " + v.String()
	case Selector:
		return strconv.Quote(string(v))
	default:
		return fmt.Sprintf("%v", v)
	}
}
