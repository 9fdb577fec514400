package engine

import "fmt"

// Kind classifies automation failures. These are domain outcomes, not
// transport errors: callers report them inside a normal response payload so
// the client can see the page state and decide what to do next.
type Kind string

const (
	KindTargetUnreachable Kind = "target_unreachable"
	KindElementNotFound   Kind = "element_not_found"
	KindSubmissionTimeout Kind = "submission_timeout"
)

type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
