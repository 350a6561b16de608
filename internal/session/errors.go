package session

import (
	"errors"
	"fmt"
)

// Kind classifies a sandbox setup failure.
type Kind string

const (
	KindConfig    Kind = "config"
	KindPrivilege Kind = "privilege"
	KindChannel   Kind = "channel"
	KindNamespace Kind = "namespace"
	KindMount     Kind = "mount"
	KindCommand   Kind = "command"
)

// Sentinel errors
var (
	ErrNested = errors.New("refusing to stack: already inside a hover sandbox")
	ErrRoot   = errors.New("refusing to run as root")
)

// Error carries the failing operation and its kind next to the root cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf wraps err as a kind error for op. A nil err yields nil.
func Errorf(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether the outermost session error in err's chain has
// kind. Session errors nested inside it are not consulted.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == kind
}

// KindOf returns the kind of the outermost session error in err's chain.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if !errors.As(err, &se) {
		return "", false
	}
	return se.Kind, true
}
