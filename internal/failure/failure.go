// Package failure classifies pipeline errors so the supervisor and the CLI can
// tell configuration mistakes, spawn failures and mid-run losses apart.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the classification of a pipeline failure
type Kind int

const (
	// Unknown is any error that was not produced by this package
	Unknown Kind = iota
	// Configuration is an invalid setup rejected before any process is spawned
	Configuration
	// Spawn is a browser, display or encoder process that failed to start
	Spawn
	// CaptureUnavailable is the debugging session or display surface lost mid-run
	CaptureUnavailable
	// EncoderUnavailable is the encoder input closed or the process gone while frames still arrive
	EncoderUnavailable
)

// String returns a human-readable name for the kind
func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Spawn:
		return "spawn"
	case CaptureUnavailable:
		return "capture unavailable"
	case EncoderUnavailable:
		return "encoder unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for errors.Is
var (
	ErrConfiguration      = &Error{Kind: Configuration}
	ErrSpawn              = &Error{Kind: Spawn}
	ErrCaptureUnavailable = &Error{Kind: CaptureUnavailable}
	ErrEncoderUnavailable = &Error{Kind: EncoderUnavailable}
)

// New wraps err as a failure of the given kind
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a failure from a formatted message
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare sentinel of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the outermost classified error in err's chain
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Classify returns err unchanged when it is already classified, otherwise
// wraps it with kind.
func Classify(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != Unknown {
		return err
	}
	return New(kind, op, err)
}
