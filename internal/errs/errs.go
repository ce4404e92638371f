// Package errs classifies pipeline failures so the job runner can decide
// between retrying, waiting for a dependency, or escalating to an operator.
//
// It builds on github.com/cockroachdb/errors: kinds are attached with
// errors.Mark so they survive wrapping and can be tested with errors.Is.
package errs

import (
	crdb "github.com/cockroachdb/errors"
)

// Kind is the retry class of a failure.
type Kind string

const (
	KindTransient  Kind = "transient"
	KindNotReady   Kind = "not_ready"
	KindStructural Kind = "structural"
)

// Marker sentinels. Compare with errors.Is, never with ==.
var (
	ErrTransient  = crdb.New("transient failure")
	ErrNotReady   = crdb.New("dependency not ready")
	ErrStructural = crdb.New("structural failure")
)

var (
	New    = crdb.New
	Newf   = crdb.Newf
	Wrap   = crdb.Wrap
	Wrapf  = crdb.Wrapf
	Is     = crdb.Is
	As     = crdb.As
	Mark   = crdb.Mark
	Unwrap = crdb.UnwrapAll

	CombineErrors = crdb.CombineErrors
)

// Transient marks err as a vendor/network/storage failure worth retrying with backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return crdb.Mark(err, ErrTransient)
}

// NotReady reports that an upstream stage has not finished yet.
func NotReady(format string, args ...interface{}) error {
	return crdb.Mark(crdb.Newf(format, args...), ErrNotReady)
}

// Structural marks err as a bug or data-corruption signal that must not be retried.
func Structural(err error) error {
	if err == nil {
		return nil
	}
	return crdb.Mark(err, ErrStructural)
}

// Structuralf creates a new structural error.
func Structuralf(format string, args ...interface{}) error {
	return crdb.Mark(crdb.Newf(format, args...), ErrStructural)
}

// KindOf returns the kind of err. Unmarked errors count as transient.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case crdb.Is(err, ErrStructural):
		return KindStructural
	case crdb.Is(err, ErrNotReady):
		return KindNotReady
	default:
		return KindTransient
	}
}
