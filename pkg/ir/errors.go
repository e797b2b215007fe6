package ir

import (
	"errors"
	"fmt"
)

// BuildErrorKind discriminates the emission-time failure taxonomy.
// Build errors are non-recoverable for the current build: the caller
// must discard the in-progress function or module.
type BuildErrorKind int

const (
	ErrDuplicateSymbol BuildErrorKind = iota
	ErrTypeMismatch
	ErrForeignBlock
	ErrBlockTerminated
	ErrNoInsertionPoint
)

func (k BuildErrorKind) String() string {
	switch k {
	case ErrDuplicateSymbol: return "duplicate symbol"
	case ErrTypeMismatch: return "type mismatch"
	case ErrForeignBlock: return "foreign block reference"
	case ErrBlockTerminated: return "block already terminated"
	case ErrNoInsertionPoint: return "no insertion point"
	default: return "unknown build error"
	}
}

// BuildError is raised synchronously by the builder and emitter.
type BuildError struct {
	Kind   BuildErrorKind
	Fn     string
	Block  string
	Detail string
}

func (e *BuildError) Error() string {
	loc := e.Fn
	if e.Block != "" { loc += "@" + e.Block }
	if loc != "" { loc = " in " + loc }
	return fmt.Sprintf("build error%s: %s: %s", loc, e.Kind, e.Detail)
}

// IsBuildError reports whether err is a BuildError of the given kind.
func IsBuildError(err error, kind BuildErrorKind) bool {
	var be *BuildError
	return errors.As(err, &be) && be.Kind == kind
}
