package model

import (
	"github.com/sirupsen/logrus"
)

// AccessStrategy is the "tree model access strategy" of §4.B: the
// not-found behavior for a descriptor lookup. Strict call sites (command
// results expecting the node to exist) use Throw; lenient call sites
// (unsolicited notifications arriving mid-enumeration) use
// LogAndReturnNull or Silent.
type AccessStrategy int

const (
	// Throw returns a non-nil *ControlledEntityError on not-found.
	Throw AccessStrategy = iota
	// LogAndReturnNull logs a warning and returns a nil node, no error.
	LogAndReturnNull
	// Silent returns a nil node, no log, no error.
	Silent
)

// ErrorKind enumerates the ControlledEntity exception taxonomy (§7).
type ErrorKind int

const (
	ErrNotSupported ErrorKind = iota
	ErrInvalidDescriptor
	ErrInvalidModel
	ErrInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNotSupported:
		return "NotSupported"
	case ErrInvalidDescriptor:
		return "InvalidDescriptor"
	case ErrInvalidModel:
		return "InvalidModel"
	default:
		return "Internal"
	}
}

// ControlledEntityError is the typed failure produced by strict accessors
// and internal tree-invariant checks.
type ControlledEntityError struct {
	Kind    ErrorKind
	Message string
}

func (e *ControlledEntityError) Error() string { return e.Kind.String() + ": " + e.Message }

// NewControlledEntityError builds a typed error of the given kind.
func NewControlledEntityError(kind ErrorKind, message string) *ControlledEntityError {
	return &ControlledEntityError{Kind: kind, Message: message}
}

var accessLogger = logrus.WithFields(logrus.Fields{"module": "model"})

// resolve applies the access strategy when a descriptor lookup misses.
// found is the zero-value-safe node pointer (nil on miss); callers pass a
// human-readable coordinate for logging/error messages.
func resolve(strategy AccessStrategy, coordinate string) error {
	switch strategy {
	case Throw:
		return NewControlledEntityError(ErrInvalidDescriptor, "not found: "+coordinate)
	case LogAndReturnNull:
		accessLogger.WithFields(logrus.Fields{"coordinate": coordinate}).Warn("descriptor not found")
		return nil
	default: // Silent
		return nil
	}
}
