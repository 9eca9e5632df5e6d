package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorClass int

const (
	classOther errorClass = iota
	classNotFound
	classConflict
	classUnavailable
)

// Error carries the repository classification of a Firestore failure.
type Error struct {
	Op    string
	Err   error
	class errorClass
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the document does not exist.
func (e *Error) IsNotFound() bool { return e != nil && e.class == classNotFound }

// IsConflict reports whether a precondition or concurrent update failed.
func (e *Error) IsConflict() bool { return e != nil && e.class == classConflict }

// IsUnavailable reports whether the backend is temporarily unreachable.
func (e *Error) IsUnavailable() bool { return e != nil && e.class == classUnavailable }

func classify(code codes.Code) errorClass {
	switch code {
	case codes.NotFound:
		return classNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted, codes.OutOfRange:
		return classConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded, codes.Unauthenticated, codes.PermissionDenied:
		return classUnavailable
	default:
		return classOther
	}
}

// WrapError annotates Firestore errors with repository semantics. Context
// cancellation is returned unwrapped so callers can match it directly.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op == "" {
			existing.Op = op
		}
		return existing
	}
	return &Error{Op: op, Err: err, class: classify(status.Code(err))}
}

// IsNotFound reports whether err is a Firestore not-found error.
func IsNotFound(err error) bool {
	if status.Code(err) == codes.NotFound {
		return true
	}
	var e *Error
	return errors.As(err, &e) && e.IsNotFound()
}
