package services

import (
	"errors"
	"fmt"
)

var (
	// ErrContentNotFound reports a missing item. It is distinct from the locked decisions.
	ErrContentNotFound = errors.New("content: not found")
	// ErrInvalidUsage reports a ledger call with an unknown kind or blank ids.
	ErrInvalidUsage = errors.New("usage: invalid input")
	// ErrAllowanceExhausted reports a claim for an unseen item once the free limit is used up.
	ErrAllowanceExhausted = errors.New("usage: free allowance exhausted")
)

// ContentFetchError wraps a content store failure. The directory logs it and
// recovers with an empty result.
type ContentFetchError struct {
	Op  string
	Err error
}

func (e *ContentFetchError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("content fetch %s: %v", e.Op, e.Err)
}

func (e *ContentFetchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Auth error codes.
const (
	AuthCodeTokenMissing = "token_missing"
	AuthCodeTokenExpired = "token_expired"
	AuthCodeTokenInvalid = "token_invalid"
	AuthCodeUnavailable  = "auth_unavailable"
)

// AuthError is returned by sign-in attempts. The identity it was raised for is unchanged.
type AuthError struct {
	Code string
	Err  error
}

func (e *AuthError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return "auth: " + e.Code
	}
	return fmt.Sprintf("auth: %s: %v", e.Code, e.Err)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StorageUnavailableError wraps a usage store failure. The ledger logs it and
// serves the visitor from its in-memory fallback.
type StorageUnavailableError struct {
	Op        string
	VisitorID string
	Err       error
}

func (e *StorageUnavailableError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("usage storage %s for visitor %s: %v", e.Op, e.VisitorID, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
