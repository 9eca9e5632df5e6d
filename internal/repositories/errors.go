package repositories

import (
	"errors"
	"fmt"
)

// StoreError classifies failures of stores that are not backed by Firestore.
type StoreError struct {
	Op          string
	Err         error
	NotFound    bool
	Unavailable bool
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound implements RepositoryError.
func (e *StoreError) IsNotFound() bool { return e != nil && e.NotFound }

// IsConflict implements RepositoryError.
func (e *StoreError) IsConflict() bool { return false }

// IsUnavailable implements RepositoryError.
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Unavailable }

// IsNotFound reports whether err is a RepositoryError flagged as not found.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsUnavailable reports whether err is a RepositoryError flagged as unavailable.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
