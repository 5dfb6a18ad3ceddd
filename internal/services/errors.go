package services

import (
	"errors"
	"fmt"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/store"
)

var (
	ErrStoreUnavailable    = store.ErrUnavailable
	ErrConcurrencyConflict = store.ErrConflict
	ErrNotFound            = store.ErrNotFound
	ErrConfiguration       = config.ErrInvalid
	ErrInvalidSubject      = errors.New("invalid subject")
	ErrPolicyConflict      = errors.New("policy conflict")

	// ErrSweepBusy rejects a sweep while another run of the same kind is in
	// flight. It matches ErrConcurrencyConflict.
	ErrSweepBusy = fmt.Errorf("sweep already running: %w", store.ErrConflict)
)

// OpError carries the operation and subject (or alert id) that failed.
type OpError struct {
	Op      string
	Subject string
	Err     error
}

func (e *OpError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Subject, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op, subject string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Subject: subject, Err: err}
}

// maxCASAttempts bounds retries of optimistic updates before ErrConcurrencyConflict surfaces.
const maxCASAttempts = 3

// retryConflict runs fn until it succeeds, fails with something other than a
// version conflict, or runs out of attempts.
func retryConflict(fn func() error) error {
	var err error
	for i := 0; i < maxCASAttempts; i++ {
		if err = fn(); err == nil || !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}
