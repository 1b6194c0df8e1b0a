package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/errors"

	"github.com/memstore-db/memstore/kv/metrics"
)

// Read-side and write-side faults form two parallel families. Lock-layer
// conditions are translated into them at the store boundary so callers never
// see synchronizer internals.

// FetchError is a recoverable read-side fault.
type FetchError struct {
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed: %v", e.Cause)
}

// FetchTimeoutError is raised when a read-side lock wait expires.
type FetchTimeoutError struct {
	Timeout time.Duration
}

func (e *FetchTimeoutError) Error() string {
	return fmt.Sprintf("fetch timed out waiting for lock (%s)", e.Timeout)
}

// FetchInterruptedError is raised when a read-side lock wait is cancelled.
type FetchInterruptedError struct {
	Cause error
}

func (e *FetchInterruptedError) Error() string {
	return fmt.Sprintf("fetch interrupted: %v", e.Cause)
}

// PersistError is a recoverable write-side fault.
type PersistError struct {
	Cause error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist failed: %v", e.Cause)
}

// PersistTimeoutError is raised when a write-side lock wait expires.
type PersistTimeoutError struct {
	Timeout time.Duration
}

func (e *PersistTimeoutError) Error() string {
	return fmt.Sprintf("persist timed out waiting for lock (%s)", e.Timeout)
}

// PersistInterruptedError is raised when a write-side lock wait is cancelled.
type PersistInterruptedError struct {
	Cause error
}

func (e *PersistInterruptedError) Error() string {
	return fmt.Sprintf("persist interrupted: %v", e.Cause)
}

func IsFetchTimeout(err error) bool {
	_, ok := errors.Cause(err).(*FetchTimeoutError)
	return ok
}

func IsFetchInterrupted(err error) bool {
	_, ok := errors.Cause(err).(*FetchInterruptedError)
	return ok
}

func IsPersistTimeout(err error) bool {
	_, ok := errors.Cause(err).(*PersistTimeoutError)
	return ok
}

func IsPersistInterrupted(err error) bool {
	_, ok := errors.Cause(err).(*PersistInterruptedError)
	return ok
}

// fetchErr maps a lock acquisition failure to the read-side family.
func (s *Store) fetchErr(err error) error {
	switch errors.Cause(err) {
	case context.DeadlineExceeded:
		metrics.LockFaults.WithLabelValues("fetch", "timeout").Inc()
		return &FetchTimeoutError{Timeout: s.timeout}
	case context.Canceled:
		metrics.LockFaults.WithLabelValues("fetch", "interrupted").Inc()
		return &FetchInterruptedError{Cause: err}
	default:
		return &FetchError{Cause: err}
	}
}

// persistErr maps a lock acquisition failure to the write-side family.
func (s *Store) persistErr(err error) error {
	switch errors.Cause(err) {
	case context.DeadlineExceeded:
		metrics.LockFaults.WithLabelValues("persist", "timeout").Inc()
		return &PersistTimeoutError{Timeout: s.timeout}
	case context.Canceled:
		metrics.LockFaults.WithLabelValues("persist", "interrupted").Inc()
		return &PersistInterruptedError{Cause: err}
	default:
		return &PersistError{Cause: err}
	}
}
