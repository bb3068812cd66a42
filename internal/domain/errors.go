/**
 * @description
 * This file defines the error taxonomy shared by the coordinator, the
 * aggregate maintainer, and the API layer. Each error type maps to a distinct
 * caller decision: correct the input, re-read state, wait for reconciliation,
 * or retry safely.
 */

package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrConcurrentModification is returned when a conditional status update loses
// the claim race to another request. Callers must re-fetch the application and
// decide; blind retries are unsafe because the winning request may already
// have a payment in flight.
var ErrConcurrentModification = errors.New("application was modified concurrently")

// ValidationError reports malformed or out-of-range input. The caller can
// recover by correcting the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidStateError reports an operation attempted against an application that
// is not in a status permitting it. Not retryable without re-reading state.
type InvalidStateError struct {
	ApplicationID string
	Status        ApplicationStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("application %s is in status %q and cannot be modified by this operation", e.ApplicationID, e.Status)
}

// PaymentFailedError reports a definitive ledger rejection. No payment was
// made and the application has been returned to pending, so re-approval is
// safe once the underlying cause is fixed.
type PaymentFailedError struct {
	Reason string
	Err    error
}

func (e *PaymentFailedError) Error() string {
	return fmt.Sprintf("payment rejected by ledger: %s", e.Reason)
}

func (e *PaymentFailedError) Unwrap() error { return e.Err }

// PaymentIndeterminateError reports an ambiguous ledger outcome: the payment
// may or may not have executed upstream. The application stays claimed and
// must go through reconciliation before any further action; automated retries
// are forbidden because they risk a duplicate payment.
type PaymentIndeterminateError struct {
	ApplicationID string
	Err           error
}

func (e *PaymentIndeterminateError) Error() string {
	return fmt.Sprintf("payment outcome for application %s is indeterminate; pending verification", e.ApplicationID)
}

func (e *PaymentIndeterminateError) Unwrap() error { return e.Err }

// AggregateUpdateError reports a failed aggregate fold for an already-final
// disbursement. It is non-fatal: the payment and the application record are
// committed, and the miss is queued for the reconciler.
type AggregateUpdateError struct {
	RecordID uuid.UUID
	Err      error
}

func (e *AggregateUpdateError) Error() string {
	return fmt.Sprintf("aggregate update for disbursement record %s failed: %v", e.RecordID, e.Err)
}

func (e *AggregateUpdateError) Unwrap() error { return e.Err }
