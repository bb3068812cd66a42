/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access required by the disbursement-service. The interface decouples the
 * coordinator, aggregate maintainer, and reconciler from the concrete
 * database, and is what test stubs embed.
 *
 * The conditional transition methods (`ClaimApplicationForDisbursement`,
 * `RevertApplicationClaim`, `FinalizeDisbursedApplication`,
 * `RejectApplication`) are the service's only concurrency-control primitive:
 * each is a single-row compare-and-swap on the application's status and
 * reports via its boolean whether the precondition held.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Entity identifiers.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stellarscholar/disbursement-service/internal/domain"
)

var (
	// ErrApplicationNotFound is returned when an application id is unknown.
	ErrApplicationNotFound = errors.New("application not found")
	// ErrRecordNotFound is returned when a disbursement record lookup misses.
	ErrRecordNotFound = errors.New("disbursement record not found")
	// ErrDuplicateDisbursementRecord is returned when a second record is
	// created for the same application. The unique constraint backing it is
	// the final guard on the one-record-per-application invariant.
	ErrDuplicateDisbursementRecord = errors.New("disbursement record already exists for application")
)

// FinalizeDisbursementParams carries the terminal fields written when an
// application transitions from processing to disbursed.
type FinalizeDisbursementParams struct {
	ApplicationID   uuid.UUID
	DisbursedAmount int64
	TransactionID   string
	ReviewedBy      string
	ReviewedAt      time.Time
	AdminNotes      string
	LedgerState     string
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Application methods
	CreateApplication(ctx context.Context, app *domain.Application) error
	FindApplicationByID(ctx context.Context, id uuid.UUID) (*domain.Application, error)
	ListApplications(ctx context.Context, opts domain.ApplicationListOptions) ([]domain.Application, error)
	ListApplicationsByWallet(ctx context.Context, wallet string) ([]domain.Application, error)
	CountApplicationsByStatus(ctx context.Context) (map[domain.ApplicationStatus]int64, error)

	// Conditional status transitions. Each returns false when the status
	// precondition no longer held at write time.
	ClaimApplicationForDisbursement(ctx context.Context, id uuid.UUID, ledgerState string) (bool, error)
	RevertApplicationClaim(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateApplicationLedgerState(ctx context.Context, id uuid.UUID, ledgerState string) error
	FinalizeDisbursedApplication(ctx context.Context, params FinalizeDisbursementParams) (bool, error)
	RejectApplication(ctx context.Context, id uuid.UUID, reviewer, notes string) (bool, error)
	ListStaleProcessingApplications(ctx context.Context, olderThan time.Time, limit int) ([]domain.Application, error)

	// Disbursement record methods
	CreateDisbursementRecord(ctx context.Context, rec *domain.DisbursementRecord) error
	FindDisbursementRecordByApplicationID(ctx context.Context, applicationID uuid.UUID) (*domain.DisbursementRecord, error)
	FindDisbursementRecordByTransactionID(ctx context.Context, transactionID string) (*domain.DisbursementRecord, error)
	ListDisbursementRecords(ctx context.Context, limit int) ([]domain.DisbursementRecord, error)
	ListDisbursementRecordsByWallet(ctx context.Context, wallet string) ([]domain.DisbursementRecord, error)

	// Aggregate methods. The Apply methods are idempotent per record id:
	// they fold a record into an aggregate at most once and report whether
	// this call performed the fold. The global fold tracks distinct
	// recipient wallets itself, so the decision cannot be lost when a
	// student fold applied on an earlier attempt and the global fold is
	// re-driven later.
	ApplyDisbursementToStudentAggregate(ctx context.Context, rec domain.DisbursementRecord) (applied bool, err error)
	ApplyDisbursementToGlobalStats(ctx context.Context, rec domain.DisbursementRecord) (applied bool, newStudent bool, err error)
	GetStudentAggregate(ctx context.Context, wallet string) (*domain.StudentAggregate, error)
	ListStudentAggregates(ctx context.Context) ([]domain.StudentAggregate, error)
	GetGlobalStats(ctx context.Context) (*domain.GlobalStats, error)

	// Reconciliation methods
	RecomputeStudentAggregates(ctx context.Context) ([]domain.StudentAggregate, error)
	RecomputeGlobalStats(ctx context.Context) (*domain.GlobalStats, error)
	ReplaceStudentAggregate(ctx context.Context, agg domain.StudentAggregate) error
	ReplaceGlobalStats(ctx context.Context, stats domain.GlobalStats) error
}
