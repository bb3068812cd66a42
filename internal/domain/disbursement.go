/**
 * @description
 * Bookkeeping entities derived from successful disbursements: the immutable
 * per-payment receipt, the per-student running totals, the global singleton
 * stats, and the report structures produced by the consistency reconciler.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// DisbursementRecord is the immutable receipt of one successful payment.
// Exactly one record exists per application that reaches disbursed status.
type DisbursementRecord struct {
	ID            uuid.UUID `json:"id"`
	ApplicationID uuid.UUID `json:"application_id"`
	StudentWallet string    `json:"student_wallet"`
	Amount        int64     `json:"amount"` // in stroops
	TransactionID string    `json:"transaction_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// StudentAggregate is the per-destination-wallet running total. Its invariant:
// TotalReceived and DisbursementCount equal the sum and count of all
// DisbursementRecords for the wallet.
type StudentAggregate struct {
	StudentWallet      string     `json:"student_wallet"`
	TotalReceived      int64      `json:"total_received"` // in stroops
	DisbursementCount  int64      `json:"disbursement_count"`
	LastDisbursementAt *time.Time `json:"last_disbursement_at,omitempty"`
}

// GlobalStats is the singleton aggregate across all students.
type GlobalStats struct {
	TotalDisbursed     int64     `json:"total_disbursed"` // in stroops
	TotalStudents      int64     `json:"total_students"`
	TotalDisbursements int64     `json:"total_disbursements"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// StudentSummary is the per-wallet view served to students: their aggregate
// plus the underlying receipts.
type StudentSummary struct {
	Aggregate StudentAggregate     `json:"aggregate"`
	Records   []DisbursementRecord `json:"records"`
}

// DashboardStats are the admin dashboard counters computed from applications
// and the stored aggregates.
type DashboardStats struct {
	TotalApplications      int64 `json:"total_applications"`
	PendingApplications    int64 `json:"pending_applications"`
	ProcessingApplications int64 `json:"processing_applications"`
	DisbursedApplications  int64 `json:"disbursed_applications"`
	RejectedApplications   int64 `json:"rejected_applications"`
	TotalDisbursed         int64 `json:"total_disbursed"` // in stroops
	TotalStudentsHelped    int64 `json:"total_students_helped"`
}

// Dashboard is the admin landing payload: counters, the ledger's own view of
// the total moved, and the most recent applications.
type Dashboard struct {
	Statistics           DashboardStats `json:"statistics"`
	LedgerTotalDisbursed *int64         `json:"ledger_total_disbursed,omitempty"` // in stroops
	RecentApplications   []Application  `json:"recent_applications"`
	ApprovalRatePercent  float64        `json:"approval_rate_percent"`
}

// Statistics extends the dashboard counters with derived analytics and the
// stored-versus-ledger consistency flag.
type Statistics struct {
	DashboardStats
	LedgerTotalDisbursed   *int64  `json:"ledger_total_disbursed,omitempty"`
	DataConsistent         *bool   `json:"data_consistent,omitempty"`
	AverageDisbursedAmount int64   `json:"average_disbursed_amount"` // in stroops
	RejectionRatePercent   float64 `json:"rejection_rate_percent"`
}

// AggregateDrift describes one stored aggregate that diverged from the totals
// recomputed from DisbursementRecords.
type AggregateDrift struct {
	StudentWallet   string `json:"student_wallet,omitempty"` // empty for global stats
	StoredTotal     int64  `json:"stored_total"`
	RecomputedTotal int64  `json:"recomputed_total"`
	StoredCount     int64  `json:"stored_count"`
	RecomputedCount int64  `json:"recomputed_count"`
	Repaired        bool   `json:"repaired"`
}

// LedgerMismatch describes a wallet whose recomputed internal total does not
// match what the ledger reports as received. Never auto-repaired.
type LedgerMismatch struct {
	StudentWallet string `json:"student_wallet"`
	InternalTotal int64  `json:"internal_total"`
	LedgerTotal   int64  `json:"ledger_total"`
}

// MissingRecord flags a ledger-confirmed payment with no matching
// DisbursementRecord. Requires human confirmation before any record is made.
type MissingRecord struct {
	TransactionID string `json:"transaction_id"`
	StudentWallet string `json:"student_wallet"`
	Amount        int64  `json:"amount"`
}

// ClaimResolution enumerates how the reconciler settled one orphaned claim.
type ClaimResolution string

const (
	ClaimCompleted  ClaimResolution = "completed"
	ClaimReverted   ClaimResolution = "reverted"
	ClaimUnresolved ClaimResolution = "unresolved"
)

// OrphanedClaim reports one application found stuck in the claimed state and
// the action taken for it.
type OrphanedClaim struct {
	ApplicationID uuid.UUID       `json:"application_id"`
	StudentWallet string          `json:"student_wallet"`
	Resolution    ClaimResolution `json:"resolution"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Detail        string          `json:"detail,omitempty"`
}

// ReconcileReport is the outcome of one reconciler run.
type ReconcileReport struct {
	StartedAt         time.Time        `json:"started_at"`
	FinishedAt        time.Time        `json:"finished_at"`
	AggregatesChecked int              `json:"aggregates_checked"`
	Drift             []AggregateDrift `json:"drift,omitempty"`
	LedgerMismatches  []LedgerMismatch `json:"ledger_mismatches,omitempty"`
	OrphanedClaims    []OrphanedClaim  `json:"orphaned_claims,omitempty"`
	MissingRecords    []MissingRecord  `json:"missing_records,omitempty"`
}
