/**
 * @description
 * This file defines the core domain models for the disbursement-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API
 * layers.
 *
 * @notes
 * - Amounts are stored as `int64` in the ledger's smallest unit (stroops,
 *   10^-7 of a whole unit), which avoids floating-point inaccuracies with
 *   financial data. See amount.go for the decimal conversions.
 * - There is no persisted "approved" resting state: approval and disbursement
 *   are one atomic business event. `processing` marks an application that has
 *   been claimed for disbursement and must not be re-approved.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ApplicationStatus enumerates the application state machine.
type ApplicationStatus string

const (
	// StatusPending is the initial status of every submitted application.
	StatusPending ApplicationStatus = "pending"
	// StatusProcessing marks an application claimed for disbursement. It is
	// transient on the happy path but can persist after an indeterminate
	// payment outcome, in which case only the reconciler may resolve it.
	StatusProcessing ApplicationStatus = "processing"
	// StatusRejected is terminal.
	StatusRejected ApplicationStatus = "rejected"
	// StatusDisbursed is terminal; disbursed_amount and transaction_id are set
	// if and only if the application carries this status.
	StatusDisbursed ApplicationStatus = "disbursed"
)

// Terminal reports whether no further transition may leave the status.
func (s ApplicationStatus) Terminal() bool {
	return s == StatusRejected || s == StatusDisbursed
}

// Application represents one scholarship request.
type Application struct {
	ID              uuid.UUID         `json:"id"`
	StudentWallet   string            `json:"student_wallet"`
	StudentName     string            `json:"student_name"`
	Email           string            `json:"email"`
	University      string            `json:"university"`
	GPA             float64           `json:"gpa"`
	Major           string            `json:"major"`
	YearOfStudy     int               `json:"year_of_study"`
	AnnualIncome    float64           `json:"annual_income"`
	RequestedAmount int64             `json:"requested_amount"` // in stroops
	Essay           string            `json:"essay"`
	Documents       []string          `json:"documents,omitempty"`
	Status          ApplicationStatus `json:"status"`
	ReviewedBy      *string           `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time        `json:"reviewed_at,omitempty"`
	AdminNotes      *string           `json:"admin_notes,omitempty"`
	DisbursedAmount *int64            `json:"disbursed_amount,omitempty"` // in stroops
	TransactionID   *string           `json:"transaction_id,omitempty"`
	LedgerState     *string           `json:"ledger_state,omitempty"`
	AppliedAt       time.Time         `json:"applied_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// SubmitApplicationRequest is the DTO for incoming application submissions.
// The amount is a decimal string with at most 7 fractional digits.
type SubmitApplicationRequest struct {
	StudentWallet string   `json:"student_wallet"`
	StudentName   string   `json:"student_name"`
	Email         string   `json:"email"`
	University    string   `json:"university"`
	GPA           float64  `json:"gpa"`
	Major         string   `json:"major"`
	YearOfStudy   int      `json:"year_of_study"`
	AnnualIncome  float64  `json:"annual_income"`
	Amount        string   `json:"scholarship_amount_requested"`
	Essay         string   `json:"essay"`
	Documents     []string `json:"documents,omitempty"`
}

// ApproveApplicationRequest is the DTO for an approval decision. The approved
// amount may differ from the requested amount.
type ApproveApplicationRequest struct {
	Amount     string `json:"approved_amount"`
	AdminNotes string `json:"admin_notes"`
}

// RejectApplicationRequest is the DTO for a rejection decision.
type RejectApplicationRequest struct {
	AdminNotes string `json:"admin_notes"`
}

// ApplicationListOptions controls filtering for application listings.
type ApplicationListOptions struct {
	Status ApplicationStatus
	Limit  int
}

// DisbursementResult summarizes a completed (or pending-verification)
// approval back to the caller.
type DisbursementResult struct {
	Application   *Application        `json:"application"`
	Record        *DisbursementRecord `json:"record,omitempty"`
	TransactionID string              `json:"transaction_id,omitempty"`
}

const walletAddressLength = 56

// IsValidWalletAddress reports whether the given string has the shape of a
// ledger account address: 56 characters, 'G' prefix, base32 alphabet.
func IsValidWalletAddress(address string) bool {
	if len(address) != walletAddressLength || !strings.HasPrefix(address, "G") {
		return false
	}
	for _, r := range address {
		if (r < 'A' || r > 'Z') && (r < '2' || r > '7') {
			return false
		}
	}
	return true
}

// ValidateSubmission checks a submission against the domain ranges inherited
// from the review workflow. It returns the parsed requested amount in stroops.
func ValidateSubmission(req SubmitApplicationRequest) (int64, error) {
	if !IsValidWalletAddress(strings.TrimSpace(req.StudentWallet)) {
		return 0, &ValidationError{Field: "student_wallet", Reason: "malformed ledger address"}
	}
	if l := len(strings.TrimSpace(req.StudentName)); l < 2 || l > 100 {
		return 0, &ValidationError{Field: "student_name", Reason: "must be between 2 and 100 characters"}
	}
	if !strings.Contains(req.Email, "@") {
		return 0, &ValidationError{Field: "email", Reason: "malformed email address"}
	}
	if l := len(strings.TrimSpace(req.University)); l < 2 || l > 200 {
		return 0, &ValidationError{Field: "university", Reason: "must be between 2 and 200 characters"}
	}
	if req.GPA < 0 || req.GPA > 10 {
		return 0, &ValidationError{Field: "gpa", Reason: "must be on the 0.0-10.0 scale"}
	}
	if l := len(strings.TrimSpace(req.Major)); l < 2 || l > 100 {
		return 0, &ValidationError{Field: "major", Reason: "must be between 2 and 100 characters"}
	}
	if req.YearOfStudy < 1 || req.YearOfStudy > 8 {
		return 0, &ValidationError{Field: "year_of_study", Reason: "must be between 1 and 8"}
	}
	if req.AnnualIncome < 0 {
		return 0, &ValidationError{Field: "annual_income", Reason: "must not be negative"}
	}
	if l := len(req.Essay); l < 100 || l > 2000 {
		return 0, &ValidationError{Field: "essay", Reason: "must be between 100 and 2000 characters"}
	}
	amount, err := ParseAmount(strings.TrimSpace(req.Amount))
	if err != nil {
		return 0, err
	}
	return amount, nil
}
