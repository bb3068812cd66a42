/**
 * @description
 * This file contains the coordinator for the scholarship disbursement
 * workflow. It implements the business logic for submitting applications,
 * rejecting them, and the approve-and-disburse saga spanning the external
 * payment ledger and the internal bookkeeping store.
 *
 * The saga's ordering is fixed: claim the application with a conditional
 * status update, submit the irreversible payment, then commit the terminal
 * state and the disbursement record. A definitive ledger rejection unwinds
 * the claim; an ambiguous outcome freezes the application in `processing`
 * for the reconciler, because retrying an unknown-outcome payment risks
 * paying twice.
 *
 * @dependencies
 * - internal/domain: Core domain models and error taxonomy.
 * - internal/store: The repository interface.
 * - pkg/ledgerclient: Payment submission and lookup types.
 * - pkg/rabbitmq: Event publishing.
 * - go.uber.org/zap: Structured logging.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarscholar/disbursement-service/internal/domain"
	"github.com/stellarscholar/disbursement-service/internal/store"
	"github.com/stellarscholar/disbursement-service/pkg/ledgerclient"
	"github.com/stellarscholar/disbursement-service/pkg/rabbitmq"
)

// ErrApproveRateLimited is returned when an admin exceeds the approval rate
// limit window.
var ErrApproveRateLimited = errors.New("approval rate limit exceeded")

// PaymentGateway is the ledger surface the coordinator and reconciler need.
// *ledgerclient.Client satisfies it.
type PaymentGateway interface {
	SubmitPayment(ctx context.Context, destination string, amount int64, reference string) (*ledgerclient.PaymentResponse, error)
	GetPaymentByReference(ctx context.Context, reference string) (*ledgerclient.Payment, error)
	GetAccountReceivedTotal(ctx context.Context, account string) (int64, error)
	GetAccountSentTotal(ctx context.Context, account string) (int64, error)
	ListPaymentsFromSource(ctx context.Context, since time.Time, limit int) ([]ledgerclient.Payment, error)
}

// RateLimiter consumes one approval attempt for the given admin and reports
// whether it was within the limit.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, adminID string) (bool, error)
}

// Service provides the disbursement workflow operations.
type Service struct {
	repo       store.Repository
	gateway    PaymentGateway
	aggregates *AggregateMaintainer
	producer   rabbitmq.Publisher
	limiter    RateLimiter
	log        *zap.SugaredLogger

	// maxApprovedAmount caps a single approval, in stroops. Zero disables
	// the cap.
	maxApprovedAmount int64
}

// NewService creates the coordinator. limiter may be nil when rate limiting
// is disabled.
func NewService(repo store.Repository, gateway PaymentGateway, producer rabbitmq.Publisher, limiter RateLimiter, log *zap.SugaredLogger, maxApprovedAmount int64) *Service {
	return &Service{
		repo:              repo,
		gateway:           gateway,
		aggregates:        NewAggregateMaintainer(repo, log),
		producer:          producer,
		limiter:           limiter,
		log:               log,
		maxApprovedAmount: maxApprovedAmount,
	}
}

// PaymentReference returns the deterministic idempotency reference the ledger
// stores with every disbursement payment for the given application.
func PaymentReference(applicationID uuid.UUID) string {
	return "app:" + applicationID.String()
}

// Claim-state tokens persisted on the application's ledger_state column. They
// record how far the saga got, which is what the reconciler keys off when a
// request dies mid-flight.
func claimedStateToken(id uuid.UUID) string {
	return fmt.Sprintf("app:%s;state:claimed", id)
}

func inflightStateToken(id uuid.UUID) string {
	return fmt.Sprintf("app:%s;state:payment_inflight", id)
}

func unknownStateToken(id uuid.UUID) string {
	return fmt.Sprintf("app:%s;state:payment_unknown", id)
}

func completedStateToken(id uuid.UUID, txID string) string {
	return fmt.Sprintf("app:%s;state:completed;tx:%s", id, txID)
}

// SubmitApplication validates and persists a new application in pending
// status.
func (s *Service) SubmitApplication(ctx context.Context, req domain.SubmitApplicationRequest) (*domain.Application, error) {
	amount, err := domain.ValidateSubmission(req)
	if err != nil {
		return nil, err
	}
	if s.maxApprovedAmount > 0 && amount > s.maxApprovedAmount {
		return nil, &domain.ValidationError{Field: "scholarship_amount_requested", Reason: "exceeds the configured disbursement cap"}
	}

	now := time.Now().UTC()
	app := &domain.Application{
		ID:              uuid.New(),
		StudentWallet:   strings.TrimSpace(req.StudentWallet),
		StudentName:     strings.TrimSpace(req.StudentName),
		Email:           strings.TrimSpace(req.Email),
		University:      strings.TrimSpace(req.University),
		GPA:             req.GPA,
		Major:           strings.TrimSpace(req.Major),
		YearOfStudy:     req.YearOfStudy,
		AnnualIncome:    req.AnnualIncome,
		RequestedAmount: amount,
		Essay:           req.Essay,
		Documents:       req.Documents,
		Status:          domain.StatusPending,
		AppliedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.CreateApplication(ctx, app); err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	s.log.Infow("application submitted",
		"application_id", app.ID,
		"student_wallet", app.StudentWallet,
		"requested_amount", app.RequestedAmount,
	)
	return app, nil
}

// ApproveApplication runs the full approve-and-disburse saga. On success the
// application is disbursed, a disbursement record exists, and the aggregates
// have been folded. The error determines the application's fate:
//
//   - *domain.InvalidStateError / domain.ErrConcurrentModification: nothing
//     happened, another request owns the application.
//   - *domain.PaymentFailedError: the ledger definitively rejected the
//     payment; the application is back in pending.
//   - *domain.PaymentIndeterminateError: the outcome is unknown; the
//     application stays in processing until a reconciliation run settles it.
func (s *Service) ApproveApplication(ctx context.Context, id uuid.UUID, adminID string, req domain.ApproveApplicationRequest) (*domain.DisbursementResult, error) {
	if s.limiter != nil {
		allowed, err := s.limiter.ConsumeRateLimit(ctx, adminID)
		if err != nil {
			// Limiter outage must not block disbursements.
			s.log.Warnw("rate limiter unavailable; allowing approval", "admin_id", adminID, "err", err)
		} else if !allowed {
			return nil, ErrApproveRateLimited
		}
	}

	amount, err := domain.ParseAmount(strings.TrimSpace(req.Amount))
	if err != nil {
		return nil, err
	}
	if s.maxApprovedAmount > 0 && amount > s.maxApprovedAmount {
		return nil, &domain.ValidationError{Field: "approved_amount", Reason: "exceeds the configured disbursement cap"}
	}

	app, err := s.repo.FindApplicationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !domain.IsValidWalletAddress(app.StudentWallet) {
		return nil, &domain.ValidationError{Field: "student_wallet", Reason: "application carries a malformed ledger address"}
	}

	// Step 1: claim. The conditional update is the only arbiter between
	// concurrent approvals; exactly one request can move pending->processing.
	claimed, err := s.repo.ClaimApplicationForDisbursement(ctx, id, claimedStateToken(id))
	if err != nil {
		return nil, fmt.Errorf("failed to claim application: %w", err)
	}
	if !claimed {
		current, findErr := s.repo.FindApplicationByID(ctx, id)
		if findErr != nil {
			return nil, domain.ErrConcurrentModification
		}
		if current.Status == domain.StatusPending {
			return nil, domain.ErrConcurrentModification
		}
		return nil, &domain.InvalidStateError{ApplicationID: id.String(), Status: current.Status}
	}

	s.log.Infow("application claimed for disbursement",
		"application_id", id,
		"admin_id", adminID,
		"approved_amount", amount,
	)

	// Step 2: pay. Mark the payment in flight first so a crash between here
	// and the ledger call is distinguishable from one after it.
	if err := s.repo.UpdateApplicationLedgerState(ctx, id, inflightStateToken(id)); err != nil {
		s.log.Warnw("failed to record in-flight state", "application_id", id, "err", err)
	}

	reference := PaymentReference(id)
	payment, err := s.gateway.SubmitPayment(ctx, app.StudentWallet, amount, reference)
	if err != nil {
		return nil, s.handlePaymentError(ctx, id, adminID, err)
	}
	txID := payment.Data.ID

	s.log.Infow("ledger payment confirmed",
		"application_id", id,
		"transaction_id", txID,
		"amount", amount,
	)

	// Step 3: commit. The payment is irreversible from this point on, so
	// every failure below is logged and left to the reconciler rather than
	// surfaced as a payment failure.
	now := time.Now().UTC()
	rec := &domain.DisbursementRecord{
		ID:            uuid.New(),
		ApplicationID: id,
		StudentWallet: app.StudentWallet,
		Amount:        amount,
		TransactionID: txID,
		CreatedAt:     now,
	}
	if err := s.repo.CreateDisbursementRecord(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateDisbursementRecord) {
			existing, findErr := s.repo.FindDisbursementRecordByApplicationID(ctx, id)
			if findErr != nil {
				return nil, &domain.PaymentIndeterminateError{ApplicationID: id.String(), Err: findErr}
			}
			rec = existing
		} else {
			s.log.Errorw("payment succeeded but record creation failed; leaving claim for reconciliation",
				"application_id", id, "transaction_id", txID, "err", err)
			if stateErr := s.repo.UpdateApplicationLedgerState(ctx, id, unknownStateToken(id)); stateErr != nil {
				s.log.Errorw("failed to record unknown state", "application_id", id, "err", stateErr)
			}
			return nil, &domain.PaymentIndeterminateError{ApplicationID: id.String(), Err: err}
		}
	}

	finalized, err := s.repo.FinalizeDisbursedApplication(ctx, store.FinalizeDisbursementParams{
		ApplicationID:   id,
		DisbursedAmount: amount,
		TransactionID:   txID,
		ReviewedBy:      adminID,
		ReviewedAt:      now,
		AdminNotes:      req.AdminNotes,
		LedgerState:     completedStateToken(id, txID),
	})
	if err != nil || !finalized {
		// The record exists and carries the transaction id; the reconciler
		// can finish the transition from it.
		s.log.Errorw("payment succeeded but finalize did not apply",
			"application_id", id, "transaction_id", txID, "finalized", finalized, "err", err)
	}

	if aggErr := s.aggregates.RecordDisbursement(ctx, *rec); aggErr != nil {
		s.log.Errorw("aggregate update failed; requesting repair",
			"application_id", id, "record_id", rec.ID, "err", aggErr)
		s.requestAggregateRepair(ctx, *rec, aggErr)
	}

	s.publishDisbursementCompleted(ctx, id, adminID, *rec)

	final, err := s.repo.FindApplicationByID(ctx, id)
	if err != nil {
		final = app
	}
	return &domain.DisbursementResult{
		Application:   final,
		Record:        rec,
		TransactionID: txID,
	}, nil
}

// handlePaymentError classifies a failed payment submission. Definitive
// rejections unwind the claim; everything else freezes it.
func (s *Service) handlePaymentError(ctx context.Context, id uuid.UUID, adminID string, err error) error {
	var ledgerErr *ledgerclient.ErrorResponse
	if errors.As(err, &ledgerErr) && ledgerErr.IsDefinitiveRejection() {
		s.log.Warnw("ledger rejected payment; reverting claim",
			"application_id", id, "admin_id", adminID, "reason", ledgerErr.Reason())
		reverted, revertErr := s.repo.RevertApplicationClaim(ctx, id)
		if revertErr != nil || !reverted {
			s.log.Errorw("failed to revert claim after definitive rejection",
				"application_id", id, "reverted", reverted, "err", revertErr)
		}
		return &domain.PaymentFailedError{Reason: ledgerErr.Reason(), Err: ledgerErr}
	}

	// Indeterminate: the payment may have executed. The application must stay
	// claimed so nobody can approve it again before reconciliation.
	s.log.Errorw("payment outcome indeterminate; freezing claim for reconciliation",
		"application_id", id, "admin_id", adminID, "err", err)
	if stateErr := s.repo.UpdateApplicationLedgerState(ctx, id, unknownStateToken(id)); stateErr != nil {
		s.log.Errorw("failed to record unknown state", "application_id", id, "err", stateErr)
	}
	return &domain.PaymentIndeterminateError{ApplicationID: id.String(), Err: err}
}

// RejectApplication moves a pending application to the terminal rejected
// status.
func (s *Service) RejectApplication(ctx context.Context, id uuid.UUID, adminID string, req domain.RejectApplicationRequest) (*domain.Application, error) {
	rejected, err := s.repo.RejectApplication(ctx, id, adminID, req.AdminNotes)
	if err != nil {
		return nil, err
	}
	if !rejected {
		current, findErr := s.repo.FindApplicationByID(ctx, id)
		if findErr != nil {
			return nil, findErr
		}
		return nil, &domain.InvalidStateError{ApplicationID: id.String(), Status: current.Status}
	}

	s.log.Infow("application rejected", "application_id", id, "admin_id", adminID)
	return s.repo.FindApplicationByID(ctx, id)
}

// GetApplication returns one application by id.
func (s *Service) GetApplication(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	return s.repo.FindApplicationByID(ctx, id)
}

// ListApplications returns applications, optionally filtered by status.
func (s *Service) ListApplications(ctx context.Context, opts domain.ApplicationListOptions) ([]domain.Application, error) {
	return s.repo.ListApplications(ctx, opts)
}

// ListApplicationsByStudent returns all applications for one wallet.
func (s *Service) ListApplicationsByStudent(ctx context.Context, wallet string) ([]domain.Application, error) {
	if !domain.IsValidWalletAddress(wallet) {
		return nil, &domain.ValidationError{Field: "student_wallet", Reason: "malformed ledger address"}
	}
	return s.repo.ListApplicationsByWallet(ctx, wallet)
}

// ListDisbursementRecords returns the most recent disbursement receipts.
func (s *Service) ListDisbursementRecords(ctx context.Context, limit int) ([]domain.DisbursementRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListDisbursementRecords(ctx, limit)
}

// GetStudentSummary returns a wallet's aggregate plus the underlying
// receipts. Unknown wallets get a zero aggregate, not an error.
func (s *Service) GetStudentSummary(ctx context.Context, wallet string) (*domain.StudentSummary, error) {
	if !domain.IsValidWalletAddress(wallet) {
		return nil, &domain.ValidationError{Field: "student_wallet", Reason: "malformed ledger address"}
	}
	agg, err := s.repo.GetStudentAggregate(ctx, wallet)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.ListDisbursementRecordsByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}
	return &domain.StudentSummary{Aggregate: *agg, Records: records}, nil
}

// GetDashboard assembles the admin landing payload. The ledger's own total is
// best effort: a ledger outage degrades the dashboard, it does not fail it.
func (s *Service) GetDashboard(ctx context.Context, sourceAccount string) (*domain.Dashboard, error) {
	stats, err := s.collectDashboardStats(ctx)
	if err != nil {
		return nil, err
	}

	recent, err := s.repo.ListApplications(ctx, domain.ApplicationListOptions{Limit: 10})
	if err != nil {
		return nil, err
	}

	dashboard := &domain.Dashboard{
		Statistics:          *stats,
		RecentApplications:  recent,
		ApprovalRatePercent: approvalRate(stats),
	}
	// The funding account's sent total is the ledger's view of everything
	// disbursed. Its received total is fund intake and says nothing about
	// outflow.
	if total, err := s.gateway.GetAccountSentTotal(ctx, sourceAccount); err != nil {
		s.log.Warnw("ledger total unavailable for dashboard", "err", err)
	} else {
		dashboard.LedgerTotalDisbursed = &total
	}
	return dashboard, nil
}

// GetStatistics extends the dashboard counters with derived analytics and the
// stored-versus-ledger consistency flag.
func (s *Service) GetStatistics(ctx context.Context, sourceAccount string) (*domain.Statistics, error) {
	stats, err := s.collectDashboardStats(ctx)
	if err != nil {
		return nil, err
	}

	out := &domain.Statistics{DashboardStats: *stats}
	if global, err := s.repo.GetGlobalStats(ctx); err == nil && global.TotalDisbursements > 0 {
		// Integer division truncates toward zero at stroop precision, at
		// most 10^-7 of a unit on a display-only figure.
		out.AverageDisbursedAmount = global.TotalDisbursed / global.TotalDisbursements
	}
	if decided := stats.DisbursedApplications + stats.RejectedApplications; decided > 0 {
		out.RejectionRatePercent = float64(stats.RejectedApplications) / float64(decided) * 100
	}

	// Compare internal bookkeeping against the ledger's sent total for the
	// funding account, not its received total: intake and outflow are
	// unrelated quantities.
	if total, err := s.gateway.GetAccountSentTotal(ctx, sourceAccount); err != nil {
		s.log.Warnw("ledger total unavailable for statistics", "err", err)
	} else {
		out.LedgerTotalDisbursed = &total
		consistent := total == stats.TotalDisbursed
		out.DataConsistent = &consistent
	}
	return out, nil
}

func (s *Service) collectDashboardStats(ctx context.Context) (*domain.DashboardStats, error) {
	counts, err := s.repo.CountApplicationsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	global, err := s.repo.GetGlobalStats(ctx)
	if err != nil {
		return nil, err
	}

	stats := &domain.DashboardStats{
		PendingApplications:    counts[domain.StatusPending],
		ProcessingApplications: counts[domain.StatusProcessing],
		DisbursedApplications:  counts[domain.StatusDisbursed],
		RejectedApplications:   counts[domain.StatusRejected],
		TotalDisbursed:         global.TotalDisbursed,
		TotalStudentsHelped:    global.TotalStudents,
	}
	for _, n := range counts {
		stats.TotalApplications += n
	}
	return stats, nil
}

func approvalRate(stats *domain.DashboardStats) float64 {
	decided := stats.DisbursedApplications + stats.RejectedApplications
	if decided == 0 {
		return 0
	}
	return float64(stats.DisbursedApplications) / float64(decided) * 100
}

func (s *Service) requestAggregateRepair(ctx context.Context, rec domain.DisbursementRecord, cause error) {
	if s.producer == nil {
		return
	}
	event := rabbitmq.AggregateRepairRequestedEvent{
		RecordID:      rec.ID,
		StudentWallet: rec.StudentWallet,
		Reason:        cause.Error(),
		Timestamp:     time.Now().UTC(),
	}
	if err := s.producer.PublishAggregateRepairRequested(ctx, event); err != nil {
		s.log.Errorw("failed to publish aggregate repair request", "record_id", rec.ID, "err", err)
	}
}

func (s *Service) publishDisbursementCompleted(ctx context.Context, id uuid.UUID, adminID string, rec domain.DisbursementRecord) {
	if s.producer == nil {
		return
	}
	event := rabbitmq.DisbursementCompletedEvent{
		ApplicationID: id,
		RecordID:      rec.ID,
		StudentWallet: rec.StudentWallet,
		Amount:        rec.Amount,
		TransactionID: rec.TransactionID,
		ReviewedBy:    adminID,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.producer.PublishDisbursementCompleted(ctx, event); err != nil {
		s.log.Warnw("failed to publish disbursement event", "application_id", id, "err", err)
	}
}
