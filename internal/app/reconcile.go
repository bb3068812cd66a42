/**
 * @description
 * The reconciler is the repair loop for everything the approve-and-disburse
 * saga can leave behind: aggregates that drifted from the disbursement
 * records, applications stuck in the claimed state after an indeterminate
 * payment outcome, and ledger-confirmed payments with no matching record.
 *
 * Repairs follow one rule: internal bookkeeping is derived state and may be
 * rewritten from the records; anything that would fabricate or destroy
 * evidence of a payment is flagged for a human instead.
 *
 * @dependencies
 * - internal/domain, internal/store: Models and repository.
 * - pkg/ledgerclient: Payment lookups.
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
)

const (
	// reconcileClaimBatch bounds how many stale claims one run settles.
	reconcileClaimBatch = 100
	// reconcileScanWindow is how far back the missing-record scan looks on
	// the ledger.
	reconcileScanWindow = 48 * time.Hour
	reconcileScanLimit  = 500

	// reconcilerReviewer is recorded as the reviewer on applications the
	// reconciler completes on behalf of a dead request.
	reconcilerReviewer = "system:reconciler"
)

// Reconciler verifies and repairs the service's derived state.
type Reconciler struct {
	repo          store.Repository
	gateway       PaymentGateway
	aggregates    *AggregateMaintainer
	log           *zap.SugaredLogger
	sourceAccount string

	// claimMinAge is how old a processing claim must be before the
	// reconciler touches it, so in-flight requests are never raced.
	claimMinAge time.Duration
}

// NewReconciler creates a reconciler for the given source account.
func NewReconciler(repo store.Repository, gateway PaymentGateway, log *zap.SugaredLogger, sourceAccount string, claimMinAge time.Duration) *Reconciler {
	if claimMinAge <= 0 {
		claimMinAge = 10 * time.Minute
	}
	return &Reconciler{
		repo:          repo,
		gateway:       gateway,
		aggregates:    NewAggregateMaintainer(repo, log),
		log:           log,
		sourceAccount: sourceAccount,
		claimMinAge:   claimMinAge,
	}
}

// Run executes one full reconciliation pass and returns its report. The
// phases are independent: a failure in one is recorded and the others still
// run.
func (r *Reconciler) Run(ctx context.Context) (*domain.ReconcileReport, error) {
	report := &domain.ReconcileReport{StartedAt: time.Now().UTC()}

	if err := r.ReconcileAggregates(ctx, report); err != nil {
		r.log.Errorw("aggregate reconciliation failed", "err", err)
	}
	if err := r.ReconcileClaims(ctx, report); err != nil {
		r.log.Errorw("claim reconciliation failed", "err", err)
	}
	if err := r.DetectMissingRecords(ctx, report); err != nil {
		r.log.Errorw("missing-record scan failed", "err", err)
	}

	report.FinishedAt = time.Now().UTC()
	r.log.Infow("reconciliation run finished",
		"aggregates_checked", report.AggregatesChecked,
		"drift", len(report.Drift),
		"ledger_mismatches", len(report.LedgerMismatches),
		"orphaned_claims", len(report.OrphanedClaims),
		"missing_records", len(report.MissingRecords),
	)
	return report, nil
}

// ReconcileAggregates recomputes every aggregate from the disbursement
// records, repairs stored aggregates that drifted, and compares the
// recomputed per-wallet totals against the ledger's own received totals.
// Ledger mismatches are flagged, never repaired: they mean either a missing
// record or out-of-band wallet activity, and both need a human.
func (r *Reconciler) ReconcileAggregates(ctx context.Context, report *domain.ReconcileReport) error {
	recomputed, err := r.repo.RecomputeStudentAggregates(ctx)
	if err != nil {
		return fmt.Errorf("failed to recompute student aggregates: %w", err)
	}
	stored, err := r.repo.ListStudentAggregates(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stored aggregates: %w", err)
	}
	storedByWallet := make(map[string]domain.StudentAggregate, len(stored))
	for _, agg := range stored {
		storedByWallet[agg.StudentWallet] = agg
	}

	report.AggregatesChecked = len(recomputed)
	for _, truth := range recomputed {
		current := storedByWallet[truth.StudentWallet]
		delete(storedByWallet, truth.StudentWallet)

		if current.TotalReceived != truth.TotalReceived || current.DisbursementCount != truth.DisbursementCount {
			drift := domain.AggregateDrift{
				StudentWallet:   truth.StudentWallet,
				StoredTotal:     current.TotalReceived,
				RecomputedTotal: truth.TotalReceived,
				StoredCount:     current.DisbursementCount,
				RecomputedCount: truth.DisbursementCount,
			}
			if err := r.repo.ReplaceStudentAggregate(ctx, truth); err != nil {
				r.log.Errorw("failed to repair student aggregate", "student_wallet", truth.StudentWallet, "err", err)
			} else {
				drift.Repaired = true
				r.log.Warnw("repaired drifted student aggregate",
					"student_wallet", truth.StudentWallet,
					"stored_total", current.TotalReceived,
					"recomputed_total", truth.TotalReceived,
				)
			}
			report.Drift = append(report.Drift, drift)
		}

		ledgerTotal, err := r.gateway.GetAccountReceivedTotal(ctx, truth.StudentWallet)
		if err != nil {
			r.log.Warnw("ledger total unavailable; skipping wallet comparison",
				"student_wallet", truth.StudentWallet, "err", err)
			continue
		}
		if ledgerTotal != truth.TotalReceived {
			report.LedgerMismatches = append(report.LedgerMismatches, domain.LedgerMismatch{
				StudentWallet: truth.StudentWallet,
				InternalTotal: truth.TotalReceived,
				LedgerTotal:   ledgerTotal,
			})
			r.log.Warnw("internal total disagrees with ledger",
				"student_wallet", truth.StudentWallet,
				"internal_total", truth.TotalReceived,
				"ledger_total", ledgerTotal,
			)
		}
	}

	// Stored aggregates for wallets with no records at all are also drift.
	for _, orphan := range storedByWallet {
		if orphan.TotalReceived == 0 && orphan.DisbursementCount == 0 {
			continue
		}
		truth := domain.StudentAggregate{StudentWallet: orphan.StudentWallet}
		drift := domain.AggregateDrift{
			StudentWallet: orphan.StudentWallet,
			StoredTotal:   orphan.TotalReceived,
			StoredCount:   orphan.DisbursementCount,
		}
		if err := r.repo.ReplaceStudentAggregate(ctx, truth); err != nil {
			r.log.Errorw("failed to zero recordless aggregate", "student_wallet", orphan.StudentWallet, "err", err)
		} else {
			drift.Repaired = true
		}
		report.Drift = append(report.Drift, drift)
	}

	globalTruth, err := r.repo.RecomputeGlobalStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to recompute global stats: %w", err)
	}
	globalStored, err := r.repo.GetGlobalStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read global stats: %w", err)
	}
	if globalStored.TotalDisbursed != globalTruth.TotalDisbursed ||
		globalStored.TotalStudents != globalTruth.TotalStudents ||
		globalStored.TotalDisbursements != globalTruth.TotalDisbursements {
		drift := domain.AggregateDrift{
			StoredTotal:     globalStored.TotalDisbursed,
			RecomputedTotal: globalTruth.TotalDisbursed,
			StoredCount:     globalStored.TotalDisbursements,
			RecomputedCount: globalTruth.TotalDisbursements,
		}
		if err := r.repo.ReplaceGlobalStats(ctx, *globalTruth); err != nil {
			r.log.Errorw("failed to repair global stats", "err", err)
		} else {
			drift.Repaired = true
			r.log.Warnw("repaired drifted global stats",
				"stored_total", globalStored.TotalDisbursed,
				"recomputed_total", globalTruth.TotalDisbursed,
			)
		}
		report.Drift = append(report.Drift, drift)
	}
	return nil
}

// ReconcileClaims settles applications stuck in processing. For each stale
// claim the ledger is asked whether the payment with the application's
// deterministic reference exists: if it does, the saga is completed as if the
// original request had survived; if the ledger definitively knows nothing,
// the claim is reverted to pending; any ambiguous answer leaves the claim
// alone for the next run.
func (r *Reconciler) ReconcileClaims(ctx context.Context, report *domain.ReconcileReport) error {
	cutoff := time.Now().UTC().Add(-r.claimMinAge)
	stale, err := r.repo.ListStaleProcessingApplications(ctx, cutoff, reconcileClaimBatch)
	if err != nil {
		return fmt.Errorf("failed to list stale claims: %w", err)
	}

	for _, app := range stale {
		resolution := r.settleClaim(ctx, app)
		report.OrphanedClaims = append(report.OrphanedClaims, resolution)
	}
	return nil
}

func (r *Reconciler) settleClaim(ctx context.Context, app domain.Application) domain.OrphanedClaim {
	claim := domain.OrphanedClaim{
		ApplicationID: app.ID,
		StudentWallet: app.StudentWallet,
	}

	payment, err := r.gateway.GetPaymentByReference(ctx, PaymentReference(app.ID))
	switch {
	case err == nil:
		if err := r.completeClaim(ctx, app, payment); err != nil {
			claim.Resolution = domain.ClaimUnresolved
			claim.Detail = err.Error()
			r.log.Errorw("failed to complete orphaned claim", "application_id", app.ID, "err", err)
			return claim
		}
		claim.Resolution = domain.ClaimCompleted
		claim.TransactionID = payment.ID
		r.log.Infow("completed orphaned claim from ledger evidence",
			"application_id", app.ID, "transaction_id", payment.ID)

	case errors.Is(err, ledgerclient.ErrPaymentNotFound):
		reverted, revertErr := r.repo.RevertApplicationClaim(ctx, app.ID)
		if revertErr != nil || !reverted {
			claim.Resolution = domain.ClaimUnresolved
			claim.Detail = fmt.Sprintf("revert did not apply: reverted=%t err=%v", reverted, revertErr)
			return claim
		}
		claim.Resolution = domain.ClaimReverted
		r.log.Infow("reverted orphaned claim; ledger has no payment", "application_id", app.ID)

	default:
		claim.Resolution = domain.ClaimUnresolved
		claim.Detail = err.Error()
		r.log.Warnw("ledger answer ambiguous; leaving claim for next run",
			"application_id", app.ID, "err", err)
	}
	return claim
}

// completeClaim finishes the commit phase for a claim whose payment the
// ledger confirmed: record, terminal status, aggregates.
func (r *Reconciler) completeClaim(ctx context.Context, app domain.Application, payment *ledgerclient.Payment) error {
	rec := &domain.DisbursementRecord{
		ID:            uuid.New(),
		ApplicationID: app.ID,
		StudentWallet: app.StudentWallet,
		Amount:        payment.Amount,
		TransactionID: payment.ID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.repo.CreateDisbursementRecord(ctx, rec); err != nil {
		if !errors.Is(err, store.ErrDuplicateDisbursementRecord) {
			return fmt.Errorf("failed to create disbursement record: %w", err)
		}
		existing, findErr := r.repo.FindDisbursementRecordByApplicationID(ctx, app.ID)
		if findErr != nil {
			return findErr
		}
		rec = existing
	}

	finalized, err := r.repo.FinalizeDisbursedApplication(ctx, store.FinalizeDisbursementParams{
		ApplicationID:   app.ID,
		DisbursedAmount: payment.Amount,
		TransactionID:   payment.ID,
		ReviewedBy:      reconcilerReviewer,
		ReviewedAt:      time.Now().UTC(),
		AdminNotes:      "completed by reconciliation from ledger evidence",
		LedgerState:     completedStateToken(app.ID, payment.ID),
	})
	if err != nil {
		return fmt.Errorf("failed to finalize application: %w", err)
	}
	if !finalized {
		// Someone else finished it between the listing and here; the folds
		// below are idempotent so continuing is safe.
		r.log.Debugw("claim already finalized", "application_id", app.ID)
	}

	return r.aggregates.RecordDisbursement(ctx, *rec)
}

// DetectMissingRecords scans recent outgoing ledger payments and flags any
// disbursement-shaped payment that has no matching record. Flag only: a
// record is evidence of a decision, and fabricating one automatically would
// hide whatever went wrong.
func (r *Reconciler) DetectMissingRecords(ctx context.Context, report *domain.ReconcileReport) error {
	since := time.Now().UTC().Add(-reconcileScanWindow)
	payments, err := r.gateway.ListPaymentsFromSource(ctx, since, reconcileScanLimit)
	if err != nil {
		return fmt.Errorf("failed to list ledger payments: %w", err)
	}

	for _, payment := range payments {
		if !strings.HasPrefix(payment.Reference, "app:") {
			continue
		}
		_, err := r.repo.FindDisbursementRecordByTransactionID(ctx, payment.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrRecordNotFound) {
			r.log.Warnw("record lookup failed during missing-record scan",
				"transaction_id", payment.ID, "err", err)
			continue
		}
		report.MissingRecords = append(report.MissingRecords, domain.MissingRecord{
			TransactionID: payment.ID,
			StudentWallet: payment.Destination,
			Amount:        payment.Amount,
		})
		r.log.Warnw("ledger payment has no disbursement record",
			"transaction_id", payment.ID,
			"student_wallet", payment.Destination,
			"amount", payment.Amount,
			"reference", payment.Reference,
		)
	}
	return nil
}
