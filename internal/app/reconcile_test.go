package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarscholar/disbursement-service/internal/domain"
	"github.com/stellarscholar/disbursement-service/internal/store"
	"github.com/stellarscholar/disbursement-service/pkg/ledgerclient"
)

type reconcileRepoStub struct {
	store.Repository

	staleApps []domain.Application
	app       *domain.Application
	record    *domain.DisbursementRecord

	recomputedStudents []domain.StudentAggregate
	storedStudents     []domain.StudentAggregate
	recomputedGlobal   *domain.GlobalStats
	storedGlobal       *domain.GlobalStats

	replacedStudents []domain.StudentAggregate
	replacedGlobal   *domain.GlobalStats

	revertCount   int
	finalized     *store.FinalizeDisbursementParams
	studentFolds  int
	globalFolds   int
	recordsByTxID map[string]*domain.DisbursementRecord
}

func (s *reconcileRepoStub) ListStaleProcessingApplications(ctx context.Context, olderThan time.Time, limit int) ([]domain.Application, error) {
	return s.staleApps, nil
}

func (s *reconcileRepoStub) RevertApplicationClaim(ctx context.Context, id uuid.UUID) (bool, error) {
	if s.app == nil || s.app.ID != id || s.app.Status != domain.StatusProcessing {
		return false, nil
	}
	s.app.Status = domain.StatusPending
	s.revertCount++
	return true, nil
}

func (s *reconcileRepoStub) CreateDisbursementRecord(ctx context.Context, rec *domain.DisbursementRecord) error {
	if s.record != nil && s.record.ApplicationID == rec.ApplicationID {
		return store.ErrDuplicateDisbursementRecord
	}
	copied := *rec
	s.record = &copied
	return nil
}

func (s *reconcileRepoStub) FindDisbursementRecordByApplicationID(ctx context.Context, applicationID uuid.UUID) (*domain.DisbursementRecord, error) {
	if s.record == nil || s.record.ApplicationID != applicationID {
		return nil, store.ErrRecordNotFound
	}
	copied := *s.record
	return &copied, nil
}

func (s *reconcileRepoStub) FindDisbursementRecordByTransactionID(ctx context.Context, transactionID string) (*domain.DisbursementRecord, error) {
	if rec, ok := s.recordsByTxID[transactionID]; ok {
		copied := *rec
		return &copied, nil
	}
	return nil, store.ErrRecordNotFound
}

func (s *reconcileRepoStub) FinalizeDisbursedApplication(ctx context.Context, params store.FinalizeDisbursementParams) (bool, error) {
	if s.app == nil || s.app.ID != params.ApplicationID || s.app.Status != domain.StatusProcessing {
		return false, nil
	}
	s.app.Status = domain.StatusDisbursed
	s.finalized = &params
	return true, nil
}

func (s *reconcileRepoStub) ApplyDisbursementToStudentAggregate(ctx context.Context, rec domain.DisbursementRecord) (bool, error) {
	s.studentFolds++
	return true, nil
}

func (s *reconcileRepoStub) ApplyDisbursementToGlobalStats(ctx context.Context, rec domain.DisbursementRecord) (bool, bool, error) {
	s.globalFolds++
	return true, true, nil
}

func (s *reconcileRepoStub) RecomputeStudentAggregates(ctx context.Context) ([]domain.StudentAggregate, error) {
	return s.recomputedStudents, nil
}

func (s *reconcileRepoStub) ListStudentAggregates(ctx context.Context) ([]domain.StudentAggregate, error) {
	return s.storedStudents, nil
}

func (s *reconcileRepoStub) ReplaceStudentAggregate(ctx context.Context, agg domain.StudentAggregate) error {
	s.replacedStudents = append(s.replacedStudents, agg)
	return nil
}

func (s *reconcileRepoStub) RecomputeGlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	if s.recomputedGlobal == nil {
		return &domain.GlobalStats{}, nil
	}
	return s.recomputedGlobal, nil
}

func (s *reconcileRepoStub) GetGlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	if s.storedGlobal == nil {
		return &domain.GlobalStats{}, nil
	}
	return s.storedGlobal, nil
}

func (s *reconcileRepoStub) ReplaceGlobalStats(ctx context.Context, stats domain.GlobalStats) error {
	s.replacedGlobal = &stats
	return nil
}

func processingApplication() *domain.Application {
	return &domain.Application{
		ID:            uuid.New(),
		StudentWallet: testWallet,
		Status:        domain.StatusProcessing,
	}
}

func newTestReconciler(repo store.Repository, gateway PaymentGateway) *Reconciler {
	return NewReconciler(repo, gateway, zap.NewNop().Sugar(), testWallet, 10*time.Minute)
}

func TestReconcileClaimsCompletesFromLedgerEvidence(t *testing.T) {
	app := processingApplication()
	repo := &reconcileRepoStub{app: app, staleApps: []domain.Application{*app}}
	gateway := &gatewayStub{
		lookupPayment: &ledgerclient.Payment{
			ID:          "tx-orphan",
			Destination: testWallet,
			Amount:      5000000000,
			Reference:   PaymentReference(app.ID),
		},
	}

	report := &domain.ReconcileReport{}
	if err := newTestReconciler(repo, gateway).ReconcileClaims(context.Background(), report); err != nil {
		t.Fatalf("ReconcileClaims returned error: %v", err)
	}

	if len(report.OrphanedClaims) != 1 {
		t.Fatalf("expected one orphaned claim, got %d", len(report.OrphanedClaims))
	}
	claim := report.OrphanedClaims[0]
	if claim.Resolution != domain.ClaimCompleted {
		t.Fatalf("expected completed resolution, got %q (%s)", claim.Resolution, claim.Detail)
	}
	if claim.TransactionID != "tx-orphan" {
		t.Fatalf("expected transaction id tx-orphan, got %q", claim.TransactionID)
	}
	if repo.app.Status != domain.StatusDisbursed {
		t.Fatalf("expected application disbursed, got %q", repo.app.Status)
	}
	if repo.record == nil || repo.record.TransactionID != "tx-orphan" {
		t.Fatalf("expected disbursement record from ledger evidence, got %+v", repo.record)
	}
	if repo.finalized == nil || repo.finalized.ReviewedBy != reconcilerReviewer {
		t.Fatalf("expected finalize attributed to the reconciler, got %+v", repo.finalized)
	}
	if repo.studentFolds != 1 || repo.globalFolds != 1 {
		t.Fatalf("expected aggregate folds, got student=%d global=%d", repo.studentFolds, repo.globalFolds)
	}
}

func TestReconcileClaimsRevertsWhenLedgerHasNoPayment(t *testing.T) {
	app := processingApplication()
	repo := &reconcileRepoStub{app: app, staleApps: []domain.Application{*app}}
	gateway := &gatewayStub{lookupErr: ledgerclient.ErrPaymentNotFound}

	report := &domain.ReconcileReport{}
	if err := newTestReconciler(repo, gateway).ReconcileClaims(context.Background(), report); err != nil {
		t.Fatalf("ReconcileClaims returned error: %v", err)
	}

	if len(report.OrphanedClaims) != 1 || report.OrphanedClaims[0].Resolution != domain.ClaimReverted {
		t.Fatalf("expected reverted resolution, got %+v", report.OrphanedClaims)
	}
	if repo.app.Status != domain.StatusPending {
		t.Fatalf("expected application back in pending, got %q", repo.app.Status)
	}
	if repo.revertCount != 1 {
		t.Fatalf("expected one revert, got %d", repo.revertCount)
	}
}

func TestReconcileClaimsLeavesAmbiguousClaimsAlone(t *testing.T) {
	app := processingApplication()
	repo := &reconcileRepoStub{app: app, staleApps: []domain.Application{*app}}
	gateway := &gatewayStub{lookupErr: errors.New("lookup timed out: " + ledgerclient.ErrIndeterminate.Error())}

	report := &domain.ReconcileReport{}
	if err := newTestReconciler(repo, gateway).ReconcileClaims(context.Background(), report); err != nil {
		t.Fatalf("ReconcileClaims returned error: %v", err)
	}

	if len(report.OrphanedClaims) != 1 || report.OrphanedClaims[0].Resolution != domain.ClaimUnresolved {
		t.Fatalf("expected unresolved resolution, got %+v", report.OrphanedClaims)
	}
	if repo.app.Status != domain.StatusProcessing {
		t.Fatalf("ambiguous answer must leave the claim untouched, got %q", repo.app.Status)
	}
	if repo.revertCount != 0 {
		t.Fatalf("ambiguous answer must not revert, got %d reverts", repo.revertCount)
	}
}

func TestReconcileAggregatesRepairsDrift(t *testing.T) {
	repo := &reconcileRepoStub{
		recomputedStudents: []domain.StudentAggregate{
			{StudentWallet: testWallet, TotalReceived: 5000000000, DisbursementCount: 2},
		},
		storedStudents: []domain.StudentAggregate{
			{StudentWallet: testWallet, TotalReceived: 4000000000, DisbursementCount: 1},
		},
		recomputedGlobal: &domain.GlobalStats{TotalDisbursed: 5000000000, TotalStudents: 1, TotalDisbursements: 2},
		storedGlobal:     &domain.GlobalStats{TotalDisbursed: 4000000000, TotalStudents: 1, TotalDisbursements: 1},
	}
	gateway := &gatewayStub{receivedTotal: 5000000000}

	report := &domain.ReconcileReport{}
	if err := newTestReconciler(repo, gateway).ReconcileAggregates(context.Background(), report); err != nil {
		t.Fatalf("ReconcileAggregates returned error: %v", err)
	}

	if len(report.Drift) != 2 {
		t.Fatalf("expected student and global drift entries, got %d", len(report.Drift))
	}
	for _, drift := range report.Drift {
		if !drift.Repaired {
			t.Fatalf("expected drift repaired, got %+v", drift)
		}
	}
	if len(repo.replacedStudents) != 1 || repo.replacedStudents[0].TotalReceived != 5000000000 {
		t.Fatalf("expected student aggregate replaced with recomputed truth, got %+v", repo.replacedStudents)
	}
	if repo.replacedGlobal == nil || repo.replacedGlobal.TotalDisbursed != 5000000000 {
		t.Fatalf("expected global stats replaced with recomputed truth, got %+v", repo.replacedGlobal)
	}
	if len(report.LedgerMismatches) != 0 {
		t.Fatalf("ledger agrees; expected no mismatches, got %+v", report.LedgerMismatches)
	}
}

func TestReconcileAggregatesFlagsLedgerMismatchWithoutRepair(t *testing.T) {
	repo := &reconcileRepoStub{
		recomputedStudents: []domain.StudentAggregate{
			{StudentWallet: testWallet, TotalReceived: 5000000000, DisbursementCount: 1},
		},
		storedStudents: []domain.StudentAggregate{
			{StudentWallet: testWallet, TotalReceived: 5000000000, DisbursementCount: 1},
		},
		recomputedGlobal: &domain.GlobalStats{TotalDisbursed: 5000000000, TotalStudents: 1, TotalDisbursements: 1},
		storedGlobal:     &domain.GlobalStats{TotalDisbursed: 5000000000, TotalStudents: 1, TotalDisbursements: 1},
	}
	gateway := &gatewayStub{receivedTotal: 9000000000}

	report := &domain.ReconcileReport{}
	if err := newTestReconciler(repo, gateway).ReconcileAggregates(context.Background(), report); err != nil {
		t.Fatalf("ReconcileAggregates returned error: %v", err)
	}

	if len(report.Drift) != 0 {
		t.Fatalf("internal state agrees; expected no drift, got %+v", report.Drift)
	}
	if len(report.LedgerMismatches) != 1 {
		t.Fatalf("expected one ledger mismatch, got %d", len(report.LedgerMismatches))
	}
	mismatch := report.LedgerMismatches[0]
	if mismatch.InternalTotal != 5000000000 || mismatch.LedgerTotal != 9000000000 {
		t.Fatalf("unexpected mismatch payload: %+v", mismatch)
	}
	if len(repo.replacedStudents) != 0 {
		t.Fatalf("ledger mismatches must never be auto-repaired")
	}
}

func TestDetectMissingRecordsFlagsUnmatchedPayments(t *testing.T) {
	known := &domain.DisbursementRecord{
		ID:            uuid.New(),
		ApplicationID: uuid.New(),
		TransactionID: "tx-known",
	}
	repo := &reconcileRepoStub{
		recordsByTxID: map[string]*domain.DisbursementRecord{"tx-known": known},
	}
	gateway := &missingRecordGatewayStub{
		payments: []ledgerclient.Payment{
			{ID: "tx-known", Destination: testWallet, Amount: 1000, Reference: "app:" + uuid.NewString()},
			{ID: "tx-lost", Destination: testWallet, Amount: 2000, Reference: "app:" + uuid.NewString()},
			{ID: "tx-other", Destination: testWallet, Amount: 3000, Reference: "ops:manual-topup"},
		},
	}

	report := &domain.ReconcileReport{}
	if err := newTestReconciler(repo, gateway).DetectMissingRecords(context.Background(), report); err != nil {
		t.Fatalf("DetectMissingRecords returned error: %v", err)
	}

	if len(report.MissingRecords) != 1 {
		t.Fatalf("expected exactly one missing record, got %+v", report.MissingRecords)
	}
	missing := report.MissingRecords[0]
	if missing.TransactionID != "tx-lost" || missing.Amount != 2000 {
		t.Fatalf("unexpected missing record payload: %+v", missing)
	}
}

// missingRecordGatewayStub serves a fixed payment listing.
type missingRecordGatewayStub struct {
	gatewayStub
	payments []ledgerclient.Payment
}

func (g *missingRecordGatewayStub) ListPaymentsFromSource(ctx context.Context, since time.Time, limit int) ([]ledgerclient.Payment, error) {
	return g.payments, nil
}
