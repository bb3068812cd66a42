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
)

// aggregateRepoStub tracks marker-style idempotency per record id the way the
// real store does, including the per-wallet marker the global fold consults
// for the distinct-recipient counter.
type aggregateRepoStub struct {
	store.Repository

	appliedStudent map[uuid.UUID]bool
	appliedGlobal  map[uuid.UUID]bool
	countedWallets map[string]bool

	studentTotal   int64
	globalTotal    int64
	globalStudents int64

	studentErr error
	globalErr  error
}

func newAggregateRepoStub() *aggregateRepoStub {
	return &aggregateRepoStub{
		appliedStudent: make(map[uuid.UUID]bool),
		appliedGlobal:  make(map[uuid.UUID]bool),
		countedWallets: make(map[string]bool),
	}
}

func (s *aggregateRepoStub) ApplyDisbursementToStudentAggregate(ctx context.Context, rec domain.DisbursementRecord) (bool, error) {
	if s.studentErr != nil {
		return false, s.studentErr
	}
	if s.appliedStudent[rec.ID] {
		return false, nil
	}
	s.appliedStudent[rec.ID] = true
	s.studentTotal += rec.Amount
	return true, nil
}

func (s *aggregateRepoStub) ApplyDisbursementToGlobalStats(ctx context.Context, rec domain.DisbursementRecord) (bool, bool, error) {
	if s.globalErr != nil {
		return false, false, s.globalErr
	}
	if s.appliedGlobal[rec.ID] {
		return false, false, nil
	}
	s.appliedGlobal[rec.ID] = true
	newStudent := !s.countedWallets[rec.StudentWallet]
	s.countedWallets[rec.StudentWallet] = true
	if newStudent {
		s.globalStudents++
	}
	s.globalTotal += rec.Amount
	return true, newStudent, nil
}

func testRecord() domain.DisbursementRecord {
	return domain.DisbursementRecord{
		ID:            uuid.New(),
		ApplicationID: uuid.New(),
		StudentWallet: testWallet,
		Amount:        5000000000,
		TransactionID: "tx1",
		CreatedAt:     time.Now().UTC(),
	}
}

func TestRecordDisbursementIsIdempotent(t *testing.T) {
	repo := newAggregateRepoStub()
	maintainer := NewAggregateMaintainer(repo, zap.NewNop().Sugar())
	rec := testRecord()

	for i := 0; i < 3; i++ {
		if err := maintainer.RecordDisbursement(context.Background(), rec); err != nil {
			t.Fatalf("fold %d returned error: %v", i, err)
		}
	}

	if repo.studentTotal != rec.Amount {
		t.Fatalf("expected student total %d after replays, got %d", rec.Amount, repo.studentTotal)
	}
	if repo.globalTotal != rec.Amount {
		t.Fatalf("expected global total %d after replays, got %d", rec.Amount, repo.globalTotal)
	}
}

func TestRecordDisbursementRedrivesPartialFold(t *testing.T) {
	repo := newAggregateRepoStub()
	maintainer := NewAggregateMaintainer(repo, zap.NewNop().Sugar())
	rec := testRecord()

	// First attempt: student fold lands, global fold fails.
	repo.globalErr = errors.New("connection reset")
	err := maintainer.RecordDisbursement(context.Background(), rec)
	var aggErr *domain.AggregateUpdateError
	if !errors.As(err, &aggErr) {
		t.Fatalf("expected AggregateUpdateError, got %v", err)
	}
	if aggErr.RecordID != rec.ID {
		t.Fatalf("expected record id %s on error, got %s", rec.ID, aggErr.RecordID)
	}

	// Re-drive: the student fold is skipped, the global fold lands. The
	// distinct-recipient count must survive the re-drive even though the
	// wallet was a first-timer on the attempt that failed.
	repo.globalErr = nil
	if err := maintainer.RecordDisbursement(context.Background(), rec); err != nil {
		t.Fatalf("re-drive returned error: %v", err)
	}
	if repo.studentTotal != rec.Amount || repo.globalTotal != rec.Amount {
		t.Fatalf("expected both totals %d, got student=%d global=%d", rec.Amount, repo.studentTotal, repo.globalTotal)
	}
	if repo.globalStudents != 1 {
		t.Fatalf("expected 1 counted student after re-drive of a first-for-wallet record, got %d", repo.globalStudents)
	}
}

func TestRecordDisbursementCountsNewStudentOnce(t *testing.T) {
	repo := newAggregateRepoStub()
	maintainer := NewAggregateMaintainer(repo, zap.NewNop().Sugar())

	first := testRecord()
	second := testRecord()

	if err := maintainer.RecordDisbursement(context.Background(), first); err != nil {
		t.Fatalf("first fold returned error: %v", err)
	}
	if err := maintainer.RecordDisbursement(context.Background(), second); err != nil {
		t.Fatalf("second fold returned error: %v", err)
	}

	if repo.globalStudents != 1 {
		t.Fatalf("expected one distinct counted student, got %d", repo.globalStudents)
	}
	if repo.studentTotal != first.Amount+second.Amount {
		t.Fatalf("expected cumulative total, got %d", repo.studentTotal)
	}
}
