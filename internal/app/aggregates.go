/**
 * @description
 * The aggregate maintainer folds committed disbursement records into the
 * per-student and global running totals. Folds are idempotent per record id,
 * so replays after a crash or a reconciliation re-drive cannot double-count.
 *
 * @dependencies
 * - internal/domain, internal/store: Models and repository.
 * - go.uber.org/zap: Structured logging.
 */

package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/stellarscholar/disbursement-service/internal/domain"
	"github.com/stellarscholar/disbursement-service/internal/store"
)

// AggregateMaintainer applies disbursement records to the aggregates.
type AggregateMaintainer struct {
	repo store.Repository
	log  *zap.SugaredLogger
}

// NewAggregateMaintainer creates an aggregate maintainer.
func NewAggregateMaintainer(repo store.Repository, log *zap.SugaredLogger) *AggregateMaintainer {
	return &AggregateMaintainer{repo: repo, log: log}
}

// RecordDisbursement folds one record into the student aggregate and then the
// global stats. Each fold applies at most once per record id; calling this
// again for an already-applied record is a no-op. A partial fold (student
// applied, global failed) is safe to re-drive for the same reason.
func (m *AggregateMaintainer) RecordDisbursement(ctx context.Context, rec domain.DisbursementRecord) error {
	applied, err := m.repo.ApplyDisbursementToStudentAggregate(ctx, rec)
	if err != nil {
		return &domain.AggregateUpdateError{RecordID: rec.ID, Err: err}
	}
	if !applied {
		m.log.Debugw("student aggregate fold already applied", "record_id", rec.ID)
	}

	globalApplied, newStudent, err := m.repo.ApplyDisbursementToGlobalStats(ctx, rec)
	if err != nil {
		return &domain.AggregateUpdateError{RecordID: rec.ID, Err: err}
	}
	if !globalApplied {
		m.log.Debugw("global stats fold already applied", "record_id", rec.ID)
	}

	if applied || globalApplied {
		m.log.Infow("aggregates updated",
			"record_id", rec.ID,
			"student_wallet", rec.StudentWallet,
			"amount", rec.Amount,
			"new_student", newStudent,
		)
	}
	return nil
}
