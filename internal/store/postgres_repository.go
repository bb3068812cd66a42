/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL for applications, disbursement records,
 * and the aggregate tables, including the conditional single-row status
 * updates that implement the optimistic claim protocol.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stellarscholar/disbursement-service/internal/domain"
)

const (
	appliedScopeStudent = "student"
	appliedScopeGlobal  = "global"

	applicationColumns = `id, student_wallet, student_name, email, university, gpa, major,
		year_of_study, annual_income, requested_amount, essay, documents, status,
		reviewed_by, reviewed_at, admin_notes, disbursed_amount, transaction_id,
		ledger_state, applied_at, updated_at`
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanApplication(row pgx.Row) (*domain.Application, error) {
	var app domain.Application
	err := row.Scan(
		&app.ID, &app.StudentWallet, &app.StudentName, &app.Email, &app.University,
		&app.GPA, &app.Major, &app.YearOfStudy, &app.AnnualIncome, &app.RequestedAmount,
		&app.Essay, &app.Documents, &app.Status, &app.ReviewedBy, &app.ReviewedAt,
		&app.AdminNotes, &app.DisbursedAmount, &app.TransactionID, &app.LedgerState,
		&app.AppliedAt, &app.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// CreateApplication inserts a new application in pending status and assigns
// its identity.
func (r *PostgresRepository) CreateApplication(ctx context.Context, app *domain.Application) error {
	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}
	app.Status = domain.StatusPending
	query := `
		INSERT INTO applications (
			id, student_wallet, student_name, email, university, gpa, major,
			year_of_study, annual_income, requested_amount, essay, documents, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING applied_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		app.ID, app.StudentWallet, app.StudentName, app.Email, app.University,
		app.GPA, app.Major, app.YearOfStudy, app.AnnualIncome, app.RequestedAmount,
		app.Essay, app.Documents, app.Status,
	).Scan(&app.AppliedAt, &app.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return nil
}

// FindApplicationByID retrieves an application by its ID.
func (r *PostgresRepository) FindApplicationByID(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
	app, err := scanApplication(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrApplicationNotFound
		}
		return nil, err
	}
	return app, nil
}

// ListApplications returns applications ordered newest-first, optionally
// filtered by status.
func (r *PostgresRepository) ListApplications(ctx context.Context, opts domain.ApplicationListOptions) ([]domain.Application, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var rows pgx.Rows
	var err error
	if opts.Status != "" {
		query := `SELECT ` + applicationColumns + ` FROM applications WHERE status = $1 ORDER BY applied_at DESC LIMIT $2`
		rows, err = r.db.Query(ctx, query, opts.Status, limit)
	} else {
		query := `SELECT ` + applicationColumns + ` FROM applications ORDER BY applied_at DESC LIMIT $1`
		rows, err = r.db.Query(ctx, query, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApplications(rows)
}

// ListApplicationsByWallet returns all applications submitted for a wallet.
func (r *PostgresRepository) ListApplicationsByWallet(ctx context.Context, wallet string) ([]domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE student_wallet = $1 ORDER BY applied_at DESC`
	rows, err := r.db.Query(ctx, query, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApplications(rows)
}

func collectApplications(rows pgx.Rows) ([]domain.Application, error) {
	var apps []domain.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// CountApplicationsByStatus returns the number of applications per status.
func (r *PostgresRepository) CountApplicationsByStatus(ctx context.Context) (map[domain.ApplicationStatus]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM applications GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.ApplicationStatus]int64)
	for rows.Next() {
		var status domain.ApplicationStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// ClaimApplicationForDisbursement atomically moves a pending application into
// processing. The WHERE clause on status is the compare-and-swap that makes
// sure at most one approval request wins the claim.
func (r *PostgresRepository) ClaimApplicationForDisbursement(ctx context.Context, id uuid.UUID, ledgerState string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE applications
		SET status = $1, ledger_state = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, domain.StatusProcessing, ledgerState, id, domain.StatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RevertApplicationClaim returns a claimed application to pending after a
// definitive ledger rejection. It is conditional on the processing status so
// that a finalize racing in can never be undone.
func (r *PostgresRepository) RevertApplicationClaim(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE applications
		SET status = $1, ledger_state = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, domain.StatusPending, id, domain.StatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateApplicationLedgerState records the claim-state token for a processing
// application without touching its status.
func (r *PostgresRepository) UpdateApplicationLedgerState(ctx context.Context, id uuid.UUID, ledgerState string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE applications SET ledger_state = $1, updated_at = NOW() WHERE id = $2
	`, ledgerState, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrApplicationNotFound
	}
	return nil
}

// FinalizeDisbursedApplication writes the terminal fields of a successful
// disbursement, conditional on the application still being in processing.
func (r *PostgresRepository) FinalizeDisbursedApplication(ctx context.Context, params FinalizeDisbursementParams) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE applications
		SET status = $1,
		    disbursed_amount = $2,
		    transaction_id = $3,
		    reviewed_by = $4,
		    reviewed_at = $5,
		    admin_notes = $6,
		    ledger_state = $7,
		    updated_at = NOW()
		WHERE id = $8 AND status = $9
	`, domain.StatusDisbursed, params.DisbursedAmount, params.TransactionID,
		params.ReviewedBy, params.ReviewedAt, params.AdminNotes, params.LedgerState,
		params.ApplicationID, domain.StatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RejectApplication conditionally moves a pending application to rejected,
// recording the reviewer and notes.
func (r *PostgresRepository) RejectApplication(ctx context.Context, id uuid.UUID, reviewer, notes string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE applications
		SET status = $1, reviewed_by = $2, reviewed_at = NOW(), admin_notes = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
	`, domain.StatusRejected, reviewer, notes, id, domain.StatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListStaleProcessingApplications returns applications stuck in processing
// whose last update is older than the cutoff. These are the reconciler's
// orphaned-claim candidates.
func (r *PostgresRepository) ListStaleProcessingApplications(ctx context.Context, olderThan time.Time, limit int) ([]domain.Application, error) {
	query := `SELECT ` + applicationColumns + `
		FROM applications
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`
	rows, err := r.db.Query(ctx, query, domain.StatusProcessing, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApplications(rows)
}

// CreateDisbursementRecord inserts the immutable receipt for one payment. The
// unique index on application_id enforces the one-record-per-application
// invariant even if two writers race.
func (r *PostgresRepository) CreateDisbursementRecord(ctx context.Context, rec *domain.DisbursementRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	query := `
		INSERT INTO disbursement_records (id, application_id, student_wallet, amount, transaction_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query, rec.ID, rec.ApplicationID, rec.StudentWallet, rec.Amount, rec.TransactionID).Scan(&rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateDisbursementRecord
		}
		return fmt.Errorf("failed to create disbursement record: %w", err)
	}
	return nil
}

func scanDisbursementRecord(row pgx.Row) (*domain.DisbursementRecord, error) {
	var rec domain.DisbursementRecord
	err := row.Scan(&rec.ID, &rec.ApplicationID, &rec.StudentWallet, &rec.Amount, &rec.TransactionID, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindDisbursementRecordByApplicationID looks up the receipt for an application.
func (r *PostgresRepository) FindDisbursementRecordByApplicationID(ctx context.Context, applicationID uuid.UUID) (*domain.DisbursementRecord, error) {
	query := `SELECT id, application_id, student_wallet, amount, transaction_id, created_at
		FROM disbursement_records WHERE application_id = $1`
	rec, err := scanDisbursementRecord(r.db.QueryRow(ctx, query, applicationID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return rec, nil
}

// FindDisbursementRecordByTransactionID looks up the receipt for a ledger
// transaction hash.
func (r *PostgresRepository) FindDisbursementRecordByTransactionID(ctx context.Context, transactionID string) (*domain.DisbursementRecord, error) {
	query := `SELECT id, application_id, student_wallet, amount, transaction_id, created_at
		FROM disbursement_records WHERE transaction_id = $1`
	rec, err := scanDisbursementRecord(r.db.QueryRow(ctx, query, transactionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListDisbursementRecords returns receipts ordered newest-first.
func (r *PostgresRepository) ListDisbursementRecords(ctx context.Context, limit int) ([]domain.DisbursementRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, application_id, student_wallet, amount, transaction_id, created_at
		FROM disbursement_records ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDisbursementRecords(rows)
}

// ListDisbursementRecordsByWallet returns all receipts for one wallet.
func (r *PostgresRepository) ListDisbursementRecordsByWallet(ctx context.Context, wallet string) ([]domain.DisbursementRecord, error) {
	query := `SELECT id, application_id, student_wallet, amount, transaction_id, created_at
		FROM disbursement_records WHERE student_wallet = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDisbursementRecords(rows)
}

func collectDisbursementRecords(rows pgx.Rows) ([]domain.DisbursementRecord, error) {
	var recs []domain.DisbursementRecord
	for rows.Next() {
		rec, err := scanDisbursementRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// ApplyDisbursementToStudentAggregate folds one record into the per-student
// aggregate. The applied-record marker makes the fold idempotent: if the
// marker already exists the increment is skipped entirely.
func (r *PostgresRepository) ApplyDisbursementToStudentAggregate(ctx context.Context, rec domain.DisbursementRecord) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO aggregate_applied_records (record_id, scope)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, rec.ID, appliedScopeStudent)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		// Already folded in by a previous attempt.
		return false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO student_aggregates (student_wallet, total_received, disbursement_count, last_disbursement_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (student_wallet) DO UPDATE SET
			total_received = student_aggregates.total_received + EXCLUDED.total_received,
			disbursement_count = student_aggregates.disbursement_count + 1,
			last_disbursement_at = GREATEST(student_aggregates.last_disbursement_at, EXCLUDED.last_disbursement_at)
	`, rec.StudentWallet, rec.Amount, rec.CreatedAt)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyDisbursementToGlobalStats folds one record into the singleton stats
// row, idempotently per record id. Whether the wallet counts as a new
// distinct recipient is decided here, by a per-wallet marker inside the same
// transaction as the increment: the student fold may have applied on an
// earlier attempt that died before reaching the global fold, so its outcome
// cannot be trusted to carry the decision across a re-drive.
func (r *PostgresRepository) ApplyDisbursementToGlobalStats(ctx context.Context, rec domain.DisbursementRecord) (bool, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO aggregate_applied_records (record_id, scope)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, rec.ID, appliedScopeGlobal)
	if err != nil {
		return false, false, err
	}
	if tag.RowsAffected() == 0 {
		return false, false, tx.Commit(ctx)
	}

	walletTag, err := tx.Exec(ctx, `
		INSERT INTO global_counted_wallets (student_wallet)
		VALUES ($1)
		ON CONFLICT DO NOTHING
	`, rec.StudentWallet)
	if err != nil {
		return false, false, err
	}
	newStudent := walletTag.RowsAffected() > 0

	studentDelta := int64(0)
	if newStudent {
		studentDelta = 1
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO global_stats (id, total_disbursed, total_students, total_disbursements, updated_at)
		VALUES (1, $1, $2, 1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			total_disbursed = global_stats.total_disbursed + EXCLUDED.total_disbursed,
			total_students = global_stats.total_students + EXCLUDED.total_students,
			total_disbursements = global_stats.total_disbursements + 1,
			updated_at = NOW()
	`, rec.Amount, studentDelta)
	if err != nil {
		return false, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, false, err
	}
	return true, newStudent, nil
}

// GetStudentAggregate returns the stored aggregate for a wallet, or a zero
// aggregate when the wallet has never received a disbursement.
func (r *PostgresRepository) GetStudentAggregate(ctx context.Context, wallet string) (*domain.StudentAggregate, error) {
	var agg domain.StudentAggregate
	query := `SELECT student_wallet, total_received, disbursement_count, last_disbursement_at
		FROM student_aggregates WHERE student_wallet = $1`
	err := r.db.QueryRow(ctx, query, wallet).Scan(&agg.StudentWallet, &agg.TotalReceived, &agg.DisbursementCount, &agg.LastDisbursementAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return &domain.StudentAggregate{StudentWallet: wallet}, nil
		}
		return nil, err
	}
	return &agg, nil
}

// ListStudentAggregates returns every stored per-student aggregate.
func (r *PostgresRepository) ListStudentAggregates(ctx context.Context) ([]domain.StudentAggregate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT student_wallet, total_received, disbursement_count, last_disbursement_at
		FROM student_aggregates ORDER BY student_wallet
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStudentAggregates(rows)
}

// GetGlobalStats returns the singleton stats row, zero-valued when no
// disbursement has ever been recorded.
func (r *PostgresRepository) GetGlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	var stats domain.GlobalStats
	err := r.db.QueryRow(ctx, `
		SELECT total_disbursed, total_students, total_disbursements, updated_at
		FROM global_stats WHERE id = 1
	`).Scan(&stats.TotalDisbursed, &stats.TotalStudents, &stats.TotalDisbursements, &stats.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return &domain.GlobalStats{}, nil
		}
		return nil, err
	}
	return &stats, nil
}

// RecomputeStudentAggregates derives per-wallet totals from the authoritative
// disbursement records.
func (r *PostgresRepository) RecomputeStudentAggregates(ctx context.Context) ([]domain.StudentAggregate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT student_wallet, COALESCE(SUM(amount), 0), COUNT(*), MAX(created_at)
		FROM disbursement_records
		GROUP BY student_wallet
		ORDER BY student_wallet
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStudentAggregates(rows)
}

func collectStudentAggregates(rows pgx.Rows) ([]domain.StudentAggregate, error) {
	var aggs []domain.StudentAggregate
	for rows.Next() {
		var agg domain.StudentAggregate
		if err := rows.Scan(&agg.StudentWallet, &agg.TotalReceived, &agg.DisbursementCount, &agg.LastDisbursementAt); err != nil {
			return nil, err
		}
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}

// RecomputeGlobalStats derives the singleton totals from the authoritative
// disbursement records.
func (r *PostgresRepository) RecomputeGlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	var stats domain.GlobalStats
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(DISTINCT student_wallet), COUNT(*)
		FROM disbursement_records
	`).Scan(&stats.TotalDisbursed, &stats.TotalStudents, &stats.TotalDisbursements)
	if err != nil {
		return nil, err
	}
	stats.UpdatedAt = time.Now().UTC()
	return &stats, nil
}

// ReplaceStudentAggregate overwrites a stored aggregate with recomputed
// values and back-fills the applied-record markers so that later incremental
// folds stay idempotent against the repaired state.
func (r *PostgresRepository) ReplaceStudentAggregate(ctx context.Context, agg domain.StudentAggregate) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO student_aggregates (student_wallet, total_received, disbursement_count, last_disbursement_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (student_wallet) DO UPDATE SET
			total_received = EXCLUDED.total_received,
			disbursement_count = EXCLUDED.disbursement_count,
			last_disbursement_at = EXCLUDED.last_disbursement_at
	`, agg.StudentWallet, agg.TotalReceived, agg.DisbursementCount, agg.LastDisbursementAt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO aggregate_applied_records (record_id, scope)
		SELECT id, $1 FROM disbursement_records WHERE student_wallet = $2
		ON CONFLICT DO NOTHING
	`, appliedScopeStudent, agg.StudentWallet)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ReplaceGlobalStats overwrites the singleton stats row with recomputed
// values and back-fills the global applied-record markers.
func (r *PostgresRepository) ReplaceGlobalStats(ctx context.Context, stats domain.GlobalStats) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO global_stats (id, total_disbursed, total_students, total_disbursements, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			total_disbursed = EXCLUDED.total_disbursed,
			total_students = EXCLUDED.total_students,
			total_disbursements = EXCLUDED.total_disbursements,
			updated_at = NOW()
	`, stats.TotalDisbursed, stats.TotalStudents, stats.TotalDisbursements)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO aggregate_applied_records (record_id, scope)
		SELECT id, $1 FROM disbursement_records
		ON CONFLICT DO NOTHING
	`, appliedScopeGlobal)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO global_counted_wallets (student_wallet)
		SELECT DISTINCT student_wallet FROM disbursement_records
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}
