package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"loan-workflow/internal/domain/bank"
	"loan-workflow/internal/domain/identity"
	"loan-workflow/internal/domain/loan"
	"loan-workflow/internal/infrastructure/monitoring"
	"loan-workflow/internal/pkg/apperrors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pashagolub/pgxmock/v4"
)

type DBPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ DBPool = (*pgxpool.Pool)(nil)

var _ DBPool = (pgxmock.PgxPoolIface)(nil)

var _ loan.Repository = (*LoanRepository)(nil)

var errMsgFormat = "%w: %w"

const uniqueViolation = "23505"

const loanColumns = `id::text, application_number, applicant_id::text, loan_type, bank_name, amount, term_months, purpose,
        details, interest_rate, emi_amount, processing_fee, collateral_required, guarantor_required,
        collateral, guarantor, documents, stage, status, rejection_reason, disbursement_account,
        submitted_at, sanctioned_at, disbursed_at, closed_at, version, created_at, updated_at`

type LoanRepository struct {
	db     DBPool
	logger *slog.Logger
}

func NewLoanRepository(db DBPool, logger *slog.Logger) *LoanRepository {
	return &LoanRepository{db: db, logger: logger.With("component", "LoanRepository")}
}

func (r *LoanRepository) beginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to begin transaction", "error", err)
		return nil, apperrors.WrapDatabaseError(err, "failed to begin transaction")
	}
	return tx, nil
}

func (r *LoanRepository) commitTx(ctx context.Context, tx pgx.Tx) error {
	if err := tx.Commit(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Failed to commit transaction", "error", err)
		return apperrors.WrapDatabaseError(err, "failed to commit transaction")
	}
	return nil
}

func (r *LoanRepository) rollbackTx(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		r.logger.DebugContext(ctx, "Rollback after failed transaction returned error", "error", err)
	}
}

func observe(query string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	monitoring.RecordDBQuery(query, status, time.Since(start))
}

func (r *LoanRepository) Create(ctx context.Context, app *loan.Application) (err error) {
	start := time.Now()
	defer func() { observe("CreateLoanApplication", start, err) }()

	docs, err := encodeDocuments(app)
	if err != nil {
		return err
	}

	tx, err := r.beginTx(ctx)
	if err != nil {
		return err
	}
	defer r.rollbackTx(ctx, tx)

	insertSQL := `
        INSERT INTO loan_applications (
            id, application_number, applicant_id, loan_type, bank_name, amount, term_months, purpose,
            details, interest_rate, emi_amount, processing_fee, collateral_required, guarantor_required,
            collateral, guarantor, documents, stage, status, rejection_reason, disbursement_account,
            submitted_at, sanctioned_at, disbursed_at, closed_at, version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
            $21, $22, $23, $24, $25, $26, $27, $28)`

	_, err = tx.Exec(ctx, insertSQL,
		app.ID, app.ApplicationNumber, app.ApplicantID, string(app.Type), string(app.Bank), app.Amount, app.TermMonths, app.Purpose,
		docs.details, app.InterestRate, app.EMIAmount, app.ProcessingFee, app.CollateralRequired, app.GuarantorRequired,
		docs.collateral, docs.guarantor, docs.documents, string(app.Stage), string(app.Status), app.RejectionReason, docs.account,
		app.SubmittedAt, app.SanctionedAt, app.DisbursedAt, app.ClosedAt, app.Version, app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			r.logger.WarnContext(ctx, "Duplicate application", "application_number", app.ApplicationNumber)
			return fmt.Errorf("%w: application number %s", apperrors.ErrAlreadyExists, app.ApplicationNumber)
		}
		r.logger.ErrorContext(ctx, "Failed to insert loan application", "error", err)
		return fmt.Errorf("%w: failed to insert loan application: %w", apperrors.ErrDatabase, err)
	}

	if err = r.insertChain(ctx, tx, app); err != nil {
		return err
	}
	if err = r.insertSchedule(ctx, tx, app); err != nil {
		return err
	}
	if err = r.commitTx(ctx, tx); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "Loan application created in DB", "loan_id", app.ID, "application_number", app.ApplicationNumber)
	return nil
}

func (r *LoanRepository) GetByID(ctx context.Context, id string) (app *loan.Application, err error) {
	start := time.Now()
	defer func() { observe("GetLoanApplicationByID", start, err) }()

	query := `SELECT ` + loanColumns + ` FROM loan_applications WHERE id = $1`
	app, err = scanApplication(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.WarnContext(ctx, "Loan application not found", "loan_id", id)
			return nil, fmt.Errorf("%w: loan %s", apperrors.ErrNotFound, id)
		}
		r.logger.ErrorContext(ctx, "Failed to get loan application", "loan_id", id, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}

	if app.ApprovalChain, err = r.loadChain(ctx, id); err != nil {
		return nil, err
	}
	if app.Schedule, err = r.loadSchedule(ctx, id); err != nil {
		return nil, err
	}
	return app, nil
}

func (r *LoanRepository) Save(ctx context.Context, app *loan.Application, expectedVersion int64) (err error) {
	start := time.Now()
	defer func() { observe("SaveLoanApplication", start, err) }()

	docs, err := encodeDocuments(app)
	if err != nil {
		return err
	}

	tx, err := r.beginTx(ctx)
	if err != nil {
		return err
	}
	defer r.rollbackTx(ctx, tx)

	updateSQL := `
        UPDATE loan_applications
        SET purpose = $3, details = $4, collateral = $5, guarantor = $6, documents = $7,
            stage = $8, status = $9, rejection_reason = $10, disbursement_account = $11,
            submitted_at = $12, sanctioned_at = $13, disbursed_at = $14, closed_at = $15,
            version = version + 1, updated_at = $16
        WHERE id = $1 AND version = $2`

	tag, err := tx.Exec(ctx, updateSQL,
		app.ID, expectedVersion, app.Purpose, docs.details, docs.collateral, docs.guarantor, docs.documents,
		string(app.Stage), string(app.Status), app.RejectionReason, docs.account,
		app.SubmittedAt, app.SanctionedAt, app.DisbursedAt, app.ClosedAt, app.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to update loan application", "loan_id", app.ID, "error", err)
		return fmt.Errorf("%w: failed to update loan application: %w", apperrors.ErrDatabase, err)
	}
	if tag.RowsAffected() == 0 {
		return r.explainMissedUpdate(ctx, tx, app.ID, expectedVersion)
	}

	if err = r.insertChain(ctx, tx, app); err != nil {
		return err
	}
	if err = r.insertSchedule(ctx, tx, app); err != nil {
		return err
	}
	return r.commitTx(ctx, tx)
}

// explainMissedUpdate distinguishes a deleted row from a stale version.
func (r *LoanRepository) explainMissedUpdate(ctx context.Context, tx pgx.Tx, id string, expectedVersion int64) error {
	var current int64
	err := tx.QueryRow(ctx, `SELECT version FROM loan_applications WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: loan %s", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	r.logger.WarnContext(ctx, "Stale write rejected", "loan_id", id, "expected_version", expectedVersion, "current_version", current)
	return fmt.Errorf("%w: loan %s is at version %d, expected %d", apperrors.ErrConflict, id, current, expectedVersion)
}

func (r *LoanRepository) insertChain(ctx context.Context, tx pgx.Tx, app *loan.Application) error {
	if len(app.ApprovalChain) == 0 {
		return nil
	}
	n := len(app.ApprovalChain)
	ids, stages, toStages := make([]string, n), make([]string, n), make([]string, n)
	actorIDs, roles, names := make([]string, n), make([]string, n), make([]string, n)
	actions, remarks := make([]string, n), make([]string, n)
	seqs := make([]int32, n)
	times := make([]time.Time, n)
	for i, e := range app.ApprovalChain {
		ids[i], seqs[i], stages[i], toStages[i] = e.ID, int32(e.Seq), string(e.Stage), string(e.ToStage)
		actorIDs[i], roles[i], names[i] = e.ActorID, string(e.ActorRole), e.ActorName
		actions[i], remarks[i], times[i] = string(e.Action), e.Remarks, e.Timestamp
	}

	chainSQL := `
        INSERT INTO loan_approval_chain (id, loan_id, seq, stage, to_stage, actor_id, actor_role, actor_name, action, remarks, created_at)
        SELECT e.id::uuid, $1, e.seq, e.stage, e.to_stage, e.actor_id, e.actor_role, e.actor_name, e.action, e.remarks, e.created_at
        FROM unnest($2::text[], $3::int[], $4::text[], $5::text[], $6::text[], $7::text[], $8::text[], $9::text[], $10::text[], $11::timestamptz[])
            AS e(id, seq, stage, to_stage, actor_id, actor_role, actor_name, action, remarks, created_at)
        ON CONFLICT (loan_id, seq) DO NOTHING`

	if _, err := tx.Exec(ctx, chainSQL, app.ID, ids, seqs, stages, toStages, actorIDs, roles, names, actions, remarks, times); err != nil {
		r.logger.ErrorContext(ctx, "Failed to append approval chain", "loan_id", app.ID, "error", err)
		return fmt.Errorf("%w: failed to append approval chain: %w", apperrors.ErrDatabase, err)
	}
	return nil
}

func (r *LoanRepository) insertSchedule(ctx context.Context, tx pgx.Tx, app *loan.Application) error {
	if len(app.Schedule) == 0 {
		return nil
	}
	n := len(app.Schedule)
	nos := make([]int32, n)
	due := make([]time.Time, n)
	principal, interest, total, balance := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	statuses := make([]string, n)
	for i, inst := range app.Schedule {
		nos[i], due[i] = int32(inst.InstallmentNo), inst.DueDate
		principal[i], interest[i], total[i], balance[i] = inst.Principal, inst.Interest, inst.Total, inst.Balance
		statuses[i] = string(inst.Status)
	}

	scheduleSQL := `
        INSERT INTO loan_emi_schedule (loan_id, installment_no, due_date, principal, interest, total, balance, status)
        SELECT $1, s.no, s.due, s.principal, s.interest, s.total, s.balance, s.status
        FROM unnest($2::int[], $3::date[], $4::numeric[], $5::numeric[], $6::numeric[], $7::numeric[], $8::text[])
            AS s(no, due, principal, interest, total, balance, status)
        ON CONFLICT (loan_id, installment_no) DO NOTHING`

	if _, err := tx.Exec(ctx, scheduleSQL, app.ID, nos, due, principal, interest, total, balance, statuses); err != nil {
		r.logger.ErrorContext(ctx, "Failed to insert EMI schedule", "loan_id", app.ID, "error", err)
		return fmt.Errorf("%w: failed to insert EMI schedule: %w", apperrors.ErrDatabase, err)
	}
	r.logger.InfoContext(ctx, "EMI schedule stored", "loan_id", app.ID, "installments", n)
	return nil
}

func (r *LoanRepository) loadChain(ctx context.Context, loanID string) ([]loan.ChainEntry, error) {
	query := `
        SELECT id::text, seq, stage, to_stage, actor_id, actor_role, actor_name, action, remarks, created_at
        FROM loan_approval_chain
        WHERE loan_id = $1
        ORDER BY seq ASC`

	rows, err := r.db.Query(ctx, query, loanID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query approval chain", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	chain := make([]loan.ChainEntry, 0)
	for rows.Next() {
		var e loan.ChainEntry
		var stage, toStage, role, action string
		if err := rows.Scan(&e.ID, &e.Seq, &stage, &toStage, &e.ActorID, &role, &e.ActorName, &action, &e.Remarks, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scanning approval chain: %w", apperrors.ErrDatabase, err)
		}
		e.Stage, e.ToStage = loan.Stage(stage), loan.Stage(toStage)
		e.ActorRole, e.Action = identity.Role(role), loan.ChainAction(action)
		chain = append(chain, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return chain, nil
}

func (r *LoanRepository) loadSchedule(ctx context.Context, loanID string) ([]loan.Installment, error) {
	query := `
        SELECT installment_no, due_date, principal, interest, total, balance, status
        FROM loan_emi_schedule
        WHERE loan_id = $1
        ORDER BY installment_no ASC`

	rows, err := r.db.Query(ctx, query, loanID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query EMI schedule", "loan_id", loanID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	schedule := make([]loan.Installment, 0)
	for rows.Next() {
		var inst loan.Installment
		var status string
		if err := rows.Scan(&inst.InstallmentNo, &inst.DueDate, &inst.Principal, &inst.Interest, &inst.Total, &inst.Balance, &status); err != nil {
			return nil, fmt.Errorf("%w: scanning EMI schedule: %w", apperrors.ErrDatabase, err)
		}
		inst.Status = loan.InstallmentStatus(status)
		schedule = append(schedule, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return schedule, nil
}

// List returns matching applications without their chain or schedule.
func (r *LoanRepository) List(ctx context.Context, f loan.Filter) (apps []*loan.Application, err error) {
	start := time.Now()
	defer func() { observe("ListLoanApplications", start, err) }()

	var where []string
	var args []any
	if f.ApplicantID != "" {
		args = append(args, f.ApplicantID)
		where = append(where, fmt.Sprintf("applicant_id = $%d", len(args)))
	}
	if f.Bank != nil {
		args = append(args, string(*f.Bank))
		where = append(where, fmt.Sprintf("bank_name = $%d", len(args)))
	}
	if len(f.Stages) > 0 {
		args = append(args, stageStrings(f.Stages))
		where = append(where, fmt.Sprintf("stage = ANY($%d)", len(args)))
	}

	query := `SELECT ` + loanColumns + ` FROM loan_applications`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, application_number DESC`

	return r.queryApplications(ctx, query, args...)
}

func (r *LoanRepository) ListStalled(ctx context.Context, stages []loan.Stage, updatedBefore time.Time) (apps []*loan.Application, err error) {
	start := time.Now()
	defer func() { observe("ListStalledLoanApplications", start, err) }()

	query := `SELECT ` + loanColumns + `
        FROM loan_applications
        WHERE stage = ANY($1) AND updated_at < $2
        ORDER BY updated_at ASC`
	return r.queryApplications(ctx, query, stageStrings(stages), updatedBefore)
}

func (r *LoanRepository) queryApplications(ctx context.Context, query string, args ...any) ([]*loan.Application, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query loan applications", "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	defer rows.Close()

	apps := make([]*loan.Application, 0)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to scan loan application row", "error", err)
			return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return apps, nil
}

func (r *LoanRepository) CountCreatedInYear(ctx context.Context, year int) (n int64, err error) {
	start := time.Now()
	defer func() { observe("CountLoanApplicationsInYear", start, err) }()

	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0)
	err = r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM loan_applications WHERE created_at >= $1 AND created_at < $2`, from, to,
	).Scan(&n)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to count loan applications", "year", year, "error", err)
		return 0, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return n, nil
}

func (r *LoanRepository) Delete(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { observe("DeleteLoanApplication", start, err) }()

	tag, err := r.db.Exec(ctx, `DELETE FROM loan_applications WHERE id = $1`, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to delete loan application", "loan_id", id, "error", err)
		return fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: loan %s", apperrors.ErrNotFound, id)
	}
	return nil
}

type encodedDocuments struct {
	details, collateral, guarantor, documents, account []byte
}

func encodeDocuments(app *loan.Application) (encodedDocuments, error) {
	var out encodedDocuments
	var err error
	if out.details, err = json.Marshal(app.Details); err != nil {
		return out, fmt.Errorf("%w: encoding details: %w", apperrors.ErrInternalServer, err)
	}
	if out.documents, err = json.Marshal(app.Documents); err != nil {
		return out, fmt.Errorf("%w: encoding documents: %w", apperrors.ErrInternalServer, err)
	}
	if out.collateral, err = nullableJSON(app.Collateral); err != nil {
		return out, err
	}
	if out.guarantor, err = nullableJSON(app.Guarantor); err != nil {
		return out, err
	}
	if out.account, err = nullableJSON(app.DisbursementAccount); err != nil {
		return out, err
	}
	return out, nil
}

func nullableJSON[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %T: %w", apperrors.ErrInternalServer, v, err)
	}
	return b, nil
}

func decodeNullable[T any](raw []byte) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func scanApplication(row pgx.Row) (*loan.Application, error) {
	var app loan.Application
	var loanType, bankName, stage, status string
	var details, collateral, guarantor, documents, account []byte

	err := row.Scan(
		&app.ID, &app.ApplicationNumber, &app.ApplicantID, &loanType, &bankName, &app.Amount, &app.TermMonths, &app.Purpose,
		&details, &app.InterestRate, &app.EMIAmount, &app.ProcessingFee, &app.CollateralRequired, &app.GuarantorRequired,
		&collateral, &guarantor, &documents, &stage, &status, &app.RejectionReason, &account,
		&app.SubmittedAt, &app.SanctionedAt, &app.DisbursedAt, &app.ClosedAt, &app.Version, &app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	app.Type = loan.Type(loanType)
	app.Bank = bank.Code(bankName)
	app.Stage = loan.Stage(stage)
	app.Status = loan.Status(status)

	if len(details) > 0 {
		if err := json.Unmarshal(details, &app.Details); err != nil {
			return nil, fmt.Errorf("decoding details: %w", err)
		}
	}
	if len(documents) > 0 {
		if err := json.Unmarshal(documents, &app.Documents); err != nil {
			return nil, fmt.Errorf("decoding documents: %w", err)
		}
	}
	if app.Collateral, err = decodeNullable[loan.Collateral](collateral); err != nil {
		return nil, fmt.Errorf("decoding collateral: %w", err)
	}
	if app.Guarantor, err = decodeNullable[loan.Guarantor](guarantor); err != nil {
		return nil, fmt.Errorf("decoding guarantor: %w", err)
	}
	if app.DisbursementAccount, err = decodeNullable[loan.DisbursementAccount](account); err != nil {
		return nil, fmt.Errorf("decoding disbursement account: %w", err)
	}
	return &app, nil
}

func stageStrings(stages []loan.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}
