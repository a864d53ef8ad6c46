package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/shipway/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// A second pooled connection to :memory: would open a different,
	// empty database.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Row Types
// =============================================================================

// sessionRow represents a deployment session row in the database.
type sessionRow struct {
	ID            string  `db:"id"`
	Target        string  `db:"target"`
	Environment   string  `db:"environment"`
	State         string  `db:"state"`
	Status        string  `db:"status"`
	RollbackRan   bool    `db:"rollback_ran"`
	RollbackError string  `db:"rollback_error"`
	ErrorMessage  string  `db:"error_message"`
	ErrorKind     string  `db:"error_kind"`
	StartedAt     string  `db:"started_at"`
	UpdatedAt     string  `db:"updated_at"`
	FinishedAt    *string `db:"finished_at"`
}

// phaseRow represents a phase result row in the database.
type phaseRow struct {
	SessionID  string  `db:"session_id"`
	Phase      string  `db:"phase"`
	Position   int     `db:"position"`
	Status     string  `db:"status"`
	DurationNS int64   `db:"duration_ns"`
	Detail     *string `db:"detail"`
	Error      string  `db:"error"`
	RecordedAt string  `db:"recorded_at"`
}

// pointRow represents a rollback point row in the database. seq orders
// points by recording time without depending on timestamp granularity.
type pointRow struct {
	Seq       int64  `db:"seq"`
	ID        string `db:"id"`
	Target    string `db:"target"`
	Snapshot  string `db:"snapshot"`
	CreatedAt string `db:"created_at"`
}

// rolloutRow represents a rollout row in the database.
type rolloutRow struct {
	ID         string  `db:"id"`
	Name       string  `db:"name"`
	Strategy   string  `db:"strategy"`
	Plan       string  `db:"plan"`
	Status     string  `db:"status"`
	Result     *string `db:"result"`
	StartedAt  string  `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
}

// =============================================================================
// Session Operations
// =============================================================================

func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.DeploymentSession) error {
	return createSession(ctx, s.db, session)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.DeploymentSession, error) {
	return getSession(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.DeploymentSession) error {
	return updateSession(ctx, s.db, session)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, opts ListOptions) ([]domain.DeploymentSession, error) {
	return listSessions(ctx, s.db, opts)
}

func (s *SQLiteStore) ListSessionsByTarget(ctx context.Context, target string, opts ListOptions) ([]domain.DeploymentSession, error) {
	return listSessionsByTarget(ctx, s.db, target, opts)
}

func (s *SQLiteStore) AppendPhaseResult(ctx context.Context, sessionID string, result domain.PhaseResult) error {
	return appendPhaseResult(ctx, s.db, sessionID, result)
}

func (s *SQLiteStore) ListPhaseResults(ctx context.Context, sessionID string) ([]domain.PhaseResult, error) {
	return listPhaseResults(ctx, s.db, sessionID)
}

// =============================================================================
// Rollback Point Operations
// =============================================================================

func (s *SQLiteStore) SaveRollbackPoint(ctx context.Context, point *domain.RollbackPoint) error {
	return saveRollbackPoint(ctx, s.db, point)
}

func (s *SQLiteStore) LatestRollbackPoint(ctx context.Context, target string) (*domain.RollbackPoint, error) {
	return latestRollbackPoint(ctx, s.db, target)
}

func (s *SQLiteStore) ListRollbackPoints(ctx context.Context, target string, opts ListOptions) ([]domain.RollbackPoint, error) {
	return listRollbackPoints(ctx, s.db, target, opts)
}

func (s *SQLiteStore) PruneRollbackPoints(ctx context.Context, target string, keep int) (int, error) {
	return pruneRollbackPoints(ctx, s.db, target, keep)
}

// =============================================================================
// Rollout Operations
// =============================================================================

func (s *SQLiteStore) CreateRollout(ctx context.Context, rollout *domain.Rollout) error {
	return createRollout(ctx, s.db, rollout)
}

func (s *SQLiteStore) GetRollout(ctx context.Context, id string) (*domain.Rollout, error) {
	return getRollout(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateRollout(ctx context.Context, rollout *domain.Rollout) error {
	return updateRollout(ctx, s.db, rollout)
}

func (s *SQLiteStore) ListRollouts(ctx context.Context, opts ListOptions) ([]domain.Rollout, error) {
	return listRollouts(ctx, s.db, opts)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateSession(ctx context.Context, session *domain.DeploymentSession) error {
	return createSession(ctx, s.tx, session)
}

func (s *txSQLiteStore) GetSession(ctx context.Context, id string) (*domain.DeploymentSession, error) {
	return getSession(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateSession(ctx context.Context, session *domain.DeploymentSession) error {
	return updateSession(ctx, s.tx, session)
}

func (s *txSQLiteStore) ListSessions(ctx context.Context, opts ListOptions) ([]domain.DeploymentSession, error) {
	return listSessions(ctx, s.tx, opts)
}

func (s *txSQLiteStore) ListSessionsByTarget(ctx context.Context, target string, opts ListOptions) ([]domain.DeploymentSession, error) {
	return listSessionsByTarget(ctx, s.tx, target, opts)
}

func (s *txSQLiteStore) AppendPhaseResult(ctx context.Context, sessionID string, result domain.PhaseResult) error {
	return appendPhaseResult(ctx, s.tx, sessionID, result)
}

func (s *txSQLiteStore) ListPhaseResults(ctx context.Context, sessionID string) ([]domain.PhaseResult, error) {
	return listPhaseResults(ctx, s.tx, sessionID)
}

func (s *txSQLiteStore) SaveRollbackPoint(ctx context.Context, point *domain.RollbackPoint) error {
	return saveRollbackPoint(ctx, s.tx, point)
}

func (s *txSQLiteStore) LatestRollbackPoint(ctx context.Context, target string) (*domain.RollbackPoint, error) {
	return latestRollbackPoint(ctx, s.tx, target)
}

func (s *txSQLiteStore) ListRollbackPoints(ctx context.Context, target string, opts ListOptions) ([]domain.RollbackPoint, error) {
	return listRollbackPoints(ctx, s.tx, target, opts)
}

func (s *txSQLiteStore) PruneRollbackPoints(ctx context.Context, target string, keep int) (int, error) {
	return pruneRollbackPoints(ctx, s.tx, target, keep)
}

func (s *txSQLiteStore) CreateRollout(ctx context.Context, rollout *domain.Rollout) error {
	return createRollout(ctx, s.tx, rollout)
}

func (s *txSQLiteStore) GetRollout(ctx context.Context, id string) (*domain.Rollout, error) {
	return getRollout(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateRollout(ctx context.Context, rollout *domain.Rollout) error {
	return updateRollout(ctx, s.tx, rollout)
}

func (s *txSQLiteStore) ListRollouts(ctx context.Context, opts ListOptions) ([]domain.Rollout, error) {
	return listRollouts(ctx, s.tx, opts)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions - Sessions
// =============================================================================

func createSession(ctx context.Context, exec executor, session *domain.DeploymentSession) error {
	query := `
		INSERT INTO deployment_sessions (
			id, target, environment, state, status,
			rollback_ran, rollback_error, error_message, error_kind,
			started_at, updated_at, finished_at
		) VALUES (
			:id, :target, :environment, :state, :status,
			:rollback_ran, :rollback_error, :error_message, :error_kind,
			:started_at, :updated_at, :finished_at
		)`

	_, err := exec.NamedExecContext(ctx, query, sessionToRow(session))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployment_sessions.id") {
			return NewStoreError("CreateSession", "session", session.ID, "session with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateSession", "session", session.ID, err.Error(), err)
	}

	return nil
}

func getSession(ctx context.Context, exec executor, id string) (*domain.DeploymentSession, error) {
	query := `SELECT * FROM deployment_sessions WHERE id = ?`

	var row sessionRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetSession", "session", id, "session not found", ErrNotFound)
		}
		return nil, NewStoreError("GetSession", "session", id, err.Error(), err)
	}

	session := rowToSession(&row)
	phases, err := listPhaseResults(ctx, exec, id)
	if err != nil {
		return nil, err
	}
	session.Phases = phases

	return session, nil
}

func updateSession(ctx context.Context, exec executor, session *domain.DeploymentSession) error {
	query := `
		UPDATE deployment_sessions SET
			state = :state,
			status = :status,
			rollback_ran = :rollback_ran,
			rollback_error = :rollback_error,
			error_message = :error_message,
			error_kind = :error_kind,
			updated_at = :updated_at,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, sessionToRow(session))
	if err != nil {
		return NewStoreError("UpdateSession", "session", session.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateSession", "session", session.ID, "session not found", ErrNotFound)
	}

	return nil
}

// listSessions returns session rows without their phase history; callers
// needing the history use GetSession or ListPhaseResults.
func listSessions(ctx context.Context, exec executor, opts ListOptions) ([]domain.DeploymentSession, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployment_sessions ORDER BY started_at DESC, id LIMIT ? OFFSET ?`

	var rows []sessionRow
	err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListSessions", "session", "", err.Error(), err)
	}

	sessions := make([]domain.DeploymentSession, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, *rowToSession(&row))
	}

	return sessions, nil
}

func listSessionsByTarget(ctx context.Context, exec executor, target string, opts ListOptions) ([]domain.DeploymentSession, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployment_sessions WHERE target = ? ORDER BY started_at DESC, id LIMIT ? OFFSET ?`

	var rows []sessionRow
	err := exec.SelectContext(ctx, &rows, query, target, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListSessionsByTarget", "session", target, err.Error(), err)
	}

	sessions := make([]domain.DeploymentSession, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, *rowToSession(&row))
	}

	return sessions, nil
}

func appendPhaseResult(ctx context.Context, exec executor, sessionID string, result domain.PhaseResult) error {
	var detail *string
	if result.Detail != nil {
		detailJSON, err := json.Marshal(result.Detail)
		if err != nil {
			return NewStoreError("AppendPhaseResult", "phase_result", sessionID, "failed to serialize detail", ErrInvalidData)
		}
		d := string(detailJSON)
		detail = &d
	}

	query := `
		INSERT INTO phase_results (
			session_id, phase, position, status, duration_ns, detail, error, recorded_at
		) VALUES (
			:session_id, :phase, :position, :status, :duration_ns, :detail, :error, :recorded_at
		)`

	row := map[string]any{
		"session_id":  sessionID,
		"phase":       string(result.Phase),
		"position":    phasePosition(result.Phase),
		"status":      string(result.Status),
		"duration_ns": int64(result.Duration),
		"detail":      detail,
		"error":       result.Error,
		"recorded_at": result.RecordedAt.UTC().Format(time.RFC3339),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: phase_results.session_id, phase_results.phase") {
			return NewStoreError("AppendPhaseResult", "phase_result", sessionID,
				fmt.Sprintf("phase %s already recorded", result.Phase), ErrDuplicatePhase)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("AppendPhaseResult", "phase_result", sessionID, "session not found", ErrNotFound)
		}
		return NewStoreError("AppendPhaseResult", "phase_result", sessionID, err.Error(), err)
	}

	return nil
}

func listPhaseResults(ctx context.Context, exec executor, sessionID string) ([]domain.PhaseResult, error) {
	query := `SELECT * FROM phase_results WHERE session_id = ? ORDER BY position`

	var rows []phaseRow
	err := exec.SelectContext(ctx, &rows, query, sessionID)
	if err != nil {
		return nil, NewStoreError("ListPhaseResults", "phase_result", sessionID, err.Error(), err)
	}

	results := make([]domain.PhaseResult, 0, len(rows))
	for _, row := range rows {
		result, err := rowToPhaseResult(&row)
		if err != nil {
			return nil, err
		}
		results = append(results, *result)
	}

	return results, nil
}

// =============================================================================
// Shared Implementation Functions - Rollback Points
// =============================================================================

func saveRollbackPoint(ctx context.Context, exec executor, point *domain.RollbackPoint) error {
	query := `
		INSERT INTO rollback_points (id, target, snapshot, created_at)
		VALUES (:id, :target, :snapshot, :created_at)`

	row := map[string]any{
		"id":         point.ID,
		"target":     point.Target,
		"snapshot":   string(point.Snapshot),
		"created_at": point.CreatedAt.UTC().Format(time.RFC3339),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: rollback_points.id") {
			return NewStoreError("SaveRollbackPoint", "rollback_point", point.ID, "point with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("SaveRollbackPoint", "rollback_point", point.ID, err.Error(), err)
	}

	return nil
}

// latestRollbackPoint returns nil without error when the target has no
// recorded point; the rollback manager distinguishes that case itself.
func latestRollbackPoint(ctx context.Context, exec executor, target string) (*domain.RollbackPoint, error) {
	query := `SELECT * FROM rollback_points WHERE target = ? ORDER BY seq DESC LIMIT 1`

	var row pointRow
	err := exec.GetContext(ctx, &row, query, target)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, NewStoreError("LatestRollbackPoint", "rollback_point", target, err.Error(), err)
	}

	return rowToRollbackPoint(&row), nil
}

func listRollbackPoints(ctx context.Context, exec executor, target string, opts ListOptions) ([]domain.RollbackPoint, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM rollback_points WHERE target = ? ORDER BY seq DESC LIMIT ? OFFSET ?`

	var rows []pointRow
	err := exec.SelectContext(ctx, &rows, query, target, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRollbackPoints", "rollback_point", target, err.Error(), err)
	}

	points := make([]domain.RollbackPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, *rowToRollbackPoint(&row))
	}

	return points, nil
}

// pruneRollbackPoints deletes all but the newest keep points for a target
// and returns how many were removed.
func pruneRollbackPoints(ctx context.Context, exec executor, target string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	query := `
		DELETE FROM rollback_points
		WHERE target = ? AND seq NOT IN (
			SELECT seq FROM rollback_points WHERE target = ? ORDER BY seq DESC LIMIT ?
		)`

	result, err := exec.ExecContext(ctx, query, target, target, keep)
	if err != nil {
		return 0, NewStoreError("PruneRollbackPoints", "rollback_point", target, err.Error(), err)
	}

	pruned, _ := result.RowsAffected()
	return int(pruned), nil
}

// =============================================================================
// Shared Implementation Functions - Rollouts
// =============================================================================

func createRollout(ctx context.Context, exec executor, rollout *domain.Rollout) error {
	row, err := rolloutToRow(rollout, "CreateRollout")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO rollouts (
			id, name, strategy, plan, status, result, started_at, finished_at
		) VALUES (
			:id, :name, :strategy, :plan, :status, :result, :started_at, :finished_at
		)`

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: rollouts.id") {
			return NewStoreError("CreateRollout", "rollout", rollout.ID, "rollout with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRollout", "rollout", rollout.ID, err.Error(), err)
	}

	return nil
}

func getRollout(ctx context.Context, exec executor, id string) (*domain.Rollout, error) {
	query := `SELECT * FROM rollouts WHERE id = ?`

	var row rolloutRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRollout", "rollout", id, "rollout not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRollout", "rollout", id, err.Error(), err)
	}

	return rowToRollout(&row)
}

func updateRollout(ctx context.Context, exec executor, rollout *domain.Rollout) error {
	row, err := rolloutToRow(rollout, "UpdateRollout")
	if err != nil {
		return err
	}

	query := `
		UPDATE rollouts SET
			status = :status,
			result = :result,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateRollout", "rollout", rollout.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateRollout", "rollout", rollout.ID, "rollout not found", ErrNotFound)
	}

	return nil
}

func listRollouts(ctx context.Context, exec executor, opts ListOptions) ([]domain.Rollout, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM rollouts ORDER BY started_at DESC, id LIMIT ? OFFSET ?`

	var rows []rolloutRow
	err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRollouts", "rollout", "", err.Error(), err)
	}

	rollouts := make([]domain.Rollout, 0, len(rows))
	for _, row := range rows {
		rollout, err := rowToRollout(&row)
		if err != nil {
			return nil, err
		}
		rollouts = append(rollouts, *rollout)
	}

	return rollouts, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func sessionToRow(session *domain.DeploymentSession) map[string]any {
	var finishedAt *string
	if session.FinishedAt != nil {
		f := session.FinishedAt.UTC().Format(time.RFC3339)
		finishedAt = &f
	}

	return map[string]any{
		"id":             session.ID,
		"target":         session.Target,
		"environment":    string(session.Environment),
		"state":          string(session.State),
		"status":         string(session.Status),
		"rollback_ran":   session.RollbackRan,
		"rollback_error": session.RollbackError,
		"error_message":  session.ErrorMessage,
		"error_kind":     session.ErrorKind,
		"started_at":     session.StartedAt.UTC().Format(time.RFC3339),
		"updated_at":     session.UpdatedAt.UTC().Format(time.RFC3339),
		"finished_at":    finishedAt,
	}
}

// rowToSession converts a database row to a domain.DeploymentSession.
func rowToSession(row *sessionRow) *domain.DeploymentSession {
	startedAt, _ := time.Parse(time.RFC3339, row.StartedAt)
	updatedAt, _ := time.Parse(time.RFC3339, row.UpdatedAt)

	session := &domain.DeploymentSession{
		ID:            row.ID,
		Target:        row.Target,
		Environment:   domain.Environment(row.Environment),
		State:         domain.SessionState(row.State),
		Status:        domain.SessionStatus(row.Status),
		RollbackRan:   row.RollbackRan,
		RollbackError: row.RollbackError,
		ErrorMessage:  row.ErrorMessage,
		ErrorKind:     row.ErrorKind,
		StartedAt:     startedAt,
		UpdatedAt:     updatedAt,
	}

	if row.FinishedAt != nil {
		t, _ := time.Parse(time.RFC3339, *row.FinishedAt)
		session.FinishedAt = &t
	}

	return session
}

// rowToPhaseResult converts a database row to a domain.PhaseResult.
func rowToPhaseResult(row *phaseRow) (*domain.PhaseResult, error) {
	recordedAt, _ := time.Parse(time.RFC3339, row.RecordedAt)

	result := &domain.PhaseResult{
		Phase:      domain.Phase(row.Phase),
		Status:     domain.PhaseStatus(row.Status),
		Duration:   time.Duration(row.DurationNS),
		Error:      row.Error,
		RecordedAt: recordedAt,
	}

	if row.Detail != nil && *row.Detail != "" {
		if err := json.Unmarshal([]byte(*row.Detail), &result.Detail); err != nil {
			return nil, NewStoreError("rowToPhaseResult", "phase_result", row.SessionID, "failed to parse detail", ErrInvalidData)
		}
	}

	return result, nil
}

// rowToRollbackPoint converts a database row to a domain.RollbackPoint.
func rowToRollbackPoint(row *pointRow) *domain.RollbackPoint {
	createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)

	return &domain.RollbackPoint{
		ID:        row.ID,
		Target:    row.Target,
		Snapshot:  json.RawMessage(row.Snapshot),
		CreatedAt: createdAt,
	}
}

func rolloutToRow(rollout *domain.Rollout, op string) (map[string]any, error) {
	planJSON, err := json.Marshal(rollout.Plan)
	if err != nil {
		return nil, NewStoreError(op, "rollout", rollout.ID, "failed to serialize plan", ErrInvalidData)
	}

	var resultJSON *string
	if rollout.Result != nil {
		b, err := json.Marshal(rollout.Result)
		if err != nil {
			return nil, NewStoreError(op, "rollout", rollout.ID, "failed to serialize result", ErrInvalidData)
		}
		r := string(b)
		resultJSON = &r
	}

	var finishedAt *string
	if rollout.FinishedAt != nil {
		f := rollout.FinishedAt.UTC().Format(time.RFC3339)
		finishedAt = &f
	}

	return map[string]any{
		"id":          rollout.ID,
		"name":        rollout.Name,
		"strategy":    string(rollout.Strategy),
		"plan":        string(planJSON),
		"status":      string(rollout.Status),
		"result":      resultJSON,
		"started_at":  rollout.StartedAt.UTC().Format(time.RFC3339),
		"finished_at": finishedAt,
	}, nil
}

// rowToRollout converts a database row to a domain.Rollout.
func rowToRollout(row *rolloutRow) (*domain.Rollout, error) {
	startedAt, _ := time.Parse(time.RFC3339, row.StartedAt)

	rollout := &domain.Rollout{
		ID:        row.ID,
		Name:      row.Name,
		Strategy:  domain.Strategy(row.Strategy),
		Status:    domain.RolloutStatus(row.Status),
		StartedAt: startedAt,
	}

	if err := json.Unmarshal([]byte(row.Plan), &rollout.Plan); err != nil {
		return nil, NewStoreError("rowToRollout", "rollout", row.ID, "failed to parse plan", ErrInvalidData)
	}

	if row.Result != nil && *row.Result != "" {
		var result domain.AggregateResult
		if err := json.Unmarshal([]byte(*row.Result), &result); err != nil {
			return nil, NewStoreError("rowToRollout", "rollout", row.ID, "failed to parse result", ErrInvalidData)
		}
		rollout.Result = &result
	}

	if row.FinishedAt != nil {
		t, _ := time.Parse(time.RFC3339, *row.FinishedAt)
		rollout.FinishedAt = &t
	}

	return rollout, nil
}

// phasePosition maps a phase to its lifecycle position for ordering.
// Unknown phases sort last.
func phasePosition(phase domain.Phase) int {
	sequence := domain.PhaseSequence()
	for i, p := range sequence {
		if p == phase {
			return i
		}
	}
	return len(sequence)
}
