package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"flow-runner/shared"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Config holds database connection options
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration // SQLite only
}

// DefaultConfig returns pool defaults for the given connection string
func DefaultConfig(dsn string) Config {
	return Config{
		Driver:          DriverForURL(dsn),
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     5 * time.Second,
	}
}

// SQLStore implements Store on database/sql
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
	now     func() time.Time
}

// Open connects and pings the database. It does not create tables; call
// Migrate for development and test databases.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*SQLStore, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := cfg.DSN
	if d.driver == DriverSQLite {
		dsn = sqliteDSN(cfg)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connected", zap.String("driver", d.driver))
	return &SQLStore{
		db:      db,
		dialect: d,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// sqliteDSN enables WAL, foreign keys and a busy timeout on plain paths
func sqliteDSN(cfg Config) string {
	if strings.HasPrefix(cfg.DSN, "file:") || strings.Contains(cfg.DSN, "?") {
		return cfg.DSN
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d", cfg.DSN, busy.Milliseconds())
}

// Migrate creates the workflow_runs and tasks tables if they do not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying connection pool
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) CreateRun(ctx context.Context, run shared.Run) error {
	if run.Status == "" {
		run.Status = shared.RunStatusPending
	}
	_, err := s.exec(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, run_status, input_payload) VALUES (?, ?, ?, ?)`,
		run.ID, run.WorkflowID, string(run.Status), jsonArg(run.InputPayload),
	)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLStore) StartRun(ctx context.Context, runID string) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE workflow_runs SET run_status = ?, started_at = ? WHERE id = ? AND run_status = ?`,
		string(shared.RunStatusRunning), s.now(), runID, string(shared.RunStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to start run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return false, nil
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status == shared.RunStatusRunning {
		return true, nil
	}
	return false, fmt.Errorf("%w: %s is %s", shared.ErrRunFinished, runID, run.Status)
}

func (s *SQLStore) FinishRun(ctx context.Context, runID string, status shared.RunStatus, summary json.RawMessage) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot finish run %s with non-terminal status %q", runID, status)
	}
	res, err := s.exec(ctx,
		`UPDATE workflow_runs SET run_status = ?, result_summary = ?, finished_at = ? WHERE id = ? AND run_status = ?`,
		string(status), jsonArg(summary), s.now(), runID, string(shared.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return finishable(run)
}

func (s *SQLStore) GetRun(ctx context.Context, runID string) (shared.Run, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT id, workflow_id, run_status, input_payload, result_summary, started_at, finished_at
		 FROM workflow_runs WHERE id = ?`), runID)

	var (
		run               shared.Run
		status            string
		input, summary    sql.NullString
		started, finished sql.NullTime
	)
	err := row.Scan(&run.ID, &run.WorkflowID, &status, &input, &summary, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return shared.Run{}, fmt.Errorf("%w: %s", shared.ErrRunNotFound, runID)
	}
	if err != nil {
		return shared.Run{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	run.Status = shared.RunStatus(status)
	run.InputPayload = rawFrom(input)
	run.ResultSummary = rawFrom(summary)
	run.StartedAt = timeFrom(started)
	run.FinishedAt = timeFrom(finished)
	return run, nil
}

func (s *SQLStore) CreateTask(ctx context.Context, task shared.Task) error {
	started := s.now()
	if task.StartedAt != nil {
		started = *task.StartedAt
	}
	_, err := s.exec(ctx,
		`INSERT INTO tasks (id, workflow_run_id, node_id, task_status, attempt_count, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.RunID, task.NodeID, string(task.Status), task.AttemptCount, started,
	)
	if err != nil {
		return fmt.Errorf("failed to create task for node %s: %w", task.NodeID, err)
	}
	return nil
}

func (s *SQLStore) FinishTask(ctx context.Context, taskID string, status shared.TaskStatus, logs json.RawMessage) error {
	res, err := s.exec(ctx,
		`UPDATE tasks SET task_status = ?, logs = ?, finished_at = ? WHERE id = ?`,
		string(status), jsonArg(logs), s.now(), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not found", taskID)
	}
	return nil
}

func (s *SQLStore) ListTasks(ctx context.Context, runID string) ([]shared.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, workflow_run_id, node_id, task_status, attempt_count, logs, started_at, finished_at
		 FROM tasks WHERE workflow_run_id = ? ORDER BY `+s.dialect.taskOrder), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks of run %s: %w", runID, err)
	}
	defer rows.Close()

	var tasks []shared.Task
	for rows.Next() {
		var (
			task              shared.Task
			status            string
			logs              sql.NullString
			started, finished sql.NullTime
		)
		if err := rows.Scan(&task.ID, &task.RunID, &task.NodeID, &status, &task.AttemptCount, &logs, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.Status = shared.TaskStatus(status)
		task.Logs = rawFrom(logs)
		task.StartedAt = timeFrom(started)
		task.FinishedAt = timeFrom(finished)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// jsonArg passes JSON as text so both TEXT and JSONB columns accept it
func jsonArg(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawFrom(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func timeFrom(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
