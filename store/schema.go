package store

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// dialect captures what differs between the supported drivers
type dialect struct {
	driver string
	// schema is applied statement by statement by Migrate
	schema []string
	// taskOrder is the ORDER BY clause tasks are listed by. It only names
	// columns of the deployed tasks table.
	taskOrder string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var sqliteDialect = dialect{
	driver: DriverSQLite,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id             TEXT PRIMARY KEY,
			workflow_id    TEXT NOT NULL,
			run_status     TEXT NOT NULL DEFAULT 'pending',
			input_payload  TEXT,
			result_summary TEXT,
			started_at     TIMESTAMP,
			finished_at    TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			workflow_run_id TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
			node_id         TEXT NOT NULL,
			task_status     TEXT NOT NULL,
			attempt_count   INTEGER NOT NULL DEFAULT 1,
			logs            TEXT,
			started_at      TIMESTAMP,
			finished_at     TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(workflow_run_id)`,
	},
	taskOrder: "rowid",
}

var postgresDialect = dialect{
	driver: DriverPostgres,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id             TEXT PRIMARY KEY,
			workflow_id    TEXT NOT NULL,
			run_status     TEXT NOT NULL DEFAULT 'pending',
			input_payload  JSONB,
			result_summary JSONB,
			started_at     TIMESTAMPTZ,
			finished_at    TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			workflow_run_id TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
			node_id         TEXT NOT NULL,
			task_status     TEXT NOT NULL,
			attempt_count   INTEGER NOT NULL DEFAULT 1,
			logs            JSONB,
			started_at      TIMESTAMPTZ,
			finished_at     TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(workflow_run_id)`,
	},
	taskOrder: "started_at, id",
	numbered:  true,
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite, "sqlite":
		return sqliteDialect, nil
	case DriverPostgres, "postgresql", "pq":
		return postgresDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// rebind rewrites ? placeholders for drivers that number them
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DriverForURL picks the driver from a DATABASE_URL style string. Anything
// that is not a postgres URL is treated as a SQLite path.
func DriverForURL(url string) string {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}
