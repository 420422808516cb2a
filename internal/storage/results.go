package storage

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const resultsTable = "scenario_results"

// ScenarioResult is one finished scenario, stamped with the run it belongs
// to.
type ScenarioResult struct {
	RunID      string
	Scenario   string
	WorkerKind string
	Percent    int
	Passed     bool
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ResultsRecorder appends scenario outcomes to a SQLite database under the
// results root, one row per scenario per run.
type ResultsRecorder struct {
	db   *sql.DB
	stmt *sql.Stmt
}

// OpenResultsRecorder opens (creating if needed) the results database at
// path.
func OpenResultsRecorder(path string) (*ResultsRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open results database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	createStmt := `CREATE TABLE IF NOT EXISTS ` + resultsTable + ` (
id INTEGER PRIMARY KEY AUTOINCREMENT,
run_id TEXT NOT NULL,
scenario TEXT NOT NULL,
worker_kind TEXT NOT NULL,
percent INTEGER NOT NULL,
passed INTEGER NOT NULL,
error TEXT,
started_at TEXT NOT NULL,
finished_at TEXT NOT NULL
);`
	if _, err := db.Exec(createStmt); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create results table failed")
	}
	indexStmt := `CREATE INDEX IF NOT EXISTS idx_scenario_results_run ON ` + resultsTable + `(run_id);`
	if _, err := db.Exec(indexStmt); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create results index failed")
	}
	stmt, err := db.Prepare(`INSERT INTO ` + resultsTable + `
(run_id, scenario, worker_kind, percent, passed, error, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "prepare results insert statement failed")
	}
	return &ResultsRecorder{db: db, stmt: stmt}, nil
}

// Close releases sqlite resources.
func (r *ResultsRecorder) Close() error {
	if r == nil {
		return nil
	}
	if r.stmt != nil {
		r.stmt.Close()
	}
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Record appends one scenario outcome.
func (r *ResultsRecorder) Record(res ScenarioResult) error {
	if r == nil {
		return nil
	}
	_, err := r.stmt.Exec(
		res.RunID,
		res.Scenario,
		res.WorkerKind,
		res.Percent,
		boolToInt(res.Passed),
		nullableString(res.Error),
		res.StartedAt.UTC().Format(time.RFC3339),
		res.FinishedAt.UTC().Format(time.RFC3339),
	)
	return errors.Wrap(err, "insert scenario result failed")
}

// ResultsForRun returns the recorded outcomes of one run, oldest first.
func (r *ResultsRecorder) ResultsForRun(runID string) ([]ScenarioResult, error) {
	if r == nil {
		return nil, nil
	}
	rows, err := r.db.Query(`SELECT run_id, scenario, worker_kind, percent, passed, error, started_at, finished_at
FROM `+resultsTable+` WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query scenario results failed")
	}
	defer rows.Close()
	var out []ScenarioResult
	for rows.Next() {
		var (
			res        ScenarioResult
			passed     int
			errText    sql.NullString
			startedAt  string
			finishedAt string
		)
		if err := rows.Scan(&res.RunID, &res.Scenario, &res.WorkerKind, &res.Percent, &passed, &errText, &startedAt, &finishedAt); err != nil {
			return nil, errors.Wrap(err, "scan scenario result failed")
		}
		res.Passed = passed != 0
		res.Error = errText.String
		res.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		res.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt)
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate scenario results failed")
	}
	return out, nil
}
