package insight

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrRunNotFound is returned by lookups for sessions with no analysis run.
var ErrRunNotFound = errors.New("insight run not found")

// Store persists runs, their stage artifacts, and the completed outcome.
// The job store is injected so orchestration never owns hidden global state;
// PGStore is the durable implementation and MemStore backs tests and
// database-less deployments.
type Store interface {
	CreateRun(r Run) error
	MarkProcessing(runID string) error
	FinishRun(runID, status, failedStage, errMsg string) error
	SaveArtifact(a StageArtifact) error
	SaveOutcome(o Outcome) error
	LatestRun(sessionID string) (*Run, error)
	Artifacts(runID string) ([]StageArtifact, error)
	LatestReport(sessionID string) (*Report, error)
	UserAggregate(userID string) (Aggregate, error)
	PruneTerminal(olderThan time.Time) (int, error)
	Close() error
}

// PGStore persists insight data to PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// Open connects to the insight database at connStr and applies migrations.
func Open(connStr string) (*PGStore, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("insight open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("insight ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("insight migrate: %w", err)
	}
	return &PGStore{db: db}, nil
}

// migrate applies pending schema migrations, one transaction each. A file's
// numeric prefix is its version; anything at or below the recorded version
// is skipped.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return err
	}
	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		version, verr := migrationVersion(entry.Name())
		if verr != nil {
			return verr
		}
		if version <= current {
			continue
		}
		src, readErr := migrationFS.ReadFile("migrations/" + entry.Name())
		if readErr != nil {
			return fmt.Errorf("load %s: %w", entry.Name(), readErr)
		}
		tx, txErr := db.Begin()
		if txErr != nil {
			return txErr
		}
		if _, execErr := tx.Exec(string(src)); execErr != nil {
			tx.Rollback()
			return fmt.Errorf("apply %s: %w", entry.Name(), execErr)
		}
		if _, execErr := tx.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, version); execErr != nil {
			tx.Rollback()
			return fmt.Errorf("record %s: %w", entry.Name(), execErr)
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return commitErr
		}
	}
	return nil
}

// migrationVersion parses the numeric prefix of a migration filename,
// e.g. 3 for "0003_indexes.sql".
func migrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration %q: missing numeric prefix", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("migration %q: %w", name, err)
	}
	return v, nil
}

// Close closes the database.
func (s *PGStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new pending run.
func (s *PGStore) CreateRun(r Run) error {
	_, err := s.db.Exec(
		`INSERT INTO insight_runs (id, session_id, user_id, status, input, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.SessionID, r.UserID, r.Status, r.Input, r.CreatedAt.UTC(),
	)
	return err
}

// MarkProcessing flips a pending run to processing.
func (s *PGStore) MarkProcessing(runID string) error {
	_, err := s.db.Exec(
		`UPDATE insight_runs SET status = $1 WHERE id = $2 AND status = $3`,
		StatusProcessing, runID, StatusPending,
	)
	return err
}

// FinishRun records the run's terminal status.
func (s *PGStore) FinishRun(runID, status, failedStage, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE insight_runs SET status = $1, failed_stage = $2, error_msg = $3, finished_at = $4 WHERE id = $5`,
		status, failedStage, errMsg, time.Now().UTC(), runID,
	)
	return err
}

// SaveArtifact inserts one stage execution record.
func (s *PGStore) SaveArtifact(a StageArtifact) error {
	_, err := s.db.Exec(
		`INSERT INTO insight_stages (id, run_id, stage, position, status, attempts, duration_ms, output, error_msg, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.RunID, a.Stage, a.Position, a.Status, a.Attempts, a.DurationMs, a.Output, a.Error, a.CreatedAt.UTC(),
	)
	return err
}

// SaveOutcome persists the report and its side records in one transaction.
func (s *PGStore) SaveOutcome(o Outcome) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cards, err := marshalCards(o.Cards)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err = tx.Exec(
		`INSERT INTO insight_reports (run_id, session_id, cards, created_at) VALUES ($1, $2, $3, $4)`,
		o.RunID, o.SessionID, cards, now,
	); err != nil {
		return err
	}
	for _, d := range o.Discoveries {
		if _, err = tx.Exec(
			`INSERT INTO discoveries (id, run_id, session_id, user_id, title, description, confidence, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			d.ID, o.RunID, o.SessionID, o.UserID, d.Title, d.Description, d.Confidence, now,
		); err != nil {
			return err
		}
	}
	for _, m := range o.Milestones {
		if _, err = tx.Exec(
			`INSERT INTO milestones (id, run_id, session_id, code, label, evidence, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			m.ID, o.RunID, o.SessionID, m.Code, m.Label, m.Evidence, now,
		); err != nil {
			return err
		}
	}
	if o.Narrative != "" {
		if _, err = tx.Exec(
			`INSERT INTO narratives (id, run_id, session_id, user_id, body, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), o.RunID, o.SessionID, o.UserID, o.Narrative, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LatestRun returns the most recent run for a session.
func (s *PGStore) LatestRun(sessionID string) (*Run, error) {
	var r Run
	var finished sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, session_id, user_id, status, failed_stage, error_msg, input, created_at, finished_at
		 FROM insight_runs WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`,
		sessionID,
	).Scan(&r.ID, &r.SessionID, &r.UserID, &r.Status, &r.FailedStage, &r.Error, &r.Input, &r.CreatedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return &r, nil
}

// Artifacts returns a run's stage records in pipeline order.
func (s *PGStore) Artifacts(runID string) ([]StageArtifact, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, stage, position, status, attempts, duration_ms, output, error_msg, created_at
		 FROM insight_stages WHERE run_id = $1 ORDER BY position ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StageArtifact
	for rows.Next() {
		var a StageArtifact
		if err = rows.Scan(&a.ID, &a.RunID, &a.Stage, &a.Position, &a.Status, &a.Attempts, &a.DurationMs, &a.Output, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LatestReport assembles the report of the session's newest completed run.
func (s *PGStore) LatestReport(sessionID string) (*Report, error) {
	var rep Report
	var cards string
	err := s.db.QueryRow(
		`SELECT r.run_id, r.session_id, r.cards, r.created_at
		 FROM insight_reports r
		 JOIN insight_runs ir ON ir.id = r.run_id
		 WHERE r.session_id = $1 AND ir.status = $2
		 ORDER BY r.created_at DESC LIMIT 1`,
		sessionID, StatusCompleted,
	).Scan(&rep.RunID, &rep.SessionID, &cards, &rep.GeneratedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if rep.Cards, err = unmarshalCards(cards); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT id, run_id, session_id, user_id, title, description, confidence, created_at
		 FROM discoveries WHERE run_id = $1 ORDER BY created_at ASC, id ASC`,
		rep.RunID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var d Discovery
		if err = rows.Scan(&d.ID, &d.RunID, &d.SessionID, &d.UserID, &d.Title, &d.Description, &d.Confidence, &d.CreatedAt); err != nil {
			return nil, err
		}
		rep.Discoveries = append(rep.Discoveries, d)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := s.db.Query(
		`SELECT id, run_id, session_id, code, label, evidence, created_at
		 FROM milestones WHERE run_id = $1 ORDER BY created_at ASC, id ASC`,
		rep.RunID,
	)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var m Milestone
		if err = mrows.Scan(&m.ID, &m.RunID, &m.SessionID, &m.Code, &m.Label, &m.Evidence, &m.CreatedAt); err != nil {
			return nil, err
		}
		rep.Milestones = append(rep.Milestones, m)
	}
	if err = mrows.Err(); err != nil {
		return nil, err
	}

	var narrative sql.NullString
	err = s.db.QueryRow(
		`SELECT body FROM narratives WHERE run_id = $1 LIMIT 1`, rep.RunID,
	).Scan(&narrative)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if narrative.Valid {
		rep.Narrative = narrative.String
	}
	return &rep, nil
}

// UserAggregate summarizes the user's completed analyses.
func (s *PGStore) UserAggregate(userID string) (Aggregate, error) {
	var agg Aggregate
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM insight_runs WHERE user_id = $1 AND status = $2`,
		userID, StatusCompleted,
	).Scan(&agg.CompletedRuns)
	if err != nil {
		return agg, err
	}
	if err = s.db.QueryRow(
		`SELECT COUNT(*) FROM discoveries WHERE user_id = $1`, userID,
	).Scan(&agg.Discoveries); err != nil {
		return agg, err
	}

	rows, err := s.db.Query(`
		SELECT DISTINCT m.code
		FROM milestones m
		JOIN insight_runs r ON r.id = m.run_id
		WHERE r.user_id = $1 AND r.status = $2
		ORDER BY m.code ASC
	`, userID, StatusCompleted)
	if err != nil {
		return agg, err
	}
	defer rows.Close()
	for rows.Next() {
		var code string
		if err = rows.Scan(&code); err != nil {
			return agg, err
		}
		agg.MilestoneCodes = append(agg.MilestoneCodes, code)
	}
	return agg, rows.Err()
}

// PruneTerminal deletes terminal runs finished before the cutoff. Stage
// artifacts, reports, and side records cascade with them.
func (s *PGStore) PruneTerminal(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM insight_runs
		 WHERE status IN ($1, $2) AND finished_at IS NOT NULL AND finished_at < $3`,
		StatusCompleted, StatusFailed, olderThan.UTC(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func marshalCards(cards []Card) (string, error) {
	data, err := json.Marshal(cards)
	if err != nil {
		return "", fmt.Errorf("marshal cards: %w", err)
	}
	return string(data), nil
}

func unmarshalCards(data string) ([]Card, error) {
	var cards []Card
	if err := json.Unmarshal([]byte(data), &cards); err != nil {
		return nil, fmt.Errorf("unmarshal cards: %w", err)
	}
	return cards, nil
}
