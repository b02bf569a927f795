package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/state"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// SQLiteStore is a single-file state.Repository for local use.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

var _ state.Repository = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; readers queue behind it.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, log: logger.Named("sqlite_store")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("SQLite store opened.", zap.String("path", path))
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, sqliteMigrationV1Missions},
		{2, sqliteMigrationV2Events},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
		s.log.Debug("Applied migration.", zap.Int("version", m.version))
	}
	return nil
}

const sqliteMigrationV1Missions = `
CREATE TABLE IF NOT EXISTS missions (
	id TEXT PRIMARY KEY,
	objective TEXT NOT NULL,
	owner_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	replan_count INTEGER NOT NULL DEFAULT 0,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	last_sequence INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);

CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
	revision INTEGER NOT NULL,
	active INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (mission_id, revision)
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	mission_id TEXT NOT NULL,
	key TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	tool TEXT NOT NULL,
	input TEXT NOT NULL,
	result TEXT,
	error TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	position INTEGER NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	UNIQUE (plan_id, key)
);
CREATE INDEX IF NOT EXISTS idx_tasks_mission ON tasks(mission_id);
`

const sqliteMigrationV2Events = `
CREATE TABLE IF NOT EXISTS mission_events (
	mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
	sequence INTEGER NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (mission_id, sequence)
);
`

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func fmtTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) CreateMission(ctx context.Context, m mission.Mission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO missions (id, objective, owner_id, status, replan_count, cancel_requested, failure_reason, last_error, last_sequence, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Objective, m.OwnerID, string(m.Status), m.ReplanCount, boolInt(m.CancelRequested),
		m.FailureReason, m.LastError, m.LastSequence, fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt), fmtTimePtr(m.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert mission %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Commit(ctx context.Context, c *state.Commit) error {
	const op = "sqlite.Commit"
	m := c.Mission
	prevSeq := m.LastSequence - int64(len(c.Events))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE missions SET
			status = ?, replan_count = ?, cancel_requested = ?, failure_reason = ?,
			last_error = ?, last_sequence = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND last_sequence = ?`,
		string(m.Status), m.ReplanCount, boolInt(m.CancelRequested), m.FailureReason,
		m.LastError, m.LastSequence, fmtTime(m.UpdatedAt), fmtTimePtr(m.CompletedAt), m.ID, prevSeq)
	if err != nil {
		return fmt.Errorf("update mission %s: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return mission.Errorf(mission.CodeInvalidTransition, op, "mission %s is missing or not at sequence %d", m.ID, prevSeq)
	}

	if p := c.NewPlan; p != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE plans SET active = 0 WHERE mission_id = ?`, p.MissionID); err != nil {
			return fmt.Errorf("deactivate plans: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO plans (id, mission_id, revision, active, created_at) VALUES (?, ?, ?, ?, ?)`,
			p.ID, p.MissionID, p.Revision, boolInt(p.Active), fmtTime(p.CreatedAt)); err != nil {
			return fmt.Errorf("insert plan revision %d: %w", p.Revision, err)
		}
		for _, t := range p.Tasks {
			deps, err := codec.Marshal(nonNil(t.DependsOn))
			if err != nil {
				return fmt.Errorf("encode dependencies of %s: %w", t.Key, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, plan_id, mission_id, key, description, status, depends_on, tool, input, result, error, error_code, retry_count, position, started_at, finished_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID, t.PlanID, t.MissionID, t.Key, t.Description, string(t.Status), string(deps), t.Tool,
				string(jsonOrEmpty(t.Input)), rawText(t.Result), t.Error, string(t.ErrorCode), t.RetryCount, t.Position,
				fmtTimePtr(t.StartedAt), fmtTimePtr(t.FinishedAt)); err != nil {
				return fmt.Errorf("insert task %s: %w", t.Key, err)
			}
		}
	}

	for _, t := range c.Tasks {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET
				status = ?, result = ?, error = ?, error_code = ?, retry_count = ?, started_at = ?, finished_at = ?
			WHERE plan_id = ? AND key = ?`,
			string(t.Status), rawText(t.Result), t.Error, string(t.ErrorCode), t.RetryCount,
			fmtTimePtr(t.StartedAt), fmtTimePtr(t.FinishedAt), t.PlanID, t.Key)
		if err != nil {
			return fmt.Errorf("update task %s: %w", t.Key, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return mission.Errorf(mission.CodeInvalidTransition, op, "task %s/%s does not exist", t.PlanID, t.Key)
		}
	}

	for _, e := range c.Events {
		if _, err := tx.ExecContext(ctx, `INSERT INTO mission_events (mission_id, sequence, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			e.MissionID, e.Sequence, string(e.Type), string(jsonOrEmpty(e.Payload)), fmtTime(e.Timestamp)); err != nil {
			return fmt.Errorf("append event %d: %w", e.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func rawText(r json.RawMessage) interface{} {
	if r == nil {
		return nil
	}
	return string(r)
}

const sqliteMissionColumns = `id, objective, owner_id, status, replan_count, cancel_requested, failure_reason, last_error, last_sequence, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMission(row rowScanner) (mission.Mission, error) {
	var m mission.Mission
	var status, created, updated string
	var cancel int
	var completed sql.NullString
	if err := row.Scan(&m.ID, &m.Objective, &m.OwnerID, &status, &m.ReplanCount, &cancel,
		&m.FailureReason, &m.LastError, &m.LastSequence, &created, &updated, &completed); err != nil {
		return m, err
	}
	m.Status = mission.MissionStatus(status)
	m.CancelRequested = cancel != 0
	var err error
	if m.CreatedAt, err = parseTime(created); err != nil {
		return m, err
	}
	if m.UpdatedAt, err = parseTime(updated); err != nil {
		return m, err
	}
	if m.CompletedAt, err = parseTimePtr(completed); err != nil {
		return m, err
	}
	return m, nil
}

func (s *SQLiteStore) LoadMission(ctx context.Context, id string) (*mission.Snapshot, error) {
	m, err := scanSQLiteMission(s.db.QueryRowContext(ctx, `SELECT `+sqliteMissionColumns+` FROM missions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mission.Errorf(mission.CodeMissionNotFound, "sqlite.LoadMission", "mission %s", id)
		}
		return nil, fmt.Errorf("load mission %s: %w", id, err)
	}
	snap := &mission.Snapshot{Mission: m}

	plans, err := s.loadPlans(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return snap, nil
	}
	byID := make(map[string]int, len(plans))
	for i := range plans {
		byID[plans[i].ID] = i
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, mission_id, key, description, status, depends_on, tool, input, result,
		       error, error_code, retry_count, position, started_at, finished_at
		FROM tasks WHERE mission_id = ? ORDER BY plan_id, position`, id)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t mission.Task
		var status, deps, input, code string
		var result, started, finished sql.NullString
		if err := rows.Scan(&t.ID, &t.PlanID, &t.MissionID, &t.Key, &t.Description, &status, &deps, &t.Tool,
			&input, &result, &t.Error, &code, &t.RetryCount, &t.Position, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		t.Status = mission.TaskStatus(status)
		t.ErrorCode = mission.ErrorCode(code)
		if err := codec.UnmarshalFromString(deps, &t.DependsOn); err != nil {
			return nil, fmt.Errorf("decode dependencies of %s: %w", t.Key, err)
		}
		t.DependsOn = nonNil(t.DependsOn)
		t.Input = json.RawMessage(input)
		if result.Valid {
			t.Result = json.RawMessage(result.String)
		}
		if t.StartedAt, err = parseTimePtr(started); err != nil {
			return nil, err
		}
		if t.FinishedAt, err = parseTimePtr(finished); err != nil {
			return nil, err
		}
		i, ok := byID[t.PlanID]
		if !ok {
			return nil, fmt.Errorf("task %s references unknown plan %s", t.ID, t.PlanID)
		}
		plans[i].Tasks = append(plans[i].Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	snap.Plans = plans
	return snap, nil
}

func (s *SQLiteStore) loadPlans(ctx context.Context, missionID string) ([]mission.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, mission_id, revision, active, created_at FROM plans WHERE mission_id = ? ORDER BY revision`, missionID)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var plans []mission.Plan
	for rows.Next() {
		var p mission.Plan
		var active int
		var created string
		if err := rows.Scan(&p.ID, &p.MissionID, &p.Revision, &active, &created); err != nil {
			return nil, fmt.Errorf("scan plan row: %w", err)
		}
		p.Active = active != 0
		if p.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (s *SQLiteStore) LoadEvents(ctx context.Context, id string, after int64) ([]mission.Event, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM missions WHERE id = ?`, id).Scan(&n); err != nil {
		return nil, fmt.Errorf("check mission %s: %w", id, err)
	}
	if n == 0 {
		return nil, mission.Errorf(mission.CodeMissionNotFound, "sqlite.LoadEvents", "mission %s", id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT mission_id, sequence, type, payload, created_at
		FROM mission_events WHERE mission_id = ? AND sequence > ? ORDER BY sequence`, id, after)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []mission.Event{}
	for rows.Next() {
		var e mission.Event
		var typ, payload, created string
		if err := rows.Scan(&e.MissionID, &e.Sequence, &typ, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.Type = mission.EventType(typ)
		e.Payload = json.RawMessage(payload)
		if e.Timestamp, err = parseTime(created); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) ListMissions(ctx context.Context, f state.ListFilter) ([]mission.Mission, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + sqliteMissionColumns + ` FROM missions`)
	args := make([]interface{}, 0, len(f.Statuses))
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		sb.WriteString(` WHERE status IN (` + strings.Join(marks, ", ") + `)`)
	}
	sb.WriteString(` ORDER BY created_at, id`)
	if f.Limit > 0 {
		fmt.Fprintf(&sb, ` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query missions: %w", err)
	}
	defer rows.Close()

	out := []mission.Mission{}
	for rows.Next() {
		m, err := scanSQLiteMission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mission row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
