package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/state"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides a PostgreSQL implementation of state.Repository.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ state.Repository = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Payload and task input columns use json rather than jsonb so the bytes
// read back are exactly the bytes written.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS missions (
    id               TEXT PRIMARY KEY,
    objective        TEXT NOT NULL,
    owner_id         TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    replan_count     INTEGER NOT NULL DEFAULT 0,
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    failure_reason   TEXT NOT NULL DEFAULT '',
    last_error       TEXT NOT NULL DEFAULT '',
    last_sequence    BIGINT NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL,
    completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);

CREATE TABLE IF NOT EXISTS plans (
    id         TEXT PRIMARY KEY,
    mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
    revision   INTEGER NOT NULL,
    active     BOOLEAN NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (mission_id, revision)
);

CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    plan_id     TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
    mission_id  TEXT NOT NULL,
    key         TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    depends_on  TEXT[] NOT NULL,
    tool        TEXT NOT NULL,
    input       JSON NOT NULL,
    result      JSON,
    error       TEXT NOT NULL DEFAULT '',
    error_code  TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    position    INTEGER NOT NULL,
    started_at  TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    UNIQUE (plan_id, key)
);

CREATE TABLE IF NOT EXISTS mission_events (
    mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
    sequence   BIGINT NOT NULL,
    type       TEXT NOT NULL,
    payload    JSON NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (mission_id, sequence)
);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const sqlInsertMission = `
        INSERT INTO missions (id, objective, owner_id, status, replan_count, cancel_requested, failure_reason, last_error, last_sequence, created_at, updated_at, completed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
    `

func (s *Store) CreateMission(ctx context.Context, m mission.Mission) error {
	_, err := s.pool.Exec(ctx, sqlInsertMission,
		m.ID, m.Objective, m.OwnerID, string(m.Status), m.ReplanCount, m.CancelRequested,
		m.FailureReason, m.LastError, m.LastSequence, m.CreatedAt.UTC(), m.UpdatedAt.UTC(), utcPtr(m.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert mission %s: %w", m.ID, err)
	}
	return nil
}

// The mission update is guarded by the sequence the commit builds on, which
// rejects both gaps and a concurrent writer that got there first.
const sqlUpdateMission = `
        UPDATE missions SET
            status = $2, replan_count = $3, cancel_requested = $4, failure_reason = $5,
            last_error = $6, last_sequence = $7, updated_at = $8, completed_at = $9
        WHERE id = $1 AND last_sequence = $10;
    `

const sqlDeactivatePlans = `UPDATE plans SET active = FALSE WHERE mission_id = $1 AND active;`

const sqlInsertPlan = `
        INSERT INTO plans (id, mission_id, revision, active, created_at)
        VALUES ($1, $2, $3, $4, $5);
    `

const sqlUpdateTask = `
        UPDATE tasks SET
            status = $3, result = $4, error = $5, error_code = $6, retry_count = $7,
            started_at = $8, finished_at = $9
        WHERE plan_id = $1 AND key = $2;
    `

var (
	taskColumns  = []string{"id", "plan_id", "mission_id", "key", "description", "status", "depends_on", "tool", "input", "result", "error", "error_code", "retry_count", "position", "started_at", "finished_at"}
	eventColumns = []string{"mission_id", "sequence", "type", "payload", "created_at"}
)

// Commit applies one State Manager transition in a single transaction.
func (s *Store) Commit(ctx context.Context, c *state.Commit) error {
	m := c.Mission
	prevSeq := m.LastSequence - int64(len(c.Events))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	tag, err := tx.Exec(ctx, sqlUpdateMission,
		m.ID, string(m.Status), m.ReplanCount, m.CancelRequested, m.FailureReason,
		m.LastError, m.LastSequence, m.UpdatedAt.UTC(), utcPtr(m.CompletedAt), prevSeq,
	)
	if err != nil {
		return fmt.Errorf("failed to update mission %s: %w", m.ID, err)
	}
	if tag.RowsAffected() != 1 {
		return mission.Errorf(mission.CodeInvalidTransition, "store.Commit", "mission %s is missing or not at sequence %d", m.ID, prevSeq)
	}

	if c.NewPlan != nil {
		if err := s.insertPlan(ctx, tx, c.NewPlan); err != nil {
			return err
		}
	}
	if len(c.Tasks) > 0 {
		if err := s.updateTasks(ctx, tx, c.Tasks); err != nil {
			return err
		}
	}
	if len(c.Events) > 0 {
		if err := s.appendEvents(ctx, tx, c.Events); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) insertPlan(ctx context.Context, tx pgx.Tx, p *mission.Plan) error {
	if _, err := tx.Exec(ctx, sqlDeactivatePlans, p.MissionID); err != nil {
		return fmt.Errorf("failed to deactivate previous plans: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlInsertPlan, p.ID, p.MissionID, p.Revision, p.Active, p.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert plan revision %d: %w", p.Revision, err)
	}

	rows := make([][]interface{}, len(p.Tasks))
	for i, t := range p.Tasks {
		rows[i] = []interface{}{
			t.ID, t.PlanID, t.MissionID, t.Key, t.Description, string(t.Status),
			nonNil(t.DependsOn), t.Tool, jsonOrEmpty(t.Input), nullableJSON(t.Result),
			t.Error, string(t.ErrorCode), t.RetryCount, t.Position,
			utcPtr(t.StartedAt), utcPtr(t.FinishedAt),
		}
	}
	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"tasks"}, taskColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy tasks: %w", err)
	}
	if int(copyCount) != len(p.Tasks) {
		return fmt.Errorf("mismatch in copied tasks count: expected %d, got %d", len(p.Tasks), copyCount)
	}
	return nil
}

func (s *Store) updateTasks(ctx context.Context, tx pgx.Tx, tasks []mission.Task) error {
	batch := &pgx.Batch{}
	for _, t := range tasks {
		batch.Queue(sqlUpdateTask,
			t.PlanID, t.Key, string(t.Status), nullableJSON(t.Result), t.Error, string(t.ErrorCode),
			t.RetryCount, utcPtr(t.StartedAt), utcPtr(t.FinishedAt),
		)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for _, t := range tasks {
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("failed to update task %s: %w", t.Key, err)
		}
		if tag.RowsAffected() != 1 {
			return mission.Errorf(mission.CodeInvalidTransition, "store.Commit", "task %s/%s does not exist", t.PlanID, t.Key)
		}
	}
	return nil
}

func (s *Store) appendEvents(ctx context.Context, tx pgx.Tx, events []mission.Event) error {
	rows := make([][]interface{}, len(events))
	for i, e := range events {
		rows[i] = []interface{}{e.MissionID, e.Sequence, string(e.Type), jsonOrEmpty(e.Payload), e.Timestamp.UTC()}
	}
	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"mission_events"}, eventColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy events: %w", err)
	}
	if int(copyCount) != len(events) {
		return fmt.Errorf("mismatch in copied events count: expected %d, got %d", len(events), copyCount)
	}
	return nil
}

const missionColumns = `id, objective, owner_id, status, replan_count, cancel_requested, failure_reason, last_error, last_sequence, created_at, updated_at, completed_at`

func scanMission(row pgx.Row) (mission.Mission, error) {
	var m mission.Mission
	var status string
	err := row.Scan(&m.ID, &m.Objective, &m.OwnerID, &status, &m.ReplanCount, &m.CancelRequested,
		&m.FailureReason, &m.LastError, &m.LastSequence, &m.CreatedAt, &m.UpdatedAt, &m.CompletedAt)
	if err != nil {
		return m, err
	}
	m.Status = mission.MissionStatus(status)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	m.CompletedAt = utcPtr(m.CompletedAt)
	return m, nil
}

// LoadMission returns the mission with every plan revision and its tasks.
func (s *Store) LoadMission(ctx context.Context, id string) (*mission.Snapshot, error) {
	m, err := scanMission(s.pool.QueryRow(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = $1;`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mission.Errorf(mission.CodeMissionNotFound, "store.LoadMission", "mission %s", id)
		}
		return nil, fmt.Errorf("failed to load mission %s: %w", id, err)
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

	rows, err := s.pool.Query(ctx, `
        SELECT t.id, t.plan_id, t.mission_id, t.key, t.description, t.status, t.depends_on, t.tool, t.input, t.result,
               t.error, t.error_code, t.retry_count, t.position, t.started_at, t.finished_at
        FROM tasks t
        WHERE t.mission_id = $1
        ORDER BY t.plan_id, t.position ASC;
    `, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t mission.Task
		var status, code string
		var input, result []byte
		err := rows.Scan(&t.ID, &t.PlanID, &t.MissionID, &t.Key, &t.Description, &status, &t.DependsOn, &t.Tool,
			&input, &result, &t.Error, &code, &t.RetryCount, &t.Position, &t.StartedAt, &t.FinishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		t.Status = mission.TaskStatus(status)
		t.ErrorCode = mission.ErrorCode(code)
		t.DependsOn = nonNil(t.DependsOn)
		t.Input = json.RawMessage(input)
		if result != nil {
			t.Result = json.RawMessage(result)
		}
		t.StartedAt = utcPtr(t.StartedAt)
		t.FinishedAt = utcPtr(t.FinishedAt)

		i, ok := byID[t.PlanID]
		if !ok {
			return nil, fmt.Errorf("task %s references unknown plan %s", t.ID, t.PlanID)
		}
		plans[i].Tasks = append(plans[i].Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	snap.Plans = plans
	return snap, nil
}

func (s *Store) loadPlans(ctx context.Context, missionID string) ([]mission.Plan, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, mission_id, revision, active, created_at
        FROM plans
        WHERE mission_id = $1
        ORDER BY revision ASC;
    `, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var plans []mission.Plan
	for rows.Next() {
		var p mission.Plan
		if err := rows.Scan(&p.ID, &p.MissionID, &p.Revision, &p.Active, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan row: %w", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return plans, nil
}

// LoadEvents returns the events with sequence > after in ascending order.
func (s *Store) LoadEvents(ctx context.Context, id string, after int64) ([]mission.Event, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM missions WHERE id = $1);`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check mission %s: %w", id, err)
	}
	if !exists {
		return nil, mission.Errorf(mission.CodeMissionNotFound, "store.LoadEvents", "mission %s", id)
	}

	rows, err := s.pool.Query(ctx, `
        SELECT mission_id, sequence, type, payload, created_at
        FROM mission_events
        WHERE mission_id = $1 AND sequence > $2
        ORDER BY sequence ASC;
    `, id, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []mission.Event{}
	for rows.Next() {
		var e mission.Event
		var typ string
		var payload []byte
		if err := rows.Scan(&e.MissionID, &e.Sequence, &typ, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Type = mission.EventType(typ)
		e.Payload = json.RawMessage(payload)
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}

// ListMissions returns missions ordered by creation time.
func (s *Store) ListMissions(ctx context.Context, f state.ListFilter) ([]mission.Mission, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + missionColumns + ` FROM missions`)
	var args []interface{}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		sb.WriteString(` WHERE status = ANY($1)`)
	}
	sb.WriteString(` ORDER BY created_at ASC, id ASC`)
	if f.Limit > 0 {
		fmt.Fprintf(&sb, ` LIMIT %d`, f.Limit)
	}
	sb.WriteString(`;`)

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query missions: %w", err)
	}
	defer rows.Close()

	out := []mission.Mission{}
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mission row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// Close is a no-op; the pool is owned by whoever created it.
func (s *Store) Close() error { return nil }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func jsonOrEmpty(r json.RawMessage) json.RawMessage {
	if len(r) == 0 {
		return json.RawMessage("{}")
	}
	return r
}

// nullableJSON maps an absent result to SQL NULL.
func nullableJSON(r json.RawMessage) interface{} {
	if r == nil {
		return nil
	}
	return r
}
