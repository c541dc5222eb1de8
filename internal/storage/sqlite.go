package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	department_id TEXT NOT NULL,
	status TEXT NOT NULL,
	version INTEGER NOT NULL,
	data TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_waiting_conversation
	ON queue_entries(conversation_id) WHERE status = 'waiting';
CREATE INDEX IF NOT EXISTS idx_entries_department ON queue_entries(department_id, status);
CREATE INDEX IF NOT EXISTS idx_entries_conversation ON queue_entries(conversation_id, seq);

CREATE TABLE IF NOT EXISTS queue_rules (
	department_id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agent_availability (
	agent_id TEXT PRIMARY KEY,
	current_status TEXT NOT NULL,
	previous_status TEXT NOT NULL DEFAULT '',
	max_conversations INTEGER NOT NULL,
	current_conversations_count INTEGER NOT NULL DEFAULT 0,
	available_departments TEXT NOT NULL DEFAULT '[]',
	preferred_categories TEXT NOT NULL DEFAULT '[]',
	auto_accept_conversations INTEGER NOT NULL DEFAULT 0,
	accept_transfers INTEGER NOT NULL DEFAULT 0,
	break_reason TEXT NOT NULL DEFAULT '',
	break_started_at TEXT,
	last_status_change_at TEXT NOT NULL,
	last_activity_at TEXT NOT NULL,
	CHECK (current_conversations_count >= 0)
);

CREATE TABLE IF NOT EXISTS notification_intents (
	id TEXT PRIMARY KEY,
	queue_entry_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	notification_type TEXT NOT NULL,
	queue_position INTEGER NOT NULL,
	estimated_wait_minutes INTEGER,
	agent_id TEXT NOT NULL DEFAULT '',
	department_id TEXT NOT NULL,
	scheduled_at TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_intents_status ON notification_intents(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_intents_entry ON notification_intents(queue_entry_id);
`

const agentColumns = `agent_id, current_status, previous_status, max_conversations,
	current_conversations_count, available_departments, preferred_categories,
	auto_accept_conversations, accept_transfers, break_reason, break_started_at,
	last_status_change_at, last_activity_at`

const intentColumns = `id, queue_entry_id, conversation_id, notification_type, queue_position,
	estimated_wait_minutes, agent_id, department_id, scheduled_at, status, error_message, updated_at`

// SQLiteStore implements Store on a single SQLite database file
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (and creates) the database at path and applies the schema
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// One writer at a time; busy_timeout covers readers racing the writer.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("SQLite store initialized")
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateEntry(ctx context.Context, e *types.QueueEntry) error {
	stored := e.Clone()
	stored.Version = 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue_entries (id, conversation_id, department_id, status, version, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.ConversationID, stored.DepartmentID, stored.Status, stored.Version, string(data))
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			existing, lookupErr := s.waitingEntryID(ctx, e.ConversationID)
			if lookupErr == nil {
				return &types.DuplicateEntryError{ConversationID: e.ConversationID, EntryID: existing}
			}
			return fmt.Errorf("entry %s: %w", e.ID, types.ErrConflict)
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	e.Version = stored.Version
	return nil
}

func (s *SQLiteStore) waitingEntryID(ctx context.Context, conversationID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM queue_entries WHERE conversation_id = ? AND status = 'waiting'`,
		conversationID).Scan(&id)
	return id, err
}

func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (*types.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM queue_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", id, types.ErrNotFound)
	}
	return e, err
}

func (s *SQLiteStore) LatestEntryForConversation(ctx context.Context, conversationID string) (*types.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM queue_entries WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1`,
		conversationID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, types.ErrNotFound)
	}
	return e, err
}

func (s *SQLiteStore) UpdateEntry(ctx context.Context, e *types.QueueEntry) error {
	next := e.Clone()
	next.Version = e.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET department_id = ?, status = ?, version = ?, data = ?
		 WHERE id = ? AND version = ? AND conversation_id = ?`,
		next.DepartmentID, next.Status, next.Version, string(data), e.ID, e.Version, e.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	if n == 0 {
		if _, err := s.GetEntry(ctx, e.ID); err != nil {
			return err
		}
		return fmt.Errorf("entry %s at version %d: %w", e.ID, e.Version, types.ErrConflict)
	}
	e.Version = next.Version
	return nil
}

func (s *SQLiteStore) ListWaiting(ctx context.Context, departmentID string) ([]*types.QueueEntry, error) {
	return s.queryEntries(ctx,
		`SELECT data FROM queue_entries WHERE department_id = ? AND status = 'waiting' ORDER BY id`,
		departmentID)
}

func (s *SQLiteStore) ListActiveForConversation(ctx context.Context, conversationID string) ([]*types.QueueEntry, error) {
	entries, err := s.queryEntries(ctx,
		`SELECT data FROM queue_entries
		 WHERE conversation_id = ? AND status IN ('waiting', 'assigned') ORDER BY seq`,
		conversationID)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Status == types.EntryStatusWaiting || e.HoldsSlot() {
			out = append(out, e)
		}
	}
	sortByEntered(out)
	return out, nil
}

// ListSlotHolders reads the agent id out of the JSON document; the assigned
// set is small compared to the whole table.
func (s *SQLiteStore) ListSlotHolders(ctx context.Context, agentID string) ([]*types.QueueEntry, error) {
	entries, err := s.queryEntries(ctx,
		`SELECT data FROM queue_entries
		 WHERE status = 'assigned' AND json_extract(data, '$.assignedAgentId') = ? ORDER BY seq`,
		agentID)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.HoldsSlot() {
			out = append(out, e)
		}
	}
	sortByAssigned(out)
	return out, nil
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]*types.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []*types.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) WaitingDepartments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT department_id FROM queue_entries WHERE status = 'waiting' ORDER BY department_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query departments: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var dept string
		if err := rows.Scan(&dept); err != nil {
			return nil, err
		}
		out = append(out, dept)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutRule(ctx context.Context, rule types.QueueRule) error {
	data, err := json.Marshal(rule.Normalize())
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue_rules (department_id, data) VALUES (?, ?)
		 ON CONFLICT(department_id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		rule.DepartmentID, string(data))
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRules(ctx context.Context) ([]types.QueueRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM queue_rules ORDER BY department_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []types.QueueRule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rule types.QueueRule
		if err := json.Unmarshal([]byte(data), &rule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule: %w", err)
		}
		out = append(out, rule.Normalize())
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutAgent(ctx context.Context, a *types.AgentAvailability) error {
	departments, err := json.Marshal(nonNil(a.AvailableDepartments))
	if err != nil {
		return err
	}
	categories, err := json.Marshal(nonNil(a.PreferredCategories))
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_availability (`+agentColumns+`)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			current_status = excluded.current_status,
			previous_status = excluded.previous_status,
			max_conversations = excluded.max_conversations,
			available_departments = excluded.available_departments,
			preferred_categories = excluded.preferred_categories,
			auto_accept_conversations = excluded.auto_accept_conversations,
			accept_transfers = excluded.accept_transfers,
			break_reason = excluded.break_reason,
			break_started_at = excluded.break_started_at,
			last_status_change_at = excluded.last_status_change_at,
			last_activity_at = excluded.last_activity_at
		WHERE agent_availability.current_conversations_count <= excluded.max_conversations`,
		a.AgentID, a.CurrentStatus, a.PreviousStatus, a.MaxConversations,
		string(departments), string(categories), a.AutoAcceptConversations, a.AcceptTransfers,
		a.BreakReason, nullTime(a.BreakStartedAt), formatTime(a.LastStatusChangeAt), formatTime(a.LastActivityAt))
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s holds more conversations than max %d: %w", a.AgentID, a.MaxConversations, types.ErrConflict)
	}

	stored, err := s.GetAgent(ctx, a.AgentID)
	if err != nil {
		return err
	}
	a.CurrentConversationsCount = stored.CurrentConversationsCount
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*types.AgentAvailability, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agent_availability WHERE agent_id = ?`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, types.ErrUnknownAgent)
	}
	return a, err
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*types.AgentAvailability, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agent_availability ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var out []*types.AgentAvailability
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetAgentStatus(ctx context.Context, agentID string, status types.AgentStatus, reason string, now time.Time) (*types.AgentAvailability, error) {
	var breakReason string
	var breakStarted sql.NullString
	if status == types.AgentBreak {
		breakReason = reason
		breakStarted = nullTime(&now)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_availability SET
			previous_status = current_status,
			current_status = ?,
			break_reason = ?,
			break_started_at = ?,
			last_status_change_at = ?,
			last_activity_at = ?
		WHERE agent_id = ?`,
		status, breakReason, breakStarted, formatTime(now), formatTime(now), agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to update agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("agent %s: %w", agentID, types.ErrUnknownAgent)
	}
	return s.GetAgent(ctx, agentID)
}

func (s *SQLiteStore) ReserveSlot(ctx context.Context, agentID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_availability
		SET current_conversations_count = current_conversations_count + 1, last_activity_at = ?
		WHERE agent_id = ? AND current_status = 'online'
			AND current_conversations_count < max_conversations`,
		formatTime(now), agentID)
	if err != nil {
		return false, fmt.Errorf("failed to reserve slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to reserve slot: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) ReleaseSlot(ctx context.Context, agentID string, now time.Time) (*types.AgentAvailability, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_availability
		SET current_conversations_count = MAX(current_conversations_count - 1, 0), last_activity_at = ?
		WHERE agent_id = ?`,
		formatTime(now), agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to release slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("agent %s: %w", agentID, types.ErrUnknownAgent)
	}
	return s.GetAgent(ctx, agentID)
}

func (s *SQLiteStore) CreateIntent(ctx context.Context, n *types.NotificationIntent) (bool, error) {
	var wait sql.NullInt64
	if n.EstimatedWaitMinutes != nil {
		wait = sql.NullInt64{Int64: int64(*n.EstimatedWaitMinutes), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_intents (`+intentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		n.ID, n.QueueEntryID, n.ConversationID, n.NotificationType, n.QueuePositionAtTime, wait,
		n.AgentID, n.DepartmentID, formatTime(n.ScheduledAt), n.Status, n.ErrorMessage, formatTime(n.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert intent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert intent: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) ListPendingIntents(ctx context.Context, limit int) ([]*types.NotificationIntent, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryIntents(ctx,
		`SELECT `+intentColumns+` FROM notification_intents WHERE status = 'pending' ORDER BY rowid LIMIT ?`, limit)
}

func (s *SQLiteStore) ListIntentsForEntry(ctx context.Context, entryID string) ([]*types.NotificationIntent, error) {
	return s.queryIntents(ctx,
		`SELECT `+intentColumns+` FROM notification_intents WHERE queue_entry_id = ? ORDER BY rowid`, entryID)
}

func (s *SQLiteStore) queryIntents(ctx context.Context, query string, args ...any) ([]*types.NotificationIntent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query intents: %w", err)
	}
	defer rows.Close()

	var out []*types.NotificationIntent
	for rows.Next() {
		var n types.NotificationIntent
		var wait sql.NullInt64
		var scheduled, updated string
		if err := rows.Scan(&n.ID, &n.QueueEntryID, &n.ConversationID, &n.NotificationType,
			&n.QueuePositionAtTime, &wait, &n.AgentID, &n.DepartmentID, &scheduled,
			&n.Status, &n.ErrorMessage, &updated); err != nil {
			return nil, err
		}
		if wait.Valid {
			w := int(wait.Int64)
			n.EstimatedWaitMinutes = &w
		}
		if n.ScheduledAt, err = parseTime(scheduled); err != nil {
			return nil, err
		}
		if n.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkIntent(ctx context.Context, intentID string, status types.IntentStatus, errorMessage string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_intents SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errorMessage, formatTime(now), intentID)
	if err != nil {
		return fmt.Errorf("failed to update intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("intent %s: %w", intentID, types.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*types.QueueEntry, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var e types.QueueEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &e, nil
}

func scanAgent(row rowScanner) (*types.AgentAvailability, error) {
	var a types.AgentAvailability
	var departments, categories, statusChange, activity string
	var breakStarted sql.NullString
	if err := row.Scan(&a.AgentID, &a.CurrentStatus, &a.PreviousStatus, &a.MaxConversations,
		&a.CurrentConversationsCount, &departments, &categories, &a.AutoAcceptConversations,
		&a.AcceptTransfers, &a.BreakReason, &breakStarted, &statusChange, &activity); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(departments), &a.AvailableDepartments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal departments: %w", err)
	}
	if err := json.Unmarshal([]byte(categories), &a.PreferredCategories); err != nil {
		return nil, fmt.Errorf("failed to unmarshal categories: %w", err)
	}
	var err error
	if a.LastStatusChangeAt, err = parseTime(statusChange); err != nil {
		return nil, err
	}
	if a.LastActivityAt, err = parseTime(activity); err != nil {
		return nil, err
	}
	if breakStarted.Valid {
		t, err := parseTime(breakStarted.String)
		if err != nil {
			return nil, err
		}
		a.BreakStartedAt = &t
	}
	return &a, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
