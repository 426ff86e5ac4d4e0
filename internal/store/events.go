package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

// SaveEvent is insert-or-replace on id; events are never partially merged.
func (s *Store) SaveEvent(e *models.Event) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO events (
				id, session_id, timestamp, hook_type, tool_name, tool_input,
				tool_result, category, severity, file_paths, commands, urls,
				ip_addresses, processed, enriched, raw_payload
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), e.SessionID, fmtTime(e.Timestamp), string(e.HookType),
			nullable(e.ToolName), marshalJSON(e.ToolInput, "null"),
			marshalJSON(e.ToolResult, "null"), string(e.Category), string(e.Severity),
			marshalJSON(e.FilePaths, "[]"), marshalJSON(e.Commands, "[]"),
			marshalJSON(e.URLs, "[]"), marshalJSON(e.IPAddresses, "[]"),
			boolInt(e.Processed), boolInt(e.Enriched),
			marshalJSON(e.RawPayload, "null"),
		)
		if err != nil {
			return fmt.Errorf("save event %s: %w", e.ID, err)
		}
		return nil
	})
}

// GetEventByID looks up one event.
func (s *Store) GetEventByID(id uuid.UUID) (*models.Event, error) {
	row := s.db.QueryRow(eventSelect+` WHERE id = ?`, id.String())
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// EventFilter narrows event queries.
type EventFilter struct {
	SessionID string
	Category  string
	Severity  string
	ToolName  string
	HookType  string
	Processed *bool
	FromDate  *time.Time
	ToDate    *time.Time
}

func (f EventFilter) clause() (string, []any) {
	where := " WHERE 1=1"
	args := []any{}
	if f.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Category != "" {
		where += " AND category = ?"
		args = append(args, f.Category)
	}
	if f.Severity != "" {
		where += " AND severity = ?"
		args = append(args, f.Severity)
	}
	if f.ToolName != "" {
		where += " AND tool_name = ?"
		args = append(args, f.ToolName)
	}
	if f.HookType != "" {
		where += " AND hook_type = ?"
		args = append(args, f.HookType)
	}
	if f.Processed != nil {
		where += " AND processed = ?"
		args = append(args, boolInt(*f.Processed))
	}
	if f.FromDate != nil {
		where += " AND timestamp >= ?"
		args = append(args, fmtTime(*f.FromDate))
	}
	if f.ToDate != nil {
		where += " AND timestamp <= ?"
		args = append(args, fmtTime(*f.ToDate))
	}
	return where, args
}

// GetEvents returns up to limit events newest first.
func (s *Store) GetEvents(f EventFilter, limit int) ([]*models.Event, error) {
	where, args := f.clause()
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := s.db.Query(eventSelect+where+" ORDER BY timestamp DESC LIMIT ?", args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// GetEventsPaginated returns one page of events newest first, plus the
// unpaginated total.
func (s *Store) GetEventsPaginated(page, pageSize int, f EventFilter) ([]*models.Event, int, error) {
	where, args := f.clause()

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.db.Query(eventSelect+where+" ORDER BY timestamp DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	events, err := collectEvents(rows)
	return events, total, err
}

// GetEventCount counts events matching the filter.
func (s *Store) GetEventCount(f EventFilter) (int, error) {
	where, args := f.clause()
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// GetEventsBefore returns the limit most recent events of a session at or
// before the cutoff, in chronological order. Used for alert context.
func (s *Store) GetEventsBefore(sessionID string, before time.Time, limit int) ([]*models.Event, error) {
	rows, err := s.db.Query(
		eventSelect+` WHERE session_id = ? AND timestamp <= ? ORDER BY timestamp DESC LIMIT ?`,
		sessionID, fmtTime(before), limit)
	if err != nil {
		return nil, fmt.Errorf("query events before: %w", err)
	}
	defer rows.Close()
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

const eventSelect = `
	SELECT id, session_id, timestamp, hook_type, tool_name, tool_input,
	       tool_result, category, severity, file_paths, commands, urls,
	       ip_addresses, processed, enriched, raw_payload
	FROM events`

func scanEvent(row rowScanner) (*models.Event, error) {
	var e models.Event
	var id, timestamp, hookType, category, severity string
	var toolName, toolInput, toolResult, rawPayload sql.NullString
	var filePaths, commands, urls, ips string
	var processed, enriched int
	err := row.Scan(&id, &e.SessionID, &timestamp, &hookType, &toolName,
		&toolInput, &toolResult, &category, &severity, &filePaths, &commands,
		&urls, &ips, &processed, &enriched, &rawPayload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.ID, _ = uuid.Parse(id)
	e.Timestamp = parseTime(timestamp)
	e.HookType = models.HookType(hookType)
	e.ToolName = toolName.String
	e.ToolInput = unmarshalMap(toolInput.String)
	e.ToolResult = unmarshalMap(toolResult.String)
	e.Category = models.EventCategory(category)
	e.Severity = models.Severity(severity)
	e.FilePaths = unmarshalStrings(filePaths)
	e.Commands = unmarshalStrings(commands)
	e.URLs = unmarshalStrings(urls)
	e.IPAddresses = unmarshalStrings(ips)
	e.Processed = processed == 1
	e.Enriched = enriched == 1
	e.RawPayload = unmarshalMap(rawPayload.String)
	return &e, nil
}

func collectEvents(rows *sql.Rows) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
