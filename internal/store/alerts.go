package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

// allowedAlertColumns is the closed set of columns UpdateAlert may patch.
// This is the only place string-derived SQL fragments are emitted.
var allowedAlertColumns = map[string]bool{
	"status":       true,
	"action_taken": true,
	"assigned_to":  true,
	"tags":         true,
	"metadata":     true,
}

// SaveAlert upserts by id. The conflict branch updates triage state only;
// the originating rule's identity fields are immutable.
func (s *Store) SaveAlert(a *models.Alert) error {
	var policyID any
	if a.PolicyID != nil {
		policyID = a.PolicyID.String()
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO alerts (
				id, session_id, created_at, updated_at, title, description,
				severity, category, status, policy_id, event_ids, evidence,
				blocked, action_taken, assigned_to, tags, metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				updated_at = excluded.updated_at,
				status = excluded.status,
				assigned_to = excluded.assigned_to,
				action_taken = excluded.action_taken,
				evidence = excluded.evidence,
				tags = excluded.tags,
				metadata = excluded.metadata`,
			a.ID.String(), a.SessionID, fmtTime(a.CreatedAt), fmtTime(time.Now()),
			a.Title, a.Description, string(a.Severity), string(a.Category),
			string(a.Status), policyID, marshalUUIDs(a.EventIDs),
			marshalJSON(a.Evidence, "[]"), boolInt(a.Blocked),
			nullable(a.ActionTaken), nullable(a.AssignedTo),
			marshalJSON(a.Tags, "[]"), marshalJSON(a.Metadata, "null"),
		)
		if err != nil {
			return fmt.Errorf("save alert %s: %w", a.ID, err)
		}
		return nil
	})
}

// GetAlertByID looks up one alert.
func (s *Store) GetAlertByID(id uuid.UUID) (*models.Alert, error) {
	row := s.db.QueryRow(alertSelect+` WHERE id = ?`, id.String())
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// AlertFilter narrows alert queries.
type AlertFilter struct {
	SessionID string
	Status    string
	Severity  string
	PolicyID  string
	Blocked   *bool
	FromDate  *time.Time
	ToDate    *time.Time
}

func (f AlertFilter) clause() (string, []any) {
	where := " WHERE 1=1"
	args := []any{}
	if f.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		where += " AND severity = ?"
		args = append(args, f.Severity)
	}
	if f.PolicyID != "" {
		where += " AND policy_id = ?"
		args = append(args, f.PolicyID)
	}
	if f.Blocked != nil {
		where += " AND blocked = ?"
		args = append(args, boolInt(*f.Blocked))
	}
	if f.FromDate != nil {
		where += " AND created_at >= ?"
		args = append(args, fmtTime(*f.FromDate))
	}
	if f.ToDate != nil {
		where += " AND created_at <= ?"
		args = append(args, fmtTime(*f.ToDate))
	}
	return where, args
}

// GetAlerts returns up to limit alerts newest first.
func (s *Store) GetAlerts(f AlertFilter, limit int) ([]*models.Alert, error) {
	where, args := f.clause()
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := s.db.Query(alertSelect+where+" ORDER BY created_at DESC LIMIT ?", args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// GetAlertsPaginated returns one page of alerts newest first, plus the
// unpaginated total.
func (s *Store) GetAlertsPaginated(page, pageSize int, f AlertFilter) ([]*models.Alert, int, error) {
	where, args := f.clause()

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM alerts`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count alerts: %w", err)
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.db.Query(alertSelect+where+" ORDER BY created_at DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	alerts, err := collectAlerts(rows)
	return alerts, total, err
}

// GetAlertCount counts alerts matching the filter.
func (s *Store) GetAlertCount(f AlertFilter) (int, error) {
	where, args := f.clause()
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM alerts`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return count, nil
}

// UpdateAlert applies a column patch. Every key must be in the allowlist;
// anything else is an invalid-argument error.
func (s *Store) UpdateAlert(id uuid.UUID, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	set := "updated_at = ?"
	args := []any{fmtTime(time.Now())}
	for col, val := range patch {
		if !allowedAlertColumns[col] {
			return fmt.Errorf("%w: column %q is not updatable", ErrInvalidArgument, col)
		}
		set += ", " + col + " = ?"
		switch col {
		case "tags", "metadata":
			args = append(args, marshalJSON(val, "[]"))
		default:
			args = append(args, val)
		}
	}
	args = append(args, id.String())
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE alerts SET `+set+` WHERE id = ?`, args...)
		if err != nil {
			return fmt.Errorf("update alert %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetAlertCountsByPolicy returns alert hit counts grouped by policy id.
func (s *Store) GetAlertCountsByPolicy() (map[string]int, error) {
	counts := map[string]int{}
	rows, err := s.db.Query(
		`SELECT policy_id, COUNT(*) FROM alerts WHERE policy_id IS NOT NULL GROUP BY policy_id`)
	if err != nil {
		return nil, fmt.Errorf("count alerts by policy: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

const alertSelect = `
	SELECT id, session_id, created_at, updated_at, title, description,
	       severity, category, status, policy_id, event_ids, evidence,
	       blocked, action_taken, assigned_to, tags, metadata
	FROM alerts`

func scanAlert(row rowScanner) (*models.Alert, error) {
	var a models.Alert
	var id, createdAt, updatedAt, severity, category, status string
	var description, policyID, actionTaken, assignedTo, metadata sql.NullString
	var eventIDs, evidence, tags string
	var blocked int
	err := row.Scan(&id, &a.SessionID, &createdAt, &updatedAt, &a.Title,
		&description, &severity, &category, &status, &policyID, &eventIDs,
		&evidence, &blocked, &actionTaken, &assignedTo, &tags, &metadata)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.ID, _ = uuid.Parse(id)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	a.Description = description.String
	a.Severity = models.Severity(severity)
	a.Category = models.EventCategory(category)
	a.Status = models.AlertStatus(status)
	if policyID.Valid {
		if pid, err := uuid.Parse(policyID.String); err == nil {
			a.PolicyID = &pid
		}
	}
	a.EventIDs = unmarshalUUIDs(eventIDs)
	if err := json.Unmarshal([]byte(evidence), &a.Evidence); err != nil {
		a.Evidence = []models.AlertEvidence{}
	}
	a.Blocked = blocked == 1
	a.ActionTaken = actionTaken.String
	a.AssignedTo = assignedTo.String
	a.Tags = unmarshalStrings(tags)
	a.Metadata = unmarshalMap(metadata.String)
	return &a, nil
}

func collectAlerts(rows *sql.Rows) ([]*models.Alert, error) {
	var alerts []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func marshalUUIDs(ids []uuid.UUID) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	return marshalJSON(strs, "[]")
}

func unmarshalUUIDs(s string) []uuid.UUID {
	strs := unmarshalStrings(s)
	ids := make([]uuid.UUID, 0, len(strs))
	for _, str := range strs {
		if id, err := uuid.Parse(str); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
