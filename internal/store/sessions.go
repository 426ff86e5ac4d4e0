package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

// SaveSession upserts by external session id. On conflict only end time,
// status, and counters are updated; origin fields (cwd, parent, hostname,
// user, source) are set once and never overwritten.
func (s *Store) SaveSession(sess *models.Session) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO sessions (
				id, session_id, started_at, ended_at, cwd, parent_session_id,
				event_count, alert_count, risk_score, status,
				endpoint_hostname, endpoint_user, session_source
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				ended_at = excluded.ended_at,
				event_count = excluded.event_count,
				alert_count = excluded.alert_count,
				risk_score = excluded.risk_score,
				status = excluded.status`,
			sess.ID.String(), sess.SessionID, fmtTime(sess.StartedAt),
			fmtTimePtr(sess.EndedAt), nullable(sess.CWD), nullable(sess.ParentSessionID),
			sess.EventCount, sess.AlertCount, sess.RiskScore, sess.Status,
			nullable(sess.EndpointHostname), nullable(sess.EndpointUser),
			nullable(sess.SessionSource),
		)
		if err != nil {
			return fmt.Errorf("save session %s: %w", sess.SessionID, err)
		}
		return nil
	})
}

// GetSessionByID looks up a session by its external session id.
func (s *Store) GetSessionByID(sessionID string) (*models.Session, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sess, err
}

// EndSession marks a session ended now.
func (s *Store) EndSession(sessionID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE sessions SET ended_at = ?, status = 'ended' WHERE session_id = ?`,
			fmtTime(time.Now()), sessionID,
		)
		if err != nil {
			return fmt.Errorf("end session %s: %w", sessionID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// IncrementSessionEventCount bumps the event counter and reactivates the
// session: a late event on an "ended" session means it was not over.
func (s *Store) IncrementSessionEventCount(sessionID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE sessions SET event_count = event_count + 1, status = 'active', ended_at = NULL
			 WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("increment event count for %s: %w", sessionID, err)
		}
		return nil
	})
}

// IncrementSessionAlertCount bumps the alert counter.
func (s *Store) IncrementSessionAlertCount(sessionID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE sessions SET alert_count = alert_count + 1 WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("increment alert count for %s: %w", sessionID, err)
		}
		return nil
	})
}

// IncrementSessionRiskScore adds a content-risk delta to the session score.
// Callers never write absolute values.
func (s *Store) IncrementSessionRiskScore(sessionID string, delta int) error {
	if delta == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE sessions SET risk_score = risk_score + ? WHERE session_id = ?`,
			delta, sessionID)
		if err != nil {
			return fmt.Errorf("increment risk score for %s: %w", sessionID, err)
		}
		return nil
	})
}

// SessionFilter narrows paginated session queries.
type SessionFilter struct {
	Status   string
	Hostname string
	Username string
	Source   string
	FromDate *time.Time
	ToDate   *time.Time
}

// GetSessionsPaginated returns one page of sessions newest first, plus the
// unpaginated total for the same filter.
func (s *Store) GetSessionsPaginated(page, pageSize int, f SessionFilter) ([]*models.Session, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Hostname != "" {
		where += " AND endpoint_hostname = ?"
		args = append(args, f.Hostname)
	}
	if f.Username != "" {
		where += " AND endpoint_user = ?"
		args = append(args, f.Username)
	}
	if f.Source != "" {
		where += " AND COALESCE(session_source, 'claude_code') = ?"
		args = append(args, f.Source)
	}
	if f.FromDate != nil {
		where += " AND started_at >= ?"
		args = append(args, fmtTime(*f.FromDate))
	}
	if f.ToDate != nil {
		where += " AND started_at <= ?"
		args = append(args, fmtTime(*f.ToDate))
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	query := sessionSelect + where + " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// GetSessionCount counts sessions, optionally restricted to one status.
func (s *Store) GetSessionCount(status string) (int, error) {
	query := `SELECT COUNT(*) FROM sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

// SessionStats is the per-session breakdown used by the detail endpoint.
type SessionStats struct {
	EventsByCategory map[string]int `json:"events_by_category"`
	EventsBySeverity map[string]int `json:"events_by_severity"`
	AlertsBySeverity map[string]int `json:"alerts_by_severity"`
	FirstEventAt     *time.Time     `json:"first_event_at,omitempty"`
	LastEventAt      *time.Time     `json:"last_event_at,omitempty"`
}

// GetSessionStats aggregates per-category and per-severity counts for one
// session.
func (s *Store) GetSessionStats(sessionID string) (*SessionStats, error) {
	stats := &SessionStats{
		EventsByCategory: map[string]int{},
		EventsBySeverity: map[string]int{},
		AlertsBySeverity: map[string]int{},
	}

	if err := s.groupCount(
		`SELECT category, COUNT(*) FROM events WHERE session_id = ? GROUP BY category`,
		sessionID, stats.EventsByCategory); err != nil {
		return nil, err
	}
	if err := s.groupCount(
		`SELECT severity, COUNT(*) FROM events WHERE session_id = ? GROUP BY severity`,
		sessionID, stats.EventsBySeverity); err != nil {
		return nil, err
	}
	if err := s.groupCount(
		`SELECT severity, COUNT(*) FROM alerts WHERE session_id = ? GROUP BY severity`,
		sessionID, stats.AlertsBySeverity); err != nil {
		return nil, err
	}

	var first, last sql.NullString
	err := s.db.QueryRow(
		`SELECT MIN(timestamp), MAX(timestamp) FROM events WHERE session_id = ?`,
		sessionID).Scan(&first, &last)
	if err != nil {
		return nil, fmt.Errorf("session event bounds: %w", err)
	}
	stats.FirstEventAt = parseTimePtr(first)
	stats.LastEventAt = parseTimePtr(last)
	return stats, nil
}

// GetEventCountsBySession returns event totals for the given external
// session ids in one round-trip.
func (s *Store) GetEventCountsBySession(sessionIDs []string) (map[string]int, error) {
	return s.countsBySession("events", sessionIDs)
}

// GetAlertCountsBySession returns alert totals for the given external
// session ids in one round-trip.
func (s *Store) GetAlertCountsBySession(sessionIDs []string) (map[string]int, error) {
	return s.countsBySession("alerts", sessionIDs)
}

func (s *Store) countsBySession(table string, sessionIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return counts, nil
	}
	placeholders := strings.Repeat("?,", len(sessionIDs)-1) + "?"
	args := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		args[i] = id
	}
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT session_id, COUNT(*) FROM %s WHERE session_id IN (%s) GROUP BY session_id`,
			table, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("count %s by session: %w", table, err)
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

// CleanupStaleSessions ends every active session whose latest event is older
// than the threshold, or whose start is older when it has no events at all.
// Returns the number of sessions closed. Safe to run alongside ingestion:
// a racing IncrementSessionEventCount simply reactivates the session.
func (s *Store) CleanupStaleSessions(inactiveMinutes int) (int, error) {
	cutoff := fmtTime(time.Now().Add(-time.Duration(inactiveMinutes) * time.Minute))
	var closed int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE sessions SET status = 'ended', ended_at = ?
			WHERE status = 'active' AND (
				session_id IN (
					SELECT session_id FROM events GROUP BY session_id HAVING MAX(timestamp) < ?
				)
				OR (
					session_id NOT IN (SELECT DISTINCT session_id FROM events)
					AND started_at < ?
				)
			)`, fmtTime(time.Now()), cutoff, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup stale sessions: %w", err)
		}
		closed, _ = res.RowsAffected()
		return nil
	})
	return int(closed), err
}

const sessionSelect = `
	SELECT id, session_id, started_at, ended_at, cwd, parent_session_id,
	       event_count, alert_count, risk_score, status,
	       endpoint_hostname, endpoint_user, session_source
	FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var id, startedAt string
	var endedAt, cwd, parent, hostname, user, source sql.NullString
	err := row.Scan(&id, &sess.SessionID, &startedAt, &endedAt, &cwd, &parent,
		&sess.EventCount, &sess.AlertCount, &sess.RiskScore, &sess.Status,
		&hostname, &user, &source)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.ID, _ = uuid.Parse(id)
	sess.StartedAt = parseTime(startedAt)
	sess.EndedAt = parseTimePtr(endedAt)
	sess.CWD = cwd.String
	sess.ParentSessionID = parent.String
	sess.EndpointHostname = hostname.String
	sess.EndpointUser = user.String
	sess.SessionSource = source.String
	return &sess, nil
}

func (s *Store) groupCount(query string, arg any, into map[string]int) error {
	rows, err := s.db.Query(query, arg)
	if err != nil {
		return fmt.Errorf("group count: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
