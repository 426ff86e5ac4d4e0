package store

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

// maxTimelineBuckets caps the number of points a timeline response may
// carry; the interval auto-upgrades before the hard cut is applied.
const maxTimelineBuckets = 500

// DashboardStats is the full dashboard payload.
type DashboardStats struct {
	TotalSessions    int              `json:"total_sessions"`
	ActiveSessions   int              `json:"active_sessions"`
	TotalEvents      int              `json:"total_events"`
	TotalAlerts      int              `json:"total_alerts"`
	NewAlerts        int              `json:"new_alerts"`
	BlockedActions   int              `json:"blocked_actions"`
	AlertsBySeverity map[string]int   `json:"alerts_by_severity"`
	EventsByCategory map[string]int   `json:"events_by_category"`
	RecentAlerts     []*models.Alert  `json:"recent_alerts"`
	RecentEvents     []*models.Event  `json:"recent_events"`
	SessionsBySource map[string]int   `json:"sessions_by_source"`
}

// GetDashboardStats aggregates the dashboard payload for the window. An
// endpoint filter first resolves that hostname's session ids and restricts
// every aggregation to them, returning all zeros when none exist.
func (s *Store) GetDashboardStats(from, to *time.Time, endpoint string) (*DashboardStats, error) {
	stats := &DashboardStats{
		AlertsBySeverity: zeroSeverities(),
		EventsByCategory: zeroCategories(),
		RecentAlerts:     []*models.Alert{},
		RecentEvents:     []*models.Event{},
		SessionsBySource: map[string]int{},
	}

	var sessionIDs []string
	if endpoint != "" {
		ids, err := s.sessionIDsForEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return stats, nil
		}
		sessionIDs = ids
	}

	sessWhere, sessArgs := scopeClause("session_id", sessionIDs, "started_at", from, to)
	evWhere, evArgs := scopeClause("session_id", sessionIDs, "timestamp", from, to)
	alWhere, alArgs := scopeClause("session_id", sessionIDs, "created_at", from, to)

	counts := []struct {
		dest  *int
		query string
		args  []any
	}{
		{&stats.TotalSessions, `SELECT COUNT(*) FROM sessions` + sessWhere, sessArgs},
		{&stats.ActiveSessions, `SELECT COUNT(*) FROM sessions` + sessWhere + ` AND status = 'active'`, sessArgs},
		{&stats.TotalEvents, `SELECT COUNT(*) FROM events` + evWhere, evArgs},
		{&stats.TotalAlerts, `SELECT COUNT(*) FROM alerts` + alWhere, alArgs},
		{&stats.NewAlerts, `SELECT COUNT(*) FROM alerts` + alWhere + ` AND status = 'new'`, alArgs},
		{&stats.BlockedActions, `SELECT COUNT(*) FROM alerts` + alWhere + ` AND blocked = 1`, alArgs},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query, c.args...).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("dashboard count: %w", err)
		}
	}

	if err := s.groupCountArgs(
		`SELECT severity, COUNT(*) FROM alerts`+alWhere+` GROUP BY severity`,
		alArgs, stats.AlertsBySeverity); err != nil {
		return nil, err
	}
	if err := s.groupCountArgs(
		`SELECT category, COUNT(*) FROM events`+evWhere+` GROUP BY category`,
		evArgs, stats.EventsByCategory); err != nil {
		return nil, err
	}
	if err := s.groupCountArgs(
		`SELECT COALESCE(session_source, 'claude_code'), COUNT(*) FROM sessions`+sessWhere+
			` GROUP BY COALESCE(session_source, 'claude_code')`,
		sessArgs, stats.SessionsBySource); err != nil {
		return nil, err
	}

	alertRows, err := s.db.Query(alertSelect+alWhere+` ORDER BY created_at DESC LIMIT 10`, alArgs...)
	if err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	recentAlerts, err := func() ([]*models.Alert, error) {
		defer alertRows.Close()
		return collectAlerts(alertRows)
	}()
	if err != nil {
		return nil, err
	}
	if recentAlerts != nil {
		stats.RecentAlerts = recentAlerts
	}

	eventRows, err := s.db.Query(eventSelect+evWhere+` ORDER BY timestamp DESC LIMIT 10`, evArgs...)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	recentEvents, err := func() ([]*models.Event, error) {
		defer eventRows.Close()
		return collectEvents(eventRows)
	}()
	if err != nil {
		return nil, err
	}
	if recentEvents != nil {
		stats.RecentEvents = recentEvents
	}

	return stats, nil
}

// TimelineBucket is one point of the activity timeline.
type TimelineBucket struct {
	Timestamp string `json:"timestamp"`
	Events    int    `json:"events"`
	Alerts    int    `json:"alerts"`
}

// TimelineStats is the timeline response: the effective interval (which may
// have been upgraded from the requested one) plus zero-filled buckets.
type TimelineStats struct {
	Interval string           `json:"interval"`
	Buckets  []TimelineBucket `json:"buckets"`
}

// GetTimelineStats groups events and alerts into minute/hour/day buckets.
// The interval auto-upgrades (minute to hour to day) so the bucket count
// never exceeds the cap; a final hard cut guards pathological ranges.
func (s *Store) GetTimelineStats(from, to time.Time, interval, sessionID, endpoint string) (*TimelineStats, error) {
	var sessionIDs []string
	if endpoint != "" {
		ids, err := s.sessionIDsForEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return &TimelineStats{Interval: interval, Buckets: []TimelineBucket{}}, nil
		}
		sessionIDs = ids
	}
	if sessionID != "" {
		sessionIDs = []string{sessionID}
	}

	interval = upgradeInterval(interval, from, to)
	format, step := intervalFormat(interval)

	evWhere, evArgs := scopeClause("session_id", sessionIDs, "timestamp", &from, &to)
	alWhere, alArgs := scopeClause("session_id", sessionIDs, "created_at", &from, &to)

	eventCounts := map[string]int{}
	if err := s.groupCountArgs(
		fmt.Sprintf(`SELECT strftime('%s', timestamp), COUNT(*) FROM events%s GROUP BY 1`, format, evWhere),
		evArgs, eventCounts); err != nil {
		return nil, err
	}
	alertCounts := map[string]int{}
	if err := s.groupCountArgs(
		fmt.Sprintf(`SELECT strftime('%s', created_at), COUNT(*) FROM alerts%s GROUP BY 1`, format, alWhere),
		alArgs, alertCounts); err != nil {
		return nil, err
	}

	stats := &TimelineStats{Interval: interval, Buckets: []TimelineBucket{}}
	for t := truncateTo(from, interval); !t.After(to); t = t.Add(step) {
		if len(stats.Buckets) >= maxTimelineBuckets {
			break
		}
		key := t.UTC().Format(bucketLayout(interval))
		stats.Buckets = append(stats.Buckets, TimelineBucket{
			Timestamp: key,
			Events:    eventCounts[key],
			Alerts:    alertCounts[key],
		})
	}
	return stats, nil
}

// TopItem is one row of a top-files/commands/domains response.
type TopItem struct {
	Value        string    `json:"value"`
	AccessCount  int       `json:"access_count"`
	SessionCount int       `json:"session_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// GetTopFiles aggregates the extracted file path lists over the window.
func (s *Store) GetTopFiles(limit int, sortBy string, from, to *time.Time, endpoint string) ([]TopItem, error) {
	return s.topItems("file_paths", limit, sortBy, from, to, endpoint, nil)
}

// GetTopCommands aggregates commands grouped by their first token.
func (s *Store) GetTopCommands(limit int, sortBy string, from, to *time.Time, endpoint string) ([]TopItem, error) {
	return s.topItems("commands", limit, sortBy, from, to, endpoint, func(cmd string) string {
		fields := strings.Fields(cmd)
		if len(fields) == 0 {
			return ""
		}
		return fields[0]
	})
}

// GetTopDomains aggregates URLs grouped by hostname.
func (s *Store) GetTopDomains(limit int, sortBy string, from, to *time.Time, endpoint string) ([]TopItem, error) {
	return s.topItems("urls", limit, sortBy, from, to, endpoint, func(raw string) string {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return ""
		}
		return u.Hostname()
	})
}

// topItems scans one JSON list column over the window and aggregates per
// item in memory. The column name is drawn from a fixed internal set.
func (s *Store) topItems(column string, limit int, sortBy string, from, to *time.Time, endpoint string, keyFn func(string) string) ([]TopItem, error) {
	if limit <= 0 {
		limit = 20
	}
	var sessionIDs []string
	if endpoint != "" {
		ids, err := s.sessionIDsForEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return []TopItem{}, nil
		}
		sessionIDs = ids
	}

	where, args := scopeClause("session_id", sessionIDs, "timestamp", from, to)
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT %s, session_id, timestamp FROM events%s AND %s != '[]'`,
			column, where, column), args...)
	if err != nil {
		return nil, fmt.Errorf("query top %s: %w", column, err)
	}
	defer rows.Close()

	type agg struct {
		count    int
		sessions map[string]bool
		last     time.Time
	}
	items := map[string]*agg{}
	for rows.Next() {
		var listJSON, sessionID, timestamp string
		if err := rows.Scan(&listJSON, &sessionID, &timestamp); err != nil {
			return nil, err
		}
		ts := parseTime(timestamp)
		for _, raw := range unmarshalStrings(listJSON) {
			key := raw
			if keyFn != nil {
				key = keyFn(raw)
			}
			if key == "" {
				continue
			}
			a := items[key]
			if a == nil {
				a = &agg{sessions: map[string]bool{}}
				items[key] = a
			}
			a.count++
			a.sessions[sessionID] = true
			if ts.After(a.last) {
				a.last = ts
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]TopItem, 0, len(items))
	for value, a := range items {
		result = append(result, TopItem{
			Value:        value,
			AccessCount:  a.count,
			SessionCount: len(a.sessions),
			LastAccessed: a.last,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		switch sortBy {
		case "sessions":
			if result[i].SessionCount != result[j].SessionCount {
				return result[i].SessionCount > result[j].SessionCount
			}
		case "recent":
			if !result[i].LastAccessed.Equal(result[j].LastAccessed) {
				return result[i].LastAccessed.After(result[j].LastAccessed)
			}
		default:
			if result[i].AccessCount != result[j].AccessCount {
				return result[i].AccessCount > result[j].AccessCount
			}
		}
		return result[i].Value < result[j].Value
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// EndpointStats is one row of the endpoints overview.
type EndpointStats struct {
	Hostname     string     `json:"hostname"`
	User         string     `json:"user"`
	Source       string     `json:"source"`
	SessionCount int        `json:"session_count"`
	EventCount   int        `json:"event_count"`
	AlertCount   int        `json:"alert_count"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
}

// GetEndpointStats groups sessions by reporting endpoint.
func (s *Store) GetEndpointStats() ([]EndpointStats, error) {
	rows, err := s.db.Query(`
		SELECT COALESCE(endpoint_hostname, ''), COALESCE(endpoint_user, ''),
		       COALESCE(session_source, 'claude_code'),
		       COUNT(*), SUM(event_count), SUM(alert_count), MAX(started_at)
		FROM sessions
		GROUP BY endpoint_hostname, endpoint_user, COALESCE(session_source, 'claude_code')
		ORDER BY MAX(started_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query endpoint stats: %w", err)
	}
	defer rows.Close()

	var result []EndpointStats
	for rows.Next() {
		var e EndpointStats
		var lastSeen string
		if err := rows.Scan(&e.Hostname, &e.User, &e.Source, &e.SessionCount,
			&e.EventCount, &e.AlertCount, &lastSeen); err != nil {
			return nil, err
		}
		t := parseTime(lastSeen)
		e.LastSeen = &t
		result = append(result, e)
	}
	return result, rows.Err()
}

// GetUniqueEndpointCount counts distinct hostname/user pairs.
func (s *Store) GetUniqueEndpointCount() (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(DISTINCT COALESCE(endpoint_hostname, '') || '|' || COALESCE(endpoint_user, ''))
		FROM sessions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count endpoints: %w", err)
	}
	return count, nil
}

func (s *Store) sessionIDsForEndpoint(hostname string) ([]string, error) {
	rows, err := s.db.Query(`SELECT session_id FROM sessions WHERE endpoint_hostname = ?`, hostname)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) groupCountArgs(query string, args []any, into map[string]int) error {
	rows, err := s.db.Query(query, args...)
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

// scopeClause builds "WHERE 1=1 [AND col IN (...)] [AND tscol >= ?] ..." for
// the stats queries. Column names come from fixed internal call sites.
func scopeClause(idCol string, sessionIDs []string, tsCol string, from, to *time.Time) (string, []any) {
	where := " WHERE 1=1"
	args := []any{}
	if len(sessionIDs) > 0 {
		where += fmt.Sprintf(" AND %s IN (%s)", idCol, strings.Repeat("?,", len(sessionIDs)-1)+"?")
		for _, id := range sessionIDs {
			args = append(args, id)
		}
	}
	if from != nil {
		where += fmt.Sprintf(" AND %s >= ?", tsCol)
		args = append(args, fmtTime(*from))
	}
	if to != nil {
		where += fmt.Sprintf(" AND %s <= ?", tsCol)
		args = append(args, fmtTime(*to))
	}
	return where, args
}

func zeroSeverities() map[string]int {
	m := make(map[string]int, len(models.AllSeverities))
	for _, s := range models.AllSeverities {
		m[string(s)] = 0
	}
	return m
}

func zeroCategories() map[string]int {
	m := make(map[string]int, len(models.AllCategories))
	for _, c := range models.AllCategories {
		m[string(c)] = 0
	}
	return m
}

func upgradeInterval(interval string, from, to time.Time) string {
	if interval != "minute" && interval != "hour" && interval != "day" {
		interval = "hour"
	}
	span := to.Sub(from)
	if interval == "minute" && span/time.Minute > maxTimelineBuckets {
		interval = "hour"
	}
	if interval == "hour" && span/time.Hour > maxTimelineBuckets {
		interval = "day"
	}
	return interval
}

func intervalFormat(interval string) (string, time.Duration) {
	switch interval {
	case "minute":
		return `%Y-%m-%dT%H:%M:00`, time.Minute
	case "day":
		return `%Y-%m-%d`, 24 * time.Hour
	default:
		return `%Y-%m-%dT%H:00:00`, time.Hour
	}
}

func bucketLayout(interval string) string {
	switch interval {
	case "minute":
		return "2006-01-02T15:04:00"
	case "day":
		return "2006-01-02"
	default:
		return "2006-01-02T15:00:00"
	}
}

func truncateTo(t time.Time, interval string) time.Time {
	t = t.UTC()
	switch interval {
	case "minute":
		return t.Truncate(time.Minute)
	case "day":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Hour)
	}
}
