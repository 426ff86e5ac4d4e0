package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/IngaCherny/AgentsLeak/internal/models"
	"github.com/IngaCherny/AgentsLeak/internal/store"
)

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r, 20)
	q := r.URL.Query()

	// "endpoint" is an alias for "hostname".
	hostname := q.Get("hostname")
	if hostname == "" {
		hostname = q.Get("endpoint")
	}
	filter := store.SessionFilter{
		Status:   q.Get("status"),
		Hostname: hostname,
		Username: q.Get("username"),
		Source:   q.Get("session_source"),
		FromDate: queryTime(r, "from_date"),
		ToDate:   queryTime(r, "to_date"),
	}

	sessions, total, err := s.store.GetSessionsPaginated(page, pageSize, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	// The stored counters can lag the tables (drops, replays), so the list
	// recomputes them for the visible page.
	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.SessionID
	}
	eventCounts, err := s.store.GetEventCountsBySession(ids)
	if err != nil {
		writeError(w, err)
		return
	}
	alertCounts, err := s.store.GetAlertCountsBySession(ids)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]*models.Session, 0, len(sessions))
	for _, sess := range sessions {
		if n, ok := eventCounts[sess.SessionID]; ok {
			sess.EventCount = n
		}
		if n, ok := alertCounts[sess.SessionID]; ok {
			sess.AlertCount = n
		}
		items = append(items, sess)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
		"pages":     pageCount(total, pageSize),
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.store.GetSessionByID(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.store.GetSessionStats(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	eventCount, err := s.store.GetEventCount(store.EventFilter{SessionID: sessionID})
	if err != nil {
		writeError(w, err)
		return
	}
	alertCount, err := s.store.GetAlertCount(store.AlertFilter{SessionID: sessionID})
	if err != nil {
		writeError(w, err)
		return
	}
	sess.EventCount = eventCount
	sess.AlertCount = alertCount

	writeJSON(w, http.StatusOK, map[string]any{
		"id":                 sess.ID,
		"session_id":         sess.SessionID,
		"started_at":         sess.StartedAt,
		"ended_at":           sess.EndedAt,
		"cwd":                sess.CWD,
		"parent_session_id":  sess.ParentSessionID,
		"event_count":        sess.EventCount,
		"alert_count":        sess.AlertCount,
		"risk_score":         sess.RiskScore,
		"status":             sess.Status,
		"endpoint_hostname":  sess.EndpointHostname,
		"endpoint_user":      sess.EndpointUser,
		"session_source":     sess.SessionSource,
		"events_by_category": stats.EventsByCategory,
		"events_by_severity": stats.EventsBySeverity,
		"alerts_by_severity": stats.AlertsBySeverity,
		"first_event_at":     stats.FirstEventAt,
		"last_event_at":      stats.LastEventAt,
	})
}

func (s *Server) getSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.store.GetSessionByID(sessionID); err != nil {
		writeError(w, err)
		return
	}

	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(r, "page_size", 50)
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	q := r.URL.Query()

	events, total, err := s.store.GetEventsPaginated(page, pageSize, store.EventFilter{
		SessionID: sessionID,
		Category:  q.Get("category"),
		Severity:  q.Get("severity"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":     events,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
		"pages":     pageCount(total, pageSize),
	})
}

// timelineEntry is one row of the session timeline view.
type timelineEntry struct {
	Timestamp   string    `json:"timestamp"`
	EventType   string    `json:"event_type"`
	ToolName    string    `json:"tool_name,omitempty"`
	Category    string    `json:"category"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	EventID     uuid.UUID `json:"event_id"`
	HasAlert    bool      `json:"has_alert"`
}

func (s *Server) getSessionTimeline(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.store.GetSessionByID(sessionID); err != nil {
		writeError(w, err)
		return
	}

	events, err := s.store.GetEvents(store.EventFilter{SessionID: sessionID}, 1000)
	if err != nil {
		writeError(w, err)
		return
	}
	alerts, err := s.store.GetAlerts(store.AlertFilter{SessionID: sessionID}, 1000)
	if err != nil {
		writeError(w, err)
		return
	}

	alertEventIDs := map[uuid.UUID]bool{}
	for _, a := range alerts {
		for _, eid := range a.EventIDs {
			alertEventIDs[eid] = true
		}
	}

	entries := make([]timelineEntry, 0, len(events))
	for _, e := range events {
		entries = append(entries, timelineEntry{
			Timestamp:   e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			EventType:   string(e.HookType),
			ToolName:    e.ToolName,
			Category:    string(e.Category),
			Severity:    string(e.Severity),
			Description: describeEvent(e),
			EventID:     e.ID,
			HasAlert:    alertEventIDs[e.ID],
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   sessionID,
		"entries":      entries,
		"total_events": len(events),
		"total_alerts": len(alerts),
	})
}

func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.store.GetSessionByID(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.Status == models.SessionEnded {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":     "already_ended",
			"session_id": sessionID,
		})
		return
	}
	if err := s.store.EndSession(sessionID); err != nil {
		writeError(w, err)
		return
	}
	s.engine.ResetSession(sessionID)
	log.Info().Str("session_id", sessionID).Msg("Session terminated manually")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "terminated",
		"session_id": sessionID,
	})
}

// describeEvent renders a one-line human summary of an event.
func describeEvent(e *models.Event) string {
	switch e.Category {
	case models.CategoryFileRead:
		return "Read file(s): " + joinHead(e.FilePaths, 3)
	case models.CategoryFileWrite:
		return "Wrote file(s): " + joinHead(e.FilePaths, 3)
	case models.CategoryFileDelete:
		return "Deleted file(s): " + joinHead(e.FilePaths, 3)
	case models.CategoryCommandExec:
		cmd := "unknown"
		if len(e.Commands) > 0 {
			cmd = e.Commands[0]
		}
		if len(cmd) > 100 {
			cmd = cmd[:100] + "..."
		}
		return "Executed command: " + cmd
	case models.CategoryNetworkAccess:
		return "Network access: " + joinHead(e.URLs, 2)
	case models.CategorySubagentSpawn:
		return "Spawned subagent"
	case models.CategorySessionLifecycle:
		return "Session lifecycle: " + string(e.HookType)
	default:
		tool := e.ToolName
		if tool == "" {
			tool = "unknown"
		}
		return "Tool invocation: " + tool
	}
}

func joinHead(items []string, n int) string {
	if len(items) == 0 {
		return "unknown"
	}
	if len(items) > n {
		items = items[:n]
	}
	return strings.Join(items, ", ")
}
