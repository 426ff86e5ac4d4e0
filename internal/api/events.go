package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/IngaCherny/AgentsLeak/internal/models"
	"github.com/IngaCherny/AgentsLeak/internal/store"
)

// eventSummary is the list-view projection of an event; the heavy payload
// columns only travel on the detail endpoint.
type eventSummary struct {
	ID        uuid.UUID `json:"id"`
	SessionID string    `json:"session_id"`
	Timestamp string    `json:"timestamp"`
	HookType  string    `json:"hook_type"`
	ToolName  string    `json:"tool_name,omitempty"`
	Category  string    `json:"category"`
	Severity  string    `json:"severity"`
	FilePaths []string  `json:"file_paths"`
	Commands  []string  `json:"commands"`
	URLs      []string  `json:"urls"`
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
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
		SessionID: q.Get("session_id"),
		Category:  q.Get("category"),
		Severity:  q.Get("severity"),
		ToolName:  q.Get("tool_name"),
		HookType:  q.Get("hook_type"),
		FromDate:  queryTime(r, "from_date"),
		ToDate:    queryTime(r, "to_date"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]eventSummary, 0, len(events))
	for _, e := range events {
		items = append(items, eventSummary{
			ID:        e.ID,
			SessionID: e.SessionID,
			Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			HookType:  string(e.HookType),
			ToolName:  e.ToolName,
			Category:  string(e.Category),
			Severity:  string(e.Severity),
			FilePaths: e.FilePaths,
			Commands:  e.Commands,
			URLs:      e.URLs,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
		"pages":     pageCount(total, pageSize),
	})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, httpError(http.StatusBadRequest, "invalid event id"))
		return
	}
	event, err := s.store.GetEventByID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// eventByIDOrNil is shared by alert enrichment paths that tolerate missing
// events.
func (s *Server) eventByIDOrNil(id uuid.UUID) *models.Event {
	e, err := s.store.GetEventByID(id)
	if err != nil {
		return nil
	}
	return e
}
