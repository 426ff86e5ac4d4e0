package api

import (
	"net/http"
	"time"

	"github.com/IngaCherny/AgentsLeak/internal/store"
)

func (s *Server) dashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetDashboardStats(
		queryTime(r, "from_date"),
		queryTime(r, "to_date"),
		r.URL.Query().Get("endpoint"),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) endpointStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetEndpointStats()
	if err != nil {
		writeError(w, err)
		return
	}
	if stats == nil {
		stats = []store.EndpointStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": stats,
		"total": len(stats),
	})
}

// timelineStats defaults to the last 24 hours when no window is given.
func (s *Server) timelineStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	to := time.Now().UTC()
	if t := queryTime(r, "to_date"); t != nil {
		to = *t
	}
	from := to.Add(-24 * time.Hour)
	if t := queryTime(r, "from_date"); t != nil {
		from = *t
	}

	interval := q.Get("interval")
	if interval == "" {
		interval = "hour"
	}

	stats, err := s.store.GetTimelineStats(from, to, interval, q.Get("session_id"), q.Get("endpoint"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) topFiles(w http.ResponseWriter, r *http.Request) {
	s.topItems(w, r, s.store.GetTopFiles)
}

func (s *Server) topCommands(w http.ResponseWriter, r *http.Request) {
	s.topItems(w, r, s.store.GetTopCommands)
}

func (s *Server) topDomains(w http.ResponseWriter, r *http.Request) {
	s.topItems(w, r, s.store.GetTopDomains)
}

func (s *Server) topItems(
	w http.ResponseWriter,
	r *http.Request,
	fetch func(limit int, sortBy string, from, to *time.Time, endpoint string) ([]store.TopItem, error),
) {
	limit := queryInt(r, "limit", 20)
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	items, err := fetch(
		limit,
		r.URL.Query().Get("sort_by"),
		queryTime(r, "from_date"),
		queryTime(r, "to_date"),
		r.URL.Query().Get("endpoint"),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []store.TopItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}
