package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/IngaCherny/AgentsLeak/internal/engine"
	"github.com/IngaCherny/AgentsLeak/internal/models"
	"github.com/IngaCherny/AgentsLeak/internal/store"
)

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r, 20)
	q := r.URL.Query()

	// An endpoint filter resolves to the hostname's session ids first; an
	// unknown hostname short-circuits to an empty page.
	var endpointSessions map[string]bool
	if endpoint := q.Get("endpoint"); endpoint != "" {
		sessions, _, err := s.store.GetSessionsPaginated(1, 10000, store.SessionFilter{Hostname: endpoint})
		if err != nil {
			writeError(w, err)
			return
		}
		endpointSessions = make(map[string]bool, len(sessions))
		for _, sess := range sessions {
			endpointSessions[sess.SessionID] = true
		}
		if len(endpointSessions) == 0 {
			writeJSON(w, http.StatusOK, map[string]any{
				"items": []any{}, "total": 0, "page": page, "page_size": pageSize, "pages": 0,
			})
			return
		}
	}

	alerts, total, err := s.store.GetAlertsPaginated(page, pageSize, store.AlertFilter{
		SessionID: q.Get("session_id"),
		Status:    q.Get("status"),
		Severity:  q.Get("severity"),
		PolicyID:  q.Get("rule_id"),
		Blocked:   queryBool(r, "blocked"),
		FromDate:  queryTime(r, "from_date"),
		ToDate:    queryTime(r, "to_date"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if endpointSessions != nil {
		filtered := alerts[:0]
		for _, a := range alerts {
			if endpointSessions[a.SessionID] {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}

	items := make([]map[string]any, 0, len(alerts))
	for _, a := range alerts {
		items = append(items, s.alertItem(a))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
		"pages":     pageCount(total, pageSize),
	})
}

// alertItem enriches the stored alert with the policy name and the
// originating session's endpoint identity for the list view.
func (s *Server) alertItem(a *models.Alert) map[string]any {
	item := map[string]any{
		"id":           a.ID,
		"session_id":   a.SessionID,
		"created_at":   a.CreatedAt,
		"updated_at":   a.UpdatedAt,
		"title":        a.Title,
		"description":  a.Description,
		"severity":     a.Severity,
		"category":     a.Category,
		"status":       a.Status,
		"assigned_to":  a.AssignedTo,
		"policy_id":    a.PolicyID,
		"policy_name":  nil,
		"event_ids":    a.EventIDs,
		"evidence":     a.Evidence,
		"action_taken": a.ActionTaken,
		"blocked":      a.Blocked,
		"tags":         a.Tags,
		"metadata":     a.Metadata,
	}
	if a.PolicyID != nil {
		if policy, err := s.store.GetPolicyByID(*a.PolicyID); err == nil {
			item["policy_name"] = policy.Name
		}
	}
	if sess, err := s.store.GetSessionByID(a.SessionID); err == nil {
		item["endpoint_hostname"] = sess.EndpointHostname
		item["endpoint_user"] = sess.EndpointUser
	}
	return item
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alertFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// alertPatch is the body of a triage update. Notes land in the
// action_taken column.
type alertPatch struct {
	Status     *string   `json:"status"`
	Notes      *string   `json:"notes"`
	AssignedTo *string   `json:"assigned_to"`
	Tags       *[]string `json:"tags"`
}

func (s *Server) updateAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alertFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body alertPatch
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	patch := map[string]any{}
	if body.Status != nil {
		patch["status"] = *body.Status
	}
	if body.Notes != nil {
		patch["action_taken"] = *body.Notes
	}
	if body.AssignedTo != nil {
		patch["assigned_to"] = *body.AssignedTo
	}
	if body.Tags != nil {
		patch["tags"] = *body.Tags
	}
	s.applyAlertPatch(w, alert.ID, patch, "Alert updated successfully")
}

func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alertFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.applyAlertPatch(w, alert.ID,
		map[string]any{"status": string(models.AlertStatusInvestigating)},
		"Alert acknowledged")
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alertFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	patch := map[string]any{"status": string(models.AlertStatusResolved)}
	if resolution := r.URL.Query().Get("resolution"); resolution != "" {
		patch["action_taken"] = resolution
	}
	s.applyAlertPatch(w, alert.ID, patch, "Alert resolved")
}

func (s *Server) applyAlertPatch(w http.ResponseWriter, id uuid.UUID, patch map[string]any, message string) {
	if err := s.store.UpdateAlert(id, patch); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.GetAlertByID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         id,
		"status":     updated.Status,
		"updated_at": updated.UpdatedAt,
		"message":    message,
	})
}

// getAlertContext returns the session's event chain leading up to the
// alert, oldest first, with the triggering events marked.
func (s *Server) getAlertContext(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alertFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 20)
	if limit < 1 {
		limit = 20
	}
	if limit > 50 {
		limit = 50
	}

	events, err := s.store.GetEventsBefore(alert.SessionID, alert.CreatedAt, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	triggers := map[uuid.UUID]bool{}
	for _, eid := range alert.EventIDs {
		triggers[eid] = true
	}

	items := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		desc := ""
		switch {
		case len(ev.FilePaths) > 0:
			desc = ev.FilePaths[0]
		case len(ev.Commands) > 0:
			desc = ev.Commands[0]
			if len(desc) > 80 {
				desc = desc[:80] + "..."
			}
		case len(ev.URLs) > 0:
			desc = ev.URLs[0]
		}
		items = append(items, map[string]any{
			"id":          ev.ID,
			"timestamp":   ev.Timestamp,
			"tool_name":   ev.ToolName,
			"category":    ev.Category,
			"severity":    ev.Severity,
			"description": desc,
			"is_trigger":  triggers[ev.ID],
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alert_id":   alert.ID,
		"session_id": alert.SessionID,
		"events":     items,
	})
}

// getAlertGraph extracts the subgraph around the alert's triggering events:
// the containing nodes, the ancestor chain to the session root, and the
// direct children.
func (s *Server) getAlertGraph(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alertFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	graph, err := engine.BuildAlertGraph(s.store, alert.EventIDs)
	if err != nil {
		writeError(w, err)
		return
	}

	triggers := map[string]bool{}
	for _, eid := range alert.EventIDs {
		triggers[eid.String()] = true
	}

	nodes := make([]map[string]any, 0, len(graph.Nodes))
	for _, n := range graph.Nodes {
		isTrigger := false
		for _, eid := range n.EventIDs {
			if triggers[eid] {
				isTrigger = true
				break
			}
		}
		nodes = append(nodes, map[string]any{
			"id":          n.ID,
			"node_type":   n.NodeType,
			"label":       n.Label,
			"value":       n.Value,
			"alert_count": n.AlertCount,
			"is_trigger":  isTrigger,
			"blocked":     isTrigger && alert.Blocked,
		})
	}

	edges := make([]map[string]any, 0, len(graph.Edges))
	for _, e := range graph.Edges {
		edges = append(edges, map[string]any{
			"id":        e.ID,
			"source_id": e.SourceID,
			"target_id": e.TargetID,
			"relation":  e.Relation,
		})
	}

	var policyName any
	if alert.PolicyID != nil {
		if policy, err := s.store.GetPolicyByID(*alert.PolicyID); err == nil {
			policyName = policy.Name
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alert_id":          alert.ID,
		"session_id":        alert.SessionID,
		"alert_title":       alert.Title,
		"alert_description": alert.Description,
		"alert_severity":    alert.Severity,
		"blocked":           alert.Blocked,
		"policy_name":       policyName,
		"nodes":             nodes,
		"edges":             edges,
	})
}

func (s *Server) alertFromPath(r *http.Request) (*models.Alert, error) {
	id, err := uuid.Parse(chi.URLParam(r, "alertID"))
	if err != nil {
		return nil, httpError(http.StatusBadRequest, "invalid alert id")
	}
	return s.store.GetAlertByID(id)
}
