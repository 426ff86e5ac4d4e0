package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/IngaCherny/AgentsLeak/internal/logging"
	"github.com/IngaCherny/AgentsLeak/internal/metrics"
	"github.com/IngaCherny/AgentsLeak/internal/models"
)

// hookPayload is the normalized body of a collector post. Sensors across
// agent versions use different key names for the same thing, so the decoder
// folds the aliases before typed fields are read.
type hookPayload struct {
	SessionID       string
	Timestamp       time.Time
	ToolName        string
	ToolInput       map[string]any
	ToolResult      map[string]any
	CWD             string
	ParentSessionID string
	Hostname        string
	User            string
	Source          string
	Raw             map[string]any
}

// payloadAliases maps legacy or sensor-specific keys to canonical ones.
// Canonical keys win when both are present.
var payloadAliases = map[string]string{
	"cwd":              "session_cwd",
	"hook_event_name":  "hook_type",
	"tool_response":    "tool_result",
	"sensor_timestamp": "timestamp",
}

func decodeHookPayload(r *http.Request) (*hookPayload, error) {
	raw := map[string]any{}
	if err := decodeJSON(r, &raw); err != nil {
		return nil, err
	}
	for alias, canonical := range payloadAliases {
		if v, ok := raw[alias]; ok {
			if _, exists := raw[canonical]; !exists {
				raw[canonical] = v
			}
		}
	}

	p := &hookPayload{
		SessionID:       rawString(raw, "session_id"),
		Timestamp:       time.Now().UTC(),
		ToolName:        rawString(raw, "tool_name"),
		CWD:             rawString(raw, "session_cwd"),
		ParentSessionID: rawString(raw, "parent_session_id"),
		Source:          rawString(raw, "session_source"),
		Raw:             raw,
	}
	if p.SessionID == "" {
		return nil, httpError(http.StatusUnprocessableEntity, "session_id is required")
	}
	if ts := rawString(raw, "timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			p.Timestamp = t.UTC()
		} else if t, err := time.Parse(time.RFC3339, ts); err == nil {
			p.Timestamp = t.UTC()
		}
	}
	if m, ok := raw["tool_input"].(map[string]any); ok {
		p.ToolInput = m
	}
	if m, ok := raw["tool_result"].(map[string]any); ok {
		p.ToolResult = m
	}

	// Endpoint identity can ride in the body or in headers; body wins.
	p.Hostname = rawString(raw, "endpoint_hostname")
	if p.Hostname == "" {
		p.Hostname = r.Header.Get("X-Endpoint-Hostname")
	}
	p.User = rawString(raw, "endpoint_user")
	if p.User == "" {
		p.User = r.Header.Get("X-Endpoint-User")
	}
	if p.Source == "" {
		p.Source = r.Header.Get("X-AgentsLeak-Source")
	}
	if p.Source == "" {
		p.Source = "claude_code"
	}
	return p, nil
}

func rawString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func (p *hookPayload) event(hookType models.HookType) *models.Event {
	e := models.NewEvent(p.SessionID, hookType)
	e.Timestamp = p.Timestamp
	e.ToolName = p.ToolName
	e.ToolInput = p.ToolInput
	e.ToolResult = p.ToolResult
	e.RawPayload = p.Raw
	return e
}

func (p *hookPayload) session() *models.Session {
	sess := models.NewSession(p.SessionID)
	sess.StartedAt = p.Timestamp
	sess.CWD = p.CWD
	sess.ParentSessionID = p.ParentSessionID
	sess.EndpointHostname = p.Hostname
	sess.EndpointUser = p.User
	sess.SessionSource = p.Source
	return sess
}

// ensureSession creates the session if it has not been seen yet. Origin
// fields are set on first sight only; the store upsert never overwrites
// them afterwards.
func (s *Server) ensureSession(p *hookPayload) {
	if _, err := s.store.GetSessionByID(p.SessionID); err == nil {
		return
	}
	if err := s.store.SaveSession(p.session()); err != nil {
		log.Error().Err(err).Str("session_id", p.SessionID).Msg("Failed to create session")
		return
	}
	log.Info().Str("session_id", p.SessionID).Msg("Created new session")
}

// recordEvent persists the event, bumps the session counter, and hands the
// event to the async pipeline. Failures carry the request id so a lost
// write can be traced back to the originating hook post.
func (s *Server) recordEvent(ctx context.Context, e *models.Event) {
	if err := s.store.SaveEvent(e); err != nil {
		log.Error().Err(err).
			Str("request_id", logging.RequestID(ctx)).
			Str("event_id", e.ID.String()).
			Msg("Failed to save event")
	}
	if err := s.store.IncrementSessionEventCount(e.SessionID); err != nil {
		log.Error().Err(err).
			Str("request_id", logging.RequestID(ctx)).
			Str("session_id", e.SessionID).
			Msg("Failed to bump event count")
	}
	metrics.EventsIngested.WithLabelValues(string(e.HookType)).Inc()
	s.engine.Enqueue(e)
}

// collectPreToolUse is the synchronous decision point: the agent waits on
// this response before running the tool. The decision is evaluated first,
// then the event is persisted and queued regardless of the verdict.
func (s *Server) collectPreToolUse(w http.ResponseWriter, r *http.Request) {
	p, err := decodeHookPayload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ensureSession(p)

	event := p.event(models.HookPreToolUse)
	decision := s.engine.EvaluatePreTool(event)
	s.recordEvent(r.Context(), event)

	writeJSON(w, http.StatusOK, hookResponse(decision.Allow, decision.Reason, decision.UpdatedInput))
}

// hookResponse renders the hookSpecificOutput format the agent expects.
// An unconditional allow is the empty object.
func hookResponse(allow bool, reason string, updatedInput map[string]any) map[string]any {
	if allow {
		if updatedInput == nil {
			return map[string]any{}
		}
		return map[string]any{
			"hookSpecificOutput": map[string]any{
				"hookEventName":      "PreToolUse",
				"permissionDecision": "allow",
				"updatedInput":       updatedInput,
			},
		}
	}
	if reason == "" {
		reason = "Blocked by AgentsLeak policy"
	}
	return map[string]any{
		"hookSpecificOutput": map[string]any{
			"hookEventName":            "PreToolUse",
			"permissionDecision":       "deny",
			"permissionDecisionReason": reason,
		},
	}
}

func (s *Server) collectPostToolUse(w http.ResponseWriter, r *http.Request) {
	s.collectObservation(w, r, models.HookPostToolUse)
}

func (s *Server) collectPostToolUseError(w http.ResponseWriter, r *http.Request) {
	s.collectObservation(w, r, models.HookPostToolUseFailure)
}

func (s *Server) collectPermissionRequest(w http.ResponseWriter, r *http.Request) {
	s.collectObservation(w, r, models.HookPermissionRequest)
}

func (s *Server) collectUserPromptSubmit(w http.ResponseWriter, r *http.Request) {
	s.collectObservation(w, r, models.HookUserPromptSubmit)
}

// collectObservation handles the fire-and-forget hooks that never block.
func (s *Server) collectObservation(w http.ResponseWriter, r *http.Request, hookType models.HookType) {
	p, err := decodeHookPayload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.ensureSession(p)
	s.recordEvent(r.Context(), p.event(hookType))
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// collectSessionStart always writes a fresh session row; a restart with the
// same id resets the counters via the upsert.
func (s *Server) collectSessionStart(w http.ResponseWriter, r *http.Request) {
	p, err := decodeHookPayload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("session_id", p.SessionID).Str("cwd", p.CWD).Msg("Session started")

	if err := s.store.SaveSession(p.session()); err != nil {
		log.Error().Err(err).Str("session_id", p.SessionID).Msg("Failed to save session")
	}
	s.recordEvent(r.Context(), p.event(models.HookSessionStart))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "session_started",
		"session_id": p.SessionID,
	})
}

func (s *Server) collectSessionEnd(w http.ResponseWriter, r *http.Request) {
	p, err := decodeHookPayload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("session_id", p.SessionID).Msg("Session ended")

	if err := s.store.EndSession(p.SessionID); err != nil {
		log.Warn().Err(err).Str("session_id", p.SessionID).Msg("Failed to end session")
	}
	s.engine.ResetSession(p.SessionID)
	s.recordEvent(r.Context(), p.event(models.HookSessionEnd))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "session_ended",
		"session_id": p.SessionID,
	})
}

func (s *Server) collectSubagentStart(w http.ResponseWriter, r *http.Request) {
	p, err := decodeHookPayload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().
		Str("session_id", p.SessionID).
		Str("parent", p.ParentSessionID).
		Msg("Subagent started")

	if err := s.store.SaveSession(p.session()); err != nil {
		log.Error().Err(err).Str("session_id", p.SessionID).Msg("Failed to save subagent session")
	}
	s.recordEvent(r.Context(), p.event(models.HookSubagentStart))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "subagent_started",
		"session_id":        p.SessionID,
		"parent_session_id": p.ParentSessionID,
	})
}

func (s *Server) collectSubagentStop(w http.ResponseWriter, r *http.Request) {
	p, err := decodeHookPayload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("session_id", p.SessionID).Msg("Subagent stopped")

	if err := s.store.EndSession(p.SessionID); err != nil {
		log.Warn().Err(err).Str("session_id", p.SessionID).Msg("Failed to end subagent session")
	}
	s.engine.ResetSession(p.SessionID)
	s.recordEvent(r.Context(), p.event(models.HookSubagentStop))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "subagent_stopped",
		"session_id": p.SessionID,
	})
}
