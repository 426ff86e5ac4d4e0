package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is one monitored agent run, identified by the agent-supplied
// session id. Origin fields (hostname, user, source) are set on first sight
// and never overwritten by later hooks.
type Session struct {
	ID               uuid.UUID  `json:"id"`
	SessionID        string     `json:"session_id"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	CWD              string     `json:"cwd,omitempty"`
	ParentSessionID  string     `json:"parent_session_id,omitempty"`
	EventCount       int        `json:"event_count"`
	AlertCount       int        `json:"alert_count"`
	RiskScore        int        `json:"risk_score"`
	Status           string     `json:"status"`
	EndpointHostname string     `json:"endpoint_hostname,omitempty"`
	EndpointUser     string     `json:"endpoint_user,omitempty"`
	SessionSource    string     `json:"session_source,omitempty"`
}

// Session status values.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// NewSession returns an active session with a fresh internal id.
func NewSession(sessionID string) *Session {
	return &Session{
		ID:        uuid.New(),
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
		Status:    SessionActive,
	}
}

// Event is an immutable record of one hook invocation. The raw payload is
// preserved verbatim so policy conditions can reach fields the typed header
// does not model.
type Event struct {
	ID          uuid.UUID      `json:"id"`
	SessionID   string         `json:"session_id"`
	Timestamp   time.Time      `json:"timestamp"`
	HookType    HookType       `json:"hook_type"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolInput   map[string]any `json:"tool_input,omitempty"`
	ToolResult  map[string]any `json:"tool_result,omitempty"`
	Category    EventCategory  `json:"category"`
	Severity    Severity       `json:"severity"`
	FilePaths   []string       `json:"file_paths"`
	Commands    []string       `json:"commands"`
	URLs        []string       `json:"urls"`
	IPAddresses []string       `json:"ip_addresses"`
	Processed   bool           `json:"processed"`
	Enriched    bool           `json:"enriched"`
	RawPayload  map[string]any `json:"raw_payload,omitempty"`
}

// NewEvent returns an unclassified event with a fresh id.
func NewEvent(sessionID string, hookType HookType) *Event {
	return &Event{
		ID:        uuid.New(),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		HookType:  hookType,
		Category:  CategoryUnknown,
		Severity:  SeverityInfo,
	}
}

// InputString returns a string field from tool_input, or "".
func (e *Event) InputString(key string) string {
	if e.ToolInput == nil {
		return ""
	}
	if v, ok := e.ToolInput[key].(string); ok {
		return v
	}
	return ""
}
