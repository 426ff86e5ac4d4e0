package models

import (
	"time"

	"github.com/google/uuid"
)

// AlertEvidence ties an alert to one concrete event and the artifact that
// implicated it.
type AlertEvidence struct {
	EventID     uuid.UUID `json:"event_id"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	FilePath    string    `json:"file_path,omitempty"`
	Command     string    `json:"command,omitempty"`
	URL         string    `json:"url,omitempty"`
}

// Alert is a detection produced by a policy or sequence rule.
type Alert struct {
	ID          uuid.UUID       `json:"id"`
	SessionID   string          `json:"session_id"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Severity    Severity        `json:"severity"`
	Category    EventCategory   `json:"category"`
	Status      AlertStatus     `json:"status"`
	PolicyID    *uuid.UUID      `json:"policy_id,omitempty"`
	EventIDs    []uuid.UUID     `json:"event_ids"`
	Evidence    []AlertEvidence `json:"evidence"`
	Blocked     bool            `json:"blocked"`
	ActionTaken string          `json:"action_taken,omitempty"`
	AssignedTo  string          `json:"assigned_to,omitempty"`
	Tags        []string        `json:"tags"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// NewAlert returns a new-status alert with a fresh id.
func NewAlert(sessionID, title string, severity Severity) *Alert {
	now := time.Now().UTC()
	return &Alert{
		ID:        uuid.New(),
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Title:     title,
		Severity:  severity,
		Category:  CategoryUnknown,
		Status:    AlertStatusNew,
	}
}

// RuleCondition is one field/operator/value predicate of a policy.
type RuleCondition struct {
	Field         string            `json:"field"`
	Operator      ConditionOperator `json:"operator"`
	Value         any               `json:"value"`
	CaseSensitive bool              `json:"case_sensitive"`
}

// Policy is a declarative single-event detection rule.
type Policy struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Enabled          bool            `json:"enabled"`
	Categories       []EventCategory `json:"categories"`
	Tools            []string        `json:"tools"`
	Conditions       []RuleCondition `json:"conditions"`
	ConditionLogic   string          `json:"condition_logic"` // "all" or "any"
	Action           PolicyAction    `json:"action"`
	Severity         Severity        `json:"severity"`
	AlertTitle       string          `json:"alert_title"`
	AlertDescription string          `json:"alert_description"`
	Tags             []string        `json:"tags"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewPolicy returns an enabled alert-action policy with a fresh id.
func NewPolicy(name string) *Policy {
	now := time.Now().UTC()
	return &Policy{
		ID:             uuid.New(),
		Name:           name,
		Enabled:        true,
		ConditionLogic: "all",
		Action:         ActionAlert,
		Severity:       SeverityMedium,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// SequenceStep is one step of a multi-step sequence rule. FieldPatterns maps
// dotted event-data paths to regexes that must all match.
type SequenceStep struct {
	Label         string            `json:"label"`
	Categories    []EventCategory   `json:"categories"`
	FieldPatterns map[string]string `json:"field_patterns"`
}

// SequenceRule is a temporally windowed multi-step detection rule.
type SequenceRule struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Steps            []SequenceStep `json:"steps"`
	WindowSeconds    int            `json:"window_seconds"`
	Ordered          bool           `json:"ordered"`
	Action           PolicyAction   `json:"action"`
	Severity         Severity       `json:"severity"`
	AlertTitle       string         `json:"alert_title"`
	AlertDescription string         `json:"alert_description"`
	Tags             []string       `json:"tags"`
}
