package models

// EventCategory classifies what kind of activity an event represents.
type EventCategory string

const (
	CategoryFileRead         EventCategory = "file_read"
	CategoryFileWrite        EventCategory = "file_write"
	CategoryFileDelete       EventCategory = "file_delete"
	CategoryCommandExec      EventCategory = "command_exec"
	CategoryNetworkAccess    EventCategory = "network_access"
	CategoryCodeExecution    EventCategory = "code_execution"
	CategorySubagentSpawn    EventCategory = "subagent_spawn"
	CategoryMCPToolUse       EventCategory = "mcp_tool_use"
	CategorySessionLifecycle EventCategory = "session_lifecycle"
	CategoryUnknown          EventCategory = "unknown"
)

// AllCategories lists every event category, in display order.
var AllCategories = []EventCategory{
	CategoryFileRead,
	CategoryFileWrite,
	CategoryFileDelete,
	CategoryCommandExec,
	CategoryNetworkAccess,
	CategoryCodeExecution,
	CategorySubagentSpawn,
	CategoryMCPToolUse,
	CategorySessionLifecycle,
	CategoryUnknown,
}

// ValidCategory reports whether s names a known event category.
func ValidCategory(s string) bool {
	for _, c := range AllCategories {
		if string(c) == s {
			return true
		}
	}
	return false
}

// Severity ranks how dangerous an event or alert is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// AllSeverities lists every severity, most severe first.
var AllSeverities = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityInfo,
}

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the severity's position in the info < low < medium < high <
// critical lattice. Unknown severities rank below info.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// HookType identifies the lifecycle point that produced an event.
type HookType string

const (
	HookPreToolUse         HookType = "PreToolUse"
	HookPostToolUse        HookType = "PostToolUse"
	HookPostToolUseFailure HookType = "PostToolUseFailure"
	HookSessionStart       HookType = "SessionStart"
	HookSessionEnd         HookType = "SessionEnd"
	HookSubagentStart      HookType = "SubagentStart"
	HookSubagentStop       HookType = "SubagentStop"
	HookPermissionRequest  HookType = "PermissionRequest"
	HookUserPromptSubmit   HookType = "UserPromptSubmit"
	HookStop               HookType = "Stop"
	HookNotification       HookType = "Notification"
)

// AlertStatus tracks an alert through triage.
type AlertStatus string

const (
	AlertStatusNew           AlertStatus = "new"
	AlertStatusInvestigating AlertStatus = "investigating"
	AlertStatusResolved      AlertStatus = "resolved"
	AlertStatusDismissed     AlertStatus = "dismissed"
)

// PolicyAction is what the engine does when a policy matches.
type PolicyAction string

const (
	ActionAlert PolicyAction = "alert"
	ActionBlock PolicyAction = "block"
	ActionLog   PolicyAction = "log"
)

// ConditionOperator compares a field value against a policy condition value.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpStartsWith  ConditionOperator = "starts_with"
	OpEndsWith    ConditionOperator = "ends_with"
	OpMatches     ConditionOperator = "matches"
	OpNotMatches  ConditionOperator = "not_matches"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpIn          ConditionOperator = "in"
	OpNotIn       ConditionOperator = "not_in"
)

// NodeType types an activity-graph node.
type NodeType string

const (
	NodeSession   NodeType = "session"
	NodeFile      NodeType = "file"
	NodeDirectory NodeType = "directory"
	NodeCommand   NodeType = "command"
	NodeProcess   NodeType = "process"
	NodeNetwork   NodeType = "network"
	NodeURL       NodeType = "url"
	NodeIPAddress NodeType = "ip_address"
	NodeTool      NodeType = "tool"
	NodeUser      NodeType = "user"
	NodeAlert     NodeType = "alert"
)

// EdgeRelation types an activity-graph edge.
type EdgeRelation string

const (
	RelReads         EdgeRelation = "reads"
	RelWrites        EdgeRelation = "writes"
	RelCreates       EdgeRelation = "creates"
	RelDeletes       EdgeRelation = "deletes"
	RelModifies      EdgeRelation = "modifies"
	RelExecutes      EdgeRelation = "executes"
	RelSpawns        EdgeRelation = "spawns"
	RelTerminates    EdgeRelation = "terminates"
	RelConnectsTo    EdgeRelation = "connects_to"
	RelDownloadsFrom EdgeRelation = "downloads_from"
	RelUploadsTo     EdgeRelation = "uploads_to"
	RelFetches       EdgeRelation = "fetches"
	RelContains      EdgeRelation = "contains"
	RelParentOf      EdgeRelation = "parent_of"
	RelChildOf       EdgeRelation = "child_of"
	RelUses          EdgeRelation = "uses"
	RelInvokes       EdgeRelation = "invokes"
	RelTriggers      EdgeRelation = "triggers"
	RelRelatedTo     EdgeRelation = "related_to"
)
