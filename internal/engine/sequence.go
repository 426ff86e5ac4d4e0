package engine

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

const maxSequenceBuffer = 500

// BufferedEvent is one entry in a session's sliding window.
type BufferedEvent struct {
	EventID   uuid.UUID
	Timestamp time.Time
	Data      map[string]any
}

// SequenceMatch pairs a fired rule with the events that satisfied its
// steps, in step order.
type SequenceMatch struct {
	Rule   *models.SequenceRule
	Events []BufferedEvent
}

// SequenceTracker keeps a bounded sliding window of recent events per
// session and detects multi-step behavioral patterns. A rule fires at most
// once per session until ResetSession clears the dedup state.
//
// The engine worker is the only writer in normal operation, but the mutex
// keeps the tracker safe should processing ever be parallelized.
type SequenceTracker struct {
	mu      sync.Mutex
	rules   []*models.SequenceRule
	buffers map[string][]BufferedEvent
	fired   map[firedKey]bool
}

type firedKey struct {
	ruleID    string
	sessionID string
}

// NewSequenceTracker returns an empty tracker with no rules loaded.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{
		buffers: make(map[string][]BufferedEvent),
		fired:   make(map[firedKey]bool),
	}
}

// LoadRules replaces the rule set, keeping only enabled rules.
func (t *SequenceTracker) LoadRules(rules []*models.SequenceRule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = rules
	log.Info().Int("count", len(rules)).Msg("Loaded sequence rules")
}

// TrackEvent appends an event to its session window and returns any rules
// that newly completed.
func (t *SequenceTracker) TrackEvent(eventID uuid.UUID, sessionID string, ts time.Time, data map[string]any) []SequenceMatch {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := append(t.buffers[sessionID], BufferedEvent{
		EventID:   eventID,
		Timestamp: ts,
		Data:      data,
	})
	if len(buf) > maxSequenceBuffer {
		buf = buf[len(buf)-maxSequenceBuffer:]
	}

	// Evict entries older than the widest window any rule needs.
	maxWindow := 300
	for _, r := range t.rules {
		if r.WindowSeconds > maxWindow {
			maxWindow = r.WindowSeconds
		}
	}
	cutoff := ts.Add(-time.Duration(maxWindow) * time.Second)
	start := 0
	for start < len(buf) && buf[start].Timestamp.Before(cutoff) {
		start++
	}
	buf = buf[start:]
	t.buffers[sessionID] = buf

	var matches []SequenceMatch
	for _, rule := range t.rules {
		events := t.checkRule(rule, buf, ts)
		if events == nil {
			continue
		}
		key := firedKey{rule.ID, sessionID}
		if t.fired[key] {
			continue
		}
		t.fired[key] = true
		matches = append(matches, SequenceMatch{Rule: rule, Events: events})
		log.Info().
			Str("rule", rule.ID).
			Str("name", rule.Name).
			Str("session_id", sessionID).
			Msg("Sequence detected")
	}
	return matches
}

// ResetSession clears a session's window and lets its rules fire again.
func (t *SequenceTracker) ResetSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buffers, sessionID)
	for key := range t.fired {
		if key.sessionID == sessionID {
			delete(t.fired, key)
		}
	}
}

// checkRule returns the matching events in step order, or nil when the
// rule is not satisfied inside its window.
func (t *SequenceTracker) checkRule(rule *models.SequenceRule, buf []BufferedEvent, now time.Time) []BufferedEvent {
	if len(buf) == 0 || len(rule.Steps) == 0 {
		return nil
	}
	cutoff := now.Add(-time.Duration(rule.WindowSeconds) * time.Second)
	var window []BufferedEvent
	for _, e := range buf {
		if !e.Timestamp.Before(cutoff) {
			window = append(window, e)
		}
	}
	if len(window) == 0 {
		return nil
	}

	stepMatches := make([][]BufferedEvent, 0, len(rule.Steps))
	for i := range rule.Steps {
		var matching []BufferedEvent
		for _, e := range window {
			if stepMatchesEvent(&rule.Steps[i], e.Data) {
				matching = append(matching, e)
			}
		}
		if len(matching) == 0 {
			return nil
		}
		stepMatches = append(stepMatches, matching)
	}

	if !rule.Ordered {
		result := make([]BufferedEvent, len(stepMatches))
		for i, matching := range stepMatches {
			result[i] = matching[0]
		}
		return result
	}
	return findOrderedMatch(stepMatches)
}

// stepMatchesEvent checks the category allowlist and every field pattern.
// Patterns are case-insensitive regexes; list-valued fields match if any
// element does.
func stepMatchesEvent(step *models.SequenceStep, data map[string]any) bool {
	if len(step.Categories) > 0 {
		cat, _ := data["category"].(string)
		if !containsCategory(step.Categories, cat) {
			return false
		}
	}
	for fieldPath, pattern := range step.FieldPatterns {
		value := lookupPath(data, fieldPath)
		if value == nil {
			return false
		}
		re, err := regexp.Compile(`(?i)` + pattern)
		if err != nil {
			return false
		}
		matched := false
		for _, elem := range scalarValues(value) {
			if re.MatchString(stringify(elem)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// findOrderedMatch runs a greedy forward scan: per step, the earliest
// event not before the previously picked one.
func findOrderedMatch(stepMatches [][]BufferedEvent) []BufferedEvent {
	result := make([]BufferedEvent, 0, len(stepMatches))
	var lastTime time.Time
	for _, matching := range stepMatches {
		sorted := append([]BufferedEvent(nil), matching...)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})
		found := false
		for _, e := range sorted {
			if len(result) == 0 || !e.Timestamp.Before(lastTime) {
				result = append(result, e)
				lastTime = e.Timestamp
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	}
	return result
}

// DefaultSequenceRules returns the built-in multi-step detections.
func DefaultSequenceRules() []*models.SequenceRule {
	return []*models.SequenceRule{
		{
			ID:   "SEQ-EXFIL-001",
			Name: "Data exfiltration: sensitive file read then network access",
			Description: "Detects when a sensitive file (.env, .pem, credentials, SSH keys) " +
				"is read followed by any network access within the time window.",
			Steps: []models.SequenceStep{
				{
					Label:      "Read sensitive file",
					Categories: []models.EventCategory{models.CategoryFileRead},
					FieldPatterns: map[string]string{
						"file_paths": `(\.(env|pem|key)|credentials|secrets|password|api_key|\.ssh/id_)`,
					},
				},
				{
					Label:      "Network access",
					Categories: []models.EventCategory{models.CategoryNetworkAccess, models.CategoryCommandExec},
					FieldPatterns: map[string]string{
						"commands": `(curl|wget|fetch|requests\.|http\.client|urllib|aiohttp|node\s+-e|python.*import\s+(requests|urllib|http))`,
					},
				},
			},
			WindowSeconds: 300,
			Ordered:       true,
			Action:        models.ActionAlert,
			Severity:      models.SeverityCritical,
			AlertTitle:    "Data exfiltration pattern detected",
			AlertDescription: "A sensitive file was read followed by network access. " +
				"This sequence matches the classic data exfiltration pattern " +
				"where credentials or secrets are stolen and transmitted externally.",
			Tags: []string{"exfiltration", "sequence", "data-theft"},
		},
		{
			ID:   "SEQ-EXFIL-002",
			Name: "Staged exfiltration: file copy, encode, network",
			Description: "Detects multi-step exfiltration where files are first copied or " +
				"encoded (base64, xxd, tar) and then sent over the network.",
			Steps: []models.SequenceStep{
				{
					Label:      "Encode or archive sensitive data",
					Categories: []models.EventCategory{models.CategoryCommandExec},
					FieldPatterns: map[string]string{
						"commands": `(base64|xxd|tar\s+[czf]|zip|gzip|openssl\s+(enc|base64)).*(\.(env|pem|key|json|conf)|credentials|secrets|\.ssh)`,
					},
				},
				{
					Label:      "Network transmission",
					Categories: []models.EventCategory{models.CategoryCommandExec, models.CategoryNetworkAccess},
					FieldPatterns: map[string]string{
						"commands": `(curl|wget|nc\s|ncat|python.*socket|ruby.*TCPSocket)`,
					},
				},
			},
			WindowSeconds: 300,
			Ordered:       true,
			Action:        models.ActionAlert,
			Severity:      models.SeverityCritical,
			AlertTitle:    "Staged data exfiltration detected",
			AlertDescription: "Data was encoded or archived and then transmitted over the network. " +
				"This multi-step pattern is used to evade simple exfiltration detection.",
			Tags: []string{"exfiltration", "sequence", "encoding", "evasion"},
		},
		{
			ID:   "SEQ-EXEC-001",
			Name: "Download and execute",
			Description: "Detects when a file is downloaded (curl -o, wget) followed by " +
				"execution (bash, python, chmod +x) within the time window.",
			Steps: []models.SequenceStep{
				{
					Label:      "Download file",
					Categories: []models.EventCategory{models.CategoryCommandExec, models.CategoryNetworkAccess},
					FieldPatterns: map[string]string{
						"commands": `(curl\s+.*-[oO]\s|wget\s|fetch\s+.*-o\s)`,
					},
				},
				{
					Label:      "Execute downloaded file",
					Categories: []models.EventCategory{models.CategoryCommandExec},
					FieldPatterns: map[string]string{
						"commands": `(bash|sh|python[23]?|perl|ruby|chmod\s+\+x)\s+`,
					},
				},
			},
			WindowSeconds: 120,
			Ordered:       true,
			Action:        models.ActionAlert,
			Severity:      models.SeverityCritical,
			AlertTitle:    "Download and execute pattern detected",
			AlertDescription: "A file was downloaded and then executed. This is a common " +
				"malware deployment technique.",
			Tags: []string{"download-execute", "sequence", "malware"},
		},
		{
			ID:   "SEQ-RECON-001",
			Name: "Reconnaissance then privilege escalation",
			Description: "Detects reconnaissance (reading system files like /etc/passwd, " +
				"/proc) followed by privilege escalation attempts (sudo, chmod +s).",
			Steps: []models.SequenceStep{
				{
					Label:      "System reconnaissance",
					Categories: []models.EventCategory{models.CategoryFileRead},
					FieldPatterns: map[string]string{
						"file_paths": `^(/etc/(passwd|shadow|sudoers|group|hosts)|/proc/)`,
					},
				},
				{
					Label:      "Privilege escalation attempt",
					Categories: []models.EventCategory{models.CategoryCommandExec},
					FieldPatterns: map[string]string{
						"commands": `(sudo\s|chmod\s+\+s|chmod\s+777|chown\s+root|setuid|pkexec|doas\s)`,
					},
				},
			},
			WindowSeconds: 600,
			Ordered:       true,
			Action:        models.ActionAlert,
			Severity:      models.SeverityHigh,
			AlertTitle:    "Reconnaissance followed by privilege escalation",
			AlertDescription: "System files were read for reconnaissance followed by a " +
				"privilege escalation attempt. This sequence indicates a " +
				"deliberate attack progression.",
			Tags: []string{"reconnaissance", "sequence", "privilege-escalation"},
		},
		{
			ID:   "SEQ-PERSIST-001",
			Name: "Persistence installation",
			Description: "Detects writing to persistence locations (cron, systemd, " +
				"shell profiles, launchd) after downloading or creating a script.",
			Steps: []models.SequenceStep{
				{
					Label:      "Create or download script",
					Categories: []models.EventCategory{models.CategoryFileWrite, models.CategoryCommandExec},
					FieldPatterns: map[string]string{
						"file_paths": `\.(sh|py|pl|rb|js)$`,
					},
				},
				{
					Label:      "Install persistence",
					Categories: []models.EventCategory{models.CategoryFileWrite, models.CategoryCommandExec},
					FieldPatterns: map[string]string{
						"file_paths": `(cron|systemd|launchd|\.bashrc|\.zshrc|\.profile|\.bash_profile|/etc/init\.d|LaunchAgents|LaunchDaemons)`,
					},
				},
			},
			WindowSeconds: 600,
			Ordered:       true,
			Action:        models.ActionAlert,
			Severity:      models.SeverityHigh,
			AlertTitle:    "Persistence mechanism installed",
			AlertDescription: "A script was created and then installed into a persistence " +
				"location (cron, systemd, shell profile, launchd). This indicates " +
				"an attempt to maintain access across reboots.",
			Tags: []string{"persistence", "sequence", "backdoor"},
		},
	}
}
