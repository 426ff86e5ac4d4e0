package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

// PolicyStore is the slice of the store the seeder writes through.
type PolicyStore interface {
	SavePolicy(p *models.Policy) error
}

// SeedDefaultPolicies upserts the built-in detection policies by name.
// Safe to run on every startup; existing policies are updated in place and
// operator edits to non-identity fields are overwritten.
func SeedDefaultPolicies(store PolicyStore) int {
	count := 0
	for _, p := range defaultPolicies() {
		if err := store.SavePolicy(p); err != nil {
			log.Error().Err(err).Str("policy", p.Name).Msg("Failed to seed policy")
			continue
		}
		count++
	}
	log.Info().Int("count", count).Msg("Seeded default policies")
	return count
}

func blockPolicy(name, description, pattern string, tags []string) *models.Policy {
	p := models.NewPolicy(name)
	p.Description = description
	p.Categories = []models.EventCategory{models.CategoryCommandExec}
	p.Conditions = []models.RuleCondition{{
		Field:         "tool_input.command",
		Operator:      models.OpMatches,
		Value:         pattern,
		CaseSensitive: true,
	}}
	p.Action = models.ActionBlock
	p.Severity = models.SeverityCritical
	p.AlertTitle = name
	p.AlertDescription = description
	p.Tags = tags
	return p
}

func defaultPolicies() []*models.Policy {
	exfil := blockPolicy(
		"[EXFIL-001] Sensitive file exfiltration",
		"Blocks commands that send credential material (.env, key files, SSH identities) to the network.",
		`(curl|wget|fetch)\s+.*(\.(env|pem|key)|credentials|secrets|password|api_key|\.ssh/id_)`,
		[]string{"exfiltration", "credentials"},
	)
	exfil.AlertTitle = "Data exfiltration pattern"

	execPipe := blockPolicy(
		"[EXEC-001] Download and execute",
		"Blocks piping a remote download straight into an interpreter.",
		`(curl|wget)\s+.*\|\s*(bash|sh|python|perl|ruby)`,
		[]string{"download-execute", "malware"},
	)

	credRead := models.NewPolicy("[CRED-001] Credential file access")
	credRead.Description = "Alerts when a credential or key file is read directly."
	credRead.Categories = []models.EventCategory{models.CategoryFileRead}
	credRead.Conditions = []models.RuleCondition{{
		Field:         "tool_input.file_path",
		Operator:      models.OpMatches,
		Value:         `(\.env(\.\w+)?$|\.pem$|id_rsa|id_ed25519|\.aws/credentials|\.netrc|\.pgpass|\.git-credentials)`,
		CaseSensitive: true,
	}}
	credRead.Severity = models.SeverityHigh
	credRead.AlertTitle = "Credential file accessed"
	credRead.AlertDescription = "A file holding credentials or private keys was read by the agent."
	credRead.Tags = []string{"credentials", "file-access"}

	sysRead := models.NewPolicy("[SYS-001] System account file access")
	sysRead.Description = "Alerts on reads of system account databases."
	sysRead.Categories = []models.EventCategory{models.CategoryFileRead}
	sysRead.Conditions = []models.RuleCondition{{
		Field:         "tool_input.file_path",
		Operator:      models.OpMatches,
		Value:         `/etc/(passwd|shadow|sudoers)`,
		CaseSensitive: true,
	}}
	sysRead.Severity = models.SeverityHigh
	sysRead.AlertTitle = "System account file accessed"
	sysRead.AlertDescription = "The agent read /etc/passwd, /etc/shadow, or /etc/sudoers."
	sysRead.Tags = []string{"reconnaissance", "file-access"}

	oneLiner := models.NewPolicy("[EXEC-002] Network interpreter one-liner")
	oneLiner.Description = "Alerts on interpreter one-liners that import networking modules, a common evasion of plain curl/wget detection."
	oneLiner.Categories = []models.EventCategory{models.CategoryCommandExec}
	oneLiner.Conditions = []models.RuleCondition{
		{
			Field:         "tool_input.command",
			Operator:      models.OpMatches,
			Value:         `python[23]?\s+-c\s+.*(import\s+(requests|urllib|http|socket)|urlopen)`,
			CaseSensitive: true,
		},
		{
			Field:         "tool_input.command",
			Operator:      models.OpMatches,
			Value:         `node\s+-e\s+.*(require\s*\(\s*['"](http|https|net)|fetch\s*\()`,
			CaseSensitive: true,
		},
	}
	oneLiner.ConditionLogic = "any"
	oneLiner.Severity = models.SeverityHigh
	oneLiner.AlertTitle = "Interpreter one-liner with network access"
	oneLiner.AlertDescription = "A python/node one-liner importing networking primitives was executed."
	oneLiner.Tags = []string{"evasion", "network"}

	encoding := models.NewPolicy("[ENC-001] Secret material encoding")
	encoding.Description = "Alerts when base64/xxd/openssl is pointed at credential files, a staging step for exfiltration."
	encoding.Categories = []models.EventCategory{models.CategoryCommandExec}
	encoding.Conditions = []models.RuleCondition{{
		Field:         "tool_input.command",
		Operator:      models.OpMatches,
		Value:         `(base64|xxd|openssl\s+(enc|base64)).*(\.env|\.pem|\.key|credential|secret|password|\.ssh)`,
		CaseSensitive: true,
	}}
	encoding.Severity = models.SeverityHigh
	encoding.AlertTitle = "Secret material encoded"
	encoding.AlertDescription = "An encoding tool was run against credential files."
	encoding.Tags = []string{"exfiltration", "encoding", "evasion"}

	skipPerms := models.NewPolicy("[SESSION-001] Dangerous skip permissions mode")
	skipPerms.Description = "Alerts when a session starts with permission checks bypassed. " +
		"Sessions running without permission checks can execute any tool without user " +
		"approval, making them high-risk for uncontrolled file writes, command execution, " +
		"and network access."
	skipPerms.Conditions = []models.RuleCondition{
		{
			Field:         "hook_type",
			Operator:      models.OpEquals,
			Value:         "SessionStart",
			CaseSensitive: true,
		},
		{
			Field:    "permission_mode",
			Operator: models.OpMatches,
			Value:    `(?i)(dangerously.*skip|bypass|none|disabled)`,
		},
	}
	skipPerms.Severity = models.SeverityCritical
	skipPerms.AlertTitle = "Session started with permissions bypassed"
	skipPerms.AlertDescription = "A session was started with permission prompts disabled. " +
		"All tool executions in this session will proceed without user approval. " +
		"Monitor this session closely for unauthorized actions."
	skipPerms.Tags = []string{"permissions", "session-security", "skip-permissions", "high-risk"}

	return []*models.Policy{exfil, execPipe, credRead, sysRead, oneLiner, encoding, skipPerms}
}

// customRuleFile is the on-disk shape of an operator-supplied rules file.
type customRuleFile struct {
	Rules []customRule `json:"rules"`
}

type customRule struct {
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	Enabled          *bool                  `json:"enabled"`
	Categories       []string               `json:"categories"`
	Tools            []string               `json:"tools"`
	Conditions       []models.RuleCondition `json:"conditions"`
	ConditionLogic   string                 `json:"condition_logic"`
	Action           string                 `json:"action"`
	Severity         string                 `json:"severity"`
	AlertTitle       string                 `json:"alert_title"`
	AlertDescription string                 `json:"alert_description"`
	Tags             []string               `json:"tags"`
}

// SeedCustomRules loads operator-defined policies from a JSON file and
// upserts them by name. A missing file is not an error; a malformed one is.
func SeedCustomRules(store PolicyStore, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read rules file: %w", err)
	}
	var file customRuleFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return 0, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	count := 0
	for _, r := range file.Rules {
		if r.Name == "" {
			log.Warn().Str("path", path).Msg("Skipping custom rule without a name")
			continue
		}
		p := models.NewPolicy(r.Name)
		p.Description = r.Description
		if r.Enabled != nil {
			p.Enabled = *r.Enabled
		}
		for _, c := range r.Categories {
			if !models.ValidCategory(c) {
				log.Warn().Str("policy", r.Name).Str("category", c).Msg("Skipping unknown category")
				continue
			}
			p.Categories = append(p.Categories, models.EventCategory(c))
		}
		p.Tools = r.Tools
		p.Conditions = r.Conditions
		if r.ConditionLogic != "" {
			p.ConditionLogic = r.ConditionLogic
		}
		if r.Action != "" {
			p.Action = models.PolicyAction(r.Action)
		}
		if r.Severity != "" {
			p.Severity = models.Severity(r.Severity)
		}
		p.AlertTitle = r.AlertTitle
		p.AlertDescription = r.AlertDescription
		p.Tags = r.Tags
		if err := store.SavePolicy(p); err != nil {
			log.Error().Err(err).Str("policy", p.Name).Msg("Failed to seed custom rule")
			continue
		}
		count++
	}
	log.Info().Int("count", count).Str("path", path).Msg("Seeded custom rules")
	return count, nil
}

// WatchRules re-seeds custom rules and refreshes the engine's policy cache
// whenever the rules file changes. Returns after the context is cancelled.
func WatchRules(ctx context.Context, store PolicyStore, engine *Engine, path string) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch rules file %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("Watching rules file for changes")

	// Editors replace rather than modify in place, so debounce briefly and
	// re-add the path after a rename.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Rename != 0 {
				_ = watcher.Add(path)
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Rules watcher error")
		case <-pending:
			pending = nil
			if _, err := SeedCustomRules(store, path); err != nil {
				log.Error().Err(err).Msg("Failed to reload custom rules")
				continue
			}
			engine.ReloadPolicies()
		}
	}
}
