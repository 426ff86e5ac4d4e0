package engine

import (
	"regexp"
	"strings"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

// toolCategoryMap maps known tool names directly to categories.
var toolCategoryMap = map[string]models.EventCategory{
	// File reading tools
	"Read":      models.CategoryFileRead,
	"read_file": models.CategoryFileRead,
	"cat":       models.CategoryFileRead,
	"head":      models.CategoryFileRead,
	"tail":      models.CategoryFileRead,
	"Glob":      models.CategoryFileRead,
	"Grep":      models.CategoryFileRead,

	// File writing tools
	"Write":        models.CategoryFileWrite,
	"Edit":         models.CategoryFileWrite,
	"write_file":   models.CategoryFileWrite,
	"NotebookEdit": models.CategoryFileWrite,

	// Command execution tools
	"Bash":            models.CategoryCommandExec,
	"bash":            models.CategoryCommandExec,
	"execute_command": models.CategoryCommandExec,
	"shell":           models.CategoryCommandExec,

	// Network access tools
	"WebFetch":  models.CategoryNetworkAccess,
	"WebSearch": models.CategoryNetworkAccess,
	"fetch":     models.CategoryNetworkAccess,
	"curl":      models.CategoryNetworkAccess,
	"http":      models.CategoryNetworkAccess,

	// Subagent tools
	"Task":           models.CategorySubagentSpawn,
	"dispatch_agent": models.CategorySubagentSpawn,

	// Agent workflow / task management tools
	"TaskCreate": models.CategorySessionLifecycle,
	"TaskUpdate": models.CategorySessionLifecycle,
	"TaskList":   models.CategorySessionLifecycle,
	"TaskGet":    models.CategorySessionLifecycle,
	"TaskStop":   models.CategorySessionLifecycle,
	"TodoWrite":  models.CategorySessionLifecycle,
	"TodoRead":   models.CategorySessionLifecycle,

	// Other agent tools
	"AskUserQuestion": models.CategorySessionLifecycle,
	"Skill":           models.CategorySessionLifecycle,
	"EnterPlanMode":   models.CategorySessionLifecycle,
	"ExitPlanMode":    models.CategorySessionLifecycle,
}

type severityPattern struct {
	re       *regexp.Regexp
	severity models.Severity
}

func sp(pattern string, severity models.Severity) severityPattern {
	return severityPattern{
		re:       regexp.MustCompile(`(?i)` + pattern),
		severity: severity,
	}
}

// dangerousCommandPatterns is ordered most severe first; every match is
// folded into the running maximum.
var dangerousCommandPatterns = []severityPattern{
	// Critical commands
	sp(`rm\s+-rf\s+/`, models.SeverityCritical),
	sp(`:\(\)\{ :\|:& \};:`, models.SeverityCritical), // fork bomb
	sp(`mkfs\.`, models.SeverityCritical),
	sp(`dd\s+if=.*of=/dev/`, models.SeverityCritical),
	sp(`chmod\s+-R\s+777\s+/`, models.SeverityCritical),

	// High severity
	sp(`curl.*\|\s*(bash|sh)`, models.SeverityHigh),
	sp(`wget.*\|\s*(bash|sh)`, models.SeverityHigh),
	sp(`rm\s+-rf`, models.SeverityHigh),
	sp(`sudo\s+`, models.SeverityHigh),
	sp(`chmod\s+[0-7]*7[0-7]*`, models.SeverityHigh),
	sp(`chown\s+-R`, models.SeverityHigh),
	sp(`nc\s+-.*-e`, models.SeverityHigh), // netcat with execute
	sp(`python.*-c.*socket`, models.SeverityHigh),
	sp(`base64\s+-d.*\|`, models.SeverityHigh),

	// Evasion-resistant patterns
	sp(`python[23]?\s+-c\s+.*(?:import\s+(?:requests|urllib|http|socket)|urlopen|urlretrieve)`, models.SeverityHigh),
	sp(`node\s+-e\s+.*(?:require\s*\(\s*['"](?:http|https|net|child_process)|fetch\s*\()`, models.SeverityHigh),
	sp(`ruby\s+-e\s+.*(?:Net::HTTP|TCPSocket|open-uri|URI\.open)`, models.SeverityHigh),
	sp(`perl\s+-e\s+.*(?:LWP|IO::Socket|Net::HTTP)`, models.SeverityHigh),
	sp(`base64.*(?:\.env|\.pem|\.key|credential|secret|password|ssh)`, models.SeverityHigh),
	sp(`openssl\s+(?:enc|base64).*(?:\.env|\.pem|\.key)`, models.SeverityHigh),
	sp(`xxd.*(?:\.env|\.pem|\.key|credential)`, models.SeverityHigh),
	sp(`\$\(.*(?:curl|wget|base64|cat\s+.*\.env)`, models.SeverityHigh), // command substitution evasion
	sp(`eval\s+.*(?:curl|wget|base64|\\x)`, models.SeverityHigh),
	sp(`echo\s+[A-Za-z0-9+/=]{20,}\s*\|\s*base64\s+-d`, models.SeverityHigh),

	// Medium severity
	sp(`curl\s+`, models.SeverityMedium),
	sp(`wget\s+`, models.SeverityMedium),
	sp(`git\s+clone`, models.SeverityMedium),
	sp(`pip\s+install`, models.SeverityMedium),
	sp(`npm\s+install`, models.SeverityMedium),
	sp(`ssh\s+`, models.SeverityMedium),
	sp(`scp\s+`, models.SeverityMedium),

	// Low severity
	sp(`git\s+`, models.SeverityLow),
	sp(`ls\s+`, models.SeverityInfo),
	sp(`pwd`, models.SeverityInfo),
	sp(`echo\s+`, models.SeverityInfo),
}

// sensitiveFilePatterns rank paths that touch credential material.
var sensitiveFilePatterns = []severityPattern{
	sp(`/etc/passwd`, models.SeverityHigh),
	sp(`/etc/shadow`, models.SeverityCritical),
	sp(`\.ssh/.*`, models.SeverityHigh),
	sp(`id_rsa`, models.SeverityCritical),
	sp(`id_ed25519`, models.SeverityCritical),
	sp(`\.aws/credentials`, models.SeverityCritical),
	sp(`\.env`, models.SeverityHigh),
	sp(`\.netrc`, models.SeverityHigh),
	sp(`\.pgpass`, models.SeverityHigh),

	sp(`\.git/config`, models.SeverityMedium),
	sp(`password`, models.SeverityMedium),
	sp(`secret`, models.SeverityMedium),
	sp(`token`, models.SeverityMedium),
	sp(`api.?key`, models.SeverityMedium),

	sp(`\.bashrc`, models.SeverityLow),
	sp(`\.zshrc`, models.SeverityLow),
	sp(`\.profile`, models.SeverityLow),
}

var networkCommands = []string{
	"curl", "wget", "ssh", "scp", "rsync", "nc", "netcat",
	"ping", "traceroute", "dig", "nslookup", "host",
	"ftp", "sftp", "telnet",
}

var (
	commandPathRe = regexp.MustCompile(`(?:^|\s)(/[^\s;|&><]+|\.?\.?/[^\s;|&><]+)`)
	commandURLRe  = regexp.MustCompile(`https?://[^\s"'>]+`)
	ipv4Re        = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// Classify infers the category of an event from its tool name, tool input
// shape, and hook kind.
func Classify(e *models.Event) models.EventCategory {
	if e.ToolName != "" {
		if cat, ok := toolCategoryMap[e.ToolName]; ok {
			return cat
		}
	}

	input := e.ToolInput
	if _, ok := input["file_path"]; ok {
		return fileCategory(input)
	}
	if _, ok := input["path"]; ok {
		return fileCategory(input)
	}

	if cmd, ok := input["command"].(string); ok {
		if isNetworkCommand(cmd) {
			return models.CategoryNetworkAccess
		}
		return models.CategoryCommandExec
	}

	if _, ok := input["url"]; ok {
		return models.CategoryNetworkAccess
	}

	switch e.HookType {
	case models.HookSessionStart, models.HookSessionEnd,
		models.HookPermissionRequest, models.HookUserPromptSubmit:
		return models.CategorySessionLifecycle
	case models.HookSubagentStart, models.HookSubagentStop:
		return models.CategorySubagentSpawn
	}

	return models.CategoryUnknown
}

func fileCategory(input map[string]any) models.EventCategory {
	if _, ok := input["content"]; ok {
		return models.CategoryFileWrite
	}
	if _, ok := input["new_string"]; ok {
		return models.CategoryFileWrite
	}
	return models.CategoryFileRead
}

// ComputeSeverity takes the maximum severity over the command patterns, the
// sensitive-file patterns, and the category floors (network at least low,
// subagent spawn at least medium).
func ComputeSeverity(e *models.Event) models.Severity {
	maxSev := models.SeverityInfo

	if e.Category == models.CategoryCommandExec {
		if cmd := e.InputString("command"); cmd != "" {
			for _, p := range dangerousCommandPatterns {
				if p.re.MatchString(cmd) {
					maxSev = maxSev.Max(p.severity)
				}
			}
		}
	}

	paths := e.FilePaths
	if fp := e.InputString("file_path"); fp != "" {
		paths = append([]string{fp}, paths...)
	} else if fp := e.InputString("path"); fp != "" {
		paths = append([]string{fp}, paths...)
	}
	for _, path := range paths {
		for _, p := range sensitiveFilePatterns {
			if p.re.MatchString(path) {
				maxSev = maxSev.Max(p.severity)
			}
		}
	}

	if e.Category == models.CategoryNetworkAccess {
		maxSev = maxSev.Max(models.SeverityLow)
	}
	if e.Category == models.CategorySubagentSpawn {
		maxSev = maxSev.Max(models.SeverityMedium)
	}

	return maxSev
}

func isNetworkCommand(command string) bool {
	lower := strings.ToLower(command)
	for _, cmd := range networkCommands {
		if strings.Contains(lower, cmd) {
			return true
		}
	}
	return false
}

// ExtractFilePaths pulls file paths from the direct path fields, Glob
// patterns, and path-shaped tokens in shell commands. Deduplicated,
// first-seen order.
func ExtractFilePaths(e *models.Event) []string {
	var paths []string
	for _, field := range []string{"file_path", "path", "notebook_path"} {
		if v := e.InputString(field); v != "" {
			paths = append(paths, v)
		}
	}
	if e.ToolName == "Glob" {
		if v := e.InputString("pattern"); v != "" {
			paths = append(paths, v)
		}
	}
	if cmd := e.InputString("command"); cmd != "" {
		for _, m := range commandPathRe.FindAllStringSubmatch(cmd, -1) {
			paths = append(paths, m[1])
		}
	}
	return dedup(paths)
}

// ExtractCommands returns the command field if present.
func ExtractCommands(e *models.Event) []string {
	if cmd := e.InputString("command"); cmd != "" {
		return []string{cmd}
	}
	return nil
}

// ExtractURLs pulls the url field plus any http(s) URLs inside a command.
func ExtractURLs(e *models.Event) []string {
	var urls []string
	if u := e.InputString("url"); u != "" {
		urls = append(urls, u)
	}
	if cmd := e.InputString("command"); cmd != "" {
		urls = append(urls, commandURLRe.FindAllString(cmd, -1)...)
	}
	return dedup(urls)
}

// ExtractIPAddresses pulls IPv4 literals from command and URL fields.
func ExtractIPAddresses(e *models.Event) []string {
	var ips []string
	if cmd := e.InputString("command"); cmd != "" {
		ips = append(ips, ipv4Re.FindAllString(cmd, -1)...)
	}
	if u := e.InputString("url"); u != "" {
		ips = append(ips, ipv4Re.FindAllString(u, -1)...)
	}
	return dedup(ips)
}

// Enrich populates the extracted lists, category, severity, and the
// enriched flag. Idempotent: re-running it on an enriched event computes
// the same values.
func Enrich(e *models.Event) {
	e.FilePaths = ExtractFilePaths(e)
	e.Commands = ExtractCommands(e)
	e.URLs = ExtractURLs(e)
	e.IPAddresses = ExtractIPAddresses(e)
	if e.FilePaths == nil {
		e.FilePaths = []string{}
	}
	if e.Commands == nil {
		e.Commands = []string{}
	}
	if e.URLs == nil {
		e.URLs = []string{}
	}
	if e.IPAddresses == nil {
		e.IPAddresses = []string{}
	}
	e.Category = Classify(e)
	e.Severity = ComputeSeverity(e)
	e.Enriched = true
}

func dedup(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
