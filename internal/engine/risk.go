package engine

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

type riskSignal struct {
	re     *regexp.Regexp
	weight int
}

func rs(pattern string, weight int) riskSignal {
	return riskSignal{re: regexp.MustCompile(`(?i)` + pattern), weight: weight}
}

// fileRiskSignals score file paths. First match per path wins.
var fileRiskSignals = []riskSignal{
	// Cryptographic keys / SSH
	rs(`\.ssh/(id_|authorized_keys|known_hosts)`, 15),
	rs(`\.(pem|key|p12|pfx|jks|keystore)$`, 12),
	// Cloud / service credentials
	rs(`\.aws/(credentials|config)`, 15),
	rs(`\.gcloud/|\.azure/|\.kube/config`, 12),
	rs(`\.git-credentials|\.netrc`, 12),
	// Env / secret files
	rs(`\.env(\.\w+)?$`, 10),
	rs(`(secret|credential|password|token)s?(\.\w+)?$`, 10),
	// System sensitive
	rs(`/etc/(passwd|shadow|sudoers)`, 10),
	rs(`/proc/(self|[0-9]+)/(environ|maps|cmdline)`, 8),
	// Browser / app data
	rs(`(cookies|login\s*data|\.gnupg)`, 8),
}

// cmdRiskSignals score commands. A command can match several signals and
// the weights stack.
var cmdRiskSignals = []riskSignal{
	// Reverse shells
	rs(`/dev/tcp/|/dev/udp/`, 25),
	rs(`nc\b.*-e\s+/bin/|ncat\b.*-e\s+/bin/`, 25),
	rs(`mkfifo.*nc\b|socat\b.*exec:`, 25),
	// Download-and-execute
	rs(`curl\b.*\|\s*(ba)?sh|wget\b.*\|\s*(ba)?sh`, 20),
	rs(`curl\b.*-o\s+\S+.*&&.*chmod\s+\+x`, 20),
	// Data exfiltration
	rs(`curl\b.*(-F|--data|--upload-file)\s+.*@`, 18),
	rs(`curl\b.*\|\s*base64`, 15),
	// Encoding / obfuscation
	rs(`base64\b.*(-d|--decode|encode)`, 10),
	rs("\\beval\\b.*\\$\\(|`.*`.*\\beval\\b", 12),
	// Interpreter one-liners with network
	rs(`python[23]?\s+-c\s+.*\b(requests|urllib|socket)\b`, 12),
	rs(`node\s+-e\s+.*\bfetch\b`, 10),
	rs(`ruby\s+-e\s+.*\bNet::HTTP\b`, 10),
	// Privilege escalation
	rs(`\bsudo\b.*chmod\s+[0-7]*[4-7][0-7]{2}|chown\s+root`, 8),
	rs(`\bchmod\b.*\+s\b`, 10),
	// Recon
	rs(`\bwhoami\b|\bid\b|\buname\b.*-a`, 3),
}

// searchRiskSignals score Grep/Search patterns hunting for credentials.
var searchRiskSignals = []riskSignal{
	rs(`password|passwd|api_key|api.key|secret.key|token`, 8),
	rs(`AKIA[0-9A-Z]|aws_secret|aws_access`, 12),
	rs(`BEGIN\s+(RSA|DSA|EC|OPENSSH)\s+PRIVATE`, 15),
	rs(`ghp_[A-Za-z0-9]|github_pat_`, 10),
}

var (
	rawIPURLRe = regexp.MustCompile(`^https?://(\d+\.\d+\.\d+\.\d+)`)
	exfilHostRe = regexp.MustCompile(`(?i)(pastebin|requestbin|ngrok|burp|interact\.sh|oast)`)
)

const (
	rawIPURLWeight   = 8
	exfilHostWeight  = 12
	externalIPWeight = 6
)

// ComputeEventRisk sums signal weights over the event's file paths,
// commands, search patterns, URLs, and IP addresses. Benign activity
// matches nothing and scores zero.
func ComputeEventRisk(e *models.Event) int {
	score := 0

	for _, fp := range e.FilePaths {
		for _, sig := range fileRiskSignals {
			if sig.re.MatchString(fp) {
				score += sig.weight
				break
			}
		}
	}

	for _, cmd := range e.Commands {
		for _, sig := range cmdRiskSignals {
			if sig.re.MatchString(cmd) {
				score += sig.weight
			}
		}
	}

	if e.ToolName == "Grep" || e.ToolName == "Search" {
		if pattern := e.InputString("pattern"); pattern != "" {
			for _, sig := range searchRiskSignals {
				if sig.re.MatchString(pattern) {
					score += sig.weight
				}
			}
		}
	}

	for _, url := range e.URLs {
		if m := rawIPURLRe.FindStringSubmatch(url); m != nil && !isPrivateIP(m[1]) {
			score += rawIPURLWeight
		} else if exfilHostRe.MatchString(url) {
			score += exfilHostWeight
		}
	}

	for _, ip := range e.IPAddresses {
		if !isPrivateIP(ip) {
			score += externalIPWeight
		}
	}

	return score
}

// isPrivateIP treats loopback, RFC1918, and the 0.0.0.0/8 range as
// internal. Only 172.16.0.0/12 is private, not all of 172/8.
func isPrivateIP(ip string) bool {
	for _, prefix := range []string{"127.", "0.", "10.", "192.168."} {
		if strings.HasPrefix(ip, prefix) {
			return true
		}
	}
	if rest, ok := strings.CutPrefix(ip, "172."); ok {
		if octet, _, found := strings.Cut(rest, "."); found {
			if n, err := strconv.Atoi(octet); err == nil && n >= 16 && n <= 31 {
				return true
			}
		}
	}
	return false
}
