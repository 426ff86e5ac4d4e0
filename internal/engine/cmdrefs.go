package engine

import (
	"regexp"
	"strings"
)

// FileRef is a file a shell command touches, with the role the command
// plays against it.
type FileRef struct {
	Path string
	Role string
}

// File reference roles.
const (
	RoleRead    = "read"
	RoleWrite   = "write"
	RoleExecute = "execute"
)

var (
	downloadOutputRe = regexp.MustCompile(`(?:curl|wget)\s+.*?(?:-o|-O|--output[= ])\s*(\S+)`)
	redirectRe       = regexp.MustCompile(`(?:\d|&)?>>?\s*([^\s;|&]+)`)
	teeRe            = regexp.MustCompile(`tee\s+(?:-a\s+)?(\S+)`)
	copyMoveRe       = regexp.MustCompile(`(?:cp|mv)\s+(?:-\w+\s+)*(\S+)\s+(\S+)`)

	interpreterRe = regexp.MustCompile(`(?:^|[;|&]\s*)(?:bash|sh|zsh|python3?|node|ruby|perl)\s+([^\s;|&-]\S*)`)
	dotSlashRe    = regexp.MustCompile(`(?:^|[;|&]\s*)(\./[^\s;|&]+)`)
	sourceRe      = regexp.MustCompile(`(?:source|\.)\s+([^\s;|&]+)`)
	chmodExecRe   = regexp.MustCompile(`chmod\s+\+x\s+(\S+)`)

	readToolRe  = regexp.MustCompile(`(?:cat|less|more|head|tail|sort|wc|md5sum|sha256sum)\s+(?:-\w+\s+)*([^\s;|&-]\S*)`)
	stdinRe     = regexp.MustCompile(`<\s*([^\s;|&<]+)`)
	curlDataRe  = regexp.MustCompile(`-d\s+@(\S+)`)
)

// ExtractCommandFileRefs parses a shell command for the files it writes,
// executes, and reads. Best effort over common shapes (redirections, tee,
// cp/mv, interpreters, source, here-strings, curl -d @file); deduplicated
// by (path, role).
func ExtractCommandFileRefs(command string) []FileRef {
	if command == "" {
		return nil
	}
	var refs []FileRef
	add := func(path, role string) {
		if path != "" {
			refs = append(refs, FileRef{Path: path, Role: role})
		}
	}

	for _, m := range downloadOutputRe.FindAllStringSubmatch(command, -1) {
		add(m[1], RoleWrite)
	}
	for _, m := range redirectRe.FindAllStringSubmatch(command, -1) {
		// Skip stderr merges and device sinks.
		if m[1] == "-" || strings.HasPrefix(m[1], "/dev/") {
			continue
		}
		add(m[1], RoleWrite)
	}
	for _, m := range teeRe.FindAllStringSubmatch(command, -1) {
		add(m[1], RoleWrite)
	}
	for _, m := range copyMoveRe.FindAllStringSubmatch(command, -1) {
		add(m[1], RoleRead)
		add(m[2], RoleWrite)
	}

	for _, m := range interpreterRe.FindAllStringSubmatch(command, -1) {
		add(m[1], RoleExecute)
	}
	for _, m := range dotSlashRe.FindAllStringSubmatch(command, -1) {
		add(m[1], RoleExecute)
	}
	for _, m := range sourceRe.FindAllStringSubmatch(command, -1) {
		add(m[1], RoleExecute)
	}
	for _, m := range chmodExecRe.FindAllStringSubmatch(command, -1) {
		add(m[1], RoleExecute)
	}

	for _, m := range readToolRe.FindAllStringSubmatch(command, -1) {
		add(m[1], RoleRead)
	}
	for _, idx := range stdinRe.FindAllStringSubmatchIndex(command, -1) {
		// Skip heredocs: "<<" is not a file redirection.
		if idx[0] > 0 && command[idx[0]-1] == '<' {
			continue
		}
		add(command[idx[2]:idx[3]], RoleRead)
	}
	for _, m := range curlDataRe.FindAllStringSubmatch(command, -1) {
		add(m[1], RoleRead)
	}

	seen := make(map[FileRef]bool, len(refs))
	out := refs[:0]
	for _, r := range refs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
