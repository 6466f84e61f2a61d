package session

import (
	"path/filepath"
	"strings"
)

// Tools that never mutate anything and always bypass the approval gate.
var readOnlyTools = map[string]bool{
	"Read":         true,
	"Glob":         true,
	"Grep":         true,
	"LS":           true,
	"NotebookRead": true,
	"WebFetch":     true,
	"WebSearch":    true,
	"TodoRead":     true,
}

// Tools that write files; eligible for auto-allow in auto_edits mode when
// the target path stays inside the session working directory.
var fileEditTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// Shell command prefixes considered safe to run without approval. Matched
// per pipeline segment, so "git status | head" passes and
// "git status && rm -rf /" does not.
var safeCommandPrefixes = []string{
	"git status", "git log", "git diff", "git show", "git branch",
	"ls", "cat", "head", "tail", "grep", "rg", "find", "wc",
	"pwd", "which", "echo", "curl", "sleep", "sort", "uniq",
}

// IsReadOnlyTool reports whether the call can bypass the gate in every
// permission mode.
func IsReadOnlyTool(tool string, input map[string]any) bool {
	if readOnlyTools[tool] {
		return true
	}
	if tool == "Bash" {
		cmd, _ := input["command"].(string)
		return isSafeCommand(cmd)
	}
	return false
}

// IsMutatingTool reports whether the call can change repository or system
// state. Unknown tools are treated as mutating.
func IsMutatingTool(tool string, input map[string]any) bool {
	return !IsReadOnlyTool(tool, input) && tool != "AskUserQuestion" && tool != "ExitPlanMode"
}

// EditsInsideDir reports whether a file-edit tool call targets a path
// inside dir.
func EditsInsideDir(tool string, input map[string]any, dir string) bool {
	if !fileEditTools[tool] || dir == "" {
		return false
	}
	target, _ := input["file_path"].(string)
	if target == "" {
		target, _ = input["notebook_path"].(string)
	}
	if target == "" {
		return false
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, target)
	}
	rel, err := filepath.Rel(dir, filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func isSafeCommand(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return false
	}
	// Redirections write files regardless of the command itself.
	if strings.ContainsAny(cmd, ">") {
		return false
	}
	// Substitution runs an arbitrary inner command the prefix match never
	// sees, so "cat $(rm -rf x)" must not pass as a cat.
	if strings.Contains(cmd, "$(") || strings.Contains(cmd, "`") || strings.Contains(cmd, "<(") {
		return false
	}
	for _, segment := range splitSegments(cmd) {
		if !isSafeSegment(strings.TrimSpace(segment)) {
			return false
		}
	}
	return true
}

func splitSegments(cmd string) []string {
	cmd = strings.ReplaceAll(cmd, "&&", ";")
	cmd = strings.ReplaceAll(cmd, "||", ";")
	cmd = strings.ReplaceAll(cmd, "|", ";")
	return strings.Split(cmd, ";")
}

func isSafeSegment(segment string) bool {
	if segment == "" {
		return false
	}
	if isSafeGH(segment) {
		return true
	}
	for _, prefix := range safeCommandPrefixes {
		// Whole-word match only: "ls -la" passes, "lsof" does not.
		if segment == prefix || strings.HasPrefix(segment, prefix+" ") {
			return true
		}
	}
	return false
}

// gh subcommands ending in view or list are read-only regardless of the
// resource in between ("gh pr view", "gh run list --repo x", ...).
func isSafeGH(segment string) bool {
	fields := strings.Fields(segment)
	if len(fields) < 2 || fields[0] != "gh" {
		return false
	}
	for _, f := range fields[1:] {
		if f == "view" || f == "list" {
			return true
		}
	}
	return false
}
