package session

import "testing"

func TestIsReadOnlyTool(t *testing.T) {
	tests := []struct {
		tool string
		cmd  string
		want bool
	}{
		{"Read", "", true},
		{"Grep", "", true},
		{"Write", "", false},
		{"Edit", "", false},
		{"Bash", "git status", true},
		{"Bash", "git log --oneline -20", true},
		{"Bash", "gh pr view 42", true},
		{"Bash", "gh run list --limit 5", true},
		{"Bash", "gh pr merge 42", false},
		{"Bash", "curl https://example.com", true},
		{"Bash", "sleep 5", true},
		{"Bash", "head -20 main.go", true},
		{"Bash", "tail -f log.txt", true},
		{"Bash", "git status | head -5", true},
		{"Bash", "git status && rm -rf /", false},
		{"Bash", "cat $(rm -rf /tmp/x)", false},
		{"Bash", "echo `rm -rf /tmp/x`", false},
		{"Bash", "cat <(rm -rf /tmp/x)", false},
		{"Bash", "ls > files.txt", false},
		{"Bash", "rm file.txt", false},
		{"Bash", "git push origin main", false},
		{"Bash", "", false},
	}
	for _, tt := range tests {
		input := map[string]any{}
		if tt.cmd != "" {
			input["command"] = tt.cmd
		}
		if got := IsReadOnlyTool(tt.tool, input); got != tt.want {
			t.Errorf("IsReadOnlyTool(%s, %q) = %v, want %v", tt.tool, tt.cmd, got, tt.want)
		}
	}
}

func TestEditsInsideDir(t *testing.T) {
	tests := []struct {
		tool string
		path string
		want bool
	}{
		{"Write", "/work/repo/main.go", true},
		{"Edit", "/work/repo/sub/deep/a.go", true},
		{"Write", "relative.go", true},
		{"Write", "/work/other/main.go", false},
		{"Edit", "/work/repo/../escape.go", false},
		{"Bash", "/work/repo/main.go", false},
		{"Write", "", false},
	}
	for _, tt := range tests {
		input := map[string]any{}
		if tt.path != "" {
			input["file_path"] = tt.path
		}
		if got := EditsInsideDir(tt.tool, input, "/work/repo"); got != tt.want {
			t.Errorf("EditsInsideDir(%s, %q) = %v, want %v", tt.tool, tt.path, got, tt.want)
		}
	}
}
