package procscan

import (
	"testing"
	"time"
)

func TestCorrelateLongestPrefixWins(t *testing.T) {
	projects := map[string]string{
		"outer": "/home/user/work",
		"inner": "/home/user/work/api",
	}
	records := []Record{
		{PID: 100, Cwd: "/home/user/work/api/handlers", CommandLine: "claude"},
	}

	c := Correlate(records, projects)
	if !c.Has("inner") {
		t.Error("deepest project should claim the record")
	}
	if c.Has("outer") {
		t.Error("shallower project must not also claim it")
	}
}

func TestCorrelateSegmentBoundary(t *testing.T) {
	projects := map[string]string{"a": "/home/user/proj"}
	records := []Record{
		{PID: 100, Cwd: "/home/user/project-two", CommandLine: "claude"},
	}

	c := Correlate(records, projects)
	if c.Has("a") {
		t.Error("/home/user/proj must not claim /home/user/project-two")
	}
}

func TestCorrelateExactCwd(t *testing.T) {
	projects := map[string]string{"a": "/home/user/proj"}
	records := []Record{
		{PID: 100, Cwd: "/home/user/proj", CommandLine: "claude"},
	}

	c := Correlate(records, projects)
	rec, ok := c.Match("a")
	if !ok || rec.PID != 100 {
		t.Errorf("Match = %+v, %v", rec, ok)
	}
}

func TestCorrelateYoungestProcessWins(t *testing.T) {
	now := time.Now()
	projects := map[string]string{"a": "/home/user/proj"}
	records := []Record{
		{PID: 100, Cwd: "/home/user/proj", StartedAt: now.Add(-time.Hour)},
		{PID: 200, Cwd: "/home/user/proj", StartedAt: now.Add(-time.Minute)},
		{PID: 300, Cwd: "/home/user/proj", StartedAt: now.Add(-30 * time.Minute)},
	}

	c := Correlate(records, projects)
	rec, _ := c.Match("a")
	if rec.PID != 200 {
		t.Errorf("winning PID = %d, want the most recently started (200)", rec.PID)
	}
}

func TestCorrelateCommandLineFallback(t *testing.T) {
	projects := map[string]string{"a": "/home/user/proj"}
	records := []Record{
		// Launched from the home directory with the project as an argument.
		{PID: 100, Cwd: "/home/user", CommandLine: "claude --cwd /home/user/proj"},
	}

	c := Correlate(records, projects)
	if !c.Has("a") {
		t.Error("command-line argument should correlate when cwd does not")
	}
}

func TestCorrelateNoMatch(t *testing.T) {
	projects := map[string]string{"a": "/home/user/proj"}
	records := []Record{
		{PID: 100, Cwd: "/tmp/unrelated", CommandLine: "claude"},
	}

	c := Correlate(records, projects)
	if c.Has("a") {
		t.Error("unrelated cwd must not correlate")
	}
	if _, ok := c.Match("a"); ok {
		t.Error("Match should report absence")
	}
}

func TestCorrelateSkipsEmptyProjectPath(t *testing.T) {
	projects := map[string]string{"a": ""}
	records := []Record{
		{PID: 100, Cwd: "/home/user/proj", CommandLine: "claude"},
	}

	c := Correlate(records, projects)
	if c.Has("a") {
		t.Error("empty project path must never match")
	}
}

func TestInspectorMatches(t *testing.T) {
	ins := NewInspector([]string{"claude", "claude-code"}, time.Second)

	tests := []struct {
		name    string
		cmdline []string
		want    bool
	}{
		{"bare_executable", []string{"claude"}, true},
		{"absolute_path", []string{"/usr/local/bin/claude"}, true},
		{"alternate_name", []string{"claude-code", "--resume"}, true},
		{"node_wrapper", []string{"node", "/home/user/.local/share/claude/claude"}, true},
		{"node_shim_excluded", []string{"node", "/proj/node_modules/.bin/claude"}, false},
		{"unrelated", []string{"vim", "main.go"}, false},
		{"node_unrelated", []string{"node", "server.js"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ins.matches(tt.cmdline); got != tt.want {
				t.Errorf("matches(%v) = %v, want %v", tt.cmdline, got, tt.want)
			}
		})
	}
}
