package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// defaultDenyPatterns blocks commands that exfiltrate secrets or wreck the
// host. Matching is best-effort; the workspace restriction is the real fence.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*/\S*\s*$`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`\bprintenv\b`),
	regexp.MustCompile(`^\s*env\s*>\s`),
	regexp.MustCompile(`^\s*(set|export\s+-p|declare\s+-x)\s*($|\|)`),
}

const maxExecOutput = 16 * 1024

// ExecTool runs shell commands with a timeout in the workspace.
type ExecTool struct {
	workingDir   string
	restrict     bool
	timeout      time.Duration
	denyPatterns []*regexp.Regexp
}

func NewExecTool(workingDir string, restrict bool) *ExecTool {
	return &ExecTool{
		workingDir:   workingDir,
		restrict:     restrict,
		timeout:      60 * time.Second,
		denyPatterns: defaultDenyPatterns,
	}
}

// WithTimeout overrides the default 60 s per-command timeout.
func (t *ExecTool) WithTimeout(d time.Duration) *ExecTool {
	if d > 0 {
		t.timeout = d
	}
	return t
}

func (t *ExecTool) Name() string        { return "exec" }
func (t *ExecTool) Description() string { return "Execute a shell command and return its output" }
func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("Error: command is required")
	}
	for _, pattern := range t.denyPatterns {
		if pattern.MatchString(command) {
			return ErrorResult("Error: command denied by safety policy")
		}
	}

	cwd := t.workingDir
	if wd, _ := args["working_dir"].(string); wd != "" {
		resolved, err := resolvePath(wd, t.workingDir, t.restrict)
		if err != nil {
			return ErrorResult("Error: " + err.Error())
		}
		cwd = resolved
	}

	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if execCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("Error: command timed out after %s", t.timeout))
	}

	var b strings.Builder
	if stdout.Len() > 0 {
		b.WriteString(stdout.String())
	}
	if stderr.Len() > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n" + stderr.String())
	}
	out := b.String()
	if len(out) > maxExecOutput {
		out = out[:maxExecOutput] + "\n... (truncated)"
	}

	if err != nil {
		if out == "" {
			return ErrorResult(fmt.Sprintf("Error: %v", err))
		}
		return ErrorResult(fmt.Sprintf("Error: %v\n%s", err, out))
	}
	if out == "" {
		out = "(no output)"
	}
	return SilentResult(out)
}
