// Package shell implements run_command and list_allowed_commands. Commands
// run under /bin/sh inside the workspace; an allowlist plus a blocked-
// pattern screen decide what may run at all. run_command registers at
// dangerous risk, so the approval gate holds every call for the owner
// before the screen ever sees it.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/steward/internal/observability"
)

const (
	maxOutputLines = 100
	maxOutputChars = 10000

	defaultTimeout = 30 * time.Second
)

// blockedPatterns screen command strings no allowlist entry makes safe:
// filesystem wipes, device writes, fork bombs, pipe-to-shell, and shell
// evaluation tricks.
var blockedPatterns = func() []*regexp.Regexp {
	patterns := []string{
		`rm\s+-rf\s+/`,
		`rm\s+-rf\s+~`,
		`>\s*/dev/sd`,
		`mkfs`,
		`dd\s+if=`,
		`:\(\)\s*\{\s*:\|:&\s*\};:`,
		`chmod\s+(-r\s+)?777\s+/`,
		`curl.*\|\s*sh`,
		`wget.*\|\s*sh`,
		`eval\s+`,
		"`.*`",
		`\$\(.*\)`,
	}
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(`(?i)` + p)
	}
	return res
}()

// Config bounds command execution.
type Config struct {
	// AllowedCommands are the only binaries run_command may invoke.
	AllowedCommands []string

	// Timeout kills commands that run longer.
	Timeout time.Duration

	// WorkspaceDir is the default working directory; working_dir arguments
	// outside it are refused.
	WorkspaceDir string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if len(c.AllowedCommands) == 0 {
		c.AllowedCommands = []string{
			"ls", "cat", "head", "tail", "wc", "grep", "find",
			"date", "uptime", "whoami", "pwd", "df", "du", "echo",
		}
	}
	return c
}

// Executor screens and runs shell commands.
type Executor struct {
	cfg     Config
	allowed map[string]bool
	logger  *observability.Logger
}

// NewExecutor builds an executor rooted in cfg.WorkspaceDir, creating the
// directory if needed.
func NewExecutor(cfg Config, logger *observability.Logger) (*Executor, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	cfg = cfg.withDefaults()
	if cfg.WorkspaceDir == "" {
		return nil, errors.New("workspace dir is required")
	}

	abs, err := filepath.Abs(cfg.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	cfg.WorkspaceDir = abs

	allowed := make(map[string]bool, len(cfg.AllowedCommands))
	for _, c := range cfg.AllowedCommands {
		allowed[c] = true
	}
	return &Executor{cfg: cfg, allowed: allowed, logger: logger}, nil
}

// Check reports why a command may not run, or nil. The base command (first
// word, path-stripped) must be allowlisted and the whole string must clear
// the blocked-pattern screen.
func (e *Executor) Check(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return errors.New("empty command")
	}
	for _, re := range blockedPatterns {
		if re.MatchString(command) {
			return errors.New("command contains a blocked pattern")
		}
	}
	base := filepath.Base(strings.Fields(command)[0])
	if !e.allowed[base] {
		return fmt.Errorf("command %q is not in the allowlist", base)
	}
	return nil
}

// AllowedCommands returns the allowlist, sorted.
func (e *Executor) AllowedCommands() []string {
	out := make([]string, 0, len(e.allowed))
	for c := range e.allowed {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// RunResult carries one command's outcome.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Run executes command under /bin/sh with the configured timeout. Outputs
// come back truncated to the line and character caps. A screening refusal
// is the returned error; everything after the spawn lands in the result.
func (e *Executor) Run(ctx context.Context, command, workingDir string) (*RunResult, error) {
	if err := e.Check(command); err != nil {
		return nil, err
	}

	dir := e.cfg.WorkspaceDir
	if workingDir != "" {
		abs := workingDir
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(e.cfg.WorkspaceDir, abs)
		}
		abs = filepath.Clean(abs)
		if abs != e.cfg.WorkspaceDir && !strings.HasPrefix(abs, e.cfg.WorkspaceDir+string(filepath.Separator)) {
			return nil, fmt.Errorf("working dir escapes workspace: %s", workingDir)
		}
		dir = abs
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	e.logger.Debug("command finished", "command", command, "elapsed", time.Since(start), "error", err)

	res := &RunResult{
		ExitCode: exitCode(err),
		Stdout:   truncateOutput(stdout.String()),
		Stderr:   truncateOutput(stderr.String()),
	}
	switch {
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case err != nil && res.ExitCode == -1 && res.Stderr == "":
		// Spawn failures have no stderr of their own.
		res.Stderr = err.Error()
	}
	return res, nil
}

// Timeout returns the configured command timeout.
func (e *Executor) Timeout() time.Duration { return e.cfg.Timeout }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// truncateOutput caps output at maxOutputLines lines, then maxOutputChars
// bytes.
func truncateOutput(s string) string {
	lines := strings.Split(s, "\n")
	if len(lines) > maxOutputLines {
		s = strings.Join(lines[:maxOutputLines], "\n") + "\n... (truncated)"
	}
	if len(s) > maxOutputChars {
		s = s[:maxOutputChars] + "\n... (truncated)"
	}
	return s
}
