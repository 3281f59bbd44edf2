package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/psd-ai/studio/utils/config"
	"github.com/psd-ai/studio/utils/models"
)

// InterpreterConfig holds configuration for shell command execution
type InterpreterConfig struct {
	// Allowlist of command names that are explicitly allowed.
	// If empty, the default allowlist is used.
	Allowlist []string `yaml:"allowlist"`

	// Denylist of command names that are explicitly denied.
	// These take precedence over the allowlist.
	Denylist []string `yaml:"denylist"`

	// Timeout for command execution in seconds (default: 30)
	Timeout int `yaml:"timeout"`

	// WorkingDir for command execution (optional)
	WorkingDir string `yaml:"working_dir"`
}

// defaultDenylist contains commands that should never be executed from
// prompt content. Denied commands take precedence over any allowlist.
var defaultDenylist = []string{
	"rm", "rmdir", "mv", "dd", "shred", "mkfs", "fdisk", "parted",
	"sudo", "su", "doas", "pkexec",
	"chmod", "chown", "chgrp", "chattr", "setfacl",
	"nc", "netcat", "ncat", "nmap",
	"kill", "killall", "pkill",
	"bash", "sh", "zsh", "fish", "ksh", "dash",
	"apt", "apt-get", "yum", "dnf", "pacman", "brew",
	"pip", "npm", "yarn", "gem", "cargo", "go",
	"wget", "curl", "ssh", "scp", "sftp", "rsync", "ftp", "telnet",
	"mount", "umount", "crontab", "at",
	"systemctl", "service", "reboot", "shutdown", "halt", "poweroff",
}

// defaultAllowlist contains read-only commands safe to run on behalf of
// a prompt
var defaultAllowlist = []string{
	"ls", "cat", "head", "tail", "wc", "sort", "uniq", "grep",
	"awk", "sed", "cut", "tr", "diff", "comm", "join", "paste",
	"jq", "yq",
	"date", "cal",
	"echo", "printf", "tac", "rev",
	"file", "stat", "du", "df", "which", "basename", "dirname", "realpath",
	"env", "printenv", "pwd", "id", "whoami", "hostname", "uname",
	"base64", "md5sum", "sha256sum", "sha1sum", "xxd", "od",
	"find", "ps", "pgrep",
	"python3", "python", "node",
}

// InterpreterTool runs fenced code blocks from a prompt through an
// allowlist-gated shell. Blocks tagged sh, bash, or shell are executed;
// everything else in the prompt is ignored.
type InterpreterTool struct {
	cfg       InterpreterConfig
	allowlist map[string]bool
	denylist  map[string]bool
}

// NewInterpreterTool creates an interpreter; nil config uses defaults
func NewInterpreterTool(cfg *InterpreterConfig) *InterpreterTool {
	c := InterpreterConfig{Timeout: 30}
	if cfg != nil {
		c = *cfg
		if c.Timeout <= 0 {
			c.Timeout = 30
		}
	}

	t := &InterpreterTool{
		cfg:       c,
		allowlist: make(map[string]bool),
		denylist:  make(map[string]bool),
	}

	for _, cmd := range defaultDenylist {
		t.denylist[cmd] = true
	}
	for _, cmd := range c.Denylist {
		t.denylist[cmd] = true
	}

	if len(c.Allowlist) > 0 {
		for _, cmd := range c.Allowlist {
			t.allowlist[cmd] = true
		}
	} else {
		for _, cmd := range defaultAllowlist {
			t.allowlist[cmd] = true
		}
	}

	return t
}

// Name reports the capability key this tool binds to
func (t *InterpreterTool) Name() string {
	return models.ToolCodeInterpreter
}

// Run extracts executable code blocks from the input and runs each one,
// returning the combined output
func (t *InterpreterTool) Run(ctx context.Context, input string) (string, error) {
	blocks := extractCodeBlocks(input)
	if len(blocks) == 0 {
		return "", fmt.Errorf("no executable code blocks found in prompt")
	}

	var sb strings.Builder
	for i, block := range blocks {
		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			out, err := t.Execute(ctx, line)
			if err != nil {
				return "", fmt.Errorf("code block %d: %w", i+1, err)
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(strings.TrimRight(out, "\n"))
		}
	}
	return sb.String(), nil
}

// IsAllowed checks whether a command may be executed. The denylist is
// checked first and cannot be overridden.
func (t *InterpreterTool) IsAllowed(command string) (bool, string) {
	baseCmd := extractBaseCommand(command)
	if baseCmd == "" {
		return false, "empty command"
	}
	if t.denylist[baseCmd] {
		config.DebugLog("[Interpreter] Blocked denied command %q", baseCmd)
		return false, fmt.Sprintf("command %q is denied and cannot be executed", baseCmd)
	}
	if !t.allowlist[baseCmd] {
		return false, fmt.Sprintf("command %q is not in the allowlist", baseCmd)
	}
	return true, ""
}

// Execute runs a single command line through the shell and returns stdout
func (t *InterpreterTool) Execute(ctx context.Context, command string) (string, error) {
	allowed, reason := t.IsAllowed(command)
	if !allowed {
		return "", fmt.Errorf("execution denied: %s", reason)
	}

	config.DebugLog("[Interpreter] Executing: %s", command)

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(t.cfg.Timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if t.cfg.WorkingDir != "" {
		cmd.Dir = t.cfg.WorkingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("command timed out after %d seconds", t.cfg.Timeout)
		}
		return "", fmt.Errorf("command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// extractBaseCommand returns the command name from a command line,
// stripping any leading path (/usr/bin/ls -> ls)
func extractBaseCommand(command string) string {
	parts := strings.Fields(strings.TrimSpace(command))
	if len(parts) == 0 {
		return ""
	}
	baseCmd := parts[0]
	if idx := strings.LastIndex(baseCmd, "/"); idx >= 0 {
		baseCmd = baseCmd[idx+1:]
	}
	return baseCmd
}

// extractCodeBlocks returns the contents of fenced blocks tagged sh,
// bash, or shell. Untagged and other-language blocks are skipped.
func extractCodeBlocks(input string) []string {
	var blocks []string
	lines := strings.Split(input, "\n")
	var current []string
	inBlock := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			switch trimmed {
			case "```sh", "```bash", "```shell":
				inBlock = true
				current = nil
			}
			continue
		}
		if trimmed == "```" {
			inBlock = false
			if body := strings.TrimSpace(strings.Join(current, "\n")); body != "" {
				blocks = append(blocks, body)
			}
			continue
		}
		current = append(current, line)
	}
	return blocks
}
