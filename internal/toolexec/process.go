package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/forge-run/forge/internal/agentctx"
	"github.com/forge-run/forge/internal/shell"
)

type processShellArgs struct {
	Command  string `json:"command"`
	Cwd      string `json:"cwd,omitempty"`
	KeepANSI bool   `json:"keep_ansi,omitempty"`
}

const processShellSchema = `{
	"type": "object",
	"properties": {
		"command": {"type": "string", "description": "The shell command to execute"},
		"cwd": {"type": "string", "description": "Working directory for the command"},
		"keep_ansi": {"type": "boolean", "description": "Preserve ANSI escape sequences in output"}
	},
	"required": ["command"]
}`

var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

func registerProcessShell(e *Executor, root string) {
	e.Register("process_shell", "Executes a shell command and returns its stdout, stderr, and exit code.",
		json.RawMessage(processShellSchema),
		func(ctx context.Context, raw json.RawMessage) (agentctx.ToolOutput, error) {
			var args processShellArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return agentctx.ToolOutput{}, err
			}
			if args.Command == "" {
				return agentctx.ErrorOutput("command must not be empty"), nil
			}

			cwd := root
			if args.Cwd != "" {
				cwd = args.Cwd
			}
			sh := shell.New(cwd, shell.DefaultBlockFuncs())

			stdout, stderr, err := sh.Exec(ctx, args.Command)
			exitCode := 0
			if err != nil {
				exitCode = shell.ExitCode(err)
			}
			if !args.KeepANSI {
				stdout = stripANSI(stdout)
				stderr = stripANSI(stderr)
			}

			stdoutClip := ClipByLines(stdout, stdoutMaxPrefixLines, stdoutMaxSuffixLines)
			result := map[string]any{
				"stdout":    stdoutClip.Text,
				"stderr":    stderr,
				"exit_code": exitCode,
			}
			if err != nil && exitCode == 0 {
				return agentctx.ErrorOutput(fmt.Sprintf("failed to spawn command: %v", err)), nil
			}
			payload, _ := json.Marshal(result)
			return agentctx.TextOutput(string(payload)), nil
		})
}

const (
	stdoutMaxPrefixLines = 200
	stdoutMaxSuffixLines = 50
)
