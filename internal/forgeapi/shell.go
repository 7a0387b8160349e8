package forgeapi

import (
	"context"

	"github.com/forge-run/forge/internal/shell"
)

// ExecuteShellCommand runs command in cwd (falling back to the process's
// own cwd when empty), applying the same command block-list a process_shell
// tool call would, per spec §6's execute_shell_command().
func (a *Api) ExecuteShellCommand(ctx context.Context, command, cwd string) (stdout, stderr string, err error) {
	sh := a.sh
	if cwd != "" && cwd != a.sh.Dir() {
		sh = shell.New(cwd, shell.DefaultBlockFuncs())
	}
	return sh.Exec(ctx, command)
}

// ExecuteShellCommandRaw runs command in the process's own cwd, unblocked,
// for callers (e.g. a CLI's own maintenance commands) that are not subject
// to the agent's command restrictions.
func (a *Api) ExecuteShellCommandRaw(ctx context.Context, command string) (stdout, stderr string, err error) {
	sh := shell.New(a.cwd, nil)
	return sh.Exec(ctx, command)
}
