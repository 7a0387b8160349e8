package toolexec

import (
	"github.com/forge-run/forge/internal/snapshotstore"
	"github.com/forge-run/forge/internal/webcache"
)

// Services groups the collaborators every built-in tool handler may need,
// constructed once by the caller and closed over by each registered
// handler — the "single capability-grouping trait" design note from spec §9,
// rendered in Go as a plain struct rather than an interface, since nothing
// here needs to vary by implementation.
type Services struct {
	// Root is the absolute directory process_shell anchors its cwd to when
	// a call omits its own cwd.
	Root string

	Snapshots *snapshotstore.Store
	WebCache  *webcache.Cache
	Prompter  Prompter
}

// RegisterBuiltins registers every built-in tool from spec §4.5 against e,
// wired to the given Services.
func RegisterBuiltins(e *Executor, svc Services) {
	registerFSRead(e)
	registerFSCreate(e, svc.Snapshots)
	registerFSPatch(e, svc.Snapshots)
	registerFSRemove(e, svc.Snapshots)
	registerFSUndo(e, svc.Snapshots)
	registerFSSearch(e)
	registerNetFetch(e, svc.WebCache)
	registerProcessShell(e, svc.Root)
	registerFollowup(e, svc.Prompter)
	registerAttemptCompletion(e)
	registerTaskListTools(e)
}
