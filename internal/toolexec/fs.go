package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/forge-run/forge/internal/agentctx"
	"github.com/forge-run/forge/internal/filesearch"
	"github.com/forge-run/forge/internal/snapshotstore"
)

// unifiedDiff renders before -> after as a unified diff, the form fs_patch
// and fs_undo report back instead of raw file bodies.
func unifiedDiff(path, before, after string) string {
	uri := span.URIFromPath(path)
	edits := myers.ComputeEdits(uri, before, after)
	return fmt.Sprint(gotextdiff.ToUnified(path, path, before, edits))
}

const (
	defaultMaxReadLines = 2000
	defaultMaxFileSize  = 10 * 1024 * 1024
)

// requireAbsolute enforces the absolute-path invariant shared by every
// filesystem tool (spec §4.5).
func requireAbsolute(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path %q must be absolute", path)
	}
	return nil
}

// looksBinary sniffs the first bytes of content the way net/http.DetectContentType
// does, rejecting anything that isn't text.
func looksBinary(content []byte) (bool, string) {
	n := len(content)
	if n > 512 {
		n = 512
	}
	mime := http.DetectContentType(content[:n])
	if strings.HasPrefix(mime, "text/") || mime == "application/octet-stream" && !bytesContainNUL(content[:n]) {
		return false, mime
	}
	if strings.HasPrefix(mime, "image/") || strings.HasPrefix(mime, "audio/") || strings.HasPrefix(mime, "video/") ||
		strings.HasPrefix(mime, "application/") && mime != "application/octet-stream" {
		return true, mime
	}
	return bytesContainNUL(content[:n]), mime
}

func bytesContainNUL(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}

type fsReadArgs struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

const fsReadSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "Absolute path to the file"},
		"start_line": {"type": "integer"},
		"end_line": {"type": "integer"}
	},
	"required": ["path"]
}`

func registerFSRead(e *Executor) {
	e.Register("fs_read", "Reads a file's contents, optionally restricted to a line range.",
		json.RawMessage(fsReadSchema),
		func(ctx context.Context, raw json.RawMessage) (agentctx.ToolOutput, error) {
			var args fsReadArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return agentctx.ToolOutput{}, err
			}
			if err := requireAbsolute(args.Path); err != nil {
				return agentctx.ErrorOutput(err.Error()), nil
			}
			info, err := os.Stat(args.Path)
			if err != nil {
				return agentctx.ErrorOutput(fmt.Sprintf("not found: %v", err)), nil
			}
			if info.Size() > defaultMaxFileSize {
				return agentctx.ErrorOutput(fmt.Sprintf("file %q exceeds max_file_size (%d bytes)", args.Path, defaultMaxFileSize)), nil
			}
			content, err := os.ReadFile(args.Path)
			if err != nil {
				return agentctx.ErrorOutput(fmt.Sprintf("failed to read file: %v", err)), nil
			}
			if isBin, mime := looksBinary(content); isBin {
				return agentctx.ErrorOutput(fmt.Sprintf("BinaryFileNotSupported(%s)", mime)), nil
			}

			lines := strings.Split(string(content), "\n")
			total := len(lines)
			start, end := ResolveRange(args.StartLine, args.EndLine, defaultMaxReadLines)
			if end > total {
				end = total
			}
			if start > total {
				start = total
			}
			if start < 1 {
				start = 1
			}
			selected := lines
			if total > 0 {
				selected = lines[start-1 : end]
			}

			result := map[string]any{
				"content": strings.Join(selected, "\n"),
				"start":   start,
				"end":     end,
				"total":   total,
			}
			payload, _ := json.Marshal(result)
			return agentctx.TextOutput(string(payload)), nil
		})
}

type fsCreateArgs struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Overwrite bool   `json:"overwrite"`
}

const fsCreateSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"content": {"type": "string"},
		"overwrite": {"type": "boolean"}
	},
	"required": ["path", "content"]
}`

func registerFSCreate(e *Executor, snapshots *snapshotstore.Store) {
	e.Register("fs_create", "Creates or overwrites a file, creating parent directories as needed.",
		json.RawMessage(fsCreateSchema),
		func(ctx context.Context, raw json.RawMessage) (agentctx.ToolOutput, error) {
			var args fsCreateArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return agentctx.ToolOutput{}, err
			}
			if err := requireAbsolute(args.Path); err != nil {
				return agentctx.ErrorOutput(err.Error()), nil
			}

			existing, existed := os.ReadFile(args.Path)
			exists := existed == nil
			if exists && !args.Overwrite {
				return agentctx.ErrorOutput(fmt.Sprintf("%q already exists; pass overwrite=true to replace it", args.Path)), nil
			}
			if exists && snapshots != nil {
				if err := snapshots.RecordModify(args.Path, string(existing)); err != nil {
					return agentctx.ErrorOutput(fmt.Sprintf("failed to snapshot %q: %v", args.Path, err)), nil
				}
			} else if !exists && snapshots != nil {
				if err := snapshots.RecordCreate(args.Path); err != nil {
					return agentctx.ErrorOutput(fmt.Sprintf("failed to record creation of %q: %v", args.Path, err)), nil
				}
			}

			if err := os.MkdirAll(filepath.Dir(args.Path), 0o755); err != nil {
				return agentctx.ErrorOutput(fmt.Sprintf("failed to create parent directories: %v", err)), nil
			}
			if err := os.WriteFile(args.Path, []byte(args.Content), 0o644); err != nil {
				return agentctx.ErrorOutput(fmt.Sprintf("failed to write file: %v", err)), nil
			}

			msg := fmt.Sprintf("Created %s (%d bytes)", args.Path, len(args.Content))
			if exists {
				msg = fmt.Sprintf("Overwrote %s (%d bytes); previous content preserved in snapshot history", args.Path, len(args.Content))
			}
			return agentctx.TextOutput(msg), nil
		})
}

type fsPatchArgs struct {
	Path    string `json:"path"`
	Search  string `json:"search"`
	Op      string `json:"op"`
	Content string `json:"content"`
}

const fsPatchSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"search": {"type": "string", "description": "Anchor text to locate within the file"},
		"op": {"type": "string", "enum": ["replace", "insert_before", "insert_after", "delete"]},
		"content": {"type": "string"}
	},
	"required": ["path", "search", "op"]
}`

func registerFSPatch(e *Executor, snapshots *snapshotstore.Store) {
	e.Register("fs_patch", "Applies a search-anchored edit to a file: replace, insert_before, insert_after, or delete.",
		json.RawMessage(fsPatchSchema),
		func(ctx context.Context, raw json.RawMessage) (agentctx.ToolOutput, error) {
			var args fsPatchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return agentctx.ToolOutput{}, err
			}
			if err := requireAbsolute(args.Path); err != nil {
				return agentctx.ErrorOutput(err.Error()), nil
			}
			before, err := os.ReadFile(args.Path)
			if err != nil {
				return agentctx.ErrorOutput(fmt.Sprintf("failed to read file: %v", err)), nil
			}
			idx := strings.Index(string(before), args.Search)
			if idx < 0 {
				return agentctx.ErrorOutput(fmt.Sprintf("anchor not found in %s", args.Path)), nil
			}

			var after string
			switch args.Op {
			case "replace":
				after = string(before[:idx]) + args.Content + string(before[idx+len(args.Search):])
			case "insert_before":
				after = string(before[:idx]) + args.Content + string(before[idx:])
			case "insert_after":
				end := idx + len(args.Search)
				after = string(before[:end]) + args.Content + string(before[end:])
			case "delete":
				after = string(before[:idx]) + string(before[idx+len(args.Search):])
			default:
				return agentctx.ErrorOutput(fmt.Sprintf("unsupported op %q", args.Op)), nil
			}

			if snapshots != nil {
				if err := snapshots.RecordModify(args.Path, string(before)); err != nil {
					return agentctx.ErrorOutput(fmt.Sprintf("failed to snapshot %q: %v", args.Path, err)), nil
				}
			}
			if err := os.WriteFile(args.Path, []byte(after), 0o644); err != nil {
				return agentctx.ErrorOutput(fmt.Sprintf("failed to write file: %v", err)), nil
			}

			return agentctx.TextOutput(unifiedDiff(args.Path, string(before), after)), nil
		})
}

type fsRemoveArgs struct {
	Path string `json:"path"`
}

const fsRemoveSchema = `{"type": "object", "properties": {"path": {"type": "string"}}, "required": ["path"]}`

func registerFSRemove(e *Executor, snapshots *snapshotstore.Store) {
	e.Register("fs_remove", "Removes a file, capturing a snapshot for undo.",
		json.RawMessage(fsRemoveSchema),
		func(ctx context.Context, raw json.RawMessage) (agentctx.ToolOutput, error) {
			var args fsRemoveArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return agentctx.ToolOutput{}, err
			}
			if err := requireAbsolute(args.Path); err != nil {
				return agentctx.ErrorOutput(err.Error()), nil
			}
			info, err := os.Stat(args.Path)
			if err != nil {
				return agentctx.ErrorOutput(fmt.Sprintf("not found: %v", err)), nil
			}
			if info.IsDir() {
				return agentctx.ErrorOutput(fmt.Sprintf("%q is a directory, not a file", args.Path)), nil
			}
			content, err := os.ReadFile(args.Path)
			if err != nil {
				return agentctx.ErrorOutput(fmt.Sprintf("failed to read file before removal: %v", err)), nil
			}
			if snapshots != nil {
				if err := snapshots.RecordModify(args.Path, string(content)); err != nil {
					return agentctx.ErrorOutput(fmt.Sprintf("failed to snapshot %q: %v", args.Path, err)), nil
				}
			}
			if err := os.Remove(args.Path); err != nil {
				return agentctx.ErrorOutput(fmt.Sprintf("failed to remove file: %v", err)), nil
			}
			return agentctx.TextOutput(fmt.Sprintf("Removed %s", args.Path)), nil
		})
}

func registerFSUndo(e *Executor, snapshots *snapshotstore.Store) {
	e.Register("fs_undo", "Restores a file's most recent snapshot.",
		json.RawMessage(fsRemoveSchema),
		func(ctx context.Context, raw json.RawMessage) (agentctx.ToolOutput, error) {
			var args fsRemoveArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return agentctx.ToolOutput{}, err
			}
			if err := requireAbsolute(args.Path); err != nil {
				return agentctx.ErrorOutput(err.Error()), nil
			}
			if snapshots == nil {
				return agentctx.ErrorOutput("no snapshot available"), nil
			}
			before, after, err := snapshots.Undo(args.Path)
			if err != nil {
				return agentctx.ErrorOutput(err.Error()), nil
			}
			return agentctx.TextOutput(unifiedDiff(args.Path, before, after)), nil
		})
}

type fsSearchArgs struct {
	Path        string `json:"path"`
	Regex       string `json:"regex,omitempty"`
	FilePattern string `json:"file_pattern,omitempty"`
}

const fsSearchSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"regex": {"type": "string"},
		"file_pattern": {"type": "string"}
	},
	"required": ["path"]
}`

const maxSearchLines = 500

func registerFSSearch(e *Executor) {
	e.Register("fs_search", "Searches files under path by content regex or filename glob, honoring ignore rules.",
		json.RawMessage(fsSearchSchema),
		func(ctx context.Context, raw json.RawMessage) (agentctx.ToolOutput, error) {
			var args fsSearchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return agentctx.ToolOutput{}, err
			}
			if err := requireAbsolute(args.Path); err != nil {
				return agentctx.ErrorOutput(err.Error()), nil
			}

			searcher, err := filesearch.NewSearcher(args.Path)
			if err != nil {
				return agentctx.ErrorOutput(err.Error()), nil
			}
			results, err := searcher.Search(ctx, filesearch.Options{
				Pattern:       args.Regex,
				ContentSearch: args.Regex != "",
				MaxResults:    maxSearchLines,
				RootDir:       args.Path,
			})
			if err != nil {
				return agentctx.ErrorOutput(err.Error()), nil
			}
			if args.Regex == "" && args.FilePattern != "" {
				// file_pattern is a glob: * and ? are wildcards within one
				// path segment and every other character is literal.
				glob := strings.NewReplacer(`\*`, `[^/]*`, `\?`, `[^/]`).Replace(regexp.QuoteMeta(args.FilePattern))
				results, err = searcher.Search(ctx, filesearch.Options{
					Pattern:    "^" + glob + "$",
					MaxResults: maxSearchLines,
					RootDir:    args.Path,
				})
				if err != nil {
					return agentctx.ErrorOutput(err.Error()), nil
				}
			}
			if len(results) == 0 {
				return agentctx.TextOutput("(no matches)"), nil
			}

			clip := ClipByLines(formatSearchResults(results), maxSearchLines, 0)
			return agentctx.TextOutput(clip.Text), nil
		})
}

func formatSearchResults(results []filesearch.Result) string {
	var b strings.Builder
	for _, r := range results {
		if r.Line > 0 {
			fmt.Fprintf(&b, "%s:%d:%s\n", r.Path, r.Line, r.Content)
		} else {
			fmt.Fprintf(&b, "%s\n", r.Path)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
