package forgeapi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forge-run/forge/internal/mcpclient"
	"github.com/forge-run/forge/internal/workflow"
)

const defaultWorkflowFile = "forge.yaml"

func (a *Api) resolveWorkflowPath(path string) string {
	if path != "" {
		return path
	}
	return filepath.Join(a.cwd, defaultWorkflowFile)
}

// ReadWorkflow loads path (or cwd/forge.yaml if empty).
func (a *Api) ReadWorkflow(path string) (*workflow.Workflow, error) {
	return workflow.Read(a.resolveWorkflowPath(path))
}

// ReadMergedWorkflow loads path merged with cwd/forge.yaml when the two
// differ, local entries winning (spec §6's read_merged()).
func (a *Api) ReadMergedWorkflow(path string) (*workflow.Workflow, error) {
	base := a.resolveWorkflowPath(path)
	local := filepath.Join(a.cwd, defaultWorkflowFile)
	if local == base {
		return workflow.Read(base)
	}
	return workflow.ReadMerged(base, local)
}

// WriteWorkflow serializes w to path (or cwd/forge.yaml if empty).
func (a *Api) WriteWorkflow(path string, w *workflow.Workflow) error {
	return workflow.Write(a.resolveWorkflowPath(path), w)
}

// UpdateWorkflow loads path, applies f, and writes it back.
func (a *Api) UpdateWorkflow(path string, f func(*workflow.Workflow)) error {
	return workflow.Update(a.resolveWorkflowPath(path), f)
}

// mcpConfigFile is the file name both the user-scoped and local-scoped MCP
// config documents use.
const mcpConfigFile = ".mcp.json"

// MCPScope selects which of the two MCP config documents a write targets.
type MCPScope int

const (
	MCPScopeUser MCPScope = iota
	MCPScopeLocal
)

// ReadMCPConfig merges {cwd}/.mcp.json over {base_path}/.mcp.json, local
// entries winning on key collision, per spec §6's persisted state layout.
func (a *Api) ReadMCPConfig() (map[string]mcpclient.ServerConfig, error) {
	user, err := readMCPFile(filepath.Join(a.basePath, mcpConfigFile))
	if err != nil {
		return nil, err
	}
	local, err := readMCPFile(filepath.Join(a.cwd, mcpConfigFile))
	if err != nil {
		return nil, err
	}
	merged := make(map[string]mcpclient.ServerConfig, len(user)+len(local))
	for name, cfg := range user {
		merged[name] = cfg
	}
	for name, cfg := range local {
		merged[name] = cfg
	}
	return merged, nil
}

func readMCPFile(path string) (map[string]mcpclient.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("forgeapi: read %q: %w", path, err)
	}
	var cfg map[string]mcpclient.ServerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("forgeapi: parse %q: %w", path, err)
	}
	return cfg, nil
}

// WriteMCPConfig writes cfg to the user- or local-scoped .mcp.json.
func (a *Api) WriteMCPConfig(scope MCPScope, cfg map[string]mcpclient.ServerConfig) error {
	dir := a.basePath
	if scope == MCPScopeLocal {
		dir = a.cwd
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("forgeapi: create %q: %w", dir, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("forgeapi: marshal mcp config: %w", err)
	}
	path := filepath.Join(dir, mcpConfigFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("forgeapi: write %q: %w", path, err)
	}
	return nil
}
