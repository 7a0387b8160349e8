package forgeapi

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/forge-run/forge/internal/mcpclient"
	"github.com/forge-run/forge/internal/toolexec"
)

func TestApiDefinitionsFiltersByAllowList(t *testing.T) {
	e := toolexec.NewExecutor()
	schema := json.RawMessage(`{"type":"object"}`)
	e.Register("fs_read", "read a file", schema, nil)
	e.Register("fs_patch", "patch a file", schema, nil)
	e.Register("net_fetch", "fetch a url", schema, nil)

	api := New(Options{Builtins: e})

	defs := api.Definitions([]string{"fs_read", "net_fetch"})
	if len(defs) != 2 {
		t.Fatalf("got %d definitions, want 2: %+v", len(defs), defs)
	}
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	if !contains(names, "fs_read") || !contains(names, "net_fetch") {
		t.Fatalf("unexpected definitions: %v", names)
	}
	if contains(names, "fs_patch") {
		t.Fatalf("fs_patch should have been filtered out: %v", names)
	}
}

func TestApiDefinitionsEmptyAllowList(t *testing.T) {
	e := toolexec.NewExecutor()
	schema := json.RawMessage(`{"type":"object"}`)
	e.Register("fs_read", "read a file", schema, nil)

	api := New(Options{Builtins: e})
	if defs := api.Definitions(nil); len(defs) != 0 {
		t.Fatalf("got %d definitions for a nil allow-list, want 0", len(defs))
	}
}

func TestEnvironmentReportsConstructorFields(t *testing.T) {
	api := New(Options{Cwd: "/work", BasePath: "/home/.forge", Restricted: true})
	env := api.Environment()
	if env.Cwd != "/work" || env.BasePath != "/home/.forge" || !env.Restricted {
		t.Fatalf("unexpected environment: %+v", env)
	}
}

func TestMCPConfigMergeLocalWinsOnCollision(t *testing.T) {
	base := t.TempDir()
	cwd := t.TempDir()

	userCfg := map[string]mcpclient.ServerConfig{
		"shared":   {Endpoint: "http://user-shared"},
		"user-only": {Endpoint: "http://user-only"},
	}
	localCfg := map[string]mcpclient.ServerConfig{
		"shared":    {Endpoint: "http://local-shared"},
		"local-only": {Endpoint: "http://local-only"},
	}
	writeMCPFile(t, filepath.Join(base, mcpConfigFile), userCfg)
	writeMCPFile(t, filepath.Join(cwd, mcpConfigFile), localCfg)

	api := New(Options{Cwd: cwd, BasePath: base})
	merged, err := api.ReadMCPConfig()
	if err != nil {
		t.Fatalf("ReadMCPConfig: %v", err)
	}

	if got := merged["shared"].Endpoint; got != "http://local-shared" {
		t.Fatalf("local entry should win on collision, got %q", got)
	}
	if merged["user-only"].Endpoint != "http://user-only" {
		t.Fatalf("user-only entry missing from merge")
	}
	if merged["local-only"].Endpoint != "http://local-only" {
		t.Fatalf("local-only entry missing from merge")
	}
}

func TestMCPConfigReadMissingFilesReturnsEmpty(t *testing.T) {
	api := New(Options{Cwd: t.TempDir(), BasePath: t.TempDir()})
	merged, err := api.ReadMCPConfig()
	if err != nil {
		t.Fatalf("ReadMCPConfig: %v", err)
	}
	if len(merged) != 0 {
		t.Fatalf("expected no entries, got %v", merged)
	}
}

func TestWriteMCPConfigScopesToCorrectDirectory(t *testing.T) {
	base := t.TempDir()
	cwd := t.TempDir()
	api := New(Options{Cwd: cwd, BasePath: base})

	cfg := map[string]mcpclient.ServerConfig{"srv": {Endpoint: "http://local"}}
	if err := api.WriteMCPConfig(MCPScopeLocal, cfg); err != nil {
		t.Fatalf("WriteMCPConfig: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cwd, mcpConfigFile)); err != nil {
		t.Fatalf("expected local config file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, mcpConfigFile)); !os.IsNotExist(err) {
		t.Fatalf("expected no user-scope config file to have been written")
	}
}

func writeMCPFile(t *testing.T, path string, cfg map[string]mcpclient.ServerConfig) {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
