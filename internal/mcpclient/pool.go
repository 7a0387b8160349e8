package mcpclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/forge-run/forge/internal/agentctx"
)

// ServerConfig is one entry in the config map server_name -> ServerConfig.
type ServerConfig struct {
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// connection bundles a live client with its server's catalog, keyed by
// original (un-namespaced) tool name.
type connection struct {
	name    string
	client  *client
	catalog map[string]Tool // original tool name -> definition
}

// Pool is the MCP Client Pool: one connection per configured server, with
// tool calls addressed by the re-namespaced mcp_{server}_tool_{tool} name.
// Reads (Names/Call) take an RLock; Reinit is the sole writer. It connects
// to the servers without holding the lock and takes the write lock only to
// swap in the new connection set.
type Pool struct {
	mu         sync.RWMutex
	configHash string
	conns      map[string]*connection // server name -> connection
	byToolName map[string]string      // namespaced tool name -> server name
}

// NewPool creates an empty Pool. Call Reinit to connect.
func NewPool() *Pool {
	return &Pool{conns: make(map[string]*connection), byToolName: make(map[string]string)}
}

// configHash returns a stable hash of cfg so Reinit can detect whether a
// reconnect is actually needed.
func configHash(cfg map[string]ServerConfig) string {
	// Deterministic serialization: sort keys before hashing.
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sortStrings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s;", k, mustJSON(cfg[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func toolName(server, original string) string {
	return fmt.Sprintf("mcp_%s_tool_%s", server, original)
}

// Reinit (re)connects every server in cfg, replacing the previous
// connection set, but only if cfg's hash differs from the currently
// connected config — a no-op reconnect is skipped entirely.
func (p *Pool) Reinit(ctx context.Context, cfg map[string]ServerConfig) error {
	newHash := configHash(cfg)

	p.mu.RLock()
	unchanged := newHash == p.configHash
	p.mu.RUnlock()
	if unchanged {
		return nil
	}

	conns := make(map[string]*connection, len(cfg))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for name, sc := range cfg {
		name, sc := name, sc
		g.Go(func() error {
			c := newClient(sc.Endpoint)
			if err := c.initialize(gctx, map[string]any{"name": "forge-go", "version": "0.1"}); err != nil {
				log.Warn().Err(err).Str("server", name).Msg("mcp server initialize failed")
				return nil // one bad server does not abort the whole reinit
			}
			tools, err := c.listTools(gctx)
			if err != nil {
				log.Warn().Err(err).Str("server", name).Msg("mcp server list tools failed")
				return nil
			}
			catalog := make(map[string]Tool, len(tools))
			for _, t := range tools {
				catalog[t.Name] = t
			}
			mu.Lock()
			conns[name] = &connection{name: name, client: c, catalog: catalog}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	byToolName := make(map[string]string)
	for name, conn := range conns {
		for original := range conn.catalog {
			byToolName[toolName(name, original)] = name
		}
	}

	p.mu.Lock()
	for _, old := range p.conns {
		old.client.close()
	}
	p.conns = conns
	p.byToolName = byToolName
	p.configHash = newHash
	p.mu.Unlock()
	return nil
}

// Names returns every namespaced tool name across every connected server.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.byToolName))
	for n := range p.byToolName {
		names = append(names, n)
	}
	return names
}

// Definitions returns the advertised ToolDefinition for every namespaced tool.
func (p *Pool) Definitions() []agentctx.ToolDefinition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]agentctx.ToolDefinition, 0, len(p.byToolName))
	for namespaced, server := range p.byToolName {
		original := strings.TrimPrefix(namespaced, fmt.Sprintf("mcp_%s_tool_", server))
		tool := p.conns[server].catalog[original]
		out = append(out, agentctx.ToolDefinition{
			Name:        namespaced,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	return out
}

// Call dispatches a namespaced tool name to its owning server, satisfying
// the toolregistry.MCP interface.
func (p *Pool) Call(ctx context.Context, name string, args json.RawMessage) (agentctx.ToolOutput, error) {
	p.mu.RLock()
	server, ok := p.byToolName[name]
	var conn *connection
	if ok {
		conn = p.conns[server]
	}
	p.mu.RUnlock()
	if !ok || conn == nil {
		return agentctx.ToolOutput{}, fmt.Errorf("mcpclient: unknown tool %q", name)
	}

	original := strings.TrimPrefix(name, fmt.Sprintf("mcp_%s_tool_", server))
	result, err := conn.client.callTool(ctx, original, args)
	if err != nil {
		return agentctx.ToolOutput{}, err
	}

	var values []agentctx.ToolValue
	for _, block := range result.Content {
		if block.Type == "text" {
			values = append(values, agentctx.ToolValue{Kind: agentctx.ToolValueText, Text: block.Text})
		}
	}
	if len(values) == 0 {
		values = []agentctx.ToolValue{{Kind: agentctx.ToolValueEmpty}}
	}
	return agentctx.ToolOutput{Values: values, IsError: result.IsError}, nil
}

// Close tears down every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.conns {
		conn.client.close()
	}
	p.conns = make(map[string]*connection)
	p.byToolName = make(map[string]string)
	p.configHash = ""
}
