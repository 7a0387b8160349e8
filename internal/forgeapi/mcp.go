package forgeapi

import "context"

// ReloadMCP reads the merged MCP config and reconnects the pool to match
// it, the step a write_mcp_config caller takes to make an edited server
// list take effect without restarting the process.
func (a *Api) ReloadMCP(ctx context.Context) error {
	if a.mcp == nil {
		return nil
	}
	cfg, err := a.ReadMCPConfig()
	if err != nil {
		return err
	}
	return a.mcp.Reinit(ctx, cfg)
}
