// Command forge is a thin CLI driver over the orchestration engine: chat
// (interactive) and run (one-shot), login/logout/whoami, tools, models,
// discover, compact, and info. There is no dump subcommand. Grounded on the teacher's cmd/symb/main.go
// wiring style (one collaborator-building pass at startup feeding a single
// facade), adapted away from its bubbletea TUI.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/forge-run/forge/internal/agentctx"
	"github.com/forge-run/forge/internal/compact"
	"github.com/forge-run/forge/internal/config"
	"github.com/forge-run/forge/internal/convstore"
	"github.com/forge-run/forge/internal/forgeapi"
	"github.com/forge-run/forge/internal/forgeerr"
	"github.com/forge-run/forge/internal/mcpclient"
	"github.com/forge-run/forge/internal/orchestrator"
	"github.com/forge-run/forge/internal/providerapi"
	"github.com/forge-run/forge/internal/shell"
	"github.com/forge-run/forge/internal/snapshotstore"
	"github.com/forge-run/forge/internal/toolexec"
	"github.com/forge-run/forge/internal/toolregistry"
	"github.com/forge-run/forge/internal/transform"
	"github.com/forge-run/forge/internal/webcache"
	"github.com/forge-run/forge/internal/workflow"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to set up logging: %v\n", err)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	basePath, err := config.EnsureBasePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	api, closeAPI, err := buildAPI(cwd, basePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer closeAPI()

	ctx := context.Background()
	cmd, args := os.Args[1], os.Args[2:]

	var runErr error
	switch cmd {
	case "chat":
		runErr = runChat(ctx, api, args)
	case "run":
		runErr = runOneShot(ctx, api, args)
	case "login":
		runErr = runLogin(ctx, api)
	case "logout":
		runErr = api.Logout()
	case "whoami":
		runErr = runWhoami(ctx, api)
	case "tools":
		runErr = runTools(api)
	case "models":
		runErr = runModels(ctx, api)
	case "discover":
		runErr = runDiscover(api)
	case "compact":
		runErr = runCompact(ctx, api, args)
	case "info":
		runErr = runInfo(api)
	default:
		printUsage()
		os.Exit(2)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: forge <chat|run|login|logout|whoami|tools|models|discover|compact|info> [args]")
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	basePath, err := config.EnsureBasePath()
	if err != nil {
		return err
	}
	logDir := filepath.Join(basePath, "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "forge.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return nil
}

// buildAPI wires every collaborator into one forgeapi.Api, mirroring the
// teacher's setupServices pass.
func buildAPI(cwd, basePath string) (*forgeapi.Api, func(), error) {
	creds, err := config.LoadCredentials()
	if err != nil {
		return nil, nil, fmt.Errorf("load credentials: %w", err)
	}

	providers := buildProviderRegistry(creds)

	selector := transform.NewSelector()
	if err := transform.RegisterDefaults(selector); err != nil {
		return nil, nil, fmt.Errorf("register transform pipelines: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, "forge.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open snapshot database: %w", err)
	}
	snapshots, err := snapshotstore.Open(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("open snapshot store: %w", err)
	}

	webCache, err := webcache.Open(filepath.Join(basePath, "webcache.db"), 24*time.Hour)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("open web cache: %w", err)
	}

	sh := shell.New(cwd, shell.DefaultBlockFuncs())

	builtins := toolexec.NewExecutor()
	toolexec.RegisterBuiltins(builtins, toolexec.Services{
		Root:      cwd,
		Snapshots: snapshots,
		WebCache:  webCache,
		Prompter:  stdioPrompter{},
	})

	mcpPool := mcpclient.NewPool()

	var wf workflow.Workflow
	if loaded, err := workflow.ReadMerged(filepath.Join(basePath, "forge.yaml"), filepath.Join(cwd, "forge.yaml")); err == nil {
		wf = *loaded
	} else {
		wf = defaultWorkflow()
	}

	subagents := &orchestrator.SubAgentExecutor{Workflow: &wf}
	registry := toolregistry.New(builtins, subagents, mcpPool)

	api := forgeapi.New(forgeapi.Options{
		Cwd:           cwd,
		BasePath:      basePath,
		Conversations: convstore.New(),
		Providers:     providers,
		Builtins:      builtins,
		MCP:           mcpPool,
		SubAgents:     subagents,
		Shell:         sh,
		Auth:          unimplementedAuthService{},
	})

	compactor := compact.New(firstProviderAsCompactBackend(providers))
	orch := orchestrator.New(providers, selector, registry, api, compactor)
	subagents.Orchestrator = orch
	api.Orchestrator = orch

	closeFn := func() {
		webCache.Close()
		db.Close()
		mcpPool.Close()
	}
	return api, closeFn, nil
}

// firstProviderAsCompactBackend adapts providerapi.Registry into the single
// compact.Provider the Compactor's mini summarizer calls use — the
// summarizer's target model carries its own provider/model string, so the
// Compactor only needs a way to turn that into a live ChatStream; Registry
// already does that via Create.
func firstProviderAsCompactBackend(providers *providerapi.Registry) compact.Provider {
	return compactProviderAdapter{providers: providers}
}

type compactProviderAdapter struct {
	providers *providerapi.Registry
}

func (a compactProviderAdapter) ChatStream(ctx context.Context, model string, c *agentctx.Context) (<-chan providerapi.StreamEvent, error) {
	providerName, modelName := splitModel(model)
	p, err := a.providers.Create(providerName, modelName, providerapi.Options{})
	if err != nil {
		return nil, err
	}
	return p.ChatStream(ctx, modelName, c)
}

func splitModel(agentModel string) (provider, model string) {
	for i := 0; i < len(agentModel); i++ {
		if agentModel[i] == '/' {
			return agentModel[:i], agentModel[i+1:]
		}
	}
	return "", agentModel
}

func buildProviderRegistry(creds *config.Credentials) *providerapi.Registry {
	registry := providerapi.NewRegistry()
	if key := creds.GetAPIKey("anthropic"); key != "" {
		registry.Register("anthropic", providerapi.NewAnthropicFactory("anthropic", key, ""))
	}
	if key := creds.GetAPIKey("openai"); key != "" {
		registry.Register("openai", providerapi.NewOpenAICompatFactory("openai", key, ""))
	}
	if key := creds.GetAPIKey("openrouter"); key != "" {
		registry.Register("openrouter", providerapi.NewOpenAICompatFactory("openrouter", key, "https://openrouter.ai/api/v1"))
	}
	if key := creds.GetAPIKey("zen"); key != "" {
		registry.Register("zen", providerapi.NewZenFactory("zen", key, ""))
	}
	registry.Register("ollama", providerapi.NewOpenAICompatFactory("ollama", "", "http://localhost:11434/v1"))
	return registry
}

func defaultWorkflow() workflow.Workflow {
	return workflow.Workflow{
		Agents: []workflow.Agent{
			{
				ID:    "forge",
				Model: "anthropic/claude-sonnet-4-5",
				Tools: []string{
					"fs_read", "fs_create", "fs_patch", "fs_remove", "fs_undo", "fs_search",
					"net_fetch", "process_shell", "followup", "attempt_completion",
					"task_list_append", "task_list_update", "task_list_list",
				},
				SystemPrompt: "You are Forge, an autonomous coding agent.",
			},
		},
	}
}

// stdioPrompter answers follow_up tool calls by reading from stdin, the
// CLI's implementation of toolexec.Prompter.
type stdioPrompter struct{}

func (stdioPrompter) PromptQuestion(ctx context.Context, question string) (string, error) {
	fmt.Printf("%s\n> ", question)
	return readLine()
}

func (stdioPrompter) SelectOne(ctx context.Context, question string, options []string) (string, error) {
	printOptions(question, options)
	choice, err := readChoice(len(options))
	if err != nil {
		return "", err
	}
	return options[choice], nil
}

func (stdioPrompter) SelectMany(ctx context.Context, question string, options []string) ([]string, error) {
	printOptions(question, options)
	fmt.Print("(comma-separated numbers)\n> ")
	line, err := readLine()
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, toolexec.ErrSelectionCancelled
	}
	var selected []string
	for _, field := range splitComma(line) {
		idx, err := parseIndex(field, len(options))
		if err != nil {
			return nil, err
		}
		selected = append(selected, options[idx])
	}
	return selected, nil
}

func printOptions(question string, options []string) {
	fmt.Println(question)
	for i, o := range options {
		fmt.Printf("  %d) %s\n", i+1, o)
	}
}

func readChoice(n int) (int, error) {
	fmt.Print("> ")
	line, err := readLine()
	if err != nil {
		return 0, err
	}
	if line == "" {
		return 0, toolexec.ErrSelectionCancelled
	}
	return parseIndex(line, n)
}

func readLine() (string, error) {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", toolexec.ErrSelectionCancelled
	}
	return trimNewline(line), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, trimSpace(s[start:i]))
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

func parseIndex(field string, n int) (int, error) {
	var idx int
	if _, err := fmt.Sscanf(field, "%d", &idx); err != nil {
		return 0, fmt.Errorf("invalid selection %q", field)
	}
	if idx < 1 || idx > n {
		return 0, fmt.Errorf("selection %d out of range", idx)
	}
	return idx - 1, nil
}

// unimplementedAuthService is the default forgeapi.AuthService: the actual
// OAuth device-flow backend is an out-of-scope network collaborator (spec
// §1), so this stub simply reports that no such backend is configured. A
// production deployment wires a real implementation in its place.
type unimplementedAuthService struct{}

func (unimplementedAuthService) InitAuth(ctx context.Context) (forgeapi.InitAuth, error) {
	return forgeapi.InitAuth{}, fmt.Errorf("forge: no auth service configured")
}

func (unimplementedAuthService) PollLogin(ctx context.Context, auth forgeapi.InitAuth) (config.KeyInfo, error) {
	return config.KeyInfo{}, forgeerr.New(forgeerr.KindAuthInProgress, "no auth service configured", nil)
}

func (unimplementedAuthService) UserInfo(ctx context.Context, key config.KeyInfo) (forgeapi.UserInfo, error) {
	return forgeapi.UserInfo{}, fmt.Errorf("forge: no auth service configured")
}

func runChat(ctx context.Context, api *forgeapi.Api, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	workflowPath := fs.String("workflow", "", "path to forge.yaml (defaults to cwd/forge.yaml)")
	fs.Parse(args)

	wf, err := api.ReadMergedWorkflow(*workflowPath)
	if err != nil {
		return err
	}
	conv := api.InitConversation(*wf)

	reader := bufio.NewReader(os.Stdin)
	fmt.Println("forge chat — type 'exit' to quit")
	for {
		fmt.Print("\nyou> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		line = trimNewline(line)
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := streamChat(ctx, api, conv.ID, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func runOneShot(ctx context.Context, api *forgeapi.Api, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	workflowPath := fs.String("workflow", "", "path to forge.yaml")
	fs.Parse(args)

	message, err := readAllStdin()
	if err != nil {
		return err
	}
	wf, err := api.ReadMergedWorkflow(*workflowPath)
	if err != nil {
		return err
	}
	conv := api.InitConversation(*wf)
	return streamChat(ctx, api, conv.ID, message)
}

func streamChat(ctx context.Context, api *forgeapi.Api, conversationID, message string) error {
	stream, err := api.Chat(ctx, forgeapi.ChatRequest{
		ConversationID: conversationID,
		Event:          orchestrator.Event{Name: "user_message", Value: message},
	})
	if err != nil {
		return err
	}
	for resp := range stream {
		switch resp.Kind {
		case orchestrator.ResponseText:
			fmt.Print(resp.Content)
			if resp.IsComplete {
				fmt.Println()
			}
		case orchestrator.ResponseToolCallStart:
			fmt.Printf("\n[calling %s]\n", resp.ToolName)
		case orchestrator.ResponseSummary:
			fmt.Printf("\n%s\n", resp.Content)
		case orchestrator.ResponseRetryAttempt:
			fmt.Fprintf(os.Stderr, "retrying after %v: %v\n", resp.RetryDelay, resp.RetryCause)
		case orchestrator.ResponseInterrupt:
			fmt.Fprintf(os.Stderr, "turn interrupted: %s\n", resp.InterruptReason)
		case orchestrator.ResponseError:
			return resp.Err
		}
	}
	return nil
}

func readAllStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func runLogin(ctx context.Context, api *forgeapi.Api) error {
	auth, err := api.InitLogin(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Visit %s to complete login, then press enter.\n", auth.URL)
	bufio.NewReader(os.Stdin).ReadString('\n')
	return api.Login(ctx, auth)
}

func runWhoami(ctx context.Context, api *forgeapi.Api) error {
	info, err := api.UserInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s <%s>\n", info.Name, info.Email)
	return nil
}

func runTools(api *forgeapi.Api) error {
	for _, t := range api.Tools() {
		fmt.Printf("%s: %s\n", t.Name, t.Description)
	}
	return nil
}

func runModels(ctx context.Context, api *forgeapi.Api) error {
	for _, m := range api.Models(ctx) {
		fmt.Printf("%s/%s\n", m.Provider, m.Model.ID)
	}
	return nil
}

func runDiscover(api *forgeapi.Api) error {
	files, err := api.Discover()
	if err != nil {
		return err
	}
	for _, f := range files {
		if !f.IsDir {
			fmt.Println(f.Path)
		}
	}
	return nil
}

func runCompact(ctx context.Context, api *forgeapi.Api, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: forge compact <conversation-id>")
	}
	result, err := api.CompactConversation(ctx, args[0])
	if err != nil {
		return err
	}
	if result.Metrics == nil {
		fmt.Println("nothing eligible to compact")
		return nil
	}
	payload, _ := json.MarshalIndent(result.Metrics, "", "  ")
	fmt.Println(string(payload))
	return nil
}

func runInfo(api *forgeapi.Api) error {
	env := api.Environment()
	payload, _ := json.MarshalIndent(env, "", "  ")
	fmt.Println(string(payload))
	return nil
}
