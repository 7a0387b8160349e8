// Package workflow implements the Workflow document: the named Agent
// configurations and variables that parameterize an Orchestrator run,
// loaded from forge.yaml (spec §6 "Persisted state layouts"). Grounded on
// original_source/crates/forge_domain's Workflow/Agent/Compact shapes and
// the teacher's internal/config.go pattern for load/merge/write.
package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Compact is the optional compaction policy attached to an Agent.
type Compact struct {
	Prompt          string `yaml:"prompt,omitempty"`
	SummaryTag      string `yaml:"summary_tag,omitempty"`
	Model           string `yaml:"model"`
	MaxTokens       *int   `yaml:"max_tokens,omitempty"`
	RetentionWindow int    `yaml:"retention_window"`
}

// Agent is a named configuration: a tool allow-list, target model, prompt
// template reference, and optional compaction policy.
type Agent struct {
	ID           string   `yaml:"id"`
	Model        string   `yaml:"model"`
	Tools        []string `yaml:"tools"`
	Prompt       string   `yaml:"prompt,omitempty"`
	Compact      *Compact `yaml:"compact,omitempty"`
	MaxRequests  int      `yaml:"max_requests_per_turn,omitempty"`
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
}

// Workflow describes one or more Agents plus free-form variables, the unit
// loaded from forge.yaml and referenced by a Conversation.
type Workflow struct {
	Agents    []Agent           `yaml:"agents"`
	Variables map[string]string `yaml:"variables,omitempty"`
}

// AgentByID returns the agent with the given id, or false if absent.
func (w *Workflow) AgentByID(id string) (Agent, bool) {
	for _, a := range w.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// OperatingAgent picks the operating agent per spec §4.1 step 1: the first
// agent, unless workflow.variables.operating_agent names a valid one.
func (w *Workflow) OperatingAgent() (Agent, error) {
	if len(w.Agents) == 0 {
		return Agent{}, fmt.Errorf("workflow: no agents configured")
	}
	if name, ok := w.Variables["operating_agent"]; ok {
		if a, found := w.AgentByID(name); found {
			return a, nil
		}
	}
	return w.Agents[0], nil
}

// Read loads a Workflow document from path.
func Read(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %q: %w", path, err)
	}
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("workflow: parse %q: %w", path, err)
	}
	return &w, nil
}

// ReadMerged loads path and, if a local forge.yaml exists in cwd, merges
// its agents and variables over the base document (local entries win),
// mirroring the MCP config merge semantics in spec §6.
func ReadMerged(basePath, localPath string) (*Workflow, error) {
	base, err := Read(basePath)
	if err != nil {
		return nil, err
	}
	if localPath == "" {
		return base, nil
	}
	if _, err := os.Stat(localPath); err != nil {
		return base, nil
	}
	local, err := Read(localPath)
	if err != nil {
		return nil, err
	}
	return merge(base, local), nil
}

func merge(base, local *Workflow) *Workflow {
	merged := &Workflow{
		Agents:    append([]Agent(nil), base.Agents...),
		Variables: make(map[string]string, len(base.Variables)+len(local.Variables)),
	}
	for k, v := range base.Variables {
		merged.Variables[k] = v
	}
	for k, v := range local.Variables {
		merged.Variables[k] = v
	}
	for _, a := range local.Agents {
		replaced := false
		for i, existing := range merged.Agents {
			if existing.ID == a.ID {
				merged.Agents[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			merged.Agents = append(merged.Agents, a)
		}
	}
	return merged
}

// Write serializes w as YAML to path.
func Write(path string, w *Workflow) error {
	data, err := yaml.Marshal(w)
	if err != nil {
		return fmt.Errorf("workflow: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("workflow: write %q: %w", path, err)
	}
	return nil
}

// Update loads path, applies f to the decoded Workflow, and writes it back.
func Update(path string, f func(*Workflow)) error {
	w, err := Read(path)
	if err != nil {
		return err
	}
	f(w)
	return Write(path, w)
}
