package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/beam-cloud/handoff/pkg/sandbox"
	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/rs/zerolog/log"
)

const runtimeConfigPath = "/root/.config/task-runtime/config.json"

// Executor runs shell commands inside an acquired sandbox
type Executor interface {
	Exec(ctx context.Context, command string) (*sandbox.ExecResult, error)
}

// TaskOutcome is the extracted result of one dispatched task
type TaskOutcome struct {
	Response  string
	ToolsUsed []string
	Tokens    types.TokenUsage
	Cost      float64
}

// Dispatcher prepares a sandbox's task runtime and runs one task through it
type Dispatcher struct {
	runtime types.RuntimeConfig
	tools   types.ToolsConfig
}

func NewDispatcher(runtime types.RuntimeConfig, tools types.ToolsConfig) *Dispatcher {
	return &Dispatcher{runtime: runtime, tools: tools}
}

// WriteRuntimeConfig drops the model provider credentials into the sandbox
// so the runtime can authenticate before the first prompt.
func (d *Dispatcher) WriteRuntimeConfig(ctx context.Context, exec Executor) error {
	payload, err := json.Marshal(map[string]string{
		"provider": d.runtime.Provider,
		"apiKey":   d.runtime.APIKey,
		"model":    d.runtime.Model,
	})
	if err != nil {
		return err
	}

	dir := runtimeConfigPath[:strings.LastIndex(runtimeConfigPath, "/")]
	command := fmt.Sprintf("mkdir -p %s && cat > %s <<'HANDOFF_CFG_EOF'\n%s\nHANDOFF_CFG_EOF",
		dir, runtimeConfigPath, string(payload))

	result, err := exec.Exec(ctx, command)
	if err != nil {
		return fmt.Errorf("write runtime config: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("write runtime config exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// RegisterTools registers every configured tool-integration server with the
// runtime. A primary server that fails to register aborts the delegation;
// secondary failures are logged and skipped unless escalation is enabled.
func (d *Dispatcher) RegisterTools(ctx context.Context, rt RuntimeClient) error {
	names := make([]string, 0, len(d.tools.Servers))
	for name := range d.tools.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := d.tools.Servers[name]
		err := rt.AddToolServer(ctx, name, cfg)
		if err == nil {
			log.Info().Str("server", name).Bool("primary", cfg.Primary).Msg("tool server registered")
			continue
		}

		if cfg.Primary || d.tools.FailOnSecondary {
			return fmt.Errorf("register primary tool server %s: %w", name, err)
		}
		log.Warn().Err(err).Str("server", name).Msg("skipping secondary tool server")
	}
	return nil
}

// OpenSession creates the runtime session that will execute the task
func (d *Dispatcher) OpenSession(ctx context.Context, rt RuntimeClient, title string) (string, error) {
	return rt.CreateSession(ctx, title)
}

// Execute submits the task prompt to an open runtime session and extracts
// the outcome. Transport errors and runtime-reported errors both fail the
// dispatch; nothing is retried.
func (d *Dispatcher) Execute(ctx context.Context, rt RuntimeClient, sessionID string, req *types.DelegationRequest) (*TaskOutcome, error) {
	prompt := d.buildPrompt(req)

	resp, err := rt.Prompt(ctx, sessionID, prompt, req.AgentMode)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("runtime reported error: %s", resp.Error)
	}

	return extractOutcome(resp), nil
}

// buildPrompt assembles the single prompt: setup instructions, then the
// task, then optional caller context.
func (d *Dispatcher) buildPrompt(req *types.DelegationRequest) string {
	var sections []string
	if d.runtime.SetupInstructions != "" {
		sections = append(sections, d.runtime.SetupInstructions)
	}
	sections = append(sections, req.Task)
	if req.Context != "" {
		sections = append(sections, "Additional context:\n"+req.Context)
	}
	return strings.Join(sections, "\n\n")
}

// extractOutcome flattens the runtime response: text parts concatenate into
// the narrative, tool parts become per-call summaries in call order.
func extractOutcome(resp *PromptResponse) *TaskOutcome {
	outcome := &TaskOutcome{
		Tokens: resp.Info.Tokens,
		Cost:   resp.Info.Cost,
	}

	var text []string
	for _, part := range resp.Parts {
		switch part.Type {
		case "text":
			if part.Text != "" {
				text = append(text, part.Text)
			}
		case "tool":
			status := part.State.Status
			if status == "" {
				status = string(types.ToolUsePending)
			}
			outcome.ToolsUsed = append(outcome.ToolsUsed, fmt.Sprintf("%s (%s)", part.Tool, status))
		}
	}
	outcome.Response = strings.Join(text, "\n")

	return outcome
}
