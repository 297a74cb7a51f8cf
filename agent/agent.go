// Package agent drives tool-calling conversations with a language model.
// A Detector reads one chunk and records the events it finds; a Resolver
// reads a batch of nearby events and records how they relate in time.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/storyline/bus"
	"github.com/brunobiangulo/storyline/llm"
	"github.com/brunobiangulo/storyline/taxonomy"
	"github.com/brunobiangulo/storyline/tools"
)

// Toolbox executes tool calls. *tools.Contract implements it.
type Toolbox interface {
	LLMTools(set tools.ToolSet) ([]llm.Tool, error)
	Invoke(ctx context.Context, scope tools.Scope, callID, name string, args json.RawMessage) (tools.Result, error)
}

// Config holds agent configuration.
type Config struct {
	// Model overrides the provider's default chat model.
	Model string
	// MaxSteps bounds the number of chat turns per unit of work.
	MaxSteps int
	// MaxOutputTokens bounds each completion.
	MaxOutputTokens int
	Temperature     float64
	// Taxonomy, when set, is described in the instructions.
	Taxonomy *taxonomy.Taxonomy
}

const (
	defaultMaxSteps        = 12
	defaultMaxOutputTokens = 4096
)

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = defaultMaxSteps
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = defaultMaxOutputTokens
	}
	return c
}

// ToolError is returned when a tool call fails. It aborts the unit of
// work; tool calls that succeeded before it are kept.
type ToolError struct {
	Agent  string
	Tool   string
	CallID string
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: tool %s failed: %v", e.Agent, e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// conversation is the tool loop shared by both agents.
type conversation struct {
	name     string
	provider llm.Provider
	box      Toolbox
	pub      tools.Publisher
	cfg      Config
	set      tools.ToolSet
	system   string
	tools    []llm.Tool
}

func newConversation(name string, p llm.Provider, box Toolbox, pub tools.Publisher, cfg Config, set tools.ToolSet, system string) (*conversation, error) {
	defs, err := box.LLMTools(set)
	if err != nil {
		return nil, fmt.Errorf("%s: building tool schemas: %w", name, err)
	}
	return &conversation{
		name:     name,
		provider: p,
		box:      box,
		pub:      pub,
		cfg:      cfg.withDefaults(),
		set:      set,
		system:   system,
		tools:    defs,
	}, nil
}

// run holds one conversation. Every tool result is passed to onResult
// before being returned to the model.
func (c *conversation) run(ctx context.Context, scope tools.Scope, prompt string, onResult func(tools.Result)) error {
	scope.Set = c.set
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: c.system},
		{Role: llm.RoleUser, Content: prompt},
	}

	start := time.Now()
	var tokens int
	for step := 1; step <= c.cfg.MaxSteps; step++ {
		resp, err := c.provider.Chat(ctx, llm.ChatRequest{
			Model:       c.cfg.Model,
			Messages:    messages,
			Temperature: c.cfg.Temperature,
			MaxTokens:   c.cfg.MaxOutputTokens,
			Tools:       c.tools,
			ToolChoice:  "auto",
		})
		if err != nil {
			return fmt.Errorf("%s: chat step %d: %w", c.name, step, err)
		}
		tokens += resp.TotalTokens

		if text := strings.TrimSpace(resp.Content); text != "" && c.pub != nil && scope.RunID != "" {
			c.pub.Publish(scope.RunID, bus.Reasoning{Agent: c.name, Text: text})
		}
		if len(resp.ToolCalls) == 0 {
			slog.Debug("agent: conversation finished", "agent", c.name, "steps", step,
				"tokens", tokens, "elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		}

		messages = append(messages, resp.AssistantMessage())
		for _, call := range resp.ToolCalls {
			res, err := c.box.Invoke(ctx, scope, call.ID, call.Function.Name, json.RawMessage(call.Function.Arguments))
			if err != nil {
				return &ToolError{Agent: c.name, Tool: call.Function.Name, CallID: call.ID, Err: err}
			}
			if onResult != nil {
				onResult(res)
			}
			out, err := json.Marshal(res)
			if err != nil {
				return fmt.Errorf("%s: encoding %s result: %w", c.name, call.Function.Name, err)
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Content:    string(out),
			})
		}
	}

	slog.Warn("agent: step limit reached", "agent", c.name, "max_steps", c.cfg.MaxSteps,
		"tokens", tokens, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
