package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/clawforge/internal/config"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitModel asks a Genkit-backed model for one JSON Decision per turn.
type GenkitModel struct {
	g         *genkit.Genkit
	modelName string
	llmOn     bool
	logger    *slog.Logger
}

// NewGenkitModel initializes the provider plugin. Without an API key, or
// with provider "none", every turn replies with a fixed notice.
func NewGenkitModel(ctx context.Context, cfg config.LLMConfig, apiKey string, logger *slog.Logger) *GenkitModel {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "model")
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey = strings.TrimSpace(apiKey)

	m := &GenkitModel{logger: logger}
	switch {
	case provider == "none":
		m.g = genkit.Init(ctx)
		logger.Info("model provider disabled")
	case apiKey == "":
		m.g = genkit.Init(ctx)
		logger.Warn("LLM API key missing; using deterministic fallback", "provider", provider)
	case provider == "anthropic":
		m.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
		}))
		m.modelName = "anthropic/" + modelID
		m.llmOn = true
	case provider == "openai_compatible":
		m.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
		m.modelName = modelID
		m.llmOn = true
	default:
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		m.modelName = "googleai/" + modelID
		m.g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel(m.modelName),
		)
		m.llmOn = true
	}
	if m.llmOn {
		logger.Info("genkit model initialized", "provider", provider, "model", m.modelName)
	}
	return m
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

const fallbackReply = "I can plan and dispatch work after a model API key is configured."

// Next renders the turn as a prompt, generates, and parses the Decision.
// A reply without any JSON is taken as a plain-text answer.
func (m *GenkitModel) Next(ctx context.Context, req ModelRequest) (ModelTurn, error) {
	if !m.llmOn {
		return ModelTurn{Text: fallbackReply}, nil
	}

	system := strings.ReplaceAll(systemPrompt(req), "%", "%%")
	opts := []ai.GenerateOption{
		ai.WithModelName(m.modelName),
		ai.WithSystem(system),
	}
	if msgs := transcriptMessages(req.Transcript); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	opts = append(opts, ai.WithPrompt(turnPrompt(req)))

	resp, err := genkit.Generate(ctx, m.g, opts...)
	if err != nil {
		return ModelTurn{}, fmt.Errorf("genkit generate: %w", err)
	}
	text := resp.Text()
	d, err := ParseDecision(text)
	if errors.Is(err, ErrNoDecision) {
		return ModelTurn{Text: strings.TrimSpace(text)}, nil
	}
	if err != nil {
		return ModelTurn{}, &DecisionError{Raw: text, Err: err}
	}
	return turnFromDecision(d)
}

func systemPrompt(req ModelRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, the planning agent of a task orchestration system.\n", req.Identity)
	b.WriteString("Each turn, reply with exactly one JSON object and nothing else:\n")
	b.WriteString(`  {"action":"execute","kind":"<tool name>","content":{<tool arguments>}}` + "\n")
	b.WriteString(`  {"action":"delegate","target":"<worker id or auto>","instruction":"<what the worker should do>"}` + "\n")
	b.WriteString(`  {"action":"reply","content":"<final answer for the user>"}` + "\n")
	b.WriteString("Delegate long-running or risky work. Finish with finish_task or a reply.\n\nTools:\n")
	for _, t := range req.Tools {
		fmt.Fprintf(&b, "- %s: %s\n  arguments schema: %s\n", t.Name, t.Description, compactJSON(t.Schema))
	}
	return b.String()
}

func turnPrompt(req ModelRequest) string {
	if req.Turn <= 1 {
		return "Goal: " + req.Goal
	}
	if req.Inject != "" {
		return req.Inject
	}
	return "Continue toward the goal. Reply with the next JSON decision."
}

func transcriptMessages(items []Message) []*ai.Message {
	var msgs []*ai.Message
	for _, item := range items {
		var role ai.Role
		switch item.Role {
		case RoleUser:
			role = ai.RoleUser
		case RoleModel:
			role = ai.RoleModel
		case RoleTool:
			// Tool results go back as user turns; the decision protocol has
			// no native tool-call parts.
			role = ai.RoleUser
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(item.Content)},
		})
	}
	return msgs
}

func compactJSON(s string) string {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return s
	}
	return string(b)
}
