package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/orchestra/internal/domain"
)

// GenkitConfig configures the embedded-model transport: a Genkit
// instance with a provider plugin already registered (Anthropic, OpenAI,
// or an OpenAI-compatible/Google backend), plus the model name to
// target. This is the alternative to shelling out to a CLI per call.
type GenkitConfig struct {
	Genkit    *genkit.Genkit
	ModelName string
}

// GenkitClient is an oracle.Client backed directly by an embedded model
// through Genkit, rather than a subprocess.
type GenkitClient struct {
	cfg GenkitConfig
}

// NewGenkitClient wraps an already-configured *genkit.Genkit (provider
// plugins registered by the caller at startup, following the
// multi-provider plugin-registration convention).
func NewGenkitClient(cfg GenkitConfig) *GenkitClient {
	return &GenkitClient{cfg: cfg}
}

// InitGenkit registers one provider plugin (anthropic, openai, or
// google; an empty provider means anthropic) and returns the configured
// Genkit instance plus the resolved model name, following the
// provider-switch shape of the teacher's NewGenkitBrain: an unknown
// provider or a missing API key falls back to a plugin-less instance so the oracle
// client surfaces a clear "no model configured" error on first call
// rather than panicking during startup.
func InitGenkit(ctx context.Context, provider, model, apiKey string) (*genkit.Genkit, string) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = "anthropic"
	}
	if model == "" {
		model = defaultGenkitModel(provider)
	}

	switch provider {
	case "anthropic":
		if apiKey == "" {
			slog.Warn("oracle: anthropic api key missing; genkit transport has no model registered")
			return genkit.Init(ctx), model
		}
		g := genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
		return g, "anthropic/" + model
	case "openai":
		if apiKey == "" {
			slog.Warn("oracle: openai api key missing; genkit transport has no model registered")
			return genkit.Init(ctx), model
		}
		g := genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		}))
		return g, "openai/" + model
	case "google":
		if apiKey == "" {
			slog.Warn("oracle: google api key missing; genkit transport has no model registered")
			return genkit.Init(ctx), model
		}
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		return g, "googleai/" + model
	default:
		slog.Warn("oracle: unknown genkit provider, no model registered", "provider", provider)
		return genkit.Init(ctx), model
	}
}

func defaultGenkitModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5-20250929"
	case "openai":
		return "gpt-5"
	case "google":
		return "gemini-2.5-pro"
	default:
		return ""
	}
}

func (c *GenkitClient) invoke(ctx context.Context, prompt string) (string, error) {
	resp, err := genkit.Generate(ctx, c.cfg.Genkit,
		ai.WithPrompt(prompt),
		ai.WithModelName(c.cfg.ModelName),
	)
	if err != nil {
		return "", fmt.Errorf("oracle: genkit generate: %w", err)
	}
	return resp.Text(), nil
}

func (c *GenkitClient) CreateGoalDAG(ctx context.Context, goalID, instructions string) (domain.DAG, error) {
	validator := NewValidator([]string{"goal_id", "nodes", "edges"})
	var raw struct {
		GoalID string        `json:"goal_id"`
		Nodes  []domain.Task `json:"nodes"`
		Edges  []domain.Edge `json:"edges"`
	}
	statement := "Propose a task DAG that accomplishes the stated goal."
	if err := invokeJSON(ctx, c.invoke, validator, statement, goalID, instructions, nil,
		[]string{"goal_id", "nodes", "edges"}, &raw); err != nil {
		return domain.DAG{}, err
	}
	dag := domain.DAG{GoalID: raw.GoalID, Nodes: raw.Nodes, Edges: raw.Edges}
	if dag.GoalID == "" {
		dag.GoalID = goalID
	}
	return dag, nil
}

func (c *GenkitClient) SelectNextTask(ctx context.Context, goalID, instructions string, ready []domain.Task, memory []string) (TaskSelection, error) {
	validator := NewValidator([]string{"selected_task_id", "justification", "confidence"})
	var result TaskSelection
	statement := "Select the single best next task from the ready set, or null if none should proceed."
	promptCtx := map[string]interface{}{"ready_nodes": ready, "memory": memory}
	if err := invokeJSON(ctx, c.invoke, validator, statement, goalID, instructions, promptCtx,
		[]string{"selected_task_id", "justification", "confidence"}, &result); err != nil {
		return TaskSelection{}, err
	}
	return result, nil
}

func (c *GenkitClient) ExecuteTask(ctx context.Context, goalID, instructions string, node domain.Task, memory []string) (ExecutionResult, error) {
	validator := NewValidator([]string{"status", "outputs", "notes", "follow_ups"})
	var result ExecutionResult
	statement := fmt.Sprintf("Execute task %q: %s", node.ID, node.Title)
	promptCtx := map[string]interface{}{"node": node, "memory": memory}
	if err := invokeJSON(ctx, c.invoke, validator, statement, goalID, instructions, promptCtx,
		[]string{"status", "outputs", "notes", "follow_ups"}, &result); err != nil {
		return ExecutionResult{}, err
	}
	return result, nil
}

func (c *GenkitClient) SummarizeTask(ctx context.Context, goalID string, node domain.Task, result ExecutionResult) (string, error) {
	validator := NewValidator([]string{"summary"})
	var out struct {
		Summary string `json:"summary"`
	}
	statement := fmt.Sprintf("Summarize the outcome of task %q in one or two sentences.", node.ID)
	promptCtx := map[string]interface{}{"node": node, "execution": result}
	if err := invokeJSON(ctx, c.invoke, validator, statement, goalID, "", promptCtx, []string{"summary"}, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

func (c *GenkitClient) AssessRecovery(ctx context.Context, goalID string, node domain.Task, errMsg string) (RecoveryAssessment, error) {
	validator := NewValidator([]string{"recoverable", "reason", "remediation_title", "remediation_steps", "confidence"})
	var result RecoveryAssessment
	statement := fmt.Sprintf("Assess whether the failure on task %q is recoverable.", node.ID)
	promptCtx := map[string]interface{}{"node": node, "error": errMsg}
	keys := []string{"recoverable", "reason", "remediation_title", "remediation_steps", "confidence"}
	if err := invokeJSON(ctx, c.invoke, validator, statement, goalID, "", promptCtx, keys, &result); err != nil {
		return RecoveryAssessment{}, err
	}
	return result, nil
}

var _ Client = (*GenkitClient)(nil)
