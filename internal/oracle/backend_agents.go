package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"
)

// AgentBackend runs text-only stages through the agents SDK. The deep
// synthesis stages are all text over accumulated context, which is exactly
// the single-turn agent shape.
type AgentBackend struct {
	provider agents.ModelProvider
	model    string
}

// NewAgentBackend creates an agents-SDK backend over the given provider.
func NewAgentBackend(provider agents.ModelProvider, model string) *AgentBackend {
	return &AgentBackend{provider: provider, model: model}
}

func (b *AgentBackend) Complete(ctx context.Context, p Prompt) (string, error) {
	if len(p.Media) > 0 {
		return "", Fatal(errors.New("agent backend is text-only"))
	}

	model := b.model
	if p.Model != "" {
		model = p.Model
	}

	agent := agents.New("trail-analyst").
		WithInstructions(p.System).
		WithModel(model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(p.MaxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   b.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	events, errCh, err := runner.RunStreamedChan(ctx, agent, p.User)
	if err != nil {
		return "", classifyAPI(fmt.Errorf("oracle stream start: %w", err))
	}

	var text strings.Builder
	for ev := range events {
		raw, ok := ev.(agents.RawResponsesStreamEvent)
		if !ok {
			continue
		}
		if raw.Data.Type != "response.output_text.delta" {
			continue
		}
		text.WriteString(raw.Data.Delta)
	}

	if streamErr := <-errCh; streamErr != nil {
		return "", classifyAPI(fmt.Errorf("oracle stream: %w", streamErr))
	}
	return text.String(), nil
}
