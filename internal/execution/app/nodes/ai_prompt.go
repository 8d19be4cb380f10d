package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
)

type AIPromptConfig struct {
	Provider    string   `mapstructure:"provider"`
	Model       string   `mapstructure:"model"`
	System      string   `mapstructure:"system"`
	Prompt      string   `mapstructure:"prompt"`
	MaxTokens   int      `mapstructure:"max_tokens"`
	Temperature *float64 `mapstructure:"temperature"`
}

type AIPromptProcessor struct {
	client AIClient
}

func NewAIPromptProcessor(client AIClient) *AIPromptProcessor {
	return &AIPromptProcessor{client: client}
}

func (p *AIPromptProcessor) Type() string { return workflow.NodeTypeAIPrompt }

func (p *AIPromptProcessor) Validate(config map[string]interface{}) error {
	return requireKeys(config, "prompt")
}

func (p *AIPromptProcessor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if p.client == nil {
		return nil, errors.New("no AI provider configured")
	}
	var cfg AIPromptConfig
	if err := req.Decode(&cfg); err != nil {
		return nil, err
	}

	resp, err := p.client.Complete(ctx, AIRequest{
		Provider:    cfg.Provider,
		Model:       cfg.Model,
		System:      cfg.System,
		Prompt:      cfg.Prompt,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("ai completion failed: %w", err)
	}

	return &Result{Output: output(
		"content", resp.Content,
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)}, nil
}
