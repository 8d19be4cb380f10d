package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
)

const defaultForEachConcurrency = 1

type ForEachConfig struct {
	Items       []interface{}          `mapstructure:"items"`
	Concurrency int                    `mapstructure:"concurrency"`
	ItemKey     string                 `mapstructure:"item_key"`
	SubWorkflow map[string]interface{} `mapstructure:"sub_workflow"`
	FailFast    *bool                  `mapstructure:"fail_fast"`
}

// ForEachProcessor runs a nested workflow once per item, at most Concurrency at a
// time. Each item becomes the child execution's trigger_data under ItemKey.
type ForEachProcessor struct {
	validator *workflow.Validator
}

// NewForEachProcessor validates nested definitions against types. With nil
// types only the nested graph structure is checked.
func NewForEachProcessor(types workflow.NodeTypes) *ForEachProcessor {
	return &ForEachProcessor{validator: workflow.NewValidator(types)}
}

func (p *ForEachProcessor) Type() string { return workflow.NodeTypeForEach }

// RawKeys keeps the nested definition's templates for the child executions.
func (p *ForEachProcessor) RawKeys() []string { return []string{"sub_workflow"} }

func (p *ForEachProcessor) Validate(config map[string]interface{}) error {
	if err := requireKeys(config, "items", "sub_workflow"); err != nil {
		return err
	}
	sub, err := subDefinition(config["sub_workflow"])
	if err != nil {
		return err
	}
	if len(sub.Nodes) == 0 {
		return errors.New("sub_workflow has no nodes")
	}
	if result := p.validator.Validate(sub); !result.Valid {
		return fmt.Errorf("sub_workflow: %s", strings.Join(result.Errors, "; "))
	}
	return validateConcurrency(config["concurrency"])
}

// validateConcurrency accepts any numeric form of a positive integer. Templates
// are checked once resolved.
func validateConcurrency(raw interface{}) error {
	if raw == nil {
		return nil
	}
	if s, ok := raw.(string); ok && strings.Contains(s, "{{") {
		return nil
	}
	var cfg struct {
		Concurrency int `mapstructure:"concurrency"`
	}
	if err := decode(map[string]interface{}{"concurrency": raw}, &cfg); err != nil {
		return err
	}
	if cfg.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %v", raw)
	}
	return nil
}

func (p *ForEachProcessor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if req.Runner == nil {
		return nil, errors.New("for_each requires a sub-workflow runner")
	}
	var cfg ForEachConfig
	if err := req.Decode(&cfg); err != nil {
		return nil, err
	}
	sub, err := subDefinition(cfg.SubWorkflow)
	if err != nil {
		return nil, err
	}
	sub.ID = req.Node.ID
	limit := cfg.Concurrency
	if limit < 1 {
		limit = defaultForEachConcurrency
	}
	itemKey := cfg.ItemKey
	if itemKey == "" {
		itemKey = "item"
	}
	failFast := cfg.FailFast == nil || *cfg.FailFast

	results := make([]interface{}, len(cfg.Items))
	itemErrors := make([]interface{}, len(cfg.Items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, item := range cfg.Items {
		i, item := i, item
		g.Go(func() error {
			trigger := map[string]interface{}{itemKey: item, "index": i}
			out, err := req.Runner.RunSubworkflow(gctx, req.ExecutionID, sub, trigger)
			if err != nil {
				if failFast {
					return fmt.Errorf("item %d: %w", i, err)
				}
				itemErrors[i] = err.Error()
				return nil
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for _, e := range itemErrors {
		if e != nil {
			failed++
		}
	}
	return &Result{Output: output(
		"results", results,
		"errors", itemErrors,
		"count", len(cfg.Items),
		"failed", failed,
	)}, nil
}

func subDefinition(raw interface{}) (*workflow.Definition, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("sub_workflow must be an object, got %T", raw)
	}
	var def workflow.Definition
	if err := decode(m, &def); err != nil {
		return nil, fmt.Errorf("sub_workflow: %w", err)
	}
	return &def, nil
}
