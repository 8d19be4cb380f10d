// Package ai adapts hosted language model APIs to the ai_prompt node.
package ai

import (
	"context"
	"fmt"
	"sort"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/nodes"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/resilience"
)

// Router sends each request to the provider it names, or the default one.
// Every provider sits behind its own circuit breaker.
type Router struct {
	providers       map[string]nodes.AIClient
	defaultProvider string
	breakers        *resilience.CircuitBreakerRegistry
	logger          logger.Logger
}

func NewRouter(defaultProvider string, breakers *resilience.CircuitBreakerRegistry, log logger.Logger) *Router {
	return &Router{
		providers:       make(map[string]nodes.AIClient),
		defaultProvider: defaultProvider,
		breakers:        breakers,
		logger:          log,
	}
}

func (r *Router) Register(name string, client nodes.AIClient) {
	r.providers[name] = client
}

func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) Complete(ctx context.Context, req nodes.AIRequest) (*nodes.AIResponse, error) {
	name := req.Provider
	if name == "" {
		name = r.defaultProvider
	}
	client, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("ai provider %q is not configured", name)
	}

	if r.breakers == nil {
		return client.Complete(ctx, req)
	}
	result, err := resilience.Call(ctx, r.breakers.Get("ai:"+name), func(ctx context.Context) (*nodes.AIResponse, error) {
		return client.Complete(ctx, req)
	})
	if err != nil {
		r.logger.Warn("AI completion failed", "provider", name, "model", req.Model, "error", err)
		return nil, err
	}
	return result, nil
}
