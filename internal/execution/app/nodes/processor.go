// Package nodes holds the node processor contract, the registry keyed by node
// type, and the built-in processors.
package nodes

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
)

// Request is what a processor receives: the node, its config with references
// already resolved, and a read-only snapshot of the execution context.
type Request struct {
	ExecutionID string
	Node        workflow.Node
	Config      map[string]interface{}
	Context     map[string]interface{}
	Attempt     int
	Runner      SubworkflowRunner
}

// Decode maps the resolved config onto a typed struct.
func (r *Request) Decode(out interface{}) error {
	return decode(r.Config, out)
}

type Result struct {
	Output map[string]interface{}
	// Branch is the label gating labeled outgoing edges. Empty activates only unlabeled edges.
	Branch string
	// Suspend pauses the whole execution until a decision is delivered through Resume.
	Suspend *Suspension
	// WaitUntil holds only this node's branch. The scheduler completes the node
	// with Output once the instant passes.
	WaitUntil time.Time
	// SideEffectsApplied records that an external effect happened.
	SideEffectsApplied bool
}

type Suspension struct {
	Reason string
	Data   map[string]interface{}
}

type Processor interface {
	Type() string
	// Validate checks the raw, unresolved config once at definition validation.
	Validate(config map[string]interface{}) error
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Resumer is implemented by processors that suspend the execution. Resume turns
// the external decision into the node's result.
type Resumer interface {
	Resume(ctx context.Context, req *Request, decision map[string]interface{}) (*Result, error)
}

// RawConfigKeys is implemented by processors whose config carries nested
// templates that must reach them unresolved.
type RawConfigKeys interface {
	RawKeys() []string
}

// Registry maps node types to processors. It satisfies workflow.NodeTypes.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

func (r *Registry) Register(p Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[p.Type()]; exists {
		return fmt.Errorf("processor for node type %q already registered", p.Type())
	}
	r.processors[p.Type()] = p
	return nil
}

func (r *Registry) MustRegister(processors ...Processor) {
	for _, p := range processors {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(nodeType string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownNodeType, nodeType)
	}
	return p, nil
}

func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processors[nodeType]
	return ok
}

func (r *Registry) ValidateConfig(nodeType string, config map[string]interface{}) error {
	p, err := r.Get(nodeType)
	if err != nil {
		return err
	}
	if config == nil {
		config = map[string]interface{}{}
	}
	return p.Validate(config)
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func decode(input map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc("2006-01-02T15:04:05Z07:00"),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("invalid node config: %w", err)
	}
	return nil
}

func requireKeys(config map[string]interface{}, keys ...string) error {
	for _, k := range keys {
		v, ok := config[k]
		if !ok || v == nil {
			return fmt.Errorf("%s is required", k)
		}
		if s, isString := v.(string); isString && s == "" {
			return fmt.Errorf("%s must not be empty", k)
		}
	}
	return nil
}

func output(kv ...interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}
