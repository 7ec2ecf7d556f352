package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// HandlerFunc transmits one mutation's payload to the remote side and reports
// the outcome. Handlers make a single outbound call and never retry; retry
// policy lives entirely in the orchestrator.
type HandlerFunc func(ctx context.Context, m QueuedMutation) error

// Registry maps mutation kinds to delivery handlers. A kind may additionally
// carry a payload envelope schema, enforced at enqueue time so malformed
// envelopes are rejected before they are ever persisted.
type Registry struct {
	mu       sync.RWMutex
	handlers map[MutationKind]HandlerFunc
	schemas  map[MutationKind]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: map[MutationKind]HandlerFunc{},
		schemas:  map[MutationKind]*jsonschema.Schema{},
	}
}

func (r *Registry) Register(kind MutationKind, handler HandlerFunc) error {
	if kind == "" || handler == nil {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	return nil
}

// RegisterSchema compiles and installs the payload envelope schema for kind.
func (r *Registry) RegisterSchema(kind MutationKind, schema []byte) error {
	if kind == "" || len(schema) == 0 {
		return ErrInvalidInput
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", kind, err)
	}
	compiler := jsonschema.NewCompiler()
	url := string(kind) + ".schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", kind, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", kind, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[kind] = compiled
	return nil
}

func (r *Registry) Handler(kind MutationKind) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[kind]
	return handler, ok
}

func (r *Registry) Kinds() []MutationKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]MutationKind, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// ValidatePayload checks payload against the kind's registered schema; kinds
// without a schema accept any payload, which stays opaque to the queue.
func (r *Registry) ValidatePayload(kind MutationKind, payload json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[kind]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrInvalidPayload, kind)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
