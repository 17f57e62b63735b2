package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/goliatone/go-errors"

	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// Error codes of handler registration.
const (
	ErrCodeDuplicateHandler = "WORKER_DUPLICATE_HANDLER"
	ErrCodeInvalidHandler   = "WORKER_INVALID_HANDLER"
)

// Handler performs one attempt of a work item.
type Handler func(ctx context.Context, input types.Payload) (types.Payload, error)

// Registry maps work item names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// RegisterFunc adds an untyped handler.
func (r *Registry) RegisterFunc(name string, h Handler) error {
	if name == "" || h == nil {
		return apperrors.New("work name and handler are required", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidHandler)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return apperrors.New(fmt.Sprintf("handler for %q already registered", name), apperrors.CategoryConflict).
			WithTextCode(ErrCodeDuplicateHandler).
			WithMetadata(map[string]any{"work": name})
	}
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists registered work names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a typed handler. Input and output go through the payload
// codec.
func Register[In, Out any](r *Registry, name string, fn func(ctx context.Context, input In) (Out, error)) error {
	if fn == nil {
		return r.RegisterFunc(name, nil)
	}
	return r.RegisterFunc(name, func(ctx context.Context, p types.Payload) (types.Payload, error) {
		var in In
		if err := codec.Decode(p, &in); err != nil {
			return types.Payload{}, err
		}
		out, err := fn(ctx, in)
		if err != nil {
			return types.Payload{}, err
		}
		return codec.Encode(out)
	})
}
