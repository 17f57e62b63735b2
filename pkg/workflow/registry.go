package workflow

import (
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/goliatone/go-errors"

	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// Error codes of registration failures.
const (
	ErrCodeDuplicate   = "REGISTRY_DUPLICATE"
	ErrCodeInvalidName = "REGISTRY_INVALID_NAME"
	ErrCodeNotFound    = "REGISTRY_NOT_FOUND"
)

// Registry maps workflow names to functions. Engines and replay tools are
// given a Registry explicitly; there is no process-wide one.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// RegisterFunc adds an untyped workflow.
func (r *Registry) RegisterFunc(name string, fn Func) error {
	if name == "" || fn == nil {
		return apperrors.New("workflow name and function are required", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[name]; ok {
		return apperrors.New(fmt.Sprintf("workflow %q already registered", name), apperrors.CategoryConflict).
			WithTextCode(ErrCodeDuplicate).
			WithMetadata(map[string]any{"workflow": name})
	}
	r.funcs[name] = fn
	return nil
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, apperrors.New(fmt.Sprintf("workflow %q is not registered", name), apperrors.CategoryBadInput).
			WithTextCode(ErrCodeNotFound).
			WithMetadata(map[string]any{"workflow": name})
	}
	return fn, nil
}

// Names lists registered workflows in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a typed workflow. Input and output go through the payload
// codec.
func Register[In, Out any](r *Registry, name string, fn func(ctx Context, input In) (Out, error)) error {
	if fn == nil {
		return r.RegisterFunc(name, nil)
	}
	return r.RegisterFunc(name, func(ctx Context, raw types.Payload) (types.Payload, error) {
		var in In
		if err := codec.Decode(raw, &in); err != nil {
			return types.Payload{}, fmt.Errorf("decode %s input: %w", name, err)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return types.Payload{}, err
		}
		return codec.Encode(out)
	})
}

// SetQueryHandler installs a typed query handler.
func SetQueryHandler[In, Out any](ctx Context, name string, h func(input In) (Out, error)) {
	ctx.RegisterQuery(name, func(raw types.Payload) (types.Payload, error) {
		var in In
		if err := codec.Decode(raw, &in); err != nil {
			return types.Payload{}, err
		}
		out, err := h(in)
		if err != nil {
			return types.Payload{}, err
		}
		return codec.Encode(out)
	})
}

// SetUpdateHandler installs a typed update handler. validate may be nil.
func SetUpdateHandler[In, Out any](ctx Context, name string, handle func(ctx Context, input In) (Out, error), validate func(input In) error) {
	h := UpdateHandler{
		Handle: func(ctx Context, raw types.Payload) (types.Payload, error) {
			var in In
			if err := codec.Decode(raw, &in); err != nil {
				return types.Payload{}, err
			}
			out, err := handle(ctx, in)
			if err != nil {
				return types.Payload{}, err
			}
			return codec.Encode(out)
		},
	}
	if validate != nil {
		h.Validate = func(raw types.Payload) error {
			var in In
			if err := codec.Decode(raw, &in); err != nil {
				return err
			}
			return validate(in)
		}
	}
	ctx.RegisterUpdate(name, h)
}
