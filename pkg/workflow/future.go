package workflow

import (
	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// Settable completes a Future created by NewFuture.
type Settable interface {
	Set(value types.Payload, err error)
	// SetValue encodes v and sets it.
	SetValue(v any)
}

type future struct {
	ready bool
	value types.Payload
	err   error
}

// NewFuture returns a future and the handle that completes it. The first
// Set wins.
func NewFuture() (Future, Settable) {
	f := &future{}
	return f, f
}

func (f *future) Get(ctx Context, ptr any) error {
	if !f.ready {
		if err := ctx.Await(f.IsReady); err != nil {
			return err
		}
	}
	if f.err != nil {
		return f.err
	}
	if ptr == nil {
		return nil
	}
	return codec.Decode(f.value, ptr)
}

func (f *future) IsReady() bool { return f.ready }

func (f *future) Set(value types.Payload, err error) {
	if f.ready {
		return
	}
	f.ready, f.value, f.err = true, value, err
}

func (f *future) SetValue(v any) {
	p, err := codec.Encode(v)
	f.Set(p, err)
}
