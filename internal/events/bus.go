package events

import (
	"context"
	"errors"
)

// Spawner runs named background work. tasks.Supervisor implements it.
type Spawner interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context) error)
}

// Bus fans records out to every sink on a background task, so emission never
// blocks or fails the caller.
type Bus struct {
	sinks   []Sink
	spawner Spawner
}

// NewBus creates a Bus. A nil spawner makes Publish synchronous.
func NewBus(spawner Spawner, sinks ...Sink) *Bus {
	b := &Bus{spawner: spawner}
	for _, s := range sinks {
		if s != nil {
			b.sinks = append(b.sinks, s)
		}
	}
	return b
}

// Publish emits r to every sink. Errors surface through the spawner's failure
// accounting under the task name "emit_<kind>".
func (b *Bus) Publish(ctx context.Context, r Record) {
	if b == nil || len(b.sinks) == 0 {
		return
	}
	r = r.Normalize()
	emit := func(ctx context.Context) error {
		var errs []error
		for _, s := range b.sinks {
			if err := s.Emit(ctx, r); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	if b.spawner == nil {
		_ = emit(ctx)
		return
	}
	b.spawner.Go(ctx, "emit_"+string(r.Kind), emit)
}
