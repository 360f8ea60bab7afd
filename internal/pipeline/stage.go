package pipeline

import "context"

// Stage is one pre- or post-processing unit. Lower priorities run first.
type Stage interface {
	Name() string
	Priority() int
	Process(ctx context.Context, pc *Context) Result
}

// Conditional stages are skipped when ShouldRun reports false.
type Conditional interface {
	ShouldRun(pc *Context) bool
}

// Essential marks post-processors that still run after an early reply.
// Post-processors that do not implement it are essential.
type Essential interface {
	Essential() bool
}

// CoreStep produces the reply between the pre and post chains.
type CoreStep interface {
	Generate(ctx context.Context, pc *Context) Result
}

// CoreFunc adapts a function to CoreStep.
type CoreFunc func(ctx context.Context, pc *Context) Result

func (f CoreFunc) Generate(ctx context.Context, pc *Context) Result { return f(ctx, pc) }

func shouldRun(s Stage, pc *Context) bool {
	if c, ok := s.(Conditional); ok {
		return c.ShouldRun(pc)
	}
	return true
}

func isEssential(s Stage) bool {
	if e, ok := s.(Essential); ok {
		return e.Essential()
	}
	return true
}
