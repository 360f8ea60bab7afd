package pipeline

// Result is returned by every stage and by the orchestrator.
type Result struct {
	Success        bool
	ShouldContinue bool
	Response       *string
	Err            error
	Metadata       map[string]any
}

// Continue lets the run proceed.
func Continue() Result {
	return Result{Success: true, ShouldContinue: true}
}

// Stop ends the pre-processor chain. A nil response ends the run silently.
func Stop(resp *string) Result {
	return Result{Success: true, ShouldContinue: false, Response: resp}
}

// Reply ends the pre-processor chain with a fixed reply.
func Reply(text string) Result {
	return Stop(&text)
}

// Fail reports a stage failure.
func Fail(err error) Result {
	return Result{Success: false, ShouldContinue: false, Err: err}
}

// WithResponse returns a copy of r carrying text as the response.
func (r Result) WithResponse(text string) Result {
	r.Response = &text
	return r
}

// WithMetadata returns a copy of r with key set in its metadata.
func (r Result) WithMetadata(key string, value any) Result {
	md := make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		md[k] = v
	}
	md[key] = value
	r.Metadata = md
	return r
}
