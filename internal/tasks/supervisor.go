// Package tasks runs best-effort background work off the request path.
package tasks

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/chat-agent/pkg/logging"
)

// FailureRecorder receives a tick every time a named task fails or panics.
type FailureRecorder interface {
	ObserveTaskFailure(task string)
}

// Supervisor spawns detached tasks. A task failure or panic is logged under
// the task's name and counted; it never propagates to the spawning caller.
type Supervisor struct {
	logger   *logging.Logger
	recorder FailureRecorder
	timeout  time.Duration

	mu       sync.Mutex
	failures map[string]int64
	wg       sync.WaitGroup
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithFailureRecorder exports failures, typically to Prometheus.
func WithFailureRecorder(r FailureRecorder) Option {
	return func(s *Supervisor) {
		s.recorder = r
	}
}

// WithTaskTimeout bounds every spawned task. Zero disables the bound.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d >= 0 {
			s.timeout = d
		}
	}
}

func NewSupervisor(logger *logging.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Supervisor{
		logger:   logger,
		timeout:  30 * time.Second,
		failures: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Go runs fn in its own goroutine. The task keeps the values of ctx but not
// its cancellation, so it outlives the request that spawned it.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if s == nil || fn == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	taskCtx := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(taskCtx, name, fn); err != nil {
			s.fail(name, err)
		}
	}()
}

func (s *Supervisor) run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("background task panicked", "task", name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("tasks: %s panicked: %v", name, r)
		}
	}()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (s *Supervisor) fail(name string, err error) {
	s.mu.Lock()
	s.failures[name]++
	count := s.failures[name]
	s.mu.Unlock()

	s.logger.Warn("background task failed", "task", name, "error", err, "failures", count)
	if s.recorder != nil {
		s.recorder.ObserveTaskFailure(name)
	}
}

// Failures returns a copy of the per-task failure counters.
func (s *Supervisor) Failures() map[string]int64 {
	out := make(map[string]int64)
	if s == nil {
		return out
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.failures {
		out[k] = v
	}
	return out
}

// FailureCount is a named failure counter, used for sorted health output.
type FailureCount struct {
	Task     string `json:"task"`
	Failures int64  `json:"failures"`
}

// SortedFailures returns the counters ordered by task name.
func (s *Supervisor) SortedFailures() []FailureCount {
	snapshot := s.Failures()
	out := make([]FailureCount, 0, len(snapshot))
	for task, n := range snapshot {
		out = append(out, FailureCount{Task: task, Failures: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}

// Wait blocks until every spawned task returns or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
