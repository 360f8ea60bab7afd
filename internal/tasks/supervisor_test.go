package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wolfman30/chat-agent/pkg/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *countingRecorder) ObserveTaskFailure(task string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, task)
}

func TestSupervisorRecoversPanics(t *testing.T) {
	rec := &countingRecorder{}
	s := NewSupervisor(logging.Discard(), WithFailureRecorder(rec))

	s.Go(context.Background(), "explode", func(context.Context) error {
		panic("boom")
	})
	s.Go(context.Background(), "explode", func(context.Context) error {
		return errors.New("plain failure")
	})
	s.Go(context.Background(), "fine", func(context.Context) error {
		return nil
	})

	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, map[string]int64{"explode": 2}, s.Failures())
	assert.ElementsMatch(t, []string{"explode", "explode"}, rec.names)
	assert.Equal(t, []FailureCount{{Task: "explode", Failures: 2}}, s.SortedFailures())
}

func TestSupervisorDetachesFromCallerCancellation(t *testing.T) {
	s := NewSupervisor(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	ran := make(chan error, 1)
	s.Go(ctx, "detached", func(taskCtx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		ran <- taskCtx.Err()
		return nil
	})
	cancel()

	require.NoError(t, s.Wait(context.Background()))
	assert.NoError(t, <-ran)
	assert.Empty(t, s.Failures())
}

func TestSupervisorTaskTimeout(t *testing.T) {
	s := NewSupervisor(logging.Discard(), WithTaskTimeout(5*time.Millisecond))
	s.Go(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, int64(1), s.Failures()["slow"])
}

func TestSupervisorWaitHonorsContext(t *testing.T) {
	s := NewSupervisor(logging.Discard(), WithTaskTimeout(0))
	release := make(chan struct{})
	s.Go(context.Background(), "blocked", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Wait(context.Background()))
}

func TestNilSupervisorIsInert(t *testing.T) {
	var s *Supervisor
	s.Go(context.Background(), "noop", func(context.Context) error { return nil })
	assert.Empty(t, s.Failures())
	assert.NoError(t, s.Wait(context.Background()))
}
