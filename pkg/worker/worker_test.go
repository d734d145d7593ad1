package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/wmag/pkg/hashchain"
	"github.com/Mindburn-Labs/wmag/pkg/store"
)

type fakeRunner struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (f *fakeRunner) Run(_ context.Context, runID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, runID)
	return f.err
}

func newStore(t *testing.T) *store.Memory {
	t.Helper()
	ring, err := hashchain.NewKeyring([]hashchain.Key{{KID: "k0", Secret: "s", Active: true}})
	require.NoError(t, err)
	return store.NewMemory(hashchain.New(ring), 2)
}

func enqueue(t *testing.T, st *store.Memory, jobID, runID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, &store.Run{RunID: runID, TaskID: "t-" + runID, TenantID: "acme"}))
	require.NoError(t, st.EnqueueJob(ctx, &store.Job{JobID: jobID, RunID: runID, TenantID: "acme"}))
}

func TestRunOnceProcessesJob(t *testing.T) {
	st := newStore(t)
	enqueue(t, st, "j1", "r1")
	runner := &fakeRunner{}
	w := New(st, runner, "w1", Options{}, nil)

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []string{"r1"}, runner.runs)

	// Job is done: nothing left to claim.
	processed, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRunOnceEmptyQueue(t *testing.T) {
	st := newStore(t)
	w := New(st, &fakeRunner{}, "w1", Options{}, nil)

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRunnerErrorMarksJobFailed(t *testing.T) {
	st := newStore(t)
	enqueue(t, st, "j1", "r1")
	runner := &fakeRunner{err: errors.New("store unavailable")}
	w := New(st, runner, "w1", Options{}, nil)

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	// Failed jobs are not reclaimed.
	processed, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	st := newStore(t)
	enqueue(t, st, "j1", "r1")
	runner := &fakeRunner{}
	w := New(st, runner, "w1", Options{Poll: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.runs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}
