package submitter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"wq_miner/internal/factory"
	"wq_miner/internal/svc"
)

type fakeSimulator struct {
	calls    atomic.Int64
	inflight atomic.Int64
	peak     atomic.Int64
	// transient fails an expression this many times before succeeding
	transient map[string]int
	mutex     sync.Mutex
	block     chan struct{}
}

func (f *fakeSimulator) SubmitBatch(ctx context.Context, candidates []factory.Candidate, _ svc.Settings) []svc.Outcome {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	outcomes := make([]svc.Outcome, len(candidates))
	for i, c := range candidates {
		outcomes[i].Candidate = c
		if ctx.Err() != nil {
			outcomes[i].Err = &svc.SimError{Kind: svc.KindCanceled, Err: ctx.Err()}
			continue
		}
		f.mutex.Lock()
		left := f.transient[c.Expression]
		if left > 0 {
			f.transient[c.Expression] = left - 1
		}
		f.mutex.Unlock()
		if left > 0 {
			outcomes[i].Err = &svc.SimError{Kind: svc.KindNetworkError, Message: "reset"}
			continue
		}
		outcomes[i].AlphaId = "A_" + c.Expression
	}
	return outcomes
}

type recordingHandler struct {
	mutex   sync.Mutex
	done    []string
	dropped []string
}

func (h *recordingHandler) HandleBatch(_ context.Context, task BatchTask) []factory.Candidate {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	var retry []factory.Candidate
	for _, o := range task.Outcomes {
		if o.Err != nil && !o.Kind().Permanent() && o.Kind() != svc.KindTimeout {
			retry = append(retry, o.Candidate)
			continue
		}
		h.done = append(h.done, o.Candidate.Expression)
	}
	return retry
}

func (h *recordingHandler) Dropped(_ context.Context, candidates []factory.Candidate) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for _, c := range candidates {
		h.dropped = append(h.dropped, c.Expression)
	}
}

func sliceSource(batches int, size int) Source {
	var mutex sync.Mutex
	next := 0
	return func() ([]factory.Candidate, bool) {
		mutex.Lock()
		defer mutex.Unlock()
		if next >= batches {
			return nil, false
		}
		batch := make([]factory.Candidate, size)
		for i := range batch {
			batch[i] = factory.Candidate{Expression: fmt.Sprintf("e%d_%d", next, i), Decay: 6}
		}
		next++
		return batch, true
	}
}

func TestSubmitterDrainsSource(t *testing.T) {
	defer goleak.VerifyNone(t)

	sim := &fakeSimulator{}
	handler := &recordingHandler{}
	s, err := NewSubmitter(context.Background(), sim, sliceSource(12, 3), handler, Options{Concurrency: 3, RetryNum: 2})
	require.NoError(t, err)
	require.NoError(t, s.Run())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	s.Close()

	assert.Len(t, handler.done, 36)
	assert.Empty(t, handler.dropped)
	assert.Equal(t, int64(12), sim.calls.Load())
	assert.LessOrEqual(t, sim.peak.Load(), int64(3))
}

func TestSubmitterRetriesTransient(t *testing.T) {
	defer goleak.VerifyNone(t)

	sim := &fakeSimulator{transient: map[string]int{"e0_1": 1, "e1_0": 5}}
	handler := &recordingHandler{}
	s, err := NewSubmitter(context.Background(), sim, sliceSource(2, 2), handler, Options{Concurrency: 1, RetryNum: 2})
	require.NoError(t, err)
	require.NoError(t, s.Run())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	s.Close()

	assert.ElementsMatch(t, []string{"e0_0", "e0_1", "e1_1"}, handler.done)
	// e1_0 keeps failing past the retry budget
	assert.Equal(t, []string{"e1_0"}, handler.dropped)
}

func TestSubmitterEmptySource(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, err := NewSubmitter(context.Background(), &fakeSimulator{}, sliceSource(0, 1), &recordingHandler{}, Options{Concurrency: 2})
	require.NoError(t, err)
	require.NoError(t, s.Run())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("empty source did not finish")
	}
	s.Close()
}

func TestSubmitterGracefulStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	sim := &fakeSimulator{block: make(chan struct{})}
	handler := &recordingHandler{}
	s, err := NewSubmitter(context.Background(), sim, sliceSource(100, 1), handler, Options{Concurrency: 2})
	require.NoError(t, err)
	require.NoError(t, s.Run())

	require.Eventually(t, func() bool { return sim.inflight.Load() == 2 }, time.Second, 5*time.Millisecond)
	s.Stop(false)
	close(sim.block)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	s.Close()

	// the two in-flight batches complete, queued ones are dropped, nothing new is pulled
	assert.Len(t, handler.done, 2)
	assert.Len(t, handler.dropped, 2)
	assert.Equal(t, int64(2), sim.calls.Load())
}

func TestSubmitterForceStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	sim := &fakeSimulator{block: make(chan struct{})}
	handler := &recordingHandler{}
	s, err := NewSubmitter(context.Background(), sim, sliceSource(100, 1), handler, Options{Concurrency: 2})
	require.NoError(t, err)
	require.NoError(t, s.Run())

	require.Eventually(t, func() bool { return sim.inflight.Load() == 2 }, time.Second, 5*time.Millisecond)
	s.Stop(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	s.Close()

	assert.Empty(t, handler.done)
	assert.Len(t, handler.dropped, 4)
}

func TestSafeChanWriteAfterClose(t *testing.T) {
	c := NewSafeChan(1)
	assert.True(t, c.Write(BatchTask{ID: 1}))
	c.Close()
	c.Close()
	assert.False(t, c.Write(BatchTask{ID: 2}))
	task, ok := <-c.GetReadChan()
	assert.True(t, ok)
	assert.Equal(t, int64(1), task.ID)
}
