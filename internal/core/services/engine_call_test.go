package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"castwave/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string][]error
}

func (o *recordingObserver) ObserveEngineCall(operation string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = make(map[string][]error)
	}
	o.calls[operation] = append(o.calls[operation], err)
}

func TestCallEngine_Success(t *testing.T) {
	observer := &recordingObserver{}

	value, err := callEngine(context.Background(), time.Second, observer, "produce", "peer-1",
		func(ctx context.Context) (int, error) { return 42, nil },
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, []error{nil}, observer.calls["produce"])
}

func TestCallEngine_WrapsFailures(t *testing.T) {
	cause := errors.New("boom")

	_, err := callEngine(context.Background(), time.Second, noopObserver{}, "consume", "peer-1",
		func(ctx context.Context) (int, error) { return 0, cause },
		nil,
	)
	assert.ErrorIs(t, err, domain.ErrEngineCallFailed)
	assert.ErrorIs(t, err, cause)
}

func TestCallEngine_TimeoutDiscardsLateResult(t *testing.T) {
	observer := &recordingObserver{}
	release := make(chan struct{})
	discarded := make(chan int, 1)

	_, err := callEngine(context.Background(), 10*time.Millisecond, observer, "create_transport", "peer-1",
		func(ctx context.Context) (int, error) {
			<-release
			return 7, nil
		},
		func(v int) { discarded <- v },
	)
	assert.ErrorIs(t, err, domain.ErrEngineTimeout)

	close(release)
	select {
	case v := <-discarded:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("late result was not discarded")
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	require.Len(t, observer.calls["create_transport"], 1)
	assert.ErrorIs(t, observer.calls["create_transport"][0], domain.ErrEngineTimeout)
}

func TestCallEngine_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := callEngine(ctx, time.Second, noopObserver{}, "connect_transport", "peer-1",
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
		nil,
	)
	assert.ErrorIs(t, err, context.Canceled)
}
