package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"castwave/internal/core/domain"
	"castwave/pkg/tracing"
)

// EngineObserver receives the outcome of every media engine call.
type EngineObserver interface {
	ObserveEngineCall(operation string, duration time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveEngineCall(string, time.Duration, error) {}

type engineResult[T any] struct {
	value T
	err   error
}

// callEngine runs fn with a bounded deadline. The engine may ignore the
// context, so fn runs on its own goroutine; a result that arrives after the
// deadline is handed to discard so the handle it carries is not leaked.
func callEngine[T any](
	ctx context.Context,
	timeout time.Duration,
	observer EngineObserver,
	operation string,
	peerID domain.PeerID,
	fn func(ctx context.Context) (T, error),
	discard func(T),
) (T, error) {
	var zero T

	ctx, span := tracing.TraceEngineCall(ctx, operation, string(peerID))
	defer span.End()

	callCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	start := time.Now()
	done := make(chan engineResult[T], 1)
	go func() {
		value, err := fn(callCtx)
		done <- engineResult[T]{value: value, err: err}
	}()

	select {
	case res := <-done:
		cancel()
		duration := time.Since(start)
		span.SetAttributes(tracing.DurationKey.Int64(duration.Milliseconds()))
		if res.err != nil {
			err := wrapEngineError(res.err)
			observer.ObserveEngineCall(operation, duration, err)
			tracing.RecordError(ctx, err)
			return zero, err
		}
		observer.ObserveEngineCall(operation, duration, nil)
		return res.value, nil

	case <-callCtx.Done():
		cancel()
		go func() {
			res := <-done
			if res.err == nil && discard != nil {
				discard(res.value)
			}
		}()
		err := fmt.Errorf("%w: %s", domain.ErrEngineTimeout, operation)
		if ctx.Err() != nil {
			err = fmt.Errorf("%s: %w", operation, ctx.Err())
		}
		observer.ObserveEngineCall(operation, time.Since(start), err)
		span.SetAttributes(tracing.TimeoutKey.Bool(true))
		tracing.RecordError(ctx, err)
		return zero, err
	}
}

func wrapEngineError(err error) error {
	switch {
	case errors.Is(err, domain.ErrEngineCallFailed),
		errors.Is(err, domain.ErrEngineTimeout),
		errors.Is(err, domain.ErrEngineUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrEngineTimeout, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrEngineCallFailed, err)
	}
}
