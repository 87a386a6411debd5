package federation

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"taracol/pkg/taraerr"
)

// Backoff computes exponential delays with jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:   100 * time.Millisecond,
		Max:    5 * time.Second,
		Jitter: 0.2,
	}
}

// Delay returns Base*2^attempt capped at Max, with up to ±Jitter applied.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		b.Base = DefaultBackoff().Base
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	delay += delay * b.Jitter * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(b.Base)
	}
	return time.Duration(delay)
}

// Sleep waits for Delay(attempt) or until ctx is done.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retrier re-runs unary calls that fail with a transport-class error.
type Retrier struct {
	maxRetries int
	backoff    Backoff
	metrics    *Metrics
	logger     *zap.Logger
}

func NewRetrier(maxRetries int, backoff Backoff, metrics *Metrics, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Retrier{maxRetries: maxRetries, backoff: backoff, metrics: metrics, logger: logger}
}

// Do calls fn up to maxRetries times.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return taraerr.Wrap(taraerr.CodeTransportDisconnected, operation, err, "call aborted")
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		lastErr = err

		r.logger.Debug("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < r.maxRetries-1 {
			r.metrics.retry(operation)
			if err := r.backoff.Sleep(ctx, attempt); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

// isRetryableError consults the taxonomy first and falls back to the gRPC
// code for errors that never carried one.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if taraerr.CodeOf(err) != "" {
		return taraerr.Retryable(err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	switch st.Code() {
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.DeadlineExceeded,
		codes.Internal,
		codes.Unknown:
		return true
	default:
		return false
	}
}
