package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

type CompleteFunc func(ctx context.Context, req Request) (Response, error)

type Middleware interface {
	HandleComplete(ctx context.Context, req Request, next CompleteFunc) (Response, error)
}

// MiddlewareFunc adapts a plain function to Middleware. A nil Complete passes
// the call through.
type MiddlewareFunc struct {
	Complete func(ctx context.Context, req Request, next CompleteFunc) (Response, error)
}

func (m MiddlewareFunc) HandleComplete(ctx context.Context, req Request, next CompleteFunc) (Response, error) {
	if m.Complete == nil {
		return next(ctx, req)
	}
	return m.Complete(ctx, req, next)
}

func applyMiddleware(base CompleteFunc, mws []Middleware) CompleteFunc {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		mw, next := mws[i], h
		h = func(ctx context.Context, req Request) (Response, error) {
			return mw.HandleComplete(ctx, req, next)
		}
	}
	return h
}

// RateLimit blocks each call until the limiter admits it. perMinute <= 0
// disables limiting.
func RateLimit(perMinute int) Middleware {
	if perMinute <= 0 {
		return MiddlewareFunc{}
	}
	lim := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	return MiddlewareFunc{
		Complete: func(ctx context.Context, req Request, next CompleteFunc) (Response, error) {
			if err := lim.Wait(ctx); err != nil {
				return Response{}, NewRequestTimeoutError(req.Provider, "rate limiter: "+err.Error())
			}
			return next(ctx, req)
		},
	}
}

// Logging records one debug line per call and a warning per failure.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		return MiddlewareFunc{}
	}
	return MiddlewareFunc{
		Complete: func(ctx context.Context, req Request, next CompleteFunc) (Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"provider", req.Provider,
				"model", req.Model,
				"elapsed_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.WarnContext(ctx, "completion failed", append(attrs, "error", err.Error())...)
				return resp, err
			}
			logger.DebugContext(ctx, "completion", append(attrs, "output_tokens", resp.Usage.OutputTokens)...)
			return resp, nil
		},
	}
}

// maxRetryWait caps a provider's Retry-After so one call cannot stall a run.
const maxRetryWait = time.Minute

// RetryTransient repeats a call up to retries more times while the failure
// is a retryable llm Error. It waits the provider's Retry-After when given,
// otherwise base doubled per attempt. retries <= 0 disables it.
func RetryTransient(retries int, base time.Duration) Middleware {
	if retries <= 0 {
		return MiddlewareFunc{}
	}
	return MiddlewareFunc{
		Complete: func(ctx context.Context, req Request, next CompleteFunc) (Response, error) {
			resp, err := next(ctx, req)
			for attempt := 0; attempt < retries && err != nil && IsRetryable(err); attempt++ {
				if werr := sleepCtx(ctx, retryDelay(err, base, attempt)); werr != nil {
					return resp, err
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		},
	}
}

func retryDelay(err error, base time.Duration, attempt int) time.Duration {
	var e Error
	if errors.As(err, &e) {
		if ra := e.RetryAfter(); ra != nil && *ra >= 0 {
			return min(*ra, maxRetryWait)
		}
	}
	return min(base<<attempt, maxRetryWait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
