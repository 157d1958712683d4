package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/enrich-api/internal/config"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy is the bounded exponential backoff applied to every external
// generation call. Permanent errors are returned without retrying.
type RetryPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NewRetryPolicy builds a RetryPolicy from the LLM configuration.
func NewRetryPolicy(cfg config.LLMConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: uint64(max(cfg.MaxRetries, 0)),
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(20, b)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// Do runs fn until it succeeds, returns a permanent error, the retries are
// exhausted, or ctx is done. op names the call in logs.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	log := logger.FromContext(ctx)
	attempt := 0

	var lastErr error
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			return err
		}
		log.Warn("retrying after transient failure",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}

	if IsPermanent(err) {
		if lastErr != nil && !errors.Is(lastErr, err) && ctx.Err() != nil {
			return fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
		return err
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrTransientFailure, op, attempt, err)
}

// Generate calls g under the policy.
func (p RetryPolicy) Generate(ctx context.Context, g Generator, req Request) (*Response, error) {
	var resp *Response
	err := p.Do(ctx, "generate", func(ctx context.Context) error {
		r, err := g.Generate(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
