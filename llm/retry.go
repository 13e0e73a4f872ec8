package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	defaultMaxElapsedTime = 2 * time.Minute
	defaultMaxInterval    = 30 * time.Second
	defaultInitialDelay   = 1 * time.Second
)

// RetryClient wraps a Client with exponential backoff on retryable errors.
// A rate limit's retry-after hint, when present, overrides the computed
// delay for that attempt.
type RetryClient struct {
	inner  Client
	logger zerolog.Logger
}

// NewRetryClient wraps the given client.
func NewRetryClient(inner Client, logger zerolog.Logger) *RetryClient {
	return &RetryClient{
		inner:  inner,
		logger: logger.With().Str("component", "llm_retry").Logger(),
	}
}

// Generate implements Client.
func (c *RetryClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = defaultInitialDelay
	bo.MaxInterval = defaultMaxInterval
	bo.MaxElapsedTime = defaultMaxElapsedTime

	var resp *Response
	operation := func() error {
		var err error
		resp, err = c.inner.Generate(ctx, req)
		if err == nil {
			return nil
		}
		if !IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		if retryAfter := ExtractRetryAfter(err); retryAfter != nil {
			c.logger.Warn().
				Dur("retry_after", *retryAfter).
				Msg("Rate limited. Honoring retry-after.")
			select {
			case <-time.After(*retryAfter):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		c.logger.Warn().Err(err).Msg("Retryable model error")
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}
