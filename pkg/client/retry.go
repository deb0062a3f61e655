package client

import (
	"context"
	"time"

	"github.com/Sternrassler/reqflow/pkg/queue"
	"github.com/Sternrassler/reqflow/pkg/request"
	"github.com/Sternrassler/reqflow/pkg/retry"
)

// perform runs d to completion: admission, transport and the retry loop.
// Retries are re-submitted through the admission controller after their delay,
// so a pending retry stays visible to Cancel.
func (c *Client) perform(ctx context.Context, d request.Descriptor) (*request.Response, error) {
	policy := c.policyFor(d)
	lineage := retry.NewContext(policy)

	resp, err := c.attempt(ctx, d, 0)
	for err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, lineage.Terminal(request.Classify(ctxErr, d))
		}
		reqErr := request.Classify(err, d)

		if !lineage.ShouldRetry(reqErr) {
			if lineage.Attempts > 0 && retry.Retryable(reqErr, policy) {
				retry.ObserveExhausted(reqErr)
				c.logger.Warn().
					Str("url", d.URL).
					Str("kind", string(reqErr.Kind)).
					Int("retries", lineage.Attempts).
					Msg("Retry attempts exhausted")
			}
			return nil, lineage.Terminal(reqErr)
		}

		delay := lineage.Delay()
		lineage = lineage.Next(reqErr)
		retry.ObserveRetry(reqErr, delay)

		c.logger.Warn().
			Str("url", d.URL).
			Str("kind", string(reqErr.Kind)).
			Int("status", reqErr.Status).
			Int("attempt", lineage.Attempts).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		resp, err = c.attempt(ctx, d, delay)
	}

	if lineage.Attempts > 0 {
		c.logger.Info().
			Str("url", d.URL).
			Int("retries", lineage.Attempts).
			Msg("Request succeeded after retry")
	}
	resp.RetryCount = lineage.Attempts
	return resp, nil
}

// attempt submits one try of d after delay. Grouped requests go to the
// coalescer and bypass the concurrency ceiling.
func (c *Client) attempt(ctx context.Context, d request.Descriptor, delay time.Duration) (*request.Response, error) {
	thunk := queue.Thunk(func(ctx context.Context) (*request.Response, error) {
		return c.invoke(ctx, d)
	})

	admitted := d
	if d.GroupKey != "" {
		thunk = func(ctx context.Context) (*request.Response, error) {
			return c.batcher.Add(ctx, d, c.invoke)
		}
		admitted.IgnoreQueue = true
	}
	if !c.config.EnableQueue {
		admitted.IgnoreQueue = true
	}

	return c.queue.SubmitAfter(ctx, delay, admitted, thunk)
}

func (c *Client) policyFor(d request.Descriptor) request.RetryPolicy {
	if d.Retry != nil {
		return *d.Retry
	}
	return c.config.Retry
}
