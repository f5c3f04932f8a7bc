// Package middleware provides reusable inference.Client middlewares. The
// limiter sits at the provider client boundary: construct one instance per
// process and wrap the provider client before handing it to the executor.
package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/reportflow/reportflow/inference"
)

// RateLimited wraps next with a token-bucket limiter of r requests per second
// and the given burst. Callers block until capacity is available or their
// context expires. The limiter is process-local; concurrent agents within a
// level share it.
func RateLimited(next inference.Client, r rate.Limit, burst int) inference.Client {
	return &limitedClient{next: next, limiter: rate.NewLimiter(r, burst)}
}

type limitedClient struct {
	next    inference.Client
	limiter *rate.Limiter
}

// Invoke waits for bucket capacity, then delegates to the wrapped client.
func (c *limitedClient) Invoke(ctx context.Context, req inference.Request) (inference.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return inference.Response{}, fmt.Errorf("inference rate limiter: %w", err)
	}
	return c.next.Invoke(ctx, req)
}
