package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/alejandrodnm/batchsettler/internal/domain"
	"golang.org/x/time/rate"
)

const (
	solvePath = "/solve"

	// One solve per epoch is the norm; the limit only guards retry storms.
	solveRatePerSec = 2

	maxRetries    = 3
	baseRetryWait = 250 * time.Millisecond

	// DeadlineHeader tells the solver when the driver stops waiting.
	DeadlineHeader = "X-Solve-Deadline"
)

// HTTPClient talks to an external solver over HTTP JSON: the snapshot is
// POSTed to /solve and the response body is the solution.
type HTTPClient struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
}

// NewHTTPClient creates a client for the solver at base. There is no client
// timeout: the caller's context carries the solve budget.
func NewHTTPClient(base string) *HTTPClient {
	return &HTTPClient{
		http:    &http.Client{},
		base:    strings.TrimRight(base, "/"),
		limiter: rate.NewLimiter(solveRatePerSec, 1),
	}
}

// Solve implements ports.Solver. Client errors and undecodable responses wrap
// domain.ErrSolverInvalidOutput; a budget that runs out wraps
// domain.ErrSolverTimeout.
func (c *HTTPClient) Solve(ctx context.Context, snap domain.Snapshot) (domain.Solution, error) {
	body, err := snap.Encode()
	if err != nil {
		return domain.Solution{}, fmt.Errorf("solver.Solve: encode snapshot: %w", err)
	}

	var sol domain.Solution
	err = c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+solvePath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if dl, ok := ctx.Deadline(); ok {
			req.Header.Set(DeadlineHeader, dl.UTC().Format(time.RFC3339Nano))
		}
		return c.http.Do(req)
	}, &sol)
	if err != nil {
		return domain.Solution{}, fmt.Errorf("solver.Solve: epoch %d: %w", snap.Epoch, err)
	}
	return sol, nil
}

// doWithRetry retries transport failures and 5xx with exponential backoff
// until the retries or the context run out.
func (c *HTTPClient) doWithRetry(ctx context.Context, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %v: %w", err, domain.ErrSolverTimeout)
		}

		resp, err := fn()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("request: %v: %w", err, domain.ErrSolverTimeout)
			}
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			slog.Warn("solver: retrying", "status", resp.StatusCode, "attempt", attempt+1)
			if attempt == maxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), domain.ErrSolverInvalidOutput)
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("read response: %v: %w", err, domain.ErrSolverTimeout)
			}
			return fmt.Errorf("decode response: %v: %w", err, domain.ErrSolverInvalidOutput)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep waits with exponential backoff, honouring the context.
func (c *HTTPClient) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
