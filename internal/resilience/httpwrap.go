package resilience

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient retries idempotent-by-construction requests against one guarded
// dependency. Bodies are buffered once so every attempt replays the same
// bytes; a 5xx counts as a failure toward the breaker just like a transport
// error.
type HTTPClient struct {
	Client    *http.Client
	Breaker   *Breaker
	RetryBase time.Duration
	Attempts  int
	JitterPct float64
	// Timeout bounds each attempt; zero falls back to the client's own.
	Timeout time.Duration
	Target  string
	Logger  *zerolog.Logger
}

// Do runs the request with retries. It returns ErrOpenCircuit when the
// breaker refuses, the last response error otherwise.
func (c HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.Client == nil {
		return nil, errors.New("resilience: nil http client")
	}
	br := c.Breaker
	if br == nil {
		// Pass-through: single sample, trips only at total failure and
		// recovers after a second.
		br = NewBreaker(1, 1, time.Second)
	}
	if c.Target != "" {
		br.WithTarget(c.Target)
	}
	budget := max(c.Attempts, 1)

	payload, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for try := 1; try <= budget; try++ {
		if !br.Allow(ctx) {
			return nil, ErrOpenCircuit
		}
		resp, err := c.attempt(ctx, req, payload)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			br.Record(ctx, true)
			return resp, nil
		}
		br.Record(ctx, false)
		lastErr = err
		if err == nil {
			lastErr = errors.New(resp.Status)
			// Drain so the connection can be reused by the next attempt.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
		}
		if try == budget {
			break
		}
		if c.Logger != nil {
			c.Logger.Warn().
				Str("target", c.Target).
				Int("attempt", try).
				Err(lastErr).
				Msg("resilience: request failed, retrying")
		}
		if err := sleep(ctx, Backoff(c.RetryBase, try, c.JitterPct)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt clones the request with a fresh body and runs it under the
// per-attempt timeout.
func (c HTTPClient) attempt(ctx context.Context, req *http.Request, payload []byte) (*http.Response, error) {
	perTry := c.Timeout
	if perTry <= 0 {
		perTry = c.Client.Timeout
	}
	tryCtx := ctx
	if perTry > 0 {
		var cancel context.CancelFunc
		tryCtx, cancel = context.WithTimeout(ctx, perTry)
		defer cancel()
	}
	out := req.Clone(tryCtx)
	if payload != nil {
		out.Body = io.NopCloser(bytes.NewReader(payload))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
	}
	return c.Client.Do(out)
}

// bufferBody drains the request body into memory and rearms req so the caller
// still holds a readable request.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	rc := req.Body
	if req.GetBody != nil {
		fresh, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		rc = fresh
	}
	buf, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	_ = rc.Close()
	req.Body = io.NopCloser(bytes.NewReader(buf))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	return buf, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
