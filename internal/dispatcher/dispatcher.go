// Package dispatcher executes the outbound HTTP call synthesized by the
// materializer and surfaces status/headers/body to the caller.
package dispatcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/conduithq/conduit/internal/apperror"
	"github.com/conduithq/conduit/internal/definition"
)

// Response is the handle the passthrough and test-connection handlers read.
type Response struct {
	Status  int
	Headers http.Header
	Bytes   []byte
}

func (r *Response) Text() string { return string(r.Bytes) }

// Dispatcher performs outbound HTTP calls. Dispatch makes a single attempt
// and surfaces dispatcher errors verbatim to the caller; DispatchWithRetry
// wraps it with an exponential backoff policy for transient upstream
// failures, bounded by retryMaxElapsed.
type Dispatcher struct {
	client          *http.Client
	retryMaxElapsed time.Duration
}

func New(timeout, retryMaxElapsed time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{client: &http.Client{Timeout: timeout}, retryMaxElapsed: retryMaxElapsed}
}

// Dispatch performs a single outbound call built from an Outbound request.
func (d *Dispatcher) Dispatch(ctx context.Context, out *definition.Outbound) (*Response, error) {
	req, err := d.buildRequest(ctx, out)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, apperror.Unknown("dispatcher call failed", err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.Unknown("failed to read upstream response body", err.Error())
	}

	return &Response{Status: resp.StatusCode, Headers: resp.Header, Bytes: body}, nil
}

// DispatchForPassthrough runs Dispatch under the dispatcher's configured
// retry policy, the production passthrough call path. Test-connection
// dispatch deliberately stays on plain Dispatch: a single upstream attempt,
// surfaced immediately, is what a connection test is checking.
func (d *Dispatcher) DispatchForPassthrough(ctx context.Context, out *definition.Outbound) (*Response, error) {
	return d.DispatchWithRetry(ctx, out, d.retryMaxElapsed)
}

// DispatchWithRetry wraps Dispatch with an exponential backoff retry policy
// for transient upstream failures (5xx, connection errors).
func (d *Dispatcher) DispatchWithRetry(ctx context.Context, out *definition.Outbound, maxElapsed time.Duration) (*Response, error) {
	if maxElapsed <= 0 {
		maxElapsed = 10 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed

	var resp *Response
	err := backoff.Retry(func() error {
		r, err := d.Dispatch(ctx, out)
		if err != nil {
			return err
		}
		if r.Status >= 500 {
			resp = r
			return apperror.Unknown("upstream returned a server error")
		}
		resp = r
		return nil
	}, backoff.WithContext(bo, ctx))

	if err != nil && resp == nil {
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) buildRequest(ctx context.Context, out *definition.Outbound) (*http.Request, error) {
	u, err := url.Parse(out.URL)
	if err != nil {
		return nil, apperror.BadRequest("invalid outbound URL", err.Error())
	}
	if len(out.Query) > 0 {
		q := u.Query()
		for k, v := range out.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, out.Method, u.String(), bytes.NewReader(out.Body))
	if err != nil {
		return nil, apperror.Unknown("failed to build outbound request", err.Error())
	}
	for k, v := range out.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}
