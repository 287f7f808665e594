package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	userAgent       = "Mozilla/5.0 (compatible; peekr/1.0; +https://github.com/ppiankov/peekr)"
	maxResponseBody = 10 << 20
	maxAttempts     = 3
)

// retryInterval is the first backoff step. Tests shorten it.
var retryInterval = 500 * time.Millisecond

// httpStatusError is a non-2xx response.
type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// fetch GETs rawURL and returns the body. Transport failures, 429 and 5xx are
// retried with exponential backoff. Errors are wrapped with
// ErrProviderRejected or ErrProviderUnreachable.
func fetch(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInterval

	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: build request: %w", ErrProviderUnreachable, err))
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := client.Do(req)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrProviderUnreachable, err)
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %w", ErrProviderUnreachable, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}
		return nil, classifyStatus(resp, body)
	}

	body, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxAttempts),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func classifyStatus(resp *http.Response, body []byte) error {
	statusErr := &httpStatusError{Code: resp.StatusCode, Body: truncate(strings.TrimSpace(string(body)), 200)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrProviderRejected, statusErr)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %w", ErrProviderUnreachable, statusErr)
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("%w: %w", ErrProviderRejected, statusErr))
	default:
		return backoff.Permanent(fmt.Errorf("%w: %w", ErrProviderUnreachable, statusErr))
	}
}

// getJSON fetches rawURL and decodes the body into v.
func getJSON(ctx context.Context, client *http.Client, rawURL string, v any) error {
	body, err := fetch(ctx, client, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrProviderUnreachable, err)
	}
	return nil
}
