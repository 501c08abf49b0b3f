// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package httputil provides HTTP helpers shared across connectors.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TransientError marks a fetch failure as retryable: network errors,
// timeouts, and throttling or server responses expected to clear on
// their own. Validation failures are never wrapped as transient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Policy controls Retry behavior.
type Policy struct {
	// MaxAttempts is the total number of attempts (default 3).
	MaxAttempts int

	// BaseDelay is the delay before the first retry; it doubles each
	// attempt (default 1s).
	BaseDelay time.Duration

	// MaxDelay caps the backoff (default 10s).
	MaxDelay time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	return p
}

// Retry runs fn up to p.MaxAttempts times with exponential backoff
// between attempts. Only failures wrapped as *TransientError are
// retried; any other error returns immediately. If the context is
// cancelled during a backoff wait the function returns ctx.Err().
// The last transient error is returned after exhausting attempts.
func Retry(ctx context.Context, p Policy, fn func() error) error {
	p = p.withDefaults()

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt >= p.MaxAttempts-1 {
			return err
		}

		backoff := p.BaseDelay << attempt
		if backoff > p.MaxDelay {
			backoff = p.MaxDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// GetJSON performs a GET against url and decodes the JSON response body
// into v. Transport failures, HTTP 429, and HTTP 5xx are reported as
// transient; other non-200 statuses and decode failures are not.
func GetJSON(ctx context.Context, client *http.Client, url string, header http.Header, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, vals := range header {
		for _, hv := range vals {
			req.Header.Add(k, hv)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("HTTP request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return Transient(fmt.Errorf("HTTP %d from %s", resp.StatusCode, url))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// GetBody performs a GET against url and returns the response body.
// Transient classification matches GetJSON.
func GetBody(ctx context.Context, client *http.Client, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vals := range header {
		for _, hv := range vals {
			req.Header.Add(k, hv)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("HTTP request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return nil, Transient(fmt.Errorf("HTTP %d from %s", resp.StatusCode, url))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("reading response: %w", err))
	}
	return body, nil
}
