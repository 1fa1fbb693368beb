// Package httpapi talks to the optimizer, trainer and evaluator services
// over JSON/HTTP.
//
// The optimizer and trainer are asynchronous: a job is submitted and then
// polled until it reaches a terminal status. The evaluator answers
// synchronously. Every request passes through a shared rate limiter, and
// transport errors, 429s and 5xx responses are retried with exponential
// backoff.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/trainloop/internal/config"
)

const (
	defaultPollInterval      = 10 * time.Second
	defaultRequestsPerSecond = 5.0
	defaultBurst             = 5
	defaultMaxTries          = 4
	defaultRequestTimeout    = 60 * time.Second
	defaultModelOutputPrefix = "s3://bucket/models"
	maxResponseBytes         = 4 << 20
)

// Config configures the HTTP collaborators.
type Config struct {
	OptimizerURL string
	TrainerURL   string
	EvaluatorURL string

	// APIKey is sent as a bearer token when set.
	APIKey config.Secret

	PollInterval      time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxTries          uint
	RequestTimeout    time.Duration

	// ModelOutputPrefix is where the trainer is told to write checkpoints.
	ModelOutputPrefix string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = defaultRequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.MaxTries == 0 {
		c.MaxTries = defaultMaxTries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ModelOutputPrefix == "" {
		c.ModelOutputPrefix = defaultModelOutputPrefix
	}
	return c
}

// retryableError marks failures worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// client is the transport shared by the three collaborators.
type client struct {
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	apiKey   config.Secret
	maxTries uint
}

func newClient(baseURL string, cfg Config, limiter *rate.Limiter) (*client, error) {
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	return &client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		limiter:  limiter,
		apiKey:   cfg.APIKey,
		maxTries: cfg.MaxTries,
	}, nil
}

// do sends in as JSON and decodes the response into out, retrying
// transient failures.
func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.once(ctx, method, path, body, out)
		var re *retryableError
		if err != nil && !errors.As(err, &re) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

func (c *client) once(ctx context.Context, method, path string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey.IsSet() {
		req.Header.Set("Authorization", "Bearer "+c.apiKey.Value())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &retryableError{err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &retryableError{err: &StatusError{Code: resp.StatusCode, Body: truncate(data)}}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Code: resp.StatusCode, Body: truncate(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// poll calls check every interval until it reports done.
func poll(ctx context.Context, interval time.Duration, check func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := check()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func truncate(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
