package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout leaves room for sandbox cold starts.
	DefaultTimeout = 120 * time.Second

	DefaultMaxResponseBytes = 16 << 20
)

// Request is one submission to the sandbox service.
type Request struct {
	Files    FileSet
	Endpoint string        // empty means the client's endpoint
	Timeout  time.Duration // zero means the client's timeout
}

// Observer is notified of every completed execution.
type Observer interface {
	ObserveExecution(o Outcome)
}

// Options configures a Client.
type Options struct {
	Endpoint         string
	Timeout          time.Duration
	MaxResponseBytes int64
	Retry            RetryPolicy
	HTTPClient       *http.Client
	Logger           *zap.Logger
	Observer         Observer
}

// Client submits file sets to a remote sandbox. It holds no per-call state
// and is safe for concurrent use.
type Client struct {
	endpoint   string
	timeout    time.Duration
	maxBody    int64
	retry      RetryPolicy
	httpClient *http.Client
	logger     *zap.Logger
	observer   Observer
}

// NewClient creates a Client. The endpoint may be empty if every Request sets one.
func NewClient(opts Options) *Client {
	c := &Client{
		endpoint:   opts.Endpoint,
		timeout:    opts.Timeout,
		maxBody:    opts.MaxResponseBytes,
		retry:      opts.Retry,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		observer:   opts.Observer,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxBody <= 0 {
		c.maxBody = DefaultMaxResponseBytes
	}
	if c.retry.MaxRetries > 0 {
		c.retry = c.retry.normalized()
	}
	if c.httpClient == nil {
		// No client-level Timeout: the per-call context owns the deadline.
		c.httpClient = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Endpoint returns the default sandbox endpoint.
func (c *Client) Endpoint() string { return c.endpoint }

// Timeout returns the default per-call timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Execute runs files against the client's endpoint with its default timeout.
func (c *Client) Execute(ctx context.Context, files FileSet) (Outcome, error) {
	return c.Do(ctx, Request{Files: files})
}

// Do sends req and classifies the result. The returned error is non-nil only
// for invalid input; remote and transport problems are reported in the Outcome.
func (c *Client) Do(ctx context.Context, req Request) (Outcome, error) {
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = c.endpoint
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}
	if timeout < 0 {
		return Outcome{}, fmt.Errorf("timeout must be positive, got %s", timeout)
	}
	if err := ValidateEndpoint(endpoint); err != nil {
		return Outcome{}, err
	}
	if err := req.Files.Validate(); err != nil {
		return Outcome{}, err
	}

	body, err := EncodePayload(req.Files)
	if err != nil {
		return Outcome{}, fmt.Errorf("encoding files: %w", err)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := c.logger.With(zap.String("endpoint", endpoint))
	log.Debug("dispatching execution",
		zap.Int("files", len(req.Files)),
		zap.Int("bytes", len(body)),
		zap.Duration("timeout", timeout))

	var out Outcome
	for attempt := 1; ; attempt++ {
		out = c.attempt(ctx, endpoint, body, timeout)
		out.Attempts = attempt
		if !c.retry.shouldRetry(out, attempt) {
			break
		}
		wait := c.retry.delay(attempt)
		log.Warn("transport failure, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", wait),
			zap.String("error", out.Message))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			out = c.contextFailure(ctx, timeout)
			out.Attempts = attempt
		case <-t.C:
			continue
		}
		break
	}
	out.Duration = time.Since(start)

	switch out.Kind {
	case KindSuccess:
		log.Debug("execution succeeded", zap.Duration("duration", out.Duration))
	default:
		log.Warn("execution failed",
			zap.String("kind", string(out.Kind)),
			zap.Int("status", out.StatusCode),
			zap.String("message", out.Message),
			zap.Duration("duration", out.Duration))
	}
	if c.observer != nil {
		c.observer.ObserveExecution(out)
	}
	return out, nil
}

func (c *Client) attempt(ctx context.Context, endpoint string, body []byte, timeout time.Duration) Outcome {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return TransportFailure(fmt.Sprintf("creating request: %v", err), false)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.transportError(ctx, err, timeout)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return c.transportError(ctx, fmt.Errorf("reading response: %w", err), timeout)
	}
	tooLarge := int64(len(data)) > c.maxBody
	if tooLarge {
		data = data[:c.maxBody]
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if !tooLarge && isJSON(resp.Header.Get("Content-Type")) && json.Valid(data) {
			return RemoteError(resp.StatusCode, json.RawMessage(data))
		}
		return RemoteError(resp.StatusCode, textBody(data))
	}

	if tooLarge {
		return MalformedResponse(resp.StatusCode, fmt.Sprintf("response exceeds %d bytes", c.maxBody), nil)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return MalformedResponse(resp.StatusCode, "empty response body", data)
	}
	if !json.Valid(trimmed) {
		return MalformedResponse(resp.StatusCode, "response body is not valid JSON", data)
	}
	return Success(json.RawMessage(trimmed))
}

// transportError classifies an error raised before a full response was read.
func (c *Client) transportError(ctx context.Context, err error, timeout time.Duration) Outcome {
	if ctx.Err() != nil {
		return c.contextFailure(ctx, timeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransportFailure(fmt.Sprintf("sandbox request timed out: %v", unwrapURLError(err)), true)
	}
	return TransportFailure(fmt.Sprintf("sandbox unreachable: %v", unwrapURLError(err)), false)
}

func (c *Client) contextFailure(ctx context.Context, timeout time.Duration) Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return TransportFailure(fmt.Sprintf("sandbox request timed out after %s", timeout), true)
	}
	return TransportFailure("sandbox request canceled", false)
}

// unwrapURLError drops the `Post "url":` prefix the http client adds.
func unwrapURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// ValidateEndpoint reports whether endpoint is usable as a sandbox URL.
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("%w: not configured", ErrInvalidEndpoint)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q must be an absolute http(s) URL", ErrInvalidEndpoint, endpoint)
	}
	return nil
}
