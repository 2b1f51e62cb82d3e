// Package search is the gateway to the Elasticsearch/OpenSearch backend.
//
// Every backend call is built as a go-elasticsearch esapi request and executed
// over a transport chosen once at startup from the detected backend version:
//   - Elasticsearch 8.x → go-elasticsearch/v8 client
//   - Elasticsearch 9.x → go-elasticsearch/v9 client
//   - OpenSearch (and Elasticsearch 7.x) → opensearch-go client, which skips
//     the Elastic product check
//
// Call sites never branch on version. Backend-specific error shapes are
// normalised into the sentinels in errors.go, so the layers above only see
// "too large", "rate limited", "unavailable" or a per-item type+reason.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go-log-indexer/internal/metrics"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultRequestTimeout = 30 * time.Second

// Options configures the connection. Backend is "auto" (detect), or one of
// the dialect names accepted by DialectByName.
type Options struct {
	Addresses      []string
	Username       string
	Password       string
	Backend        string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Client issues requests to the search backend. It is safe for concurrent use.
type Client struct {
	transport esapi.Transport
	dialect   Dialect
	timeout   time.Duration
	tracer    trace.Tracer
	logger    *slog.Logger
}

// New connects to the backend, detects its dialect (unless forced) and
// returns a client bound to the matching transport.
func New(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "search")

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	detector, err := newDetectTransport(opts)
	if err != nil {
		return nil, fmt.Errorf("search: create client: %w", err)
	}

	var dialect Dialect
	if opts.Backend == "" || opts.Backend == "auto" {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		dialect, err = detectDialect(ctx, detector)
		if err != nil {
			return nil, err
		}
	} else {
		dialect, err = DialectByName(opts.Backend)
		if err != nil {
			return nil, err
		}
	}

	transport, err := newTransport(dialect, opts, detector)
	if err != nil {
		return nil, fmt.Errorf("search: create %s client: %w", dialect.Name(), err)
	}

	logger.Info("search backend selected",
		"dialect", dialect.Name(),
		"version", dialect.Version,
		"addresses", opts.Addresses,
	)
	return NewWithTransport(transport, dialect, timeout, logger), nil
}

// NewWithTransport builds a client over an existing transport. Used by New
// and by tests that point the client at a fake backend.
func NewWithTransport(transport esapi.Transport, dialect Dialect, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default().With("component", "search")
	}
	return &Client{
		transport: transport,
		dialect:   dialect,
		timeout:   timeout,
		tracer:    otel.Tracer("go-log-indexer/search"),
		logger:    logger,
	}
}

// Dialect reports the backend flavour this client was built for.
func (c *Client) Dialect() Dialect { return c.dialect }

// response is a fully read backend answer. Bodies are read inside perform so
// the per-request timeout context can be released before decoding.
type response struct {
	status int
	body   []byte
}

func (r *response) isError() bool { return r.status >= 300 }

func (r *response) decode(op string, v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return fmt.Errorf("search: %s: decode response: %w", op, err)
	}
	return nil
}

func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(v)
}

// perform runs one request bounded by the client timeout.
func (c *Client) perform(ctx context.Context, op string, req esapi.Request) (*response, error) {
	return c.performWithin(ctx, op, req, c.timeout)
}

// performWithin runs one request bounded by timeout. Transport failures,
// including the timeout itself, surface as ErrUnavailable.
func (c *Client) performWithin(ctx context.Context, op string, req esapi.Request, timeout time.Duration) (*response, error) {
	ctx, span := c.tracer.Start(ctx, "search."+op, trace.WithAttributes(
		attribute.String("search.dialect", c.dialect.Name()),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	status := "error"
	defer func() {
		metrics.BackendRequestDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	}()

	res, err := req.Do(ctx, c.transport)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("search request failed", "op", op, "error", err)
		return nil, fmt.Errorf("search: %s: %w: %w", op, ErrUnavailable, err)
	}

	var body []byte
	if res.Body != nil {
		defer res.Body.Close()
		body, err = io.ReadAll(res.Body)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("search: %s: read response: %w: %w", op, ErrUnavailable, err)
		}
	}

	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
	if res.StatusCode < 300 || res.StatusCode == http.StatusNotFound {
		status = "ok"
	} else {
		span.SetStatus(codes.Error, http.StatusText(res.StatusCode))
	}
	return &response{status: res.StatusCode, body: body}, nil
}

// errorFrom converts a non-2xx response into a *ResponseError.
func (c *Client) errorFrom(op string, res *response) error {
	return newResponseError(op, res.status, res.body)
}

// IsRetryable reports whether err is a transient backend condition.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrHealthTimeout)
}
