package chatapi

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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBytes = 4 << 20

var (
	// ErrUnauthorized is returned when the backend answers 401.
	ErrUnauthorized = errors.New("chat api: unauthorized")
	// ErrNetwork wraps transport level failures (DNS, refused connections, timeouts).
	ErrNetwork = errors.New("chat api: network unavailable")
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "chat_api",
		Name:      "request_duration_seconds",
		Help:      "Duration of chat backend requests",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"operation"})

	requestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "chat_api",
		Name:      "request_failures_total",
		Help:      "Number of failed chat backend requests",
	}, []string{"operation", "reason"})
)

// APIError is a non-success answer from the backend.
type APIError struct {
	Operation string
	Status    int
	Message   string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat api %s: status %d", e.Operation, e.Status)
	}
	return fmt.Sprintf("chat api %s: status %d: %s", e.Operation, e.Status, e.Message)
}

// Config defines how the client reaches the backend.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the chat backend REST API. Authenticated calls take the
// bearer token explicitly; refreshing and retrying is the caller's concern.
type Client struct {
	baseURL string
	http    *http.Client
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// New builds a client for the configured base URL.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("chat api base url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: base,
		http:    httpClient,
		tracer:  otel.Tracer("github.com/noah-isme/gema-chat-client/pkg/chatapi"),
		logger:  cfg.Logger.With().Str("component", "chat_api").Logger(),
	}, nil
}

// BaseURL returns the configured backend address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping checks that the backend answers HTTP at all. Any status counts as
// reachable; only transport failures are reported.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	_ = resp.Body.Close()
	return nil
}

type request struct {
	operation   string
	method      string
	path        string
	token       string
	body        io.Reader
	contentType string
}

func (c *Client) doJSON(ctx context.Context, op, method, path, token string, payload, out interface{}) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("chat api %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	return c.do(ctx, request{
		operation:   op,
		method:      method,
		path:        path,
		token:       token,
		body:        body,
		contentType: contentType,
	}, out)
}

func (c *Client) do(parent context.Context, r request, out interface{}) error {
	ctx, span := c.tracer.Start(parent, "chatapi."+r.operation, trace.WithAttributes(
		attribute.String("http.method", r.method),
		attribute.String("http.route", r.path),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(r.operation).Observe(time.Since(start).Seconds())
	}()

	fail := func(reason string, err error) error {
		requestFailures.WithLabelValues(r.operation, reason).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, r.body)
	if err != nil {
		return fail("build", fmt.Errorf("chat api %s: build request: %w", r.operation, err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", uuid.NewString())
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("operation", r.operation).Msg("chat api request failed")
		return fail("network", fmt.Errorf("chat api %s: %w: %v", r.operation, ErrNetwork, err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail("read", fmt.Errorf("chat api %s: %w: %v", r.operation, ErrNetwork, err))
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fail("unauthorized", fmt.Errorf("chat api %s: %w", r.operation, ErrUnauthorized))
	}

	var status struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		_ = json.Unmarshal(raw, &status)
	}

	message := status.Message
	if message == "" {
		message = status.Error
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail("status", &APIError{Operation: r.operation, Status: resp.StatusCode, Message: message})
	}
	if status.Success != nil && !*status.Success {
		return fail("rejected", &APIError{Operation: r.operation, Status: resp.StatusCode, Message: message})
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fail("decode", fmt.Errorf("chat api %s: decode response: %w", r.operation, err))
	}
	return nil
}
