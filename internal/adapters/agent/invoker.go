// Package agent implements the outbound A2A client used to call stage agents.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/logging"
)

const (
	// DefaultTimeout bounds a single agent call.
	DefaultTimeout = 300 * time.Second

	// maxBodySize caps how much of a response body is read.
	maxBodySize = 8 << 20
	// maxErrorBody caps the raw body attached to errors.
	maxErrorBody = 4 << 10
)

// envelope is the request body sent to every agent.
type envelope struct {
	AgentID            string          `json:"agent_id"`
	InvocationID       string          `json:"invocation_id"`
	ParentInvocationID string          `json:"parent_invocation_id,omitempty"`
	Input              any             `json:"input"`
	Credentials        json.RawMessage `json:"credentials"`
	State              json.RawMessage `json:"state"`
}

// response is the agent's output envelope. Older agents send "event_type"
// instead of "type".
type response struct {
	EventID   string          `json:"event_id,omitempty"`
	Type      string          `json:"type,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Data      json.RawMessage `json:"data"`
	Metadata  struct {
		Status string `json:"status,omitempty"`
	} `json:"metadata"`
}

func (r *response) kind() string {
	if r.Type != "" {
		return r.Type
	}
	return r.EventType
}

// errorBody covers the error shapes agents return on non-2xx responses.
type errorBody struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

func (e errorBody) text() string {
	for _, raw := range []json.RawMessage{e.Error, e.Detail} {
		if len(raw) == 0 {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		return string(raw)
	}
	return e.Message
}

// Invoker calls stage agents over HTTP.
type Invoker struct {
	client         *http.Client
	defaultTimeout time.Duration
	logger         *logging.Logger
	tracer         trace.Tracer
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithHTTPClient sets the HTTP client. Its transport is wrapped for tracing.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Invoker) {
		i.client = c
	}
}

// WithDefaultTimeout sets the per-call timeout used when a request has none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.defaultTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(i *Invoker) {
		i.logger = l
	}
}

// WithTracer sets the tracer used for invocation spans.
func WithTracer(t trace.Tracer) Option {
	return func(i *Invoker) {
		i.tracer = t
	}
}

// New creates an Invoker.
func New(opts ...Option) *Invoker {
	i := &Invoker{
		defaultTimeout: DefaultTimeout,
		logger:         logging.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.client == nil {
		i.client = &http.Client{}
	}
	base := i.client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *i.client
	wrapped.Transport = otelhttp.NewTransport(base)
	i.client = &wrapped
	if i.tracer == nil {
		i.tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return i
}

// Endpoint returns the URL a request is POSTed to.
func Endpoint(agentURL string, stage core.StageName, simple bool) (string, error) {
	base := strings.TrimRight(agentURL, "/")
	u, err := url.Parse(base)
	if err != nil || !u.IsAbs() {
		return "", fmt.Errorf("invalid agent url %q", agentURL)
	}
	if simple {
		return url.JoinPath(base, "invoke")
	}
	return url.JoinPath(base, "a2a", string(stage), "invoke")
}

// Invoke performs one agent call and returns the envelope's data.
func (i *Invoker) Invoke(ctx context.Context, req core.InvokeRequest) (json.RawMessage, error) {
	endpoint, err := Endpoint(req.AgentURL, req.Stage, req.Simple)
	if err != nil {
		return nil, &core.InvocationError{Kind: core.InvocationNetwork, Stage: req.Stage, URL: req.AgentURL, Cause: err}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = i.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := i.tracer.Start(ctx, "agent.invoke", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("agent.stage", string(req.Stage)),
			attribute.String("agent.id", req.AgentID),
			attribute.String("agent.invocation_id", req.InvocationID),
		))
	defer span.End()

	body, err := json.Marshal(envelope{
		AgentID:            req.AgentID,
		InvocationID:       req.InvocationID,
		ParentInvocationID: req.ParentInvocationID,
		Input:              req.Input,
		Credentials:        json.RawMessage(`{}`),
		State:              json.RawMessage(`{}`),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s envelope: %w", req.Stage, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &core.InvocationError{Kind: core.InvocationNetwork, Stage: req.Stage, URL: endpoint, Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	logger := i.logger.WithContext(ctx).WithStage(string(req.Stage))
	logger.Debug("invoking agent", "url", endpoint, "invocation_id", req.InvocationID, "timeout", timeout)
	start := time.Now()

	resp, err := i.client.Do(httpReq)
	if err != nil {
		invErr := transportError(ctx, req.Stage, endpoint, timeout, err)
		recordError(span, invErr)
		return nil, invErr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		invErr := transportError(ctx, req.Stage, endpoint, timeout, err)
		recordError(span, invErr)
		return nil, invErr
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	logger.Debug("agent responded", "status", resp.StatusCode, "duration", time.Since(start))

	data, invErr := decodeResponse(req.Stage, endpoint, resp.StatusCode, raw)
	if invErr != nil {
		recordError(span, invErr)
		return nil, invErr
	}
	return data, nil
}

func transportError(ctx context.Context, stage core.StageName, endpoint string, timeout time.Duration, err error) *core.InvocationError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &core.InvocationError{
			Kind:    core.InvocationTimeout,
			Stage:   stage,
			URL:     endpoint,
			Message: fmt.Sprintf("timed out after %s", timeout),
			Cause:   err,
		}
	}
	return &core.InvocationError{Kind: core.InvocationNetwork, Stage: stage, URL: endpoint, Cause: err}
}

func decodeResponse(stage core.StageName, endpoint string, status int, raw []byte) (json.RawMessage, *core.InvocationError) {
	if status < 200 || status > 299 {
		msg := strings.TrimSpace(string(raw))
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil {
			if text := eb.text(); text != "" {
				msg = text
			}
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		return nil, &core.InvocationError{
			Kind:       core.InvocationHTTPStatus,
			Stage:      stage,
			URL:        endpoint,
			StatusCode: status,
			Message:    truncate(msg, maxErrorBody),
			Body:       truncate(string(raw), maxErrorBody),
		}
	}

	var env response
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &core.InvocationError{
			Kind:    core.InvocationDecode,
			Stage:   stage,
			URL:     endpoint,
			Message: "undecodable response envelope",
			Body:    truncate(string(raw), maxErrorBody),
			Cause:   err,
		}
	}

	if strings.EqualFold(env.kind(), "error") || strings.EqualFold(env.Metadata.Status, "error") {
		remote := env.Data
		if len(remote) == 0 {
			remote = json.RawMessage(raw)
		}
		return nil, &core.InvocationError{
			Kind:    core.InvocationRemote,
			Stage:   stage,
			URL:     endpoint,
			Message: remoteMessage(remote),
			Remote:  remote,
			Body:    truncate(string(raw), maxErrorBody),
		}
	}
	return env.Data, nil
}

// remoteMessage extracts a readable message from an agent error payload.
func remoteMessage(remote json.RawMessage) string {
	var s string
	if json.Unmarshal(remote, &s) == nil && s != "" {
		return s
	}
	var eb errorBody
	if json.Unmarshal(remote, &eb) == nil {
		if text := eb.text(); text != "" {
			return text
		}
	}
	return truncate(string(remote), 512)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
