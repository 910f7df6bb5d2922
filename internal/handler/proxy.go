// Package handler contains HTTP handlers for the Geepity proxy.
//
// This file implements the metered streaming proxy. One ProxyHandler is
// built per tier; the free and pro endpoints differ only by TierPolicy.
//
// Routes (per tier):
//   - POST    /api/{tier}/chat/completions -> ServeHTTP
//   - OPTIONS /api/{tier}/chat/completions -> answered by CORS
//
// A request walks init -> authenticated -> authorized -> forwarding ->
// streaming -> settling -> done, or ends in error. Usage is settled only
// after the upstream stream reaches EOF.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/DukeRupert/geepity/internal/auth"
	"github.com/DukeRupert/geepity/internal/domain"
	"github.com/DukeRupert/geepity/internal/metrics"
	"github.com/DukeRupert/geepity/internal/middleware"
	"github.com/DukeRupert/geepity/internal/service"
	"github.com/DukeRupert/geepity/internal/tracing"
	"github.com/DukeRupert/geepity/internal/upstream"
)

const (
	// MaxRequestBody caps the caller's JSON body.
	MaxRequestBody = 1 << 20

	// relayBufferSize is the read size for each upstream chunk.
	relayBufferSize = 4 << 10

	// SettleTimeout bounds a settlement that runs after the response ends.
	SettleTimeout = 10 * time.Second

	// DefaultRequestTimeout applies when no request timeout is configured.
	DefaultRequestTimeout = 120 * time.Second
)

// Proxy outcomes recorded in proxy_requests_total.
const (
	outcomeCompleted     = "completed"
	outcomeUnauthorized  = "unauthorized"
	outcomeBadRequest    = "bad_request"
	outcomeDenied        = "denied"
	outcomeUpstreamError = "upstream_error"
	outcomeAborted       = "aborted"
	outcomeError         = "error"
)

type proxyState string

const (
	stateInit          proxyState = "init"
	stateAuthenticated proxyState = "authenticated"
	stateAuthorized    proxyState = "authorized"
	stateForwarding    proxyState = "forwarding"
	stateStreaming     proxyState = "streaming"
	stateSettling      proxyState = "settling"
	stateDone          proxyState = "done"
	stateError         proxyState = "error"
)

// ProxyHandler relays a chat completion stream for one tier.
type ProxyHandler struct {
	policy   domain.TierPolicy
	verifier auth.TokenVerifier
	usage    service.UsageService
	upstream upstream.Streamer
	timeout  time.Duration
	logger   *slog.Logger

	settles sync.WaitGroup
}

// NewProxyHandler creates a ProxyHandler for policy. A zero timeout uses
// DefaultRequestTimeout.
func NewProxyHandler(
	policy domain.TierPolicy,
	verifier auth.TokenVerifier,
	usage service.UsageService,
	streamer upstream.Streamer,
	timeout time.Duration,
	logger *slog.Logger,
) *ProxyHandler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &ProxyHandler{
		policy:   policy,
		verifier: verifier,
		usage:    usage,
		upstream: streamer,
		timeout:  timeout,
		logger:   logger.With("tier", policy.Tier.String()),
	}
}

// Path returns the route path served for this tier.
func (h *ProxyHandler) Path() string {
	return fmt.Sprintf("/api/%s/chat/completions", h.policy.Tier)
}

// RegisterRoutes registers the tier's POST and OPTIONS routes. CORS is
// always outermost; mw wraps the POST handler inside it.
func (h *ProxyHandler) RegisterRoutes(mux *http.ServeMux, mw ...func(http.Handler) http.Handler) {
	stack := middleware.Stack(append([]func(http.Handler) http.Handler{middleware.CORS}, mw...)...)

	mux.Handle("POST "+h.Path(), stack(h))
	mux.Handle("OPTIONS "+h.Path(), middleware.CORS(http.HandlerFunc(noContent)))
}

// noContent answers OPTIONS requests that are not CORS preflights.
func noContent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// Wait blocks until in-flight settlements finish or ctx is done.
func (h *ProxyHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.settles.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// proxyRequest tracks one request through the proxy states.
type proxyRequest struct {
	state     proxyState
	outcome   string
	streaming bool
	logger    *slog.Logger
}

func (p *proxyRequest) to(next proxyState) {
	p.logger.Debug("proxy state", "from", p.state, "to", next)
	p.state = next
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "proxy.serve"
	tier := h.policy.Tier.String()

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	r = r.WithContext(ctx)

	logger := h.logger
	if id := middleware.GetRequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	if traceID := tracing.TraceID(ctx); traceID != "" {
		logger = logger.With("trace_id", traceID)
	}
	pr := &proxyRequest{state: stateInit, outcome: outcomeError, logger: logger}

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			pr.logger.Error("panic in proxy handler",
				"panic", rec,
				"state", pr.state,
				"stack", string(debug.Stack()),
			)
			if !pr.streaming {
				writeJSONError(w, http.StatusInternalServerError, MsgInternal)
			}
			pr.state = stateError
			pr.outcome = outcomeError
		}
		metrics.ProxyRequest(tier, pr.outcome)
	}()

	// Init -> Authenticated
	token, ok := auth.BearerToken(r)
	if !ok {
		h.fail(w, r, pr, domain.Unauthorized(op, "Missing or invalid authorization header"), outcomeUnauthorized)
		return
	}
	accountID, err := h.verifier.Verify(ctx, token)
	if err != nil {
		pr.logger.Debug("token verification failed", "error", err)
		h.fail(w, r, pr, domain.Unauthorized(op, "Invalid token"), outcomeUnauthorized)
		return
	}
	pr.logger = pr.logger.With("account_id", accountID)
	pr.to(stateAuthenticated)

	req, err := decodeChatRequest(w, r)
	if err != nil {
		h.fail(w, r, pr, err, outcomeBadRequest)
		return
	}

	// Authenticated -> Authorized
	if _, err := h.usage.Authorize(ctx, h.policy, accountID); err != nil {
		outcome := outcomeError
		if domain.ErrorCode(err) == domain.EFORBIDDEN {
			outcome = outcomeDenied
		}
		h.fail(w, r, pr, err, outcome)
		return
	}
	pr.to(stateAuthorized)

	// Authorized -> Forwarding
	pr.to(stateForwarding)
	upReq := upstream.NewChatRequest(h.policy, req)

	upCtx, span := tracing.Start(ctx, "proxy.upstream", trace.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("model", upReq.Model),
	))
	defer span.End()

	start := time.Now()
	resp, err := h.upstream.Stream(upCtx, h.policy, upReq)
	if err != nil {
		tracing.RecordError(span, err)
		if ue, ok := domain.AsUpstreamError(err); ok {
			metrics.UpstreamResponded(tier, ue.Status, time.Since(start))
			span.SetAttributes(attribute.Int("http.status_code", ue.Status))
			pr.to(stateError)
			UpstreamErrorResponse(w, r, pr.logger, ue)
			pr.outcome = outcomeUpstreamError
			return
		}
		h.fail(w, r, pr, err, outcomeUpstreamError)
		return
	}
	defer resp.Body.Close()
	metrics.UpstreamResponded(tier, resp.StatusCode, time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	// Forwarding -> Streaming
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	pr.streaming = true
	pr.to(stateStreaming)

	n, err := relay(w, resp.Body)
	metrics.StreamBytes(tier, n)
	span.SetAttributes(attribute.Int("stream.bytes", n))
	if err != nil {
		tracing.RecordError(span, err)
		pr.to(stateError)
		pr.logger.Warn("stream aborted; usage not settled",
			"error", err,
			"bytes", n,
			"context_error", ctx.Err(),
		)
		pr.outcome = outcomeAborted
		return
	}

	// Streaming -> Settling
	pr.to(stateSettling)
	h.settle(ctx, accountID, pr.logger)
	pr.to(stateDone)
	pr.outcome = outcomeCompleted
}

// fail writes err as the response and moves the request to the error state.
func (h *ProxyHandler) fail(w http.ResponseWriter, r *http.Request, pr *proxyRequest, err error, outcome string) {
	pr.to(stateError)
	ErrorResponse(w, r, pr.logger, err)
	pr.outcome = outcome
}

// settle charges the completed request on a tracked goroutine. It is
// detached from the request context so a finished response cannot cancel it.
func (h *ProxyHandler) settle(ctx context.Context, accountID string, logger *slog.Logger) {
	h.settles.Add(1)
	go func() {
		defer h.settles.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SettleTimeout)
		defer cancel()

		if err := h.usage.Settle(ctx, h.policy, accountID); err != nil {
			logger.Error("settlement failed", "error", err)
		}
	}()
}

// decodeChatRequest reads and validates the caller's body.
func decodeChatRequest(w http.ResponseWriter, r *http.Request) (domain.ChatRequest, error) {
	const op = "proxy.decode"

	var req domain.ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return req, domain.Errorf(domain.ETOOLARGE, op, "Request body too large")
		}
		return req, domain.Invalid(op, "Invalid request body")
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// relay copies the upstream body to w chunk by chunk, flushing after every
// write and once more at EOF. It returns nil only when the upstream reached
// EOF.
func relay(w http.ResponseWriter, body io.Reader) (int, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, relayBufferSize)
	written := 0

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("client write: %w", err)
			}
			written += n
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, fmt.Errorf("client flush: %w", err)
			}
		}
		if readErr == io.EOF {
			// Headers alone on an empty body still reach the client.
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, fmt.Errorf("client flush: %w", err)
			}
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("upstream read: %w", readErr)
		}
	}
}
