package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-anon/pkg/classify"
	"github.com/polisai/polis-anon/pkg/domain"
	"github.com/polisai/polis-anon/pkg/policy"
	"github.com/polisai/polis-anon/pkg/telemetry"
)

// HeaderRequestID carries a caller supplied request identifier.
const HeaderRequestID = "X-Request-ID"

const (
	actionAllow = "allow"
	actionDeny  = "deny"
	actionNoop  = "noop"
	actionError = "error"
	// actionUpstreamError labels requests the policy let through but the
	// upstream exchange failed.
	actionUpstreamError = "upstream_error"
)

// Config holds the dependencies of a Handler.
type Config struct {
	Evaluator  policy.Evaluator
	Classifier *classify.Classifier
	Logger     *slog.Logger
	Metrics    *Metrics
	// Transport performs upstream round trips. Defaults to a clone of
	// http.DefaultTransport without environment proxies.
	Transport http.RoundTripper
	// Dialer opens CONNECT tunnels. Defaults to a net.Dialer with DialTimeout.
	Dialer      func(ctx context.Context, network, addr string) (net.Conn, error)
	DialTimeout time.Duration
	// DenyStatus is the status written for denied requests (default 403).
	DenyStatus int
	// Redaction holds span attribute redaction strategies. Defaults to
	// telemetry.DefaultRedaction.
	Redaction map[string]string
}

type runtime struct {
	evaluator  policy.Evaluator
	classifier *classify.Classifier
}

// Handler is the forward proxy http.Handler.
type Handler struct {
	active     atomic.Pointer[runtime]
	logger     *slog.Logger
	metrics    *Metrics
	transport  http.RoundTripper
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
	denyStatus int
	redaction  map[string]string
}

// New constructs a proxy handler. An evaluator is required.
func New(cfg Config) *Handler {
	if cfg.Evaluator == nil {
		panic("proxy: evaluator is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.Proxy = nil
		// Accept-Encoding is forwarded only when the client sent it.
		t.DisableCompression = true
		transport = t
	}
	dial := cfg.Dialer
	if dial == nil {
		timeout := cfg.DialTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		dial = (&net.Dialer{Timeout: timeout}).DialContext
	}
	denyStatus := cfg.DenyStatus
	if denyStatus == 0 {
		denyStatus = http.StatusForbidden
	}

	redaction := cfg.Redaction
	if redaction == nil {
		redaction = telemetry.DefaultRedaction()
	}

	h := &Handler{
		redaction:  redaction,
		logger:     logger,
		metrics:    metrics,
		transport:  transport,
		dial:       dial,
		denyStatus: denyStatus,
	}
	h.Swap(cfg.Evaluator, cfg.Classifier)
	return h
}

// Swap atomically replaces the evaluator and classifier used for new requests.
// In-flight requests finish with the pair they started with.
func (h *Handler) Swap(evaluator policy.Evaluator, classifier *classify.Classifier) {
	if evaluator == nil {
		return
	}
	if classifier == nil {
		classifier = classify.NewClassifier(nil)
	}
	h.active.Store(&runtime{evaluator: evaluator, classifier: classifier})
}

// Metrics returns the metrics the handler records into.
func (h *Handler) Metrics() *Metrics { return h.metrics }

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rt := h.active.Load()

	if r.Method != http.MethodConnect && (r.URL.Host == "" || !r.URL.IsAbs()) {
		h.writeError(r.Context(), w, http.StatusBadRequest, "BAD_REQUEST", "only absolute-form requests can be proxied", "")
		return
	}

	req := buildRequest(r, rt.classifier)
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)
	telemetry.RecordRequest(span, req, h.redaction)

	decision, err := rt.evaluator.Evaluate(ctx, req)
	evalDuration := time.Since(start)
	if err != nil {
		h.logger.Error("policy evaluation failed",
			"request_id", req.ID,
			"method", req.Method,
			"url", req.URL,
			"error", err,
		)
		telemetry.RecordDecision(ctx, telemetry.DecisionMetrics{Action: actionError, Type: string(req.Type), Duration: evalDuration})
		h.writeError(ctx, w, http.StatusBadGateway, "POLICY_ERROR", "policy evaluation failed", req.ID)
		h.metrics.RecordRequest(r.Method, actionError, time.Since(start))
		return
	}

	telemetry.RecordDecisionEvent(span, decision, h.redaction)
	action := actionLabel(decision)
	rewrites := countRewrites(req.Headers, decision)
	telemetry.RecordDecision(ctx, telemetry.DecisionMetrics{
		Action:   action,
		Type:     string(req.Type),
		Rewrites: rewrites,
		Duration: evalDuration,
	})
	defer func() { h.metrics.RecordRequest(r.Method, action, time.Since(start)) }()

	if decision.IsDeny() {
		h.logger.Info("request denied",
			"request_id", req.ID,
			"method", req.Method,
			"url", req.URL,
			"reason", decision.Reason,
		)
		h.writeError(ctx, w, h.denyStatus, "REQUEST_DENIED", denyMessage(decision), req.ID)
		return
	}

	if r.Method == http.MethodConnect {
		if !h.tunnel(ctx, w, r, req.ID) {
			action = actionUpstreamError
		}
		return
	}

	h.metrics.RecordHeaderRewrites(rewrites)
	outbound := r.Header.Clone()
	if decision.Action == domain.ActionAllow {
		outbound = toHTTPHeader(decision.Headers)
	}
	if !h.forward(ctx, w, r, outbound, req.ID) {
		action = actionUpstreamError
	}
}

// forward sends r upstream with header and copies the response back. It
// reports false when no upstream response was obtained.
func (h *Handler) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, header http.Header, requestID string) bool {
	out, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), r.Body)
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "BAD_REQUEST", "malformed request", requestID)
		return false
	}
	removeHopByHop(header)
	if _, ok := header["User-Agent"]; !ok {
		// An explicit empty value stops net/http from adding its own User-Agent.
		header["User-Agent"] = []string{""}
	}
	out.Header = header
	out.ContentLength = r.ContentLength
	out.Host = r.Host

	resp, err := h.transport.RoundTrip(out)
	if err != nil {
		h.metrics.RecordUpstreamError()
		h.logger.Error("upstream request failed",
			"request_id", requestID,
			"url", r.URL.String(),
			"error", err,
		)
		h.writeError(ctx, w, http.StatusBadGateway, "UPSTREAM_UNREACHABLE", domain.ErrUpstreamUnreachable.Error(), requestID)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	removeHopByHop(resp.Header)
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("response copy interrupted", "request_id", requestID, "error", err)
	}
	return true
}

// writeError writes a JSON error body. It is only used before any upstream
// bytes were written to w.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, statusCode int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	var traceID string
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}

	resp := domain.ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		TraceID:   traceID,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}

// buildRequest derives the policy view of r.
func buildRequest(r *http.Request, classifier *classify.Classifier) domain.Request {
	id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
	if id == "" {
		id = uuid.New().String()
	}

	req := domain.Request{
		ID:             id,
		Method:         r.Method,
		Type:           classify.ResourceTypeOf(r),
		Classification: classifier.Classify(r),
		Headers:        fromHTTPHeader(r.Header),
	}
	if r.Method == http.MethodConnect {
		req.URL = "https://" + r.Host
		req.Type = domain.ResourceOther
	} else {
		req.URL = r.URL.String()
	}
	return req
}

// fromHTTPHeader flattens h in sorted canonical-name order; the values of a
// name keep the order they were received in.
func fromHTTPHeader(h http.Header) domain.Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(domain.Headers, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, domain.Header{Name: name, Value: v})
		}
	}
	return out
}

func toHTTPHeader(headers domain.Headers) http.Header {
	out := make(http.Header, len(headers))
	for _, hdr := range headers {
		out.Add(hdr.Name, hdr.Value)
	}
	return out
}

// hopByHopHeaders must not be forwarded (RFC 7230 section 6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHop(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func actionLabel(d domain.Decision) string {
	switch d.Action {
	case domain.ActionDeny:
		return actionDeny
	case domain.ActionAllow:
		return actionAllow
	default:
		return actionNoop
	}
}

// countRewrites reports how many header values the decision changed.
func countRewrites(in domain.Headers, d domain.Decision) int {
	if d.Action != domain.ActionAllow {
		return 0
	}
	if len(in) != len(d.Headers) {
		return max(len(in), len(d.Headers))
	}
	n := 0
	for i := range in {
		if in[i] != d.Headers[i] {
			n++
		}
	}
	return n
}

func denyMessage(d domain.Decision) string {
	if d.Reason != "" {
		return d.Reason
	}
	return domain.ErrRequestDenied.Error()
}
