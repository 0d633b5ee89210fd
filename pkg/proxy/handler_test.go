package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-anon/pkg/classify"
	"github.com/polisai/polis-anon/pkg/domain"
	"github.com/polisai/polis-anon/pkg/policy"
	"github.com/polisai/polis-anon/pkg/telemetry"
)

type MockEvaluator struct {
	mock.Mock
}

func (m *MockEvaluator) Evaluate(ctx context.Context, req domain.Request) (domain.Decision, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.Decision), args.Error(1)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// recordingTransport answers every round trip with 200 "upstream" and keeps
// the last outbound request.
type recordingTransport struct {
	calls atomic.Int32
	last  atomic.Pointer[http.Request]
}

func (t *recordingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	t.last.Store(r)
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain"}, "Connection": {"close"}},
		Body:       io.NopCloser(strings.NewReader("upstream")),
		Request:    r,
	}, nil
}

func builtinChain() policy.Evaluator {
	return policy.NewChain(policy.NewRequestPolicy().Evaluator())
}

func trackerClassifier() *classify.Classifier {
	list := classify.NewTrackerList()
	list.Add("ads.tracker.test", policy.TagTrackingAd)
	list.Add("cdn.example.com", "fingerprinting")
	return classify.NewClassifier(list)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var resp domain.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	got := make(map[string]string, len(pairs))
	for _, p := range pairs {
		got[p.GetName()] = p.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestHandler_AllowRewritesUserAgent(t *testing.T) {
	transport := &recordingTransport{}
	h := New(Config{Evaluator: builtinChain(), Transport: transport})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/page", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	req.Header.Set("Accept", "text/html")
	req.Header.Set("X-Custom", "kept")
	req.Header.Set("Proxy-Connection", "keep-alive")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream", rec.Body.String())
	assert.Empty(t, rec.Header().Get("Connection"))

	out := transport.last.Load()
	require.NotNil(t, out)
	assert.Equal(t, "a Potato", out.Header.Get("User-Agent"))
	assert.Equal(t, "text/html", out.Header.Get("Accept"))
	assert.Equal(t, "kept", out.Header.Get("X-Custom"))
	assert.Empty(t, out.Header.Get("Proxy-Connection"))
	assert.Equal(t, "http://example.com/page", out.URL.String())

	assert.Equal(t, 1.0, counterValue(t, h.Metrics(), "proxy_requests_total", map[string]string{"method": "GET", "action": "allow"}))
	assert.Equal(t, 1.0, counterValue(t, h.Metrics(), "proxy_header_rewrites_total", nil))
}

func TestHandler_DenyThirdPartyTracker(t *testing.T) {
	transport := &recordingTransport{}
	h := New(Config{Evaluator: builtinChain(), Classifier: trackerClassifier(), Transport: transport})

	req := httptest.NewRequest(http.MethodGet, "http://ads.tracker.test/pixel.gif", nil)
	req.Header.Set("Referer", "https://news.example.com/article")
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	resp := decodeError(t, rec)
	assert.Equal(t, "REQUEST_DENIED", resp.Code)
	assert.Equal(t, "req-42", resp.RequestID)
	assert.Contains(t, resp.Message, policy.TagTrackingAd)
	assert.Zero(t, transport.calls.Load(), "denied request must not reach upstream")
	assert.Equal(t, 1.0, counterValue(t, h.Metrics(), "proxy_requests_total", map[string]string{"method": "GET", "action": "deny"}))
}

func TestHandler_FirstPartyTrackerAllowed(t *testing.T) {
	transport := &recordingTransport{}
	h := New(Config{Evaluator: builtinChain(), Classifier: trackerClassifier(), Transport: transport})

	req := httptest.NewRequest(http.MethodGet, "http://ads.tracker.test/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, transport.calls.Load())
}

func TestHandler_CustomDenyStatus(t *testing.T) {
	evaluator := &MockEvaluator{}
	evaluator.On("Evaluate", mock.Anything, mock.Anything).Return(domain.Deny(""), nil)
	h := New(Config{Evaluator: evaluator, Transport: &recordingTransport{}, DenyStatus: http.StatusNoContent})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandler_NoopForwardsOriginalHeaders(t *testing.T) {
	evaluator := &MockEvaluator{}
	evaluator.On("Evaluate", mock.Anything, mock.Anything).Return(domain.Decision{}, nil)
	transport := &recordingTransport{}
	h := New(Config{Evaluator: evaluator, Transport: transport})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := transport.last.Load()
	require.NotNil(t, out)
	assert.Equal(t, "Mozilla/5.0", out.Header.Get("User-Agent"))
	assert.Equal(t, 1.0, counterValue(t, h.Metrics(), "proxy_requests_total", map[string]string{"action": "noop"}))
}

func TestHandler_EvaluatorErrorFailsClosed(t *testing.T) {
	evaluator := &MockEvaluator{}
	evaluator.On("Evaluate", mock.Anything, mock.Anything).Return(domain.Decision{}, errors.New("boom"))
	transport := &recordingTransport{}
	h := New(Config{Evaluator: evaluator, Transport: transport})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "POLICY_ERROR", decodeError(t, rec).Code)
	assert.Zero(t, transport.calls.Load())
	assert.Equal(t, 1.0, counterValue(t, h.Metrics(), "proxy_requests_total", map[string]string{"action": "error"}))
}

func TestHandler_RejectsOriginFormRequests(t *testing.T) {
	evaluator := &MockEvaluator{}
	h := New(Config{Evaluator: evaluator, Transport: &recordingTransport{}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	evaluator.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything)
}

func TestHandler_UpstreamFailure(t *testing.T) {
	transport := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	h := New(Config{Evaluator: builtinChain(), Transport: transport})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "UPSTREAM_UNREACHABLE", decodeError(t, rec).Code)
	assert.Equal(t, 1.0, counterValue(t, h.Metrics(), "proxy_upstream_errors_total", nil))
	assert.Equal(t, 1.0, counterValue(t, h.Metrics(), "proxy_requests_total", map[string]string{"action": "upstream_error"}))
	assert.Zero(t, counterValue(t, h.Metrics(), "proxy_requests_total", map[string]string{"action": "allow"}))
}

func TestHandler_AbsentUserAgentIsNotAdded(t *testing.T) {
	noop := &MockEvaluator{}
	noop.On("Evaluate", mock.Anything, mock.Anything).Return(domain.Decision{}, nil)

	tests := []struct {
		name      string
		evaluator policy.Evaluator
	}{
		{"allow", builtinChain()},
		{"noop", noop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			received := make(chan http.Header, 1)
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				received <- r.Header.Clone()
				w.WriteHeader(http.StatusNoContent)
			}))
			defer upstream.Close()

			h := New(Config{Evaluator: tt.evaluator})
			req := httptest.NewRequest(http.MethodGet, upstream.URL+"/", nil)
			req.Header.Set("Accept", "text/html")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, http.StatusNoContent, rec.Code)
			header := <-received
			_, present := header["User-Agent"]
			assert.False(t, present, "upstream saw User-Agent %q", header.Get("User-Agent"))
			assert.Equal(t, "text/html", header.Get("Accept"))
			_, present = header["Accept-Encoding"]
			assert.False(t, present, "upstream saw Accept-Encoding %q", header.Get("Accept-Encoding"))
		})
	}
}

func TestHandler_RedactsSpanHeaders(t *testing.T) {
	tests := []struct {
		name      string
		redaction map[string]string
		wantUA    func(t *testing.T, attr attribute.Value)
	}{
		{
			name: "defaults",
			wantUA: func(t *testing.T, attr attribute.Value) {
				assert.Contains(t, attr.AsString(), "[REDACTED:hash:")
			},
		},
		{
			name:      "configured keep",
			redaction: map[string]string{"http.request.header.user_agent": telemetry.RedactKeep},
			wantUA: func(t *testing.T, attr attribute.Value) {
				assert.Equal(t, []string{"Mozilla/5.0"}, attr.AsStringSlice())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := tracetest.NewSpanRecorder()
			provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
			ctx, span := provider.Tracer("test").Start(context.Background(), "proxy")

			h := New(Config{Evaluator: builtinChain(), Transport: &recordingTransport{}, Redaction: tt.redaction})
			req := httptest.NewRequest(http.MethodGet, "http://www.example.com/", nil).WithContext(ctx)
			req.Header.Set("User-Agent", "Mozilla/5.0")
			req.Header.Set("Cookie", "session=abc")
			req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
			req.Header.Set("Accept", "text/html")
			h.ServeHTTP(httptest.NewRecorder(), req)
			span.End()

			spans := recorder.Ended()
			require.Len(t, spans, 1)
			attrs := make(map[attribute.Key]attribute.Value)
			for _, kv := range spans[0].Attributes() {
				attrs[kv.Key] = kv.Value
			}

			assert.Equal(t, []string{"text/html"}, attrs["http.request.header.accept"].AsStringSlice())
			for _, key := range []attribute.Key{"http.request.header.cookie", "http.request.header.authorization"} {
				_, present := attrs[key]
				assert.False(t, present, string(key))
			}
			ua, ok := attrs["http.request.header.user_agent"]
			require.True(t, ok)
			tt.wantUA(t, ua)
		})
	}
}

func TestHandler_BuildsPolicyRequest(t *testing.T) {
	evaluator := &MockEvaluator{}
	var seen domain.Request
	evaluator.On("Evaluate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { seen = args.Get(1).(domain.Request) }).
		Return(domain.Decision{}, nil)
	h := New(Config{Evaluator: evaluator, Classifier: trackerClassifier(), Transport: &recordingTransport{}})

	req := httptest.NewRequest(http.MethodPost, "http://cdn.example.com/lib.js?v=1", strings.NewReader("x"))
	req.Header.Set("Origin", "https://shop.example.org")
	req.Header.Add("X-Multi", "one")
	req.Header.Add("X-Multi", "two")
	req.Header.Set("Accept", "*/*")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.NotEmpty(t, seen.ID)
	assert.Equal(t, http.MethodPost, seen.Method)
	assert.Equal(t, "http://cdn.example.com/lib.js?v=1", seen.URL)
	assert.Equal(t, domain.ResourceScript, seen.Type)
	assert.Equal(t, []string{"fingerprinting"}, seen.Classification.ThirdParty)
	assert.Equal(t, domain.Headers{
		{Name: "Accept", Value: "*/*"},
		{Name: "Origin", Value: "https://shop.example.org"},
		{Name: "X-Multi", Value: "one"},
		{Name: "X-Multi", Value: "two"},
	}, seen.Headers)
}

func TestHandler_SwapAppliesToNewRequests(t *testing.T) {
	allow := &MockEvaluator{}
	allow.On("Evaluate", mock.Anything, mock.Anything).Return(domain.Decision{}, nil)
	deny := &MockEvaluator{}
	deny.On("Evaluate", mock.Anything, mock.Anything).Return(domain.Deny("reloaded"), nil)

	h := New(Config{Evaluator: allow, Transport: &recordingTransport{}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.Swap(deny, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "reloaded", decodeError(t, rec).Message)

	h.Swap(nil, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code, "nil evaluator must not replace the active one")
}

func TestNewRequiresEvaluator(t *testing.T) {
	assert.Panics(t, func() { New(Config{}) })
}

func TestRemoveHopByHop(t *testing.T) {
	h := http.Header{
		"Connection":       {"close, X-Hop"},
		"X-Hop":            {"1"},
		"Keep-Alive":       {"timeout=5"},
		"Upgrade":          {"websocket"},
		"User-Agent":       {"a Potato"},
		"Proxy-Connection": {"keep-alive"},
	}
	removeHopByHop(h)
	assert.Equal(t, http.Header{"User-Agent": {"a Potato"}}, h)
}

func TestCountRewrites(t *testing.T) {
	in := domain.Headers{{Name: "User-Agent", Value: "x"}, {Name: "Accept", Value: "*/*"}}

	assert.Zero(t, countRewrites(in, domain.Deny("")))
	assert.Zero(t, countRewrites(in, domain.Decision{}))
	assert.Zero(t, countRewrites(in, domain.Allow(in.Clone())))
	assert.Equal(t, 1, countRewrites(in, domain.Allow(domain.Headers{{Name: "User-Agent", Value: "a Potato"}, {Name: "Accept", Value: "*/*"}})))
	assert.Equal(t, 2, countRewrites(in, domain.Allow(domain.Headers{{Name: "Accept", Value: "*/*"}})))
}
