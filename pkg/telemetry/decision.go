package telemetry

import (
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-anon/pkg/domain"
)

// RecordRequest annotates span with the request's evaluation inputs. Only the
// URL host is recorded, never the path or query. Header values are recorded
// under HeaderAttributeKey names and pass through RedactAttributes with
// strategies first.
func RecordRequest(span trace.Span, req domain.Request, strategies map[string]string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("anon.request.id", req.ID),
		attribute.String("anon.request.method", req.Method),
		attribute.String("anon.request.type", string(req.Type)),
		attribute.Int("anon.request.header_count", len(req.Headers)),
	}
	if u, err := url.Parse(req.URL); err == nil && u.Host != "" {
		attrs = append(attrs, attribute.String("anon.request.host", u.Host))
	}
	if len(req.Classification.FirstParty) > 0 {
		attrs = append(attrs, attribute.StringSlice("anon.classification.first_party", req.Classification.FirstParty))
	}
	if len(req.Classification.ThirdParty) > 0 {
		attrs = append(attrs, attribute.StringSlice("anon.classification.third_party", req.Classification.ThirdParty))
	}
	attrs = append(attrs, headerAttributes(req.Headers)...)

	span.SetAttributes(RedactAttributes(attrs, strategies)...)
}

// headerAttributes groups header values by attribute key, keeping the order
// names first appear in.
func headerAttributes(headers domain.Headers) []attribute.KeyValue {
	var keys []string
	values := make(map[string][]string, len(headers))
	for _, h := range headers {
		key := HeaderAttributeKey(h.Name)
		if _, seen := values[key]; !seen {
			keys = append(keys, key)
		}
		values[key] = append(values[key], h.Value)
	}

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, key := range keys {
		attrs = append(attrs, attribute.StringSlice(key, values[key]))
	}
	return attrs
}

// RecordDecisionEvent annotates span with the decision outcome and adds a
// denial event for cancelled requests. The reason is subject to strategies
// under "anon.decision.reason".
func RecordDecisionEvent(span trace.Span, decision domain.Decision, strategies map[string]string) {
	if span == nil || !span.IsRecording() {
		return
	}

	action := string(decision.Action)
	if action == "" {
		action = "noop"
	}
	attrs := []attribute.KeyValue{attribute.String("anon.decision.action", action)}
	if decision.Reason != "" {
		attrs = append(attrs, attribute.String("anon.decision.reason", decision.Reason))
	}
	attrs = RedactAttributes(attrs, strategies)
	span.SetAttributes(attrs...)

	if decision.IsDeny() {
		var eventAttrs []attribute.KeyValue
		for _, kv := range attrs {
			if kv.Key == "anon.decision.reason" {
				eventAttrs = append(eventAttrs, attribute.String("anon.deny_reason", kv.Value.AsString()))
			}
		}
		span.AddEvent("anon.request.denied", trace.WithAttributes(eventAttrs...))
	}
}
