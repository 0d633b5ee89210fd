package policy

import (
	"context"
	"strings"

	"github.com/polisai/polis-anon/pkg/domain"
)

const (
	// TagTrackingAd marks origins serving tracking advertisements.
	TagTrackingAd = "tracking_ad"
	// TagTrackingAnalytics marks origins collecting tracking analytics.
	TagTrackingAnalytics = "tracking_analytics"

	// UserAgentHeader is the header rewritten by the policy.
	UserAgentHeader = "User-Agent"
	// DefaultUserAgent replaces every User-Agent value.
	DefaultUserAgent = "a Potato"
)

// DefaultDenyTags returns the third-party tags that cancel a request.
func DefaultDenyTags() []string {
	return []string{TagTrackingAd, TagTrackingAnalytics}
}

// HeaderMatch selects how header names are compared against User-Agent.
type HeaderMatch string

const (
	// MatchExact compares names byte for byte.
	MatchExact HeaderMatch = "exact"
	// MatchFold compares names ignoring ASCII case.
	MatchFold HeaderMatch = "fold"
)

// ParseHeaderMatch maps a configuration value to a HeaderMatch. The empty
// string selects MatchExact.
func ParseHeaderMatch(value string) (HeaderMatch, bool) {
	switch HeaderMatch(strings.ToLower(strings.TrimSpace(value))) {
	case "", MatchExact:
		return MatchExact, true
	case MatchFold:
		return MatchFold, true
	default:
		return "", false
	}
}

// Option customises a RequestPolicy.
type Option func(*RequestPolicy)

// WithDenyTags replaces the set of third-party tags that cancel a request.
// An empty set keeps the defaults; denial cannot be switched off.
func WithDenyTags(tags ...string) Option {
	return func(p *RequestPolicy) {
		if len(tags) == 0 {
			return
		}
		p.denyTags = append([]string(nil), tags...)
	}
}

// WithUserAgent sets the anonymized User-Agent value.
func WithUserAgent(ua string) Option {
	return func(p *RequestPolicy) {
		p.userAgent = ua
	}
}

// WithHeaderMatch sets how the User-Agent header name is matched.
func WithHeaderMatch(match HeaderMatch) Option {
	return func(p *RequestPolicy) {
		p.match = match
	}
}

// WithDiagnostics routes per-request diagnostics to d.
func WithDiagnostics(d Diagnostics) Option {
	return func(p *RequestPolicy) {
		if d != nil {
			p.diag = d
		}
	}
}

// RequestPolicy denies third-party tracking requests and anonymizes the
// User-Agent of everything else. It holds no per-request state and is safe
// for concurrent use.
type RequestPolicy struct {
	denyTags  []string
	userAgent string
	match     HeaderMatch
	diag      Diagnostics
}

// NewRequestPolicy constructs a policy with the default tags and User-Agent.
func NewRequestPolicy(opts ...Option) *RequestPolicy {
	p := &RequestPolicy{
		denyTags:  DefaultDenyTags(),
		userAgent: DefaultUserAgent,
		match:     MatchExact,
		diag:      NopDiagnostics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate decides the fate of req. The request's headers are never modified;
// an allow decision carries a fresh sequence.
func (p *RequestPolicy) Evaluate(req domain.Request) domain.Decision {
	p.diag.Loading(req)
	if !req.Classification.IsEmpty() {
		p.diag.Classified(req.Classification)
	}

	if req.Classification.HasThirdParty(p.denyTags...) {
		reason := "third-party tracking: " + strings.Join(matchedTags(req.Classification.ThirdParty, p.denyTags), ",")
		p.diag.Denied(req, reason)
		return domain.Deny(reason)
	}

	if req.Type == domain.ResourceImage {
		p.diag.Image(req)
	}

	headers := make(domain.Headers, 0, len(req.Headers))
	for _, h := range req.Headers {
		if p.isUserAgent(h.Name) {
			h.Value = p.userAgent
		}
		headers = append(headers, h)
		p.diag.Header(h)
	}

	return domain.Allow(headers)
}

// Evaluator exposes the policy through the context-aware Evaluator interface.
func (p *RequestPolicy) Evaluator() Evaluator {
	return EvaluatorFunc(func(_ context.Context, req domain.Request) (domain.Decision, error) {
		return p.Evaluate(req), nil
	})
}

func (p *RequestPolicy) isUserAgent(name string) bool {
	if p.match == MatchFold {
		return strings.EqualFold(name, UserAgentHeader)
	}
	return name == UserAgentHeader
}

func matchedTags(present, wanted []string) []string {
	var out []string
	for _, tag := range wanted {
		for _, p := range present {
			if p == tag {
				out = append(out, tag)
				break
			}
		}
	}
	return out
}
