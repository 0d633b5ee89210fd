package policy

import (
	"log/slog"

	"github.com/polisai/polis-anon/pkg/domain"
)

// Diagnostics receives advisory observations made while a request is
// evaluated. Implementations must not influence the decision.
type Diagnostics interface {
	Loading(req domain.Request)
	Classified(c domain.Classification)
	Image(req domain.Request)
	Denied(req domain.Request, reason string)
	Header(h domain.Header)
}

// NopDiagnostics discards every observation.
type NopDiagnostics struct{}

func (NopDiagnostics) Loading(domain.Request)           {}
func (NopDiagnostics) Classified(domain.Classification) {}
func (NopDiagnostics) Image(domain.Request)             {}
func (NopDiagnostics) Denied(domain.Request, string)    {}
func (NopDiagnostics) Header(domain.Header)             {}

// LogDiagnostics writes observations to a structured logger at debug level.
type LogDiagnostics struct {
	logger *slog.Logger
}

// NewLogDiagnostics creates diagnostics backed by logger.
func NewLogDiagnostics(logger *slog.Logger) *LogDiagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDiagnostics{logger: logger.With("component", "policy")}
}

func (d *LogDiagnostics) Loading(req domain.Request) {
	d.logger.Debug("loading",
		"request_id", req.ID,
		"method", req.Method,
		"url", req.URL,
		"type", string(req.Type),
	)
}

func (d *LogDiagnostics) Classified(c domain.Classification) {
	d.logger.Debug("url classification",
		"first_party", c.FirstParty,
		"third_party", c.ThirdParty,
	)
}

func (d *LogDiagnostics) Image(req domain.Request) {
	d.logger.Debug("image request", "request_id", req.ID, "url", req.URL)
}

func (d *LogDiagnostics) Denied(req domain.Request, reason string) {
	d.logger.Debug("request denied", "request_id", req.ID, "url", req.URL, "reason", reason)
}

func (d *LogDiagnostics) Header(h domain.Header) {
	d.logger.Debug("header", "name", h.Name, "value", h.Value)
}
