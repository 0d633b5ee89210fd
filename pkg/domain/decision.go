package domain

// Action is the verdict of a request evaluation.
type Action string

const (
	// ActionAllow sends the request with the decision's headers.
	ActionAllow Action = "allow"
	// ActionDeny cancels the request; no network I/O happens.
	ActionDeny Action = "deny"
)

// Decision is produced fresh for every evaluation. The zero value carries no
// verdict and is treated by the host as "send unchanged".
type Decision struct {
	Action  Action
	Headers Headers
	Reason  string
}

// Allow returns an allow decision carrying headers.
func Allow(headers Headers) Decision {
	return Decision{Action: ActionAllow, Headers: headers}
}

// Deny returns a deny decision.
func Deny(reason string) Decision {
	return Decision{Action: ActionDeny, Reason: reason}
}

// IsDeny reports whether the request must be cancelled.
func (d Decision) IsDeny() bool { return d.Action == ActionDeny }

// IsNoop reports whether the decision carries no verdict.
func (d Decision) IsNoop() bool { return d.Action == "" }

// BlockingResponse is the extension-style encoding of a decision:
// {"cancel":true}, {"requestHeaders":[...]} or {} for no change.
type BlockingResponse struct {
	Cancel         bool    `json:"cancel,omitempty"`
	RequestHeaders Headers `json:"requestHeaders,omitempty"`
}

// Response converts the decision into its blocking-response form.
func (d Decision) Response() BlockingResponse {
	switch d.Action {
	case ActionDeny:
		return BlockingResponse{Cancel: true}
	case ActionAllow:
		return BlockingResponse{RequestHeaders: d.Headers}
	default:
		return BlockingResponse{}
	}
}
