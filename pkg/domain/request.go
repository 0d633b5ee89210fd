package domain

import "slices"

// ResourceType names the kind of resource a request fetches. The vocabulary
// follows the browser webRequest resource types.
type ResourceType string

// Resource types understood by the host.
const (
	ResourceMainFrame      ResourceType = "main_frame"
	ResourceSubFrame       ResourceType = "sub_frame"
	ResourceStylesheet     ResourceType = "stylesheet"
	ResourceScript         ResourceType = "script"
	ResourceImage          ResourceType = "image"
	ResourceFont           ResourceType = "font"
	ResourceObject         ResourceType = "object"
	ResourceXMLHTTPRequest ResourceType = "xmlhttprequest"
	ResourcePing           ResourceType = "ping"
	ResourceMedia          ResourceType = "media"
	ResourceWebSocket      ResourceType = "websocket"
	ResourceOther          ResourceType = "other"
)

// Header is a single outgoing HTTP header pair.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered header sequence. Duplicate names are allowed.
type Headers []Header

// Clone returns an independent copy of the sequence. A nil sequence clones to nil.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	return append(Headers(make([]Header, 0, len(h))), h...)
}

// Values returns every value carried under name, in order. Matching is exact.
func (h Headers) Values(name string) []string {
	var out []string
	for _, pair := range h {
		if pair.Name == name {
			out = append(out, pair.Value)
		}
	}
	return out
}

// Classification holds the tracking categories attributed to the origin of a
// request, split by whether the origin is first or third party to the page.
type Classification struct {
	FirstParty []string `json:"firstParty"`
	ThirdParty []string `json:"thirdParty"`
}

// IsEmpty reports whether neither set carries a tag.
func (c Classification) IsEmpty() bool {
	return len(c.FirstParty) == 0 && len(c.ThirdParty) == 0
}

// HasThirdParty reports whether any of tags is present in the third-party set.
func (c Classification) HasThirdParty(tags ...string) bool {
	for _, tag := range tags {
		if slices.Contains(c.ThirdParty, tag) {
			return true
		}
	}
	return false
}

// Request is the host's view of one outgoing request. The JSON form matches
// the webRequest onBeforeSendHeaders details object.
type Request struct {
	ID             string         `json:"requestId,omitempty"`
	Method         string         `json:"method"`
	URL            string         `json:"url"`
	Type           ResourceType   `json:"type"`
	Classification Classification `json:"urlClassification"`
	Headers        Headers        `json:"requestHeaders"`
}
