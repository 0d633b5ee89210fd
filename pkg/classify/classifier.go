package classify

import (
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/polisai/polis-anon/pkg/domain"
)

// Classifier attributes tracker categories to requests.
type Classifier struct {
	trackers *TrackerList
}

// NewClassifier creates a classifier over list. A nil list classifies
// nothing.
func NewClassifier(list *TrackerList) *Classifier {
	if list == nil {
		list = NewTrackerList()
	}
	return &Classifier{trackers: list}
}

// Classify returns the categories of the request's host. They are third party
// when the initiating site (Origin, else Referer) differs from the request's
// site, first party otherwise, including top-level navigations without an
// initiator.
func (c *Classifier) Classify(r *http.Request) domain.Classification {
	host := requestHost(r)
	tags := c.trackers.Lookup(host)
	if len(tags) == 0 {
		return domain.Classification{}
	}

	initiator := initiatorHost(r)
	if initiator != "" && Site(initiator) != Site(host) {
		return domain.Classification{ThirdParty: tags}
	}
	return domain.Classification{FirstParty: tags}
}

// Site returns the registrable domain (eTLD+1) of host. Hosts without one,
// such as IP addresses and single-label names, are their own site.
func Site(host string) string {
	host = normalizeHost(host)
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return site
}

func requestHost(r *http.Request) string {
	host := r.Host
	if r.URL != nil && r.URL.Host != "" {
		host = r.URL.Host
	}
	return stripPort(host)
}

func initiatorHost(r *http.Request) string {
	for _, raw := range []string{r.Header.Get("Origin"), r.Header.Get("Referer")} {
		if raw == "" || raw == "null" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		return stripPort(u.Host)
	}
	return ""
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.Trim(hostport, "[]")
}

var fetchDestTypes = map[string]domain.ResourceType{
	"document":      domain.ResourceMainFrame,
	"iframe":        domain.ResourceSubFrame,
	"frame":         domain.ResourceSubFrame,
	"style":         domain.ResourceStylesheet,
	"script":        domain.ResourceScript,
	"worker":        domain.ResourceScript,
	"sharedworker":  domain.ResourceScript,
	"serviceworker": domain.ResourceScript,
	"image":         domain.ResourceImage,
	"font":          domain.ResourceFont,
	"object":        domain.ResourceObject,
	"embed":         domain.ResourceObject,
	"audio":         domain.ResourceMedia,
	"video":         domain.ResourceMedia,
	"track":         domain.ResourceMedia,
	"report":        domain.ResourcePing,
	"empty":         domain.ResourceXMLHTTPRequest,
}

var extensionTypes = map[string]domain.ResourceType{
	".png": domain.ResourceImage, ".jpg": domain.ResourceImage, ".jpeg": domain.ResourceImage,
	".gif": domain.ResourceImage, ".webp": domain.ResourceImage, ".svg": domain.ResourceImage,
	".ico": domain.ResourceImage, ".avif": domain.ResourceImage,
	".js": domain.ResourceScript, ".mjs": domain.ResourceScript,
	".css":  domain.ResourceStylesheet,
	".woff": domain.ResourceFont, ".woff2": domain.ResourceFont, ".ttf": domain.ResourceFont, ".otf": domain.ResourceFont,
	".mp4": domain.ResourceMedia, ".webm": domain.ResourceMedia, ".mp3": domain.ResourceMedia, ".ogg": domain.ResourceMedia,
	".html": domain.ResourceMainFrame, ".htm": domain.ResourceMainFrame,
}

// ResourceTypeOf infers the resource kind of a request from Sec-Fetch-Dest,
// a websocket upgrade, the Accept header and finally the path extension.
func ResourceTypeOf(r *http.Request) domain.ResourceType {
	if dest := strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest"))); dest != "" {
		if t, ok := fetchDestTypes[dest]; ok {
			return t
		}
	}

	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return domain.ResourceWebSocket
	}

	accept := strings.ToLower(r.Header.Get("Accept"))
	switch {
	case strings.HasPrefix(accept, "image/"):
		return domain.ResourceImage
	case strings.HasPrefix(accept, "text/css"):
		return domain.ResourceStylesheet
	case strings.HasPrefix(accept, "text/html"):
		return domain.ResourceMainFrame
	}

	if r.URL != nil {
		if t, ok := extensionTypes[strings.ToLower(path.Ext(r.URL.Path))]; ok {
			return t
		}
	}

	return domain.ResourceOther
}
