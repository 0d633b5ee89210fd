package classify

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-anon/pkg/domain"
)

// List formats accepted by LoadFile.
const (
	FormatYAML     = "yaml"
	FormatEasyList = "easylist"
)

// TrackerList maps domains to the tracking categories attributed to them.
// Lookups match a host and every parent domain on label boundaries. A list is
// immutable once handed to a Classifier.
type TrackerList struct {
	domains map[string][]string
}

// NewTrackerList returns an empty list.
func NewTrackerList() *TrackerList {
	return &TrackerList{domains: make(map[string][]string)}
}

// Add attributes tags to a domain. Duplicate tags are ignored.
func (l *TrackerList) Add(name string, tags ...string) {
	name = normalizeHost(name)
	if name == "" {
		return
	}
	existing := l.domains[name]
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag != "" && !slices.Contains(existing, tag) {
			existing = append(existing, tag)
		}
	}
	if len(existing) > 0 {
		l.domains[name] = existing
	}
}

// Len returns the number of domains in the list.
func (l *TrackerList) Len() int { return len(l.domains) }

// Lookup returns the categories of host, walking up to its parent domains.
func (l *TrackerList) Lookup(host string) []string {
	host = normalizeHost(host)
	var tags []string
	for host != "" {
		for _, tag := range l.domains[host] {
			if !slices.Contains(tags, tag) {
				tags = append(tags, tag)
			}
		}
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			break
		}
		host = host[dot+1:]
	}
	return tags
}

// categoryFile is the YAML list format:
//
//	categories:
//	  tracking_ad: [doubleclick.net, adservice.google.com]
type categoryFile struct {
	Categories map[string][]string `yaml:"categories"`
}

// MergeYAML adds every domain of a YAML category map.
func (l *TrackerList) MergeYAML(r io.Reader) (int, error) {
	var file categoryFile
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return 0, fmt.Errorf("%w: %v", domain.ErrTrackerListInvalid, err)
	}

	added := 0
	for category, domains := range file.Categories {
		for _, d := range domains {
			l.Add(d, category)
			added++
		}
	}
	return added, nil
}

// MergeEasyList adds every plain "||domain^" rule of an EasyList style list
// under category. Comments, exceptions, cosmetic rules and rules carrying a
// path or wildcard are skipped.
func (l *TrackerList) MergeEasyList(r io.Reader, category string) (int, error) {
	if strings.TrimSpace(category) == "" {
		return 0, fmt.Errorf("%w: easylist requires a category", domain.ErrTrackerListInvalid)
	}

	scanner := bufio.NewScanner(r)
	added := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if shouldSkipLine(line) {
			continue
		}
		name := extractDomain(line)
		if name == "" {
			continue
		}
		l.Add(name, category)
		added++
	}
	if err := scanner.Err(); err != nil {
		return added, fmt.Errorf("%w: %v", domain.ErrTrackerListInvalid, err)
	}
	return added, nil
}

// LoadFile merges a list file of the given format into l.
func (l *TrackerList) LoadFile(path, format, category string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open tracker list: %w", err)
	}
	defer f.Close()

	var n int
	switch strings.ToLower(format) {
	case "", FormatYAML:
		n, err = l.MergeYAML(f)
	case FormatEasyList:
		n, err = l.MergeEasyList(f, category)
	default:
		return 0, fmt.Errorf("%w: unknown format %q", domain.ErrTrackerListInvalid, format)
	}
	if err != nil {
		return n, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}

func shouldSkipLine(line string) bool {
	if line == "" || strings.HasPrefix(line, "!") || strings.HasPrefix(line, "[") {
		return true
	}
	if strings.HasPrefix(line, "@@") {
		return true
	}
	return strings.Contains(line, "##") || strings.Contains(line, "#@#") || strings.Contains(line, "#%#")
}

// extractDomain returns the domain of a "||domain^" or "||domain^$options"
// rule, or "" for anything else.
func extractDomain(line string) string {
	if !strings.HasPrefix(line, "||") {
		return ""
	}
	rest := line[2:]
	caret := strings.IndexByte(rest, '^')
	if caret <= 0 {
		return ""
	}
	if tail := rest[caret+1:]; tail != "" && !strings.HasPrefix(tail, "$") {
		return ""
	}
	name := rest[:caret]
	if strings.ContainsAny(name, "/*:|") {
		return ""
	}
	return name
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
