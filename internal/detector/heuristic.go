// Package detector decides whether a plain HTTP probe is good enough or the
// page needs a real browser.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/madiyarbolatuly/browserd/internal/browser"
)

// Heuristic promotes a probe to a browser run based on simple HTML signals:
// tiny bodies, anti-bot keywords and missing content selectors.
type Heuristic struct {
	minHTMLBytes int
	selectors    []string
	keywords     [][]byte
}

// Default keywords that mark a shell page or a bot challenge.
var defaultKeywords = []string{
	"enable javascript",
	"checking your browser",
	"cf-challenge",
	"__next_data__",
}

// NewHeuristic constructs a detector. Empty keyword list falls back to the
// built-in anti-bot markers.
func NewHeuristic(minBytes int, selectors, keywords []string) *Heuristic {
	if len(keywords) == 0 {
		keywords = defaultKeywords
	}
	lowered := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowered = append(lowered, bytes.ToLower([]byte(kw)))
	}
	return &Heuristic{
		minHTMLBytes: minBytes,
		selectors:    selectors,
		keywords:     lowered,
	}
}

// ShouldPromote reports whether the probe response is unusable and the task
// has to run in a browser.
func (d *Heuristic) ShouldPromote(probe browser.FetchResponse) bool {
	if d == nil {
		return true
	}
	switch {
	case probe.StatusCode >= 400:
		return true
	case d.bodyBelowThreshold(probe.Body):
		return true
	case d.containsKeywords(probe.Body):
		return true
	default:
		return d.missingSelectors(probe.Body)
	}
}

func (d *Heuristic) bodyBelowThreshold(body []byte) bool {
	return d.minHTMLBytes > 0 && len(body) < d.minHTMLBytes
}

func (d *Heuristic) containsKeywords(body []byte) bool {
	if len(body) == 0 || len(d.keywords) == 0 {
		return false
	}
	lowerBody := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lowerBody, kw) {
			return true
		}
	}
	return false
}

func (d *Heuristic) missingSelectors(body []byte) bool {
	if len(d.selectors) == 0 || len(body) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	for _, sel := range d.selectors {
		if sel == "" {
			continue
		}
		if doc.Find(sel).Length() == 0 {
			return true
		}
	}
	return false
}
