package htmlboard

import (
	"bytes"
	"errors"
	"strings"
)

// ErrRenderRequired reports a results page that is a client-rendered shell.
// An empty scrape of such a page says nothing about whether listings exist.
var ErrRenderRequired = errors.New("page requires client-side rendering")

const defaultShellThreshold = 2048

var shellMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// looksLikeShell reports whether an HTML body is mostly an app bootstrap: a
// known framework mount point, or a small page dominated by script.
func looksLikeShell(body []byte, threshold int) bool {
	if len(body) == 0 {
		return false
	}
	for _, marker := range shellMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return len(body) < threshold && scriptDensityHigh(body)
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			// Malformed tag; the rest of the document counts as script.
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
