// Package tagparse extracts tag-delimited sections from free-form model output.
package tagparse

import (
	"regexp"
	"strings"
	"sync"
)

var (
	patternsMu sync.RWMutex
	patterns   = map[string]*regexp.Regexp{}
)

// pattern returns the compiled non-greedy, case-insensitive matcher for tag.
func pattern(tag string) *regexp.Regexp {
	patternsMu.RLock()
	re, ok := patterns[tag]
	patternsMu.RUnlock()
	if ok {
		return re
	}

	quoted := regexp.QuoteMeta(tag)
	re = regexp.MustCompile(`(?is)<` + quoted + `>(.*?)</` + quoted + `>`)
	patternsMu.Lock()
	patterns[tag] = re
	patternsMu.Unlock()
	return re
}

// Extract returns the trimmed inner text of the first <tag>...</tag> span in text.
// ok is false when no complete span exists. A present but empty span yields ("", true).
func Extract(text, tag string) (string, bool) {
	if text == "" || tag == "" {
		return "", false
	}
	match := pattern(tag).FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	return strings.TrimSpace(match[1]), true
}

// ExtractNonEmpty is Extract that also treats a blank span as absent.
func ExtractNonEmpty(text, tag string) (string, bool) {
	value, ok := Extract(text, tag)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// ExtractAll extracts every tag in tags. Tags without a complete span are absent from the result.
func ExtractAll(text string, tags []string) map[string]string {
	result := make(map[string]string, len(tags))
	for _, tag := range tags {
		if value, ok := Extract(text, tag); ok {
			result[tag] = value
		}
	}
	return result
}

// HasAll reports whether every tag has a complete span in text.
func HasAll(text string, tags []string) bool {
	for _, tag := range tags {
		if _, ok := Extract(text, tag); !ok {
			return false
		}
	}
	return true
}
