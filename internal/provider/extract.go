package provider

import (
	"sort"
	"strings"
)

// Strategy names one known response shape: a key path to descend before
// scanning for the first well-formed http(s) URL. Vendors put result URLs
// in a flat array, an object of values, nested under data.output or
// result.output, or in a side-channel links array; each adapter declares
// the ordered list of shapes its vendor is known to produce.
type Strategy struct {
	Name string
	Path []string
}

// ExtractURL tries each strategy in order against a decoded vendor
// payload and returns the first well-formed URL found
func ExtractURL(payload map[string]any, strategies []Strategy) (string, bool) {
	for _, strategy := range strategies {
		value := descend(payload, strategy.Path)
		if value == nil {
			continue
		}
		if url, ok := firstURL(value, 0); ok {
			return url, true
		}
	}
	return "", false
}

func descend(payload map[string]any, path []string) any {
	var current any = payload
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[key]
		if !ok {
			return nil
		}
	}
	return current
}

const maxScanDepth = 4

// firstURL scans a decoded JSON value for the first http(s) string.
// Map keys are visited in sorted order so extraction is deterministic.
func firstURL(value any, depth int) (string, bool) {
	if depth > maxScanDepth {
		return "", false
	}
	switch v := value.(type) {
	case string:
		if isHTTPURL(v) {
			return v, true
		}
	case []any:
		for _, item := range v {
			if url, ok := firstURL(item, depth+1); ok {
				return url, true
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if url, ok := firstURL(v[key], depth+1); ok {
				return url, true
			}
		}
	}
	return "", false
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// rawKeys renders a payload's top-level keys for diagnostics, so an
// unexpected vendor shape is reported instead of silently swallowed
func rawKeys(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
