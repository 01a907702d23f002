// Package search is the pluggable knowledge-search capability. The core's
// contract with it: never block past a bounded timeout, and never treat
// unavailability as a hard failure.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nivara-ai/museflow/internal/logging"
	"github.com/rs/zerolog"
)

// ErrUnavailable is reported when the index cannot answer in time
var ErrUnavailable = errors.New("knowledge search unavailable")

// Result is one search hit
type Result struct {
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	URL     string  `json:"url,omitempty"`
	Score   float64 `json:"score"`
}

// Searcher answers a query or reports unavailability
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// HTTPSearcher queries the external knowledge index
type HTTPSearcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSearcher creates an index client with a hard timeout
func NewHTTPSearcher(endpoint string, timeout time.Duration) *HTTPSearcher {
	return &HTTPSearcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Search queries the index
func (s *HTTPSearcher) Search(ctx context.Context, query string) ([]Result, error) {
	if s.endpoint == "" {
		return nil, ErrUnavailable
	}
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, ErrUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrUnavailable
	}

	var out struct {
		Results []Result `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, ErrUnavailable
	}
	return out.Results, nil
}

// Document is one locally indexed entry for the heuristic fallback
type Document struct {
	Title string
	Body  string
	URL   string
}

// Heuristic is the local keyword-overlap fallback used when the real
// index is unavailable
type Heuristic struct {
	docs []Document
}

// NewHeuristic indexes the given documents
func NewHeuristic(docs []Document) *Heuristic {
	return &Heuristic{docs: docs}
}

// Search scores documents by term overlap with the query
func (h *Heuristic) Search(ctx context.Context, query string) ([]Result, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	var results []Result
	for _, doc := range h.docs {
		haystack := strings.ToLower(doc.Title + " " + doc.Body)
		matched := 0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		results = append(results, Result{
			Title:   doc.Title,
			Snippet: snippet(doc.Body),
			URL:     doc.URL,
			Score:   float64(matched) / float64(len(terms)),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

func snippet(body string) string {
	const max = 200
	if len(body) <= max {
		return body
	}
	return body[:max] + "…"
}

// Fallback tries the primary searcher within its timeout and serves the
// heuristic when the primary is unavailable
type Fallback struct {
	primary   Searcher
	secondary Searcher
	timeout   time.Duration
	log       zerolog.Logger
}

// NewFallback composes a primary index with a local heuristic
func NewFallback(primary, secondary Searcher, timeout time.Duration) *Fallback {
	return &Fallback{
		primary:   primary,
		secondary: secondary,
		timeout:   timeout,
		log:       logging.NewLogger("search"),
	}
}

// Search answers from the primary index when it responds in time,
// otherwise from the heuristic
func (f *Fallback) Search(ctx context.Context, query string) ([]Result, error) {
	if f.primary != nil {
		bounded, cancel := context.WithTimeout(ctx, f.timeout)
		results, err := f.primary.Search(bounded, query)
		cancel()
		if err == nil {
			return results, nil
		}
		f.log.Debug().Err(err).Msg(fmt.Sprintf("Primary search failed, using heuristic for %q", query))
	}
	if f.secondary == nil {
		return nil, ErrUnavailable
	}
	return f.secondary.Search(ctx, query)
}
