package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/nivara-ai/museflow/internal/apierr"
)

// recraftSizes maps allow-listed aspect ratios to the vendor's fixed size
// strings; anything else falls back to square
var recraftSizes = map[string]string{
	"1:1":  "1024x1024",
	"16:9": "1820x1024",
	"9:16": "1024x1820",
	"4:3":  "1365x1024",
	"3:4":  "1024x1365",
}

var recraftStrategies = []Strategy{
	{Name: "data-array", Path: []string{"data"}},
	{Name: "data-output", Path: []string{"data", "output"}},
	{Name: "flat", Path: []string{"images"}},
}

// Recraft is the fallback image vendor: synchronous generation, bearer
// auth, result URLs inline in the response.
type Recraft struct {
	apiKey  string
	baseURL string
	caller  *Caller
}

// NewRecraft creates the recraft adapter
func NewRecraft(caller *Caller, apiKey, baseURL string) *Recraft {
	return &Recraft{apiKey: apiKey, baseURL: baseURL, caller: caller}
}

func (r *Recraft) Name() string { return "recraft" }

func (r *Recraft) Kind() Kind { return KindImage }

// Polling is unused for a synchronous vendor but keeps the adapter
// interchangeable with asynchronous ones
func (r *Recraft) Polling() (time.Duration, int) { return time.Second, 1 }

// Submit generates synchronously and returns an immediate result
func (r *Recraft) Submit(ctx context.Context, req *Request) (*Submission, error) {
	if r.apiKey == "" {
		return nil, apierr.NewMissingAPIKey(r.Name())
	}

	size := recraftSizes["1:1"]
	if mapped, ok := recraftSizes[req.AspectRatio]; ok {
		size = mapped
	}
	payload := map[string]any{
		"prompt": req.Prompt,
		"size":   size,
		"n":      1,
	}

	resp, err := r.caller.PostJSON(ctx, r.Name(), r.baseURL+"/v1/images/generations",
		map[string]string{"Authorization": "Bearer " + r.apiKey}, payload)
	if err != nil {
		// The vendor reports moderation rejections as 4xx bodies; keep
		// that classification distinct so fallback policy can act on it
		if upstream := apierr.From(err); upstream.Code == apierr.CodeUpstreamHTTPError &&
			IsModerationText(upstream.Message) {
			return nil, apierr.NewContentBlocked(r.Name(), upstream.Message)
		}
		return nil, err
	}

	url, ok := ExtractURL(resp, recraftStrategies)
	if !ok {
		return nil, apierr.NewProviderFailed(r.Name(),
			fmt.Sprintf("no result URL in response (keys: %s)", rawKeys(resp)))
	}
	return &Submission{Result: &Result{Provider: r.Name(), URL: url}}, nil
}

// FetchStatus is never reached for a synchronous vendor
func (r *Recraft) FetchStatus(ctx context.Context, handle *Handle) (*Status, error) {
	return nil, apierr.NewProviderFailed(r.Name(), "synchronous vendor has no status endpoint")
}
