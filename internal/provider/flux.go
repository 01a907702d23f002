package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/nivara-ai/museflow/internal/apierr"
)

// fluxAspectRatios is the allow-list for client-supplied aspect ratios
var fluxAspectRatios = []string{"1:1", "16:9", "9:16", "4:3", "3:4", "21:9"}

// fluxStrategies covers the shapes flux has been observed returning
// results under
var fluxStrategies = []Strategy{
	{Name: "result-sample", Path: []string{"result", "sample"}},
	{Name: "result-output", Path: []string{"result", "output"}},
	{Name: "data-output", Path: []string{"data", "output"}},
	{Name: "flat", Path: []string{"output"}},
}

// Flux is the primary image vendor: asynchronous submit with a vendor-
// provided polling URL, bearer auth.
type Flux struct {
	apiKey      string
	baseURL     string
	caller      *Caller
	interval    time.Duration
	maxAttempts int
}

// NewFlux creates the flux adapter
func NewFlux(caller *Caller, apiKey, baseURL string, interval time.Duration, maxAttempts int) *Flux {
	return &Flux{
		apiKey:      apiKey,
		baseURL:     baseURL,
		caller:      caller,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

func (f *Flux) Name() string { return "flux" }

func (f *Flux) Kind() Kind { return KindImage }

func (f *Flux) Polling() (time.Duration, int) { return f.interval, f.maxAttempts }

// Submit sends the generation request and returns an async handle
func (f *Flux) Submit(ctx context.Context, req *Request) (*Submission, error) {
	if f.apiKey == "" {
		return nil, apierr.NewMissingAPIKey(f.Name())
	}

	payload := map[string]any{
		"prompt":       req.Prompt,
		"aspect_ratio": pickAllowed(req.AspectRatio, "1:1", fluxAspectRatios),
	}
	if len(req.ReferenceImages) > 0 {
		payload["image_prompt"] = req.ReferenceImages[0]
	}

	resp, err := f.caller.PostJSON(ctx, f.Name(), f.baseURL+"/v1/flux-pro-1.1", f.headers(), payload)
	if err != nil {
		return nil, err
	}

	jobID, _ := resp["id"].(string)
	if jobID == "" {
		return nil, apierr.NewProviderFailed(f.Name(),
			fmt.Sprintf("submit response carried no job id (keys: %s)", rawKeys(resp)))
	}

	fetchURLs := []string{fmt.Sprintf("%s/v1/get_result?id=%s", f.baseURL, jobID)}
	if pollingURL, ok := resp["polling_url"].(string); ok && isHTTPURL(pollingURL) {
		fetchURLs = append([]string{pollingURL}, fetchURLs...)
	}

	return &Submission{Handle: &Handle{
		Provider:  f.Name(),
		JobID:     jobID,
		FetchURLs: fetchURLs,
	}}, nil
}

// FetchStatus polls the job. The vendor exposes two equivalent endpoints;
// the first reachable one wins.
func (f *Flux) FetchStatus(ctx context.Context, handle *Handle) (*Status, error) {
	var lastErr error
	for _, url := range handle.FetchURLs {
		resp, err := f.caller.GetJSON(ctx, f.Name(), url, f.headers())
		if err != nil {
			lastErr = err
			continue
		}
		return f.interpret(resp), nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, apierr.NewProviderFailed(f.Name(), "no fetch endpoint configured")
}

func (f *Flux) interpret(resp map[string]any) *Status {
	vendorStatus, _ := resp["status"].(string)
	switch vendorStatus {
	case "Ready":
		if url, ok := ExtractURL(resp, fluxStrategies); ok {
			return &Status{Kind: StatusDone, URL: url}
		}
		return &Status{
			Kind:    StatusFailed,
			Code:    apierr.CodeProviderFailed,
			Message: fmt.Sprintf("ready but no result URL found (keys: %s)", rawKeys(resp)),
		}
	case "Pending", "Request Accepted":
		return &Status{Kind: StatusPending}
	case "Task not found":
		return &Status{Kind: StatusExpired, Code: apierr.CodeProviderFailed, Message: "task expired"}
	default:
		detail, _ := resp["details"].(string)
		if detail == "" {
			detail = fmt.Sprintf("status %q (keys: %s)", vendorStatus, rawKeys(resp))
		}
		return ClassifyFailure(vendorStatus, detail)
	}
}

func (f *Flux) headers() map[string]string {
	return map[string]string{"x-key": f.apiKey}
}
