package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/nivara-ai/museflow/internal/apierr"
)

var (
	viduAspectRatios = []string{"16:9", "9:16", "1:1"}
	viduResolutions  = []string{"360p", "720p", "1080p"}
)

// viduStrategies includes the side-channel links arrays the vendor
// sometimes returns instead of the creations list
var viduStrategies = []Strategy{
	{Name: "creations", Path: []string{"creations"}},
	{Name: "result-output", Path: []string{"result", "output"}},
	{Name: "proxy-links", Path: []string{"proxy_links"}},
	{Name: "future-links", Path: []string{"future_links"}},
}

// Vidu is the fallback video vendor: asynchronous submit, bearer token
// auth, two equivalent status endpoints per task.
type Vidu struct {
	apiKey      string
	baseURL     string
	caller      *Caller
	interval    time.Duration
	maxAttempts int
}

// NewVidu creates the vidu adapter
func NewVidu(caller *Caller, apiKey, baseURL string, interval time.Duration, maxAttempts int) *Vidu {
	return &Vidu{
		apiKey:      apiKey,
		baseURL:     baseURL,
		caller:      caller,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

func (v *Vidu) Name() string { return "vidu" }

func (v *Vidu) Kind() Kind { return KindVideo }

func (v *Vidu) Polling() (time.Duration, int) { return v.interval, v.maxAttempts }

// Submit creates a generation task
func (v *Vidu) Submit(ctx context.Context, req *Request) (*Submission, error) {
	if v.apiKey == "" {
		return nil, apierr.NewMissingAPIKey(v.Name())
	}

	payload := map[string]any{
		"prompt":       req.Prompt,
		"duration":     clampDuration(req.DurationSeconds),
		"aspect_ratio": pickAllowed(req.AspectRatio, "16:9", viduAspectRatios),
		"resolution":   pickAllowed(req.Resolution, "720p", viduResolutions),
	}
	endpoint := v.baseURL + "/ent/v2/text2video"
	if len(req.ReferenceImages) > 0 {
		endpoint = v.baseURL + "/ent/v2/img2video"
		payload["images"] = req.ReferenceImages
	}

	resp, err := v.caller.PostJSON(ctx, v.Name(), endpoint, v.headers(), payload)
	if err != nil {
		return nil, err
	}

	taskID, _ := resp["task_id"].(string)
	if taskID == "" {
		return nil, apierr.NewProviderFailed(v.Name(),
			fmt.Sprintf("submit response carried no task id (keys: %s)", rawKeys(resp)))
	}

	return &Submission{Handle: &Handle{
		Provider: v.Name(),
		JobID:    taskID,
		FetchURLs: []string{
			fmt.Sprintf("%s/ent/v2/tasks/%s/creations", v.baseURL, taskID),
			fmt.Sprintf("%s/ent/v2/tasks/%s", v.baseURL, taskID),
		},
	}}, nil
}

// FetchStatus tries each equivalent status endpoint; the first reachable
// one wins
func (v *Vidu) FetchStatus(ctx context.Context, handle *Handle) (*Status, error) {
	var lastErr error
	for _, url := range handle.FetchURLs {
		resp, err := v.caller.GetJSON(ctx, v.Name(), url, v.headers())
		if err != nil {
			lastErr = err
			continue
		}
		return v.interpret(resp), nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, apierr.NewProviderFailed(v.Name(), "no fetch endpoint configured")
}

func (v *Vidu) interpret(resp map[string]any) *Status {
	state, _ := resp["state"].(string)
	switch state {
	case "success":
		if url, ok := ExtractURL(resp, viduStrategies); ok {
			return &Status{Kind: StatusDone, URL: url}
		}
		return &Status{
			Kind:    StatusFailed,
			Code:    apierr.CodeProviderFailed,
			Message: fmt.Sprintf("succeeded but no video URL found (keys: %s)", rawKeys(resp)),
		}
	case "created", "queueing", "processing":
		return &Status{Kind: StatusPending}
	case "expired", "timeout":
		return &Status{Kind: StatusExpired, Code: apierr.CodeProviderFailed, Message: "task expired"}
	case "failed":
		message, _ := resp["err_msg"].(string)
		return ClassifyFailure(state, message)
	default:
		return ClassifyFailure(state,
			fmt.Sprintf("unexpected task state %q (keys: %s)", state, rawKeys(resp)))
	}
}

func (v *Vidu) headers() map[string]string {
	return map[string]string{"Authorization": "Token " + v.apiKey}
}
