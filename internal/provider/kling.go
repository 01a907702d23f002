package provider

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nivara-ai/museflow/internal/apierr"
)

var klingAspectRatios = []string{"16:9", "9:16", "1:1"}

var klingStrategies = []Strategy{
	{Name: "task-result-videos", Path: []string{"data", "task_result", "videos"}},
	{Name: "data-output", Path: []string{"data", "output"}},
	{Name: "works", Path: []string{"data", "works"}},
}

// Kling is the primary video vendor: asynchronous submit, shared-secret
// query-key auth, task status under data.task_status.
type Kling struct {
	accessKey   string
	baseURL     string
	caller      *Caller
	interval    time.Duration
	maxAttempts int
}

// NewKling creates the kling adapter
func NewKling(caller *Caller, accessKey, baseURL string, interval time.Duration, maxAttempts int) *Kling {
	return &Kling{
		accessKey:   accessKey,
		baseURL:     baseURL,
		caller:      caller,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

func (k *Kling) Name() string { return "kling" }

func (k *Kling) Kind() Kind { return KindVideo }

func (k *Kling) Polling() (time.Duration, int) { return k.interval, k.maxAttempts }

// Submit creates a text2video or image2video task
func (k *Kling) Submit(ctx context.Context, req *Request) (*Submission, error) {
	if k.accessKey == "" {
		return nil, apierr.NewMissingAPIKey(k.Name())
	}

	// The vendor only accepts 5 or 10 second clips; snap the clamped
	// client duration to the nearest supported value
	duration := "5"
	if clampDuration(req.DurationSeconds) > 7 {
		duration = "10"
	}

	payload := map[string]any{
		"prompt":       req.Prompt,
		"duration":     duration,
		"aspect_ratio": pickAllowed(req.AspectRatio, "16:9", klingAspectRatios),
		"mode":         "std",
	}
	endpoint := "/v1/videos/text2video"
	if len(req.ReferenceImages) > 0 {
		endpoint = "/v1/videos/image2video"
		payload["image"] = req.ReferenceImages[0]
	}

	resp, err := k.caller.PostJSON(ctx, k.Name(), k.signed(endpoint), nil, payload)
	if err != nil {
		return nil, err
	}
	if code, ok := resp["code"].(float64); ok && code != 0 {
		message, _ := resp["message"].(string)
		status := ClassifyFailure(strconv.Itoa(int(code)), message)
		return nil, status.Err(k.Name())
	}

	data, _ := resp["data"].(map[string]any)
	taskID, _ := data["task_id"].(string)
	if taskID == "" {
		return nil, apierr.NewProviderFailed(k.Name(),
			fmt.Sprintf("submit response carried no task id (keys: %s)", rawKeys(resp)))
	}

	return &Submission{Handle: &Handle{
		Provider:  k.Name(),
		JobID:     taskID,
		FetchURLs: []string{k.signed(endpoint + "/" + taskID)},
	}}, nil
}

// FetchStatus reads the task state
func (k *Kling) FetchStatus(ctx context.Context, handle *Handle) (*Status, error) {
	var lastErr error
	for _, url := range handle.FetchURLs {
		resp, err := k.caller.GetJSON(ctx, k.Name(), url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		return k.interpret(resp), nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, apierr.NewProviderFailed(k.Name(), "no fetch endpoint configured")
}

func (k *Kling) interpret(resp map[string]any) *Status {
	data, _ := resp["data"].(map[string]any)
	vendorStatus, _ := data["task_status"].(string)
	switch vendorStatus {
	case "succeed":
		if url, ok := ExtractURL(resp, klingStrategies); ok {
			return &Status{Kind: StatusDone, URL: url}
		}
		return &Status{
			Kind:    StatusFailed,
			Code:    apierr.CodeProviderFailed,
			Message: fmt.Sprintf("succeeded but no video URL found (keys: %s)", rawKeys(resp)),
		}
	case "submitted", "processing":
		return &Status{Kind: StatusPending}
	case "failed":
		message, _ := data["task_status_msg"].(string)
		return ClassifyFailure(vendorStatus, message)
	default:
		return ClassifyFailure(vendorStatus,
			fmt.Sprintf("unexpected task status %q (keys: %s)", vendorStatus, rawKeys(resp)))
	}
}

func (k *Kling) signed(path string) string {
	return fmt.Sprintf("%s%s?access_key=%s", k.baseURL, path, k.accessKey)
}
