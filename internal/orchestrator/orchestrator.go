// Package orchestrator coordinates one generation job: provider choice,
// reference-image candidate encodings, polling to completion, and the
// single-fallback policy on moderation rejections.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nivara-ai/museflow/internal/apierr"
	"github.com/nivara-ai/museflow/internal/logging"
	"github.com/nivara-ai/museflow/internal/monitoring"
	"github.com/nivara-ai/museflow/internal/poller"
	"github.com/nivara-ai/museflow/internal/provider"
	"github.com/rs/zerolog"
)

// retryableImageStatuses is the narrow set of vendor 4xx responses that
// mean "this reference-image encoding was not accepted, try the next
// candidate"; any other error is final for the provider.
var retryableImageStatuses = map[int]bool{
	400: true,
	404: true,
	413: true,
	415: true,
}

// Config wires the orchestrator's provider pairs. The fallback adapter is
// attempted at most once, and only on a CONTENT_BLOCKED primary failure.
type Config struct {
	ImagePrimary  provider.Adapter
	ImageFallback provider.Adapter
	VideoPrimary  provider.Adapter
	VideoFallback provider.Adapter
	Uploader      *provider.Uploader
	// Sleep overrides the poll sleeper in tests
	Sleep poller.SleepFunc
}

// Orchestrator runs generation jobs against the configured providers
type Orchestrator struct {
	primary  map[provider.Kind]provider.Adapter
	fallback map[provider.Kind]provider.Adapter
	uploader *provider.Uploader
	registry *Registry
	sleep    poller.SleepFunc
	log      zerolog.Logger
}

// New creates an orchestrator
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		primary:  make(map[provider.Kind]provider.Adapter),
		fallback: make(map[provider.Kind]provider.Adapter),
		uploader: cfg.Uploader,
		registry: NewRegistry(),
		sleep:    cfg.Sleep,
		log:      logging.NewLogger("orchestrator"),
	}
	if cfg.ImagePrimary != nil {
		o.primary[provider.KindImage] = cfg.ImagePrimary
	}
	if cfg.ImageFallback != nil {
		o.fallback[provider.KindImage] = cfg.ImageFallback
	}
	if cfg.VideoPrimary != nil {
		o.primary[provider.KindVideo] = cfg.VideoPrimary
	}
	if cfg.VideoFallback != nil {
		o.fallback[provider.KindVideo] = cfg.VideoFallback
	}
	return o
}

// Job returns the registry entry for a request id, or nil
func (o *Orchestrator) Job(requestID string) *Job {
	return o.registry.Get(requestID)
}

// Generate runs one generation job to a terminal state and returns the
// job record; on failure the returned error carries the classification.
func (o *Orchestrator) Generate(ctx context.Context, req *provider.Request) (*Job, error) {
	primary, ok := o.primary[req.Kind]
	if !ok {
		return nil, apierr.NewValidationError(fmt.Sprintf("no provider configured for %q", req.Kind), nil)
	}

	requestID := uuid.NewString()
	o.registry.Create(requestID, req.Kind)
	start := time.Now()

	candidates, err := o.referenceCandidates(ctx, req.ReferenceImages)
	if err != nil {
		o.finishFailed(requestID, primary.Name(), apierr.From(err))
		return o.registry.Get(requestID), err
	}

	result, primaryErr := o.runProvider(ctx, primary, req, candidates, requestID)
	if primaryErr == nil {
		o.finishDone(requestID, result)
		monitoring.ObserveGeneration(result.Provider, string(req.Kind), "done", time.Since(start).Seconds())
		return o.registry.Get(requestID), nil
	}
	if ctx.Err() != nil {
		o.finishFailed(requestID, primary.Name(), apierr.From(primaryErr))
		return o.registry.Get(requestID), primaryErr
	}

	primaryAPIErr := apierr.From(primaryErr)
	monitoring.IncProviderError(primary.Name(), string(primaryAPIErr.Code))

	// Only a moderation rejection justifies trying another vendor, and
	// the chain never goes past one fallback
	secondary, hasFallback := o.fallback[req.Kind]
	if primaryAPIErr.Code != apierr.CodeContentBlocked || !hasFallback {
		o.finishFailed(requestID, primary.Name(), primaryAPIErr)
		monitoring.ObserveGeneration(primary.Name(), string(req.Kind), string(primaryAPIErr.Code), time.Since(start).Seconds())
		return o.registry.Get(requestID), primaryAPIErr
	}

	o.log.Info().
		Str("request_id", requestID).
		Str("primary", primary.Name()).
		Str("fallback", secondary.Name()).
		Msg("Primary provider blocked the content, trying fallback")

	result, fallbackErr := o.runProvider(ctx, secondary, req, candidates, requestID)
	if fallbackErr == nil {
		o.finishDone(requestID, result)
		monitoring.ObserveGeneration(result.Provider, string(req.Kind), "done", time.Since(start).Seconds())
		return o.registry.Get(requestID), nil
	}

	// Preserve the primary's classification; the fallback's failure is
	// auxiliary detail
	fallbackAPIErr := apierr.From(fallbackErr)
	monitoring.IncProviderError(secondary.Name(), string(fallbackAPIErr.Code))
	combined := &apierr.APIError{
		Code:       primaryAPIErr.Code,
		Message:    primaryAPIErr.Message,
		HTTPStatus: primaryAPIErr.HTTPStatus,
		Details: map[string]any{
			"fallback_provider": secondary.Name(),
			"fallback_error":    fallbackAPIErr.Message,
			"fallback_code":     string(fallbackAPIErr.Code),
		},
	}
	o.finishFailed(requestID, primary.Name(), combined)
	monitoring.ObserveGeneration(primary.Name(), string(req.Kind), string(combined.Code), time.Since(start).Seconds())
	return o.registry.Get(requestID), combined
}

// runProvider submits to one adapter, trying each reference-image
// candidate encoding in preference order, then polls async jobs to a
// terminal state
func (o *Orchestrator) runProvider(ctx context.Context, adapter provider.Adapter, req *provider.Request, candidates [][]string, requestID string) (*provider.Result, error) {
	var submission *provider.Submission
	var err error
	for i, refs := range candidates {
		attempt := *req
		attempt.ReferenceImages = refs
		submission, err = adapter.Submit(ctx, &attempt)
		if err == nil {
			break
		}
		if len(refs) > 0 && i+1 < len(candidates) && retryableImageStatuses[apierr.UpstreamStatus(err)] {
			o.log.Debug().
				Str("provider", adapter.Name()).
				Int("candidate", i).
				Msg("Reference encoding rejected, trying next candidate")
			continue
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if submission.Result != nil {
		return submission.Result, nil
	}

	o.registry.Update(requestID, func(job *Job) {
		job.State = StatePolling
		job.Provider = adapter.Name()
	})

	interval, maxAttempts := adapter.Polling()
	status, err := poller.Poll(ctx, func(ctx context.Context) (*provider.Status, error) {
		monitoring.IncPollAttempt(adapter.Name())
		return adapter.FetchStatus(ctx, submission.Handle)
	}, poller.Config{Interval: interval, MaxAttempts: maxAttempts, Sleep: o.sleep})
	if err != nil {
		return nil, err
	}

	if status.Kind == provider.StatusDone {
		return &provider.Result{Provider: adapter.Name(), URL: status.URL}, nil
	}
	return nil, status.Err(adapter.Name())
}

// referenceCandidates builds the ordered encodings to try for the
// submission: hosted URLs first (converted through the uploader), then
// the raw references as a fallback when any conversion was needed
func (o *Orchestrator) referenceCandidates(ctx context.Context, refs []string) ([][]string, error) {
	if len(refs) == 0 {
		return [][]string{nil}, nil
	}
	if o.uploader == nil {
		return [][]string{refs}, nil
	}

	hosted := make([]string, len(refs))
	converted := false
	for i, ref := range refs {
		url, err := o.uploader.EnsureURL(ctx, ref)
		if err != nil {
			// Conversion failure is not final: vendors accepting inline
			// data can still take the raw reference
			o.log.Warn().Err(err).Int("index", i).Msg("Reference conversion failed, keeping raw reference")
			hosted[i] = ref
			continue
		}
		if url != ref {
			converted = true
		}
		hosted[i] = url
	}
	if !converted {
		return [][]string{refs}, nil
	}
	return [][]string{hosted, refs}, nil
}

func (o *Orchestrator) finishDone(requestID string, result *provider.Result) {
	o.registry.Update(requestID, func(job *Job) {
		job.State = StateDone
		job.Provider = result.Provider
		job.ResultURL = result.URL
	})
}

func (o *Orchestrator) finishFailed(requestID, providerName string, apiErr *apierr.APIError) {
	o.registry.Update(requestID, func(job *Job) {
		if job.Provider == "" {
			job.Provider = providerName
		}
		if apiErr.Code == apierr.CodeProviderProcessingTimeout {
			job.State = StateExpired
		} else {
			job.State = StateFailed
		}
		job.ErrorCode = apiErr.Code
		job.ErrorMessage = apiErr.Message
	})
}
