package orchestrator

import (
	"sync"
	"time"

	"github.com/nivara-ai/museflow/internal/apierr"
	"github.com/nivara-ai/museflow/internal/provider"
)

// State is the lifecycle state of a generation job
type State string

const (
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

// Job is the transient record of one generation request. Jobs live in
// process memory for the process lifetime and are never persisted.
type Job struct {
	RequestID    string        `json:"request_id"`
	Provider     string        `json:"provider,omitempty"`
	Kind         provider.Kind `json:"kind"`
	State        State         `json:"state"`
	ResultURL    string        `json:"result_url,omitempty"`
	ErrorCode    apierr.Code   `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Registry is the in-memory job table, initialized on first access and
// torn down only by process exit
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRegistry creates an empty job registry
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Create registers a new submitted job
func (r *Registry) Create(requestID string, kind provider.Kind) *Job {
	now := time.Now().UTC()
	job := &Job{
		RequestID: requestID,
		Kind:      kind,
		State:     StateSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	r.jobs[requestID] = job
	r.mu.Unlock()
	return job
}

// Update applies fn to the job under the registry lock
func (r *Registry) Update(requestID string, fn func(job *Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[requestID]; ok {
		fn(job)
		job.UpdatedAt = time.Now().UTC()
	}
}

// Get returns a copy of the job, or nil when unknown
func (r *Registry) Get(requestID string) *Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[requestID]
	if !ok {
		return nil
	}
	copied := *job
	return &copied
}
