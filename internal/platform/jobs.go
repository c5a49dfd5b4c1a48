package platform

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// JobPolicy controls supervision of background fitting jobs: transient
// failures are retried with exponential backoff up to MaxRestarts.
type JobPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	MaxRestarts    int
}

func defaultJobPolicy() JobPolicy {
	return JobPolicy{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		BackoffFactor:  2.0,
		MaxRestarts:    0,
	}
}

func normalizeJobPolicy(policy JobPolicy) JobPolicy {
	def := defaultJobPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	return policy
}

// JobStatus is a point-in-time snapshot of one background job.
type JobStatus struct {
	ID       string `json:"id"`
	Running  bool   `json:"running"`
	Done     bool   `json:"done"`
	Restarts int    `json:"restarts"`
	// Result is the estimate ID once the job finished successfully.
	Result    string `json:"result,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Jobs supervises background fitting runs.
type Jobs struct {
	policy JobPolicy

	mu   sync.Mutex
	jobs map[string]*fitJob
}

type fitJob struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	running  bool
	finished bool
	restarts int
	result   string
	lastErr  error
}

func NewJobs(policy JobPolicy) *Jobs {
	return &Jobs{
		policy: normalizeJobPolicy(policy),
		jobs:   make(map[string]*fitJob),
	}
}

// Start launches run in the background under the given ID. The run is
// retried with backoff on failure until it succeeds, exhausts MaxRestarts,
// or its context is cancelled.
func (j *Jobs) Start(ctx context.Context, id string, run func(ctx context.Context) (string, error)) error {
	if id == "" {
		return errors.New("job ID is required")
	}
	if run == nil {
		return errors.New("job runner is required")
	}

	j.mu.Lock()
	if existing, ok := j.jobs[id]; ok {
		existing.mu.Lock()
		active := existing.running
		existing.mu.Unlock()
		if active {
			j.mu.Unlock()
			return errors.New("job already running: " + id)
		}
	}
	jobCtx, cancel := context.WithCancel(ctx)
	job := &fitJob{cancel: cancel, done: make(chan struct{}), running: true}
	j.jobs[id] = job
	j.mu.Unlock()

	go j.supervise(jobCtx, job, run)
	return nil
}

func (j *Jobs) supervise(ctx context.Context, job *fitJob, run func(ctx context.Context) (string, error)) {
	defer close(job.done)
	backoff := j.policy.InitialBackoff
	for {
		result, err := run(ctx)

		job.mu.Lock()
		job.lastErr = err
		if err == nil {
			job.result = result
			job.running = false
			job.finished = true
			job.mu.Unlock()
			return
		}
		if ctx.Err() != nil || job.restarts >= j.policy.MaxRestarts {
			job.running = false
			job.finished = true
			job.mu.Unlock()
			return
		}
		job.restarts++
		job.mu.Unlock()

		select {
		case <-ctx.Done():
			job.mu.Lock()
			job.running = false
			job.finished = true
			job.mu.Unlock()
			return
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * j.policy.BackoffFactor)
		if backoff > j.policy.MaxBackoff {
			backoff = j.policy.MaxBackoff
		}
	}
}

// Wait blocks until the job finishes and returns its result.
func (j *Jobs) Wait(id string) (string, error) {
	j.mu.Lock()
	job, ok := j.jobs[id]
	j.mu.Unlock()
	if !ok {
		return "", errors.New("unknown job: " + id)
	}
	<-job.done

	job.mu.Lock()
	defer job.mu.Unlock()
	return job.result, job.lastErr
}

// Status reports one job.
func (j *Jobs) Status(id string) (JobStatus, bool) {
	j.mu.Lock()
	job, ok := j.jobs[id]
	j.mu.Unlock()
	if !ok {
		return JobStatus{}, false
	}
	return job.snapshot(id), true
}

// Statuses reports every known job, sorted by ID.
func (j *Jobs) Statuses() []JobStatus {
	j.mu.Lock()
	ids := make([]string, 0, len(j.jobs))
	for id := range j.jobs {
		ids = append(ids, id)
	}
	jobs := make(map[string]*fitJob, len(j.jobs))
	for id, job := range j.jobs {
		jobs[id] = job
	}
	j.mu.Unlock()

	sort.Strings(ids)
	out := make([]JobStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, jobs[id].snapshot(id))
	}
	return out
}

// StopAll cancels every running job and waits for them to settle.
func (j *Jobs) StopAll() {
	j.mu.Lock()
	jobs := make([]*fitJob, 0, len(j.jobs))
	for _, job := range j.jobs {
		jobs = append(jobs, job)
	}
	j.mu.Unlock()

	for _, job := range jobs {
		job.cancel()
	}
	for _, job := range jobs {
		<-job.done
	}
}

func (job *fitJob) snapshot(id string) JobStatus {
	job.mu.Lock()
	defer job.mu.Unlock()
	status := JobStatus{
		ID:       id,
		Running:  job.running,
		Done:     job.finished,
		Restarts: job.restarts,
		Result:   job.result,
	}
	if job.lastErr != nil {
		status.LastError = job.lastErr.Error()
	}
	return status
}
