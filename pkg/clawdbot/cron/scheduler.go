package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Event is emitted on every job mutation and run transition.
type Event struct {
	Action  string    `json:"action"` // added, updated, removed, started, finished
	JobID   string    `json:"jobId"`
	RunAtMs int64     `json:"runAtMs,omitempty"`
	Status  RunStatus `json:"status,omitempty"`
}

// EventSink receives scheduler events. Must not block.
type EventSink func(Event)

// JobRunner executes a job's payload. The scheduler owns timing, single
// flight, and state; the runner owns admission semantics (main vs
// isolated session, wake mode, delivery).
type JobRunner interface {
	RunJob(ctx context.Context, job Job) error
}

// WakeFunc forwards a wake request straight to the heartbeat driver.
type WakeFunc func(ctx context.Context, mode WakeMode, text, reason string) error

// Scheduler fires persisted jobs. A single ticker loop wakes on the
// earliest nextRunAtMs across all enabled jobs.
type Scheduler struct {
	store  *Store
	runner JobRunner
	wake   WakeFunc
	sink   EventSink
	now    func() time.Time
	logger *slog.Logger

	// sem bounds concurrent job executions (nil = unbounded).
	sem chan struct{}

	// passive disables the ticker loop: mutations and forced runs only.
	// Used by CLI invocations while the daemon owns the timing.
	passive bool

	mu      sync.Mutex
	jobs    map[string]*Job
	pending map[string]bool // coalesced fire while running

	poke   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures a Scheduler.
type Options struct {
	Runner            JobRunner
	Wake              WakeFunc
	Sink              EventSink
	MaxConcurrentRuns int
	Passive           bool
	Clock             func() time.Time
	Logger            *slog.Logger
}

// New creates a Scheduler over the given store.
func New(store *Store, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		store:   store,
		runner:  opts.Runner,
		wake:    opts.Wake,
		sink:    opts.Sink,
		now:     now,
		logger:  logger.With("component", "cron"),
		jobs:    make(map[string]*Job),
		pending: make(map[string]bool),
		poke:    make(chan struct{}, 1),
	}
	if opts.MaxConcurrentRuns > 0 {
		s.sem = make(chan struct{}, opts.MaxConcurrentRuns)
	}
	s.passive = opts.Passive
	return s
}

// Start loads persisted jobs and begins the ticker loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	for _, j := range s.store.Load() {
		job := j
		// A runningAtMs surviving a restart is a crashed run.
		if job.State.RunningAtMs != nil {
			job.State.RunningAtMs = nil
			job.State.LastStatus = StatusError
			job.State.LastError = "interrupted by restart"
		}
		if job.Enabled {
			s.recomputeNextLocked(&job, nowMs)
		}
		s.jobs[job.ID] = &job
	}
	count := len(s.jobs)
	s.persistLocked()
	s.mu.Unlock()

	if !s.passive {
		s.wg.Add(1)
		go s.loop()
	}

	s.logger.Info("cron scheduler started", "jobs", count, "passive", s.passive)
	return nil
}

// Stop cancels the loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// ── Mutating API ──

// Add normalizes and registers a new job.
func (s *Scheduler) Add(input Job) (Job, error) {
	nowMs := s.now().UnixMilli()
	job, err := Normalize(input, nowMs)
	if err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("job %q already exists", job.ID)
	}
	if job.Enabled {
		s.recomputeNextLocked(&job, nowMs)
	}
	s.jobs[job.ID] = &job
	s.persistLocked()
	out := job
	s.mu.Unlock()

	s.emit(Event{Action: "added", JobID: out.ID})
	s.wakeLoop()
	return out, nil
}

// Patch is a partial job update; nil fields are left untouched.
type Patch struct {
	Name        *string
	Description *string
	Enabled     *bool
	Schedule    *Schedule
	Target      *SessionTarget
	Wake        *WakeMode
	Payload     *Payload
	Isolation   *Isolation
}

// Update applies patch to the job with id.
func (s *Scheduler) Update(id string, patch Patch) (Job, error) {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("job %q not found", id)
	}

	next := *job
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Enabled != nil {
		next.Enabled = *patch.Enabled
	}
	if patch.Schedule != nil {
		next.Schedule = *patch.Schedule
	}
	if patch.Target != nil {
		next.Target = *patch.Target
	}
	if patch.Wake != nil {
		next.Wake = *patch.Wake
	}
	if patch.Payload != nil {
		next.Payload = *patch.Payload
	}
	if patch.Isolation != nil {
		next.Isolation = patch.Isolation
	}

	normalized, err := Normalize(next, nowMs)
	if err != nil {
		s.mu.Unlock()
		return Job{}, err
	}
	normalized.CreatedAtMs = job.CreatedAtMs

	if normalized.Enabled {
		s.recomputeNextLocked(&normalized, nowMs)
	} else {
		normalized.State.NextRunAtMs = nil
	}
	*job = normalized
	s.persistLocked()
	out := *job
	s.mu.Unlock()

	s.emit(Event{Action: "updated", JobID: id})
	s.wakeLoop()
	return out, nil
}

// Remove deletes a job.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %q not found", id)
	}
	delete(s.jobs, id)
	delete(s.pending, id)
	s.persistLocked()
	s.mu.Unlock()

	s.emit(Event{Action: "removed", JobID: id})
	s.wakeLoop()
	return nil
}

// RunForce fires a job out of band. A job already running is skipped
// with reason "already-running" to preserve single-flight.
func (s *Scheduler) RunForce(id string) (RunStatus, string, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return "", "", fmt.Errorf("job %q not found", id)
	}
	if job.State.RunningAtMs != nil {
		s.mu.Unlock()
		return StatusSkipped, "already-running", nil
	}
	s.mu.Unlock()

	s.fire(id)
	return StatusOK, "", nil
}

// Wake forwards a wake request to the heartbeat driver.
func (s *Scheduler) Wake(ctx context.Context, mode WakeMode, text, reason string) error {
	if s.wake == nil {
		return fmt.Errorf("no wake handler configured")
	}
	return s.wake(ctx, mode, text, reason)
}

// Get returns a copy of the job with id.
func (s *Scheduler) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns jobs sorted by name; disabled jobs only when requested.
func (s *Scheduler) List(includeDisabled bool) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !j.Enabled && !includeDisabled {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Name != out[k].Name {
			return out[i].Name < out[k].Name
		}
		return out[i].ID < out[k].ID
	})
	return out
}

// Status summarizes the scheduler state.
type Status struct {
	Jobs        int    `json:"jobs"`
	Enabled     int    `json:"enabled"`
	Running     int    `json:"running"`
	NextRunAtMs *int64 `json:"nextRunAtMs,omitempty"`
}

// Summary returns the current Status.
func (s *Scheduler) Summary() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Jobs: len(s.jobs)}
	for _, j := range s.jobs {
		if j.Enabled {
			st.Enabled++
		}
		if j.State.RunningAtMs != nil {
			st.Running++
		}
		if j.Enabled && j.State.NextRunAtMs != nil {
			if st.NextRunAtMs == nil || *j.State.NextRunAtMs < *st.NextRunAtMs {
				v := *j.State.NextRunAtMs
				st.NextRunAtMs = &v
			}
		}
	}
	return st
}

// ── Run loop ──

// loop sleeps until the earliest nextRunAtMs, fires due jobs, repeats.
// Mutations poke it awake so a new earlier job takes effect immediately.
func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		wait := s.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.poke:
			timer.Stop()
		case <-timer.C:
		}
		s.fireDue()
	}
}

// nextWait computes the sleep until the earliest due job.
func (s *Scheduler) nextWait() time.Duration {
	const idleWait = time.Minute

	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.now().UnixMilli()
	earliest := int64(-1)
	for _, j := range s.jobs {
		if !j.Enabled || j.State.NextRunAtMs == nil {
			continue
		}
		if earliest < 0 || *j.State.NextRunAtMs < earliest {
			earliest = *j.State.NextRunAtMs
		}
	}
	if earliest < 0 {
		return idleWait
	}
	d := time.Duration(earliest-nowMs) * time.Millisecond
	if d < 0 {
		return 0
	}
	if d > idleWait {
		return idleWait
	}
	return d
}

// fireDue starts every job whose time has passed.
func (s *Scheduler) fireDue() {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	var due []string
	for id, j := range s.jobs {
		if !j.Enabled || j.State.NextRunAtMs == nil {
			continue
		}
		if *j.State.NextRunAtMs <= nowMs {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		s.fire(id)
	}
}

// fire runs one job, enforcing per-job single flight. A fire that lands
// while the job is running coalesces into at most one pending fire.
func (s *Scheduler) fire(id string) {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if job.State.RunningAtMs != nil {
		s.pending[id] = true
		s.mu.Unlock()
		s.logger.Debug("fire coalesced, job already running", "id", id)
		return
	}
	job.State.RunningAtMs = &nowMs
	// Clear the due time so the loop does not re-fire while running.
	job.State.NextRunAtMs = nil
	s.persistLocked()
	jobCopy := *job
	s.mu.Unlock()

	s.emit(Event{Action: "started", JobID: id, RunAtMs: nowMs})

	s.wg.Add(1)
	go s.execute(jobCopy, nowMs)
}

// execute runs the payload and finalizes job state.
func (s *Scheduler) execute(job Job, startMs int64) {
	defer s.wg.Done()

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-s.ctx.Done():
			s.finalize(job.ID, startMs, s.ctx.Err())
			return
		}
	}

	ctx := s.ctx
	if job.Payload.Kind == PayloadAgentTurn && job.Payload.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx,
			time.Duration(job.Payload.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var err error
	if s.runner == nil {
		err = fmt.Errorf("no job runner configured")
	} else {
		err = s.runner.RunJob(ctx, job)
	}
	s.finalize(job.ID, startMs, err)
}

// finalize records the run outcome, recomputes the next fire, persists,
// and emits finished.
func (s *Scheduler) finalize(id string, startMs int64, runErr error) {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		// Removed while running; nothing to record.
		s.mu.Unlock()
		return
	}

	job.State.RunningAtMs = nil
	job.State.LastRunAtMs = &startMs
	job.State.LastDurationMs = nowMs - startMs
	if runErr != nil {
		job.State.LastStatus = StatusError
		job.State.LastError = runErr.Error()
	} else {
		job.State.LastStatus = StatusOK
		job.State.LastError = ""
	}

	if s.pending[id] {
		// One coalesced fire: run again promptly.
		delete(s.pending, id)
		next := nowMs
		job.State.NextRunAtMs = &next
	} else if job.Enabled {
		s.recomputeNextLocked(job, nowMs)
	}
	s.persistLocked()
	status := job.State.LastStatus
	s.mu.Unlock()

	if runErr != nil {
		s.logger.Warn("cron job failed", "id", id, "error", runErr)
	}
	s.emit(Event{Action: "finished", JobID: id, RunAtMs: startMs, Status: status})
	s.wakeLoop()
}

// recomputeNextLocked sets NextRunAtMs from the schedule, clearing it for
// schedules that never fire again (e.g. a spent "at").
func (s *Scheduler) recomputeNextLocked(job *Job, nowMs int64) {
	if next, ok := ComputeNextRunAtMs(job.Schedule, nowMs); ok {
		job.State.NextRunAtMs = &next
	} else {
		job.State.NextRunAtMs = nil
	}
}

func (s *Scheduler) persistLocked() {
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	if err := s.store.Save(jobs); err != nil {
		// In-memory state is authoritative; the next mutation retries.
		s.logger.Error("cron persist failed", "error", err)
	}
}

func (s *Scheduler) emit(ev Event) {
	if s.sink != nil {
		s.sink(ev)
	}
}

// wakeLoop pokes the ticker so it recomputes its sleep.
func (s *Scheduler) wakeLoop() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}
