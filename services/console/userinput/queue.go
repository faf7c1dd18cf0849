// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package userinput holds the server-driven queue of runs waiting for the
// operator to supply a value.
//
// The queue is FIFO over unique run ids and only its head is ever
// presented. Entries leave the queue when a read of the head run shows no
// outstanding requests, or when the operator defers the head. Submitting a
// value never dequeues by itself; the run may need more than one value and
// only the server can say it is done.
package userinput

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/labconsole/services/console/cache"
	"github.com/AleutianAI/labconsole/services/console/datatypes"
	"github.com/AleutianAI/labconsole/services/console/events"
)

var (
	// ErrNotHead is returned when an operation names a run other than the
	// queue's head.
	ErrNotHead = errors.New("run is not the head of the user input queue")

	// ErrEmpty is returned when the queue has no head.
	ErrEmpty = errors.New("user input queue is empty")
)

// Phase is the queue's position in its drain cycle.
type Phase int

const (
	// PhaseEmpty means there is nothing to present.
	PhaseEmpty Phase = iota

	// PhasePending means the queue has a head waiting for the operator. The
	// head is presented once its requests have been read.
	PhasePending

	// PhaseDraining means the operator submitted a value for the head and
	// the queue is waiting for a read that confirms nothing is left.
	PhaseDraining
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseEmpty:
		return "EMPTY"
	case PhasePending:
		return "PENDING"
	case PhaseDraining:
		return "DRAINING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(p))
	}
}

// API is the REST collaborator the queue reads from and submits to.
type API interface {
	UserInputRequests(ctx context.Context, run datatypes.RunID) ([]datatypes.UserInputRequest, error)
	SubmitUserInput(ctx context.Context, run datatypes.RunID, requestID int64, value string) error
}

// notFoundReporter is implemented by APIs that can tell a missing run
// apart from a failed read. *labapi.Client implements it.
type notFoundReporter interface {
	IsNotFound(err error) bool
}

// Cache is the staleness coordinator the queue reads through.
// *cache.Coordinator satisfies it.
type Cache interface {
	Read(ctx context.Context, region cache.Region, fetch func(ctx context.Context) error) error
	Invalidate(reason cache.Reason, regions ...cache.Region)
	OnInvalidate(fn cache.InvalidationHandler) func()
}

// Source is the event feed the queue attaches to.
type Source interface {
	Subscribe(kind events.Kind, handler events.Handler) func()
}

// Head is what the operator is shown.
type Head struct {
	RunID    datatypes.RunID              `json:"run_id"`
	Phase    Phase                        `json:"phase"`
	Requests []datatypes.UserInputRequest `json:"requests"`
}

// ChangeHandler observes the head after every change.
type ChangeHandler func(head Head, ok bool)

// Config configures a Queue.
type Config struct {
	API   API
	Cache Cache

	// RetryInterval is how long Run waits before retrying a failed read.
	// Zero uses 5s.
	RetryInterval time.Duration

	Logger *slog.Logger
}

type changeEntry struct {
	id uint64
	fn ChangeHandler
}

// Queue is the user input request queue.
//
// # Description
//
// Event handlers only enqueue and schedule; reads happen on the Run
// goroutine. Refresh walks the queue from the head: every head whose read
// comes back empty is dequeued without being presented, and the first head
// with outstanding requests becomes Pending.
//
// # Thread Safety
//
// Queue is safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	runs      []datatypes.RunID
	requests  map[datatypes.RunID][]datatypes.UserInputRequest
	phase     Phase
	observers []changeEntry
	nextID    uint64

	api     API
	cache   Cache
	trigger chan struct{}
	retry   time.Duration
	logger  *slog.Logger
}

// NewQueue creates an empty Queue.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.API == nil {
		return nil, errors.New("userinput: API is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("userinput: Cache is required")
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		requests: make(map[datatypes.RunID][]datatypes.UserInputRequest),
		api:      cfg.API,
		cache:    cfg.Cache,
		trigger:  make(chan struct{}, 1),
		retry:    cfg.RetryInterval,
		logger:   cfg.Logger.With("component", "user_input_queue"),
	}, nil
}

// Attach enqueues runs from assay-type-identification-needed events on src
// and schedules a refresh whenever the UserInputRequests region is
// invalidated.
func (q *Queue) Attach(src Source) func() {
	unsubEvents := src.Subscribe(events.KindAssayIdentificationNeeded, q.HandleEvent)
	unsubCache := q.cache.OnInvalidate(func(regions []cache.Region, _ cache.Reason) {
		for _, r := range regions {
			if r == cache.RegionUserInputRequests {
				q.Trigger()
				return
			}
		}
	})
	return func() {
		unsubEvents()
		unsubCache()
	}
}

// HandleEvent enqueues the run named by an assay identification event.
func (q *Queue) HandleEvent(ev events.Event) {
	p, err := ev.AssayIdentification()
	if err != nil {
		q.logger.Warn("dropping malformed assay identification event", "error", err, "seq", ev.Seq)
		return
	}
	q.Enqueue(p.RunID)
}

// Enqueue appends run unless it is already queued, and schedules a refresh.
//
// # Outputs
//
//   - bool: False if run was already queued.
func (q *Queue) Enqueue(run datatypes.RunID) bool {
	q.mu.Lock()
	for _, r := range q.runs {
		if r == run {
			q.mu.Unlock()
			return false
		}
	}
	q.runs = append(q.runs, run)
	if q.phase == PhaseEmpty {
		q.phase = PhasePending
	}
	depthGauge.Set(float64(len(q.runs)))
	q.mu.Unlock()

	enqueuedTotal.Inc()
	q.logger.Info("run queued for operator input", "run", run)
	q.cache.Invalidate(cache.ReasonManual, cache.RegionUserInputRequests)
	q.Trigger()
	return true
}

// Peek returns the head run id.
func (q *Queue) Peek() (datatypes.RunID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.runs) == 0 {
		return 0, false
	}
	return q.runs[0], true
}

// Head returns the presentation of the head. ok is false when the queue is
// empty or the head has not been read yet.
func (q *Queue) Head() (Head, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.headLocked()
}

func (q *Queue) headLocked() (Head, bool) {
	if len(q.runs) == 0 {
		return Head{}, false
	}
	run := q.runs[0]
	reqs, read := q.requests[run]
	if !read {
		return Head{}, false
	}
	return Head{RunID: run, Phase: q.phase, Requests: append([]datatypes.UserInputRequest(nil), reqs...)}, true
}

// Runs returns the queued run ids in order.
func (q *Queue) Runs() []datatypes.RunID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]datatypes.RunID(nil), q.runs...)
}

// Len returns the queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.runs)
}

// Phase returns the current phase.
func (q *Queue) Phase() Phase {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.phase
}

// DequeueIfMatches removes the head if it is run.
func (q *Queue) DequeueIfMatches(run datatypes.RunID) bool {
	q.mu.Lock()
	ok := q.dequeueLocked(run)
	q.mu.Unlock()
	if ok {
		q.notify()
	}
	return ok
}

func (q *Queue) dequeueLocked(run datatypes.RunID) bool {
	if len(q.runs) == 0 || q.runs[0] != run {
		return false
	}
	q.runs = q.runs[1:]
	delete(q.requests, run)
	q.phase = PhaseEmpty
	if len(q.runs) > 0 {
		q.phase = PhasePending
	}
	depthGauge.Set(float64(len(q.runs)))
	return true
}

// Submit sends the operator's value for one request of the head run and
// moves the queue to Draining.
//
// # Outputs
//
//   - error: ErrNotHead, ErrEmpty, or the API error. On API error the
//     phase is unchanged.
func (q *Queue) Submit(ctx context.Context, run datatypes.RunID, requestID int64, value string) error {
	head, ok := q.Peek()
	if !ok {
		return ErrEmpty
	}
	if head != run {
		return fmt.Errorf("%w: head is %s, got %s", ErrNotHead, head, run)
	}
	if err := q.api.SubmitUserInput(ctx, run, requestID, value); err != nil {
		return fmt.Errorf("submit input for run %s: %w", run, err)
	}

	q.mu.Lock()
	if len(q.runs) > 0 && q.runs[0] == run {
		q.phase = PhaseDraining
	}
	q.mu.Unlock()

	submissionsTotal.Inc()
	q.logger.Info("operator input submitted", "run", run, "request", requestID)
	q.notify()
	q.cache.Invalidate(cache.ReasonManual, cache.RegionUserInputRequests)
	q.Trigger()
	return nil
}

// Defer removes the head without waiting for the server. The run is queued
// again if the server asks for it again.
func (q *Queue) Defer(run datatypes.RunID) error {
	q.mu.Lock()
	ok := q.dequeueLocked(run)
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHead, run)
	}
	dequeuedTotal.WithLabelValues("deferred").Inc()
	q.logger.Info("operator deferred run", "run", run)
	q.notify()
	q.cache.Invalidate(cache.ReasonManual, cache.RegionUserInputRequests)
	q.Trigger()
	return nil
}

// Trigger schedules a refresh on the Run goroutine. Multiple triggers before
// the refresh starts coalesce into one.
func (q *Queue) Trigger() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Run performs scheduled refreshes until ctx is cancelled. Failed reads are
// retried after the retry interval.
func (q *Queue) Run(ctx context.Context) error {
	var retry *time.Timer
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.trigger:
		}
		if err := q.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Warn("user input refresh failed, will retry", "error", err, "retry_in", q.retry)
			if retry != nil {
				retry.Stop()
			}
			retry = time.AfterFunc(q.retry, q.Trigger)
		}
	}
}

// Refresh reads the head run's outstanding requests through the cache and
// drains every head that has none.
//
// # Description
//
// The read is skipped when the UserInputRequests region is fresh. Each
// head read as empty is dequeued, silently if it was never presented; the
// loop stops at the first head that still has requests, which becomes
// Pending.
func (q *Queue) Refresh(ctx context.Context) error {
	err := q.cache.Read(ctx, cache.RegionUserInputRequests, q.drain)
	q.notify()
	return err
}

func (q *Queue) drain(ctx context.Context) error {
	for {
		run, ok := q.Peek()
		if !ok {
			q.mu.Lock()
			q.phase = PhaseEmpty
			q.mu.Unlock()
			return nil
		}

		reqs, err := q.api.UserInputRequests(ctx, run)
		gone := false
		if err != nil {
			if !q.runGone(err) {
				return fmt.Errorf("read user input requests for run %s: %w", run, err)
			}
			// A run the server no longer knows has nothing outstanding.
			gone = true
			reqs = nil
		}

		q.mu.Lock()
		if len(q.runs) == 0 || q.runs[0] != run {
			// Head changed while reading; look again.
			q.mu.Unlock()
			continue
		}
		if len(reqs) > 0 {
			q.requests[run] = reqs
			q.phase = PhasePending
			q.mu.Unlock()
			return nil
		}
		_, presented := q.requests[run]
		q.dequeueLocked(run)
		q.mu.Unlock()

		switch {
		case gone:
			dequeuedTotal.WithLabelValues("resolved_elsewhere").Inc()
			q.logger.Info("run no longer exists on the server", "run", run)
		case presented:
			dequeuedTotal.WithLabelValues("drained").Inc()
			q.logger.Info("run drained", "run", run)
		default:
			dequeuedTotal.WithLabelValues("resolved_elsewhere").Inc()
			q.logger.Debug("run resolved before it was presented", "run", run)
		}
	}
}

func (q *Queue) runGone(err error) bool {
	r, ok := q.api.(notFoundReporter)
	return ok && r.IsNotFound(err)
}

// OnChange registers an observer called after each change to the head.
func (q *Queue) OnChange(fn ChangeHandler) func() {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.observers = append(q.observers, changeEntry{id: id, fn: fn})
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, e := range q.observers {
			if e.id == id {
				q.observers = append(q.observers[:i:i], q.observers[i+1:]...)
				return
			}
		}
	}
}

func (q *Queue) notify() {
	q.mu.Lock()
	head, ok := q.headLocked()
	observers := make([]ChangeHandler, len(q.observers))
	for i, e := range q.observers {
		observers[i] = e.fn
	}
	q.mu.Unlock()

	for _, fn := range observers {
		fn(head, ok)
	}
}
