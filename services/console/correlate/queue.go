// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package correlate tracks requests whose HTTP acknowledgement only means
// "accepted" and whose real outcome arrives later as a push event.
//
// Operations are keyed purely by subject: (instrument, procedure) for
// maintenance, or a run id. At most one operation per subject may be
// pending; a second issue is rejected locally and never reaches the network.
package correlate

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
	"github.com/AleutianAI/labconsole/services/console/events"
)

// RequestFunc sends the request that starts an operation. It returns when the
// server has accepted or rejected it.
type RequestFunc func(ctx context.Context) error

// ChangeHandler observes every state transition. It runs outside the queue's
// lock and may call back into the queue.
type ChangeHandler func(op Operation)

// Source is the event feed a Queue attaches to.
type Source interface {
	Subscribe(kind events.Kind, handler events.Handler) func()
}

// DefaultStillWaiting is used for procedures without their own threshold.
const DefaultStillWaiting = 2 * time.Minute

// DefaultThresholds returns the per-procedure still-waiting thresholds.
func DefaultThresholds() map[datatypes.ProcedureKind]time.Duration {
	return map[datatypes.ProcedureKind]time.Duration{
		datatypes.ProcedureClean:          3 * time.Minute,
		datatypes.ProcedureCalibrate:      10 * time.Minute,
		datatypes.ProcedureSetOffsets:     5 * time.Minute,
		datatypes.ProcedureQualityControl: 10 * time.Minute,
		datatypes.ProcedureRouterConfig:   11 * time.Minute,
	}
}

// Config configures a Queue.
type Config struct {
	// Thresholds overrides DefaultThresholds per procedure.
	Thresholds map[datatypes.ProcedureKind]time.Duration

	// DefaultThreshold applies to procedures without an entry and to
	// run-scoped subjects. Zero uses DefaultStillWaiting.
	DefaultThreshold time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

type changeEntry struct {
	id uint64
	fn ChangeHandler
}

// Queue is the correlated request queue.
//
// # Description
//
// Issue marks the subject AwaitingResult before calling the request
// function, so a push event that beats the HTTP response still finds the
// operation and resolves it. Whichever of the push result and an HTTP
// rejection lands first decides the terminal state; the other is ignored.
//
// # Thread Safety
//
// Queue is safe for concurrent use. Resolution normally arrives on the event
// channel goroutine while Issue runs on the caller's.
type Queue struct {
	mu        sync.Mutex
	ops       map[datatypes.Subject]*Operation
	observers []changeEntry
	nextID    uint64

	thresholds       map[datatypes.ProcedureKind]time.Duration
	defaultThreshold time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewQueue creates an empty Queue.
func NewQueue(cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = DefaultStillWaiting
	}
	thresholds := DefaultThresholds()
	for k, v := range cfg.Thresholds {
		thresholds[k] = v
	}
	return &Queue{
		ops:              make(map[datatypes.Subject]*Operation),
		thresholds:       thresholds,
		defaultThreshold: cfg.DefaultThreshold,
		logger:           cfg.Logger.With("component", "correlated_queue"),
		now:              cfg.Now,
	}
}

// Attach resolves operations from maintenance-procedure-result events on src.
func (q *Queue) Attach(src Source) func() {
	return src.Subscribe(events.KindMaintenanceProcedureResult, q.HandleEvent)
}

// HandleEvent resolves the operation matching a maintenance result event.
// Malformed payloads are logged and dropped.
func (q *Queue) HandleEvent(ev events.Event) {
	p, err := ev.MaintenanceResult()
	if err != nil {
		q.logger.Warn("dropping malformed maintenance result", "error", err, "seq", ev.Seq)
		return
	}
	q.Resolve(p.Subject(), p.Outcome, p.Detail)
}

// Issue starts a correlated operation for subject.
//
// # Description
//
// If the subject already has a pending operation, Issue returns a
// *ViolationError without calling request. Otherwise the new operation
// enters AwaitingResult and request is called synchronously. An error from
// request moves the operation to Failed unless a push event already
// resolved it.
//
// # Inputs
//
//   - ctx: Passed to request.
//   - subject: Correlation key. Must not be zero.
//   - request: Sends the network request.
//
// # Outputs
//
//   - Operation: Snapshot after the request returned.
//   - error: *ViolationError, *RequestError, or ErrInvalidSubject.
func (q *Queue) Issue(ctx context.Context, subject datatypes.Subject, request RequestFunc) (Operation, error) {
	if subject.IsZero() {
		return Operation{}, ErrInvalidSubject
	}

	q.mu.Lock()
	if cur, ok := q.ops[subject]; ok && cur.State.Pending() {
		pending := *cur
		q.mu.Unlock()
		rejectedTotal.WithLabelValues(procedureLabel(pending)).Inc()
		q.logger.Warn("rejected duplicate issue", "subject", subject.String(), "pending", pending.ID)
		return pending, &ViolationError{Subject: subject, Pending: pending}
	}
	op := &Operation{
		ID:       uuid.NewString(),
		Subject:  subject,
		State:    StateAwaitingResult,
		IssuedAt: q.now(),
	}
	q.ops[subject] = op
	issued := *op
	q.setPendingGaugeLocked()
	q.mu.Unlock()

	q.logger.Info("operation issued", "subject", subject.String(), "operation", issued.ID)
	q.notify(issued)

	ctx, span := tracer.Start(ctx, "Queue.Issue", trace.WithAttributes(
		attribute.String("correlate.subject", subject.String()),
		attribute.String("correlate.operation", issued.ID),
	))
	defer span.End()

	if err := request(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request rejected")
		failed, changed := q.transition(subject, issued.ID, func(o *Operation) {
			o.State = StateFailed
			o.Err = err
		})
		if changed {
			q.logger.Warn("request rejected", "subject", subject.String(), "error", err)
		} else {
			q.logger.Info("request error after resolution ignored", "subject", subject.String(), "state", failed.State.String(), "error", err)
		}
		return failed, &RequestError{Subject: subject, Err: err}
	}

	cur, _ := q.Get(subject)
	return cur, nil
}

// Resolve applies a hardware-reported outcome to the pending operation for
// subject.
//
// # Outputs
//
//   - Operation: The resolved operation.
//   - bool: False when no pending operation matched. Such results are
//     ignored; they belong to an operation that was already resolved,
//     cancelled, or issued by another console.
func (q *Queue) Resolve(subject datatypes.Subject, outcome datatypes.Outcome, detail string) (Operation, bool) {
	q.mu.Lock()
	cur, ok := q.ops[subject]
	id := ""
	if ok {
		id = cur.ID
	}
	q.mu.Unlock()
	if !ok {
		unmatchedTotal.WithLabelValues(labelFor(subject)).Inc()
		q.logger.Debug("result for unknown subject ignored", "subject", subject.String(), "outcome", outcome)
		return Operation{}, false
	}

	op, changed := q.transition(subject, id, func(o *Operation) {
		o.Outcome = outcome
		o.Detail = detail
		if outcome == datatypes.OutcomeSuccess {
			o.State = StateCompleted
		} else {
			o.State = StateFailed
		}
	})
	if !changed {
		unmatchedTotal.WithLabelValues(labelFor(subject)).Inc()
		q.logger.Debug("result for resolved operation ignored", "subject", subject.String(), "state", op.State.String())
		return op, false
	}
	q.logger.Info("operation resolved", "subject", subject.String(), "state", op.State.String(), "duration", op.Duration(q.now()))
	return op, true
}

// CancelLocally moves the pending operation for subject to Cancelled without
// waiting for the server. Sending the cancel request is the caller's job.
//
// # Outputs
//
//   - Operation: The cancelled operation.
//   - bool: False when nothing was pending.
func (q *Queue) CancelLocally(subject datatypes.Subject) (Operation, bool) {
	q.mu.Lock()
	cur, ok := q.ops[subject]
	id := ""
	if ok {
		id = cur.ID
	}
	q.mu.Unlock()
	if !ok {
		return Operation{}, false
	}

	op, changed := q.transition(subject, id, func(o *Operation) {
		o.State = StateCancelled
	})
	if changed {
		q.logger.Info("operation cancelled locally", "subject", subject.String())
	}
	return op, changed
}

// transition applies mutate to the operation with id if it is still pending.
func (q *Queue) transition(subject datatypes.Subject, id string, mutate func(*Operation)) (Operation, bool) {
	q.mu.Lock()
	cur, ok := q.ops[subject]
	if !ok || cur.ID != id || !cur.State.Pending() {
		var snap Operation
		if ok {
			snap = *cur
		}
		q.mu.Unlock()
		return snap, false
	}
	mutate(cur)
	cur.ResolvedAt = q.now()
	snap := *cur
	q.setPendingGaugeLocked()
	q.mu.Unlock()

	resolutionSeconds.WithLabelValues(procedureLabel(snap), snap.State.String()).Observe(snap.Duration(snap.ResolvedAt).Seconds())
	q.notify(snap)
	return snap, true
}

// Get returns the latest operation for subject.
func (q *Queue) Get(subject datatypes.Subject) (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, ok := q.ops[subject]
	if !ok {
		return Operation{}, false
	}
	return *cur, true
}

// IsAwaiting reports whether subject has a pending operation.
func (q *Queue) IsAwaiting(subject datatypes.Subject) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, ok := q.ops[subject]
	return ok && cur.State.Pending()
}

// Pending returns every pending operation, oldest first.
func (q *Queue) Pending() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Operation
	for _, o := range q.ops {
		if o.State.Pending() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// Threshold returns the still-waiting threshold for subject.
func (q *Queue) Threshold(subject datatypes.Subject) time.Duration {
	if d, ok := q.thresholds[subject.Procedure]; ok && subject.Procedure != "" {
		return d
	}
	return q.defaultThreshold
}

// StillWaiting returns the pending operations that have passed their
// threshold, oldest first. They stay pending.
func (q *Queue) StillWaiting() []Operation {
	now := q.now()
	var out []Operation
	for _, o := range q.Pending() {
		if o.StillWaiting(now, q.Threshold(o.Subject)) {
			out = append(out, o)
		}
	}
	return out
}

// OnChange registers an observer for every transition.
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

func (q *Queue) notify(op Operation) {
	transitionsTotal.WithLabelValues(procedureLabel(op), op.State.String()).Inc()

	q.mu.Lock()
	observers := make([]ChangeHandler, len(q.observers))
	for i, e := range q.observers {
		observers[i] = e.fn
	}
	q.mu.Unlock()

	for _, fn := range observers {
		fn(op)
	}
}

func (q *Queue) setPendingGaugeLocked() {
	n := 0
	for _, o := range q.ops {
		if o.State.Pending() {
			n++
		}
	}
	pendingGauge.Set(float64(n))
}

func labelFor(subject datatypes.Subject) string {
	return procedureLabel(Operation{Subject: subject})
}
