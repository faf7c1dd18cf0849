// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wizard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/labconsole/services/console/correlate"
	"github.com/AleutianAI/labconsole/services/console/datatypes"
)

// Status is the lifecycle of a whole wizard.
type Status int

const (
	StatusActive Status = iota
	StatusCompleted
	StatusCancelled
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusCompleted:
		return "COMPLETED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// frame is one procedure on the wizard stack.
type frame struct {
	def      Definition
	index    int
	stepData map[StepID]any

	// ops records the operation each step issued or adopted.
	ops map[StepID]string
}

func (f *frame) step() Step {
	return f.def.Steps[f.index]
}

func (f *frame) last() bool {
	return f.index == len(f.def.Steps)-1
}

// View is a read-only snapshot of a wizard for rendering.
type View struct {
	WizardID   string                  `json:"wizard_id"`
	Instrument datatypes.Instrument    `json:"instrument"`
	Root       datatypes.ProcedureKind `json:"root"`
	Status     Status                  `json:"status"`

	// Stack lists the open procedures from the root to the current one.
	Stack []datatypes.ProcedureKind `json:"stack,omitempty"`

	Procedure datatypes.ProcedureKind `json:"procedure,omitempty"`
	Step      Step                    `json:"step"`
	Index     int                     `json:"index"`
	Count     int                     `json:"count"`

	// Operation is the current step's correlated operation, if any.
	Operation *correlate.Operation `json:"operation,omitempty"`

	NextEnabled      bool `json:"next_enabled"`
	CanOpenSubWizard bool `json:"can_open_sub_wizard"`
	CanRetry         bool `json:"can_retry"`

	// StillWaiting is set when the operation passed its threshold. The
	// operation is still pending.
	StillWaiting bool `json:"still_waiting"`
}

// Depth returns the number of open frames.
func (v View) Depth() int { return len(v.Stack) }

// Wizard is one open maintenance procedure and any detours stacked on it.
//
// # Description
//
// Only the top frame moves. Back on the first step of a frame cancels that
// frame; Next on its last step sends the complete request and pops it. When
// the root frame is popped the wizard is finished and every further
// transition returns ErrNotActive.
//
// # Thread Safety
//
// Transitions are serialized on mu; a transition that sends a request
// holds mu until the server answers. The fields View reads are written
// under stateMu as well, and never while a request is in flight, so View
// and Status do not wait for the lab server.
type Wizard struct {
	mu      sync.Mutex
	stateMu sync.RWMutex

	id         string
	instrument datatypes.Instrument
	root       datatypes.ProcedureKind
	engine     *Engine
	status     Status
	startedAt  time.Time
	frames     []*frame
}

// ID returns the wizard's id.
func (w *Wizard) ID() string { return w.id }

// Instrument returns the instrument the wizard drives.
func (w *Wizard) Instrument() datatypes.Instrument { return w.instrument }

// Status returns the wizard's status.
func (w *Wizard) Status() Status {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.status
}

// View returns a snapshot of the wizard.
func (w *Wizard) View() View {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.viewLocked()
}

// update applies fn to the state View reads. Caller holds w.mu.
func (w *Wizard) update(fn func()) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	fn()
}

// Next advances the top frame.
//
// # Outputs
//
//   - View: The state after the transition.
//   - error: ErrNextDisabled on a gated step without a completed
//     operation, ErrNotActive, or the complete request's error. On error
//     the wizard is unchanged.
func (w *Wizard) Next(ctx context.Context) (View, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.activeLocked(); err != nil {
		return w.viewLocked(), err
	}

	f := w.top()
	step := f.step()
	if step.GatedOnResult {
		op, ok := w.stepOperation(f, step)
		if !ok || op.State != correlate.StateCompleted {
			state := "not issued"
			if ok {
				state = op.State.String()
			}
			return w.viewLocked(), fmt.Errorf("%w: step %s is %s", ErrNextDisabled, step.ID, state)
		}
	}

	if f.last() {
		return w.completeLocked(ctx)
	}
	w.update(func() { f.index++ })
	w.enterLocked(ctx, f)
	w.record("next")
	return w.viewLocked(), nil
}

// Back moves the top frame one step back. On the first step it is Cancel.
func (w *Wizard) Back(ctx context.Context) (View, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.activeLocked(); err != nil {
		return w.viewLocked(), err
	}

	f := w.top()
	if f.index == 0 {
		return w.cancelLocked(ctx), nil
	}
	w.update(func() { f.index-- })
	w.enterLocked(ctx, f)
	w.record("back")
	return w.viewLocked(), nil
}

// Cancel discards the top frame. A pending operation it issued is cancelled
// locally and a best-effort cancel request is sent without waiting. When
// the top frame is the root the whole wizard is cancelled; otherwise the
// parent frame resumes exactly where it was.
func (w *Wizard) Cancel(ctx context.Context) (View, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.activeLocked(); err != nil {
		return w.viewLocked(), err
	}
	return w.cancelLocked(ctx), nil
}

// Abort cancels every frame, top first, and closes the wizard.
func (w *Wizard) Abort(ctx context.Context) (View, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.activeLocked(); err != nil {
		return w.viewLocked(), err
	}
	for w.status == StatusActive {
		w.cancelLocked(ctx)
	}
	w.record("abort")
	return w.viewLocked(), nil
}

// OpenSubWizard pushes the current step's detour procedure and enters its
// first step.
func (w *Wizard) OpenSubWizard(ctx context.Context) (View, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.activeLocked(); err != nil {
		return w.viewLocked(), err
	}

	step := w.top().step()
	if step.SubWizard == "" {
		return w.viewLocked(), fmt.Errorf("%w: %s", ErrNoSubWizard, step.ID)
	}
	def, err := w.engine.catalog.Lookup(step.SubWizard)
	if err != nil {
		return w.viewLocked(), err
	}
	w.pushLocked(ctx, def)
	w.record("open_sub_wizard")
	return w.viewLocked(), nil
}

// Retry issues a fresh request for the current step after its operation
// failed or was cancelled.
//
// # Outputs
//
//   - error: ErrNothingToRetry when the step issues no request or its
//     operation is pending or completed; the request error otherwise.
func (w *Wizard) Retry(ctx context.Context) (View, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.activeLocked(); err != nil {
		return w.viewLocked(), err
	}

	f := w.top()
	step := f.step()
	if !step.IssuesRequest {
		return w.viewLocked(), fmt.Errorf("%w: %s issues no request", ErrNothingToRetry, step.ID)
	}
	if op, ok := w.stepOperation(f, step); ok && (op.State.Pending() || op.State == correlate.StateCompleted) {
		return w.viewLocked(), fmt.Errorf("%w: %s is %s", ErrNothingToRetry, step.ID, op.State)
	}
	err := w.issueLocked(ctx, f, step)
	w.record("retry")
	return w.viewLocked(), err
}

// SetStepData stores operator-entered data for the current step.
func (w *Wizard) SetStepData(value any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.activeLocked(); err != nil {
		return err
	}
	f := w.top()
	w.update(func() { f.stepData[f.step().ID] = value })
	return nil
}

// StepData returns data stored for a step of the top frame.
func (w *Wizard) StepData(id StepID) (any, bool) {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	if len(w.frames) == 0 {
		return nil, false
	}
	v, ok := w.top().stepData[id]
	return v, ok
}

// =============================================================================
// Internals (caller holds w.mu; writes also go through update)
// =============================================================================

func (w *Wizard) activeLocked() error {
	if w.status != StatusActive || len(w.frames) == 0 {
		return fmt.Errorf("%w: %s", ErrNotActive, w.status)
	}
	return nil
}

func (w *Wizard) top() *frame {
	return w.frames[len(w.frames)-1]
}

func (w *Wizard) subject(f *frame) datatypes.Subject {
	return datatypes.ProcedureSubject(w.instrument.ID, f.def.Procedure)
}

func (w *Wizard) pushLocked(ctx context.Context, def Definition) {
	f := &frame{
		def:      def,
		stepData: make(map[StepID]any),
		ops:      make(map[StepID]string),
	}
	w.update(func() {
		if len(w.frames) == 0 {
			w.root = def.Procedure
		}
		w.frames = append(w.frames, f)
	})
	w.enterLocked(ctx, f)
}

// enterLocked issues the current step's request unless its operation is
// already pending or completed. A rejected request is not an error here:
// the step shows the failed operation and offers Retry.
func (w *Wizard) enterLocked(ctx context.Context, f *frame) {
	step := f.step()
	if !step.IssuesRequest {
		return
	}
	if op, ok := w.stepOperation(f, step); ok && (op.State.Pending() || op.State == correlate.StateCompleted) {
		return
	}
	if err := w.issueLocked(ctx, f, step); err != nil {
		w.engine.logger.Warn("step request rejected",
			"wizard", w.id,
			"procedure", f.def.Procedure,
			"step", step.ID,
			"error", err,
		)
	}
}

func (w *Wizard) issueLocked(ctx context.Context, f *frame, step Step) error {
	ctx, span := tracer.Start(ctx, "Wizard.issue", trace.WithAttributes(
		attribute.String("wizard.procedure", string(f.def.Procedure)),
		attribute.String("wizard.step", string(step.ID)),
		attribute.String("wizard.instrument", w.instrument.String()),
	))
	defer span.End()

	inst, proc := w.instrument, f.def.Procedure
	op, err := w.engine.ops.Issue(ctx, w.subject(f), func(ctx context.Context) error {
		return w.engine.api.RequestProcedure(ctx, inst, proc)
	})

	var violation *correlate.ViolationError
	if errors.As(err, &violation) {
		// The same physical action is already in flight; gate on it.
		w.update(func() { f.ops[step.ID] = violation.Pending.ID })
		w.engine.logger.Info("adopted pending operation", "wizard", w.id, "subject", violation.Subject.String(), "operation", violation.Pending.ID)
		return nil
	}
	if op.ID != "" {
		w.update(func() { f.ops[step.ID] = op.ID })
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request rejected")
	}
	return err
}

// stepOperation returns the operation step issued, if it is still the
// latest one for the frame's subject.
func (w *Wizard) stepOperation(f *frame, step Step) (correlate.Operation, bool) {
	id, ok := f.ops[step.ID]
	if !ok {
		return correlate.Operation{}, false
	}
	op, ok := w.engine.ops.Get(w.subject(f))
	if !ok || op.ID != id {
		return correlate.Operation{}, false
	}
	return op, true
}

func (w *Wizard) completeLocked(ctx context.Context) (View, error) {
	f := w.top()
	ctx, span := tracer.Start(ctx, "Wizard.complete", trace.WithAttributes(
		attribute.String("wizard.procedure", string(f.def.Procedure)),
		attribute.String("wizard.instrument", w.instrument.String()),
	))
	defer span.End()

	if err := w.engine.api.CompleteProcedure(ctx, w.instrument, f.def.Procedure); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete rejected")
		return w.viewLocked(), fmt.Errorf("complete %s: %w", f.def.Procedure, err)
	}
	w.update(func() {
		w.frames = w.frames[:len(w.frames)-1]
		if len(w.frames) == 0 {
			w.status = StatusCompleted
		}
	})
	transitionsTotal.WithLabelValues(string(f.def.Procedure), "complete").Inc()
	w.engine.logger.Info("procedure completed", "wizard", w.id, "instrument", w.instrument.String(), "procedure", f.def.Procedure)

	if w.status == StatusCompleted {
		w.engine.finished(w)
	}
	return w.viewLocked(), nil
}

func (w *Wizard) cancelLocked(ctx context.Context) View {
	f := w.top()
	subject := w.subject(f)
	for _, id := range f.ops {
		op, ok := w.engine.ops.Get(subject)
		if !ok || op.ID != id || !op.State.Pending() {
			continue
		}
		w.engine.ops.CancelLocally(subject)
		w.engine.sendCancel(ctx, w.instrument, f.def.Procedure)
		break
	}

	w.update(func() {
		w.frames = w.frames[:len(w.frames)-1]
		if len(w.frames) == 0 {
			w.status = StatusCancelled
		}
	})
	transitionsTotal.WithLabelValues(string(f.def.Procedure), "cancel").Inc()
	w.engine.logger.Info("procedure cancelled", "wizard", w.id, "instrument", w.instrument.String(), "procedure", f.def.Procedure, "step", f.step().ID)

	if w.status == StatusCancelled {
		w.engine.finished(w)
	}
	return w.viewLocked()
}

func (w *Wizard) record(action string) {
	if len(w.frames) == 0 {
		transitionsTotal.WithLabelValues(string(w.root), action).Inc()
		return
	}
	transitionsTotal.WithLabelValues(string(w.top().def.Procedure), action).Inc()
}

func (w *Wizard) viewLocked() View {
	v := View{
		WizardID:   w.id,
		Instrument: w.instrument,
		Root:       w.root,
		Status:     w.status,
	}
	if len(w.frames) == 0 {
		return v
	}
	for _, f := range w.frames {
		v.Stack = append(v.Stack, f.def.Procedure)
	}

	f := w.top()
	step := f.step()
	v.Procedure = f.def.Procedure
	v.Step = step
	v.Index = f.index
	v.Count = len(f.def.Steps)
	v.CanOpenSubWizard = step.SubWizard != ""

	op, ok := w.stepOperation(f, step)
	if ok {
		v.Operation = &op
		v.StillWaiting = op.StillWaiting(w.engine.now(), w.engine.ops.Threshold(op.Subject))
	}
	v.NextEnabled = !step.GatedOnResult || (ok && op.State == correlate.StateCompleted)
	v.CanRetry = step.IssuesRequest && (!ok || op.State == correlate.StateFailed || op.State == correlate.StateCancelled)
	return v
}
