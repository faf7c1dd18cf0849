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
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labconsole/services/console/correlate"
	"github.com/AleutianAI/labconsole/services/console/datatypes"
	"github.com/AleutianAI/labconsole/services/console/events"
)

var cat001 = datatypes.Instrument{ID: "CAT001", Family: datatypes.FamilyChemistry, Name: "Catalyst One"}

// recordingAPI records every maintenance call as "verb:procedure".
type recordingAPI struct {
	mu          sync.Mutex
	calls       []string
	requestErr  error
	completeErr error

	// requestGate, when set, holds RequestProcedure until it is closed.
	requestGate chan struct{}
}

func (a *recordingAPI) record(verb string, proc datatypes.ProcedureKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, verb+":"+string(proc))
}

func (a *recordingAPI) RequestProcedure(_ context.Context, _ datatypes.Instrument, proc datatypes.ProcedureKind) error {
	a.record("request", proc)
	a.mu.Lock()
	gate := a.requestGate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requestErr
}

func (a *recordingAPI) CompleteProcedure(_ context.Context, _ datatypes.Instrument, proc datatypes.ProcedureKind) error {
	a.record("complete", proc)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completeErr
}

func (a *recordingAPI) CancelProcedure(_ context.Context, _ datatypes.Instrument, proc datatypes.ProcedureKind) error {
	a.record("cancel", proc)
	return nil
}

func (a *recordingAPI) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type harness struct {
	api    *recordingAPI
	ops    *correlate.Queue
	bus    *events.Bus
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		api: &recordingAPI{},
		ops: correlate.NewQueue(correlate.Config{}),
		bus: events.NewBus(nil),
	}
	h.ops.Attach(h.bus)
	var err error
	h.engine, err = NewEngine(Config{API: h.api, Operations: h.ops})
	require.NoError(t, err)
	return h
}

func (h *harness) pushResult(proc datatypes.ProcedureKind, outcome datatypes.Outcome) {
	payload, _ := json.Marshal(events.MaintenanceResultPayload{
		ProcedureKind: proc,
		Outcome:       outcome,
		InstrumentID:  cat001.ID,
	})
	h.bus.Publish(events.Event{Kind: events.KindMaintenanceProcedureResult, Payload: payload})
}

func TestWizard_CleanScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.engine.Start(ctx, cat001, datatypes.ProcedureClean)
	require.NoError(t, err)

	v := w.View()
	assert.Equal(t, StepID("clean"), v.Step.ID)
	require.NotNil(t, v.Operation)
	assert.Equal(t, correlate.StateAwaitingResult, v.Operation.State)
	assert.False(t, v.NextEnabled)
	assert.True(t, h.ops.IsAwaiting(datatypes.ProcedureSubject("CAT001", datatypes.ProcedureClean)))

	_, err = w.Next(ctx)
	assert.ErrorIs(t, err, ErrNextDisabled)

	h.pushResult(datatypes.ProcedureClean, datatypes.OutcomeSuccess)
	v = w.View()
	assert.True(t, v.NextEnabled)
	assert.Equal(t, correlate.StateCompleted, v.Operation.State)

	v, err = w.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepID("load-materials"), v.Step.ID)

	v, err = w.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepID("complete"), v.Step.ID)
	assert.Equal(t, StatusActive, v.Status)

	v, err = w.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, v.Status)
	assert.Zero(t, v.Depth())

	assert.Equal(t, []string{"request:clean", "complete:clean"}, h.api.Calls())
	assert.Empty(t, h.engine.Active())

	_, err = w.Next(ctx)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestWizard_BackFromFirstStepCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.engine.Start(ctx, cat001, datatypes.ProcedureClean)
	require.NoError(t, err)

	v, err := w.Back(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, v.Status)

	h.engine.Wait()
	assert.Equal(t, []string{"request:clean", "cancel:clean"}, h.api.Calls())

	op, _ := h.ops.Get(datatypes.ProcedureSubject("CAT001", datatypes.ProcedureClean))
	assert.Equal(t, correlate.StateCancelled, op.State)

	// The late hardware result changes nothing.
	h.pushResult(datatypes.ProcedureClean, datatypes.OutcomeSuccess)
	op, _ = h.ops.Get(datatypes.ProcedureSubject("CAT001", datatypes.ProcedureClean))
	assert.Equal(t, correlate.StateCancelled, op.State)
}

func TestWizard_CancelEquivalentToBackAtStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.engine.Start(ctx, cat001, datatypes.ProcedureQualityControl)
	require.NoError(t, err)
	va, err := a.Back(ctx)
	require.NoError(t, err)

	b, err := h.engine.Start(ctx, cat001, datatypes.ProcedureQualityControl)
	require.NoError(t, err)
	vb, err := b.Cancel(ctx)
	require.NoError(t, err)

	assert.Equal(t, va.Status, vb.Status)
	assert.Equal(t, va.Depth(), vb.Depth())
}

func TestWizard_BackDoesNotReissueCompletedStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.engine.Start(ctx, cat001, datatypes.ProcedureClean)
	require.NoError(t, err)
	h.pushResult(datatypes.ProcedureClean, datatypes.OutcomeSuccess)
	_, err = w.Next(ctx)
	require.NoError(t, err)

	v, err := w.Back(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepID("clean"), v.Step.ID)
	assert.True(t, v.NextEnabled)
	assert.Equal(t, []string{"request:clean"}, h.api.Calls())
}

func TestWizard_NestedCleanPreservesParent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.engine.Start(ctx, cat001, datatypes.ProcedureCalibrate)
	require.NoError(t, err)
	v, err := w.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, StepID("clean-analyzer"), v.Step.ID)
	require.True(t, v.CanOpenSubWizard)
	parentIndex := v.Index

	v, err = w.OpenSubWizard(ctx)
	require.NoError(t, err)
	assert.Equal(t, []datatypes.ProcedureKind{datatypes.ProcedureCalibrate, datatypes.ProcedureClean}, v.Stack)
	assert.Equal(t, datatypes.ProcedureClean, v.Procedure)
	assert.Equal(t, 0, v.Index)

	// Cancelling the detour returns to the parent step untouched.
	v, err = w.Cancel(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, v.Status)
	assert.Equal(t, datatypes.ProcedureCalibrate, v.Procedure)
	assert.Equal(t, parentIndex, v.Index)
	h.engine.Wait()

	// Run the detour to completion this time.
	_, err = w.OpenSubWizard(ctx)
	require.NoError(t, err)
	h.pushResult(datatypes.ProcedureClean, datatypes.OutcomeSuccess)
	for i := 0; i < 2; i++ {
		_, err = w.Next(ctx)
		require.NoError(t, err)
	}
	v, err = w.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ProcedureCalibrate, v.Procedure)
	assert.Equal(t, parentIndex, v.Index)
	assert.Equal(t, 1, v.Depth())

	// Continue the calibration.
	v, err = w.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepID("load-calibrators"), v.Step.ID)
	v, err = w.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepID("calibrate"), v.Step.ID)
	assert.False(t, v.NextEnabled)

	h.pushResult(datatypes.ProcedureCalibrate, datatypes.OutcomeSuccess)
	_, err = w.Next(ctx)
	require.NoError(t, err)
	v, err = w.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, v.Status)

	assert.Equal(t, []string{
		"request:clean",
		"cancel:clean",
		"request:clean",
		"complete:clean",
		"request:calibrate",
		"complete:calibrate",
	}, h.api.Calls())
}

func TestWizard_BackFromNestedFirstStepReturnsToParent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.engine.Start(ctx, cat001, datatypes.ProcedureCalibrate)
	require.NoError(t, err)
	_, err = w.Next(ctx)
	require.NoError(t, err)
	_, err = w.OpenSubWizard(ctx)
	require.NoError(t, err)

	v, err := w.Back(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, v.Status)
	assert.Equal(t, StepID("clean-analyzer"), v.Step.ID)
	h.engine.Wait()
}

func TestWizard_AbortCancelsEveryFrame(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.engine.Start(ctx, cat001, datatypes.ProcedureCalibrate)
	require.NoError(t, err)
	_, err = w.Next(ctx)
	require.NoError(t, err)
	_, err = w.OpenSubWizard(ctx)
	require.NoError(t, err)

	v, err := w.Abort(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, v.Status)
	assert.Zero(t, v.Depth())
	h.engine.Wait()
	assert.Equal(t, []string{"request:clean", "cancel:clean"}, h.api.Calls())
	assert.Empty(t, h.engine.Active())
}

func TestWizard_RejectedRequestFailsStepAndRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.requestErr = errors.New("instrument busy")

	w, err := h.engine.Start(ctx, cat001, datatypes.ProcedureClean)
	require.NoError(t, err)

	v := w.View()
	require.NotNil(t, v.Operation)
	assert.Equal(t, correlate.StateFailed, v.Operation.State)
	assert.True(t, v.CanRetry)
	assert.False(t, v.NextEnabled)

	_, err = w.Retry(ctx)
	require.Error(t, err)

	h.api.mu.Lock()
	h.api.requestErr = nil
	h.api.mu.Unlock()

	v, err = w.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, correlate.StateAwaitingResult, v.Operation.State)
	assert.False(t, v.CanRetry)

	_, err = w.Retry(ctx)
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

func TestWizard_FailureOutcomeBlocksNext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.engine.Start(ctx, cat001, datatypes.ProcedureSetOffsets)
	require.NoError(t, err)
	_, err = w.Next(ctx)
	require.NoError(t, err)

	h.pushResult(datatypes.ProcedureSetOffsets, datatypes.OutcomeFailure)
	_, err = w.Next(ctx)
	assert.ErrorIs(t, err, ErrNextDisabled)
	assert.True(t, w.View().CanRetry)
}

func TestWizard_CompleteRejectedLeavesWizardOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.completeErr = errors.New("500")

	w, err := h.engine.Start(ctx, cat001, datatypes.ProcedureRouterConfig)
	require.NoError(t, err)
	h.pushResult(datatypes.ProcedureRouterConfig, datatypes.OutcomeSuccess)
	_, err = w.Next(ctx)
	require.NoError(t, err)

	v, err := w.Next(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusActive, v.Status)
	assert.Equal(t, StepID("complete"), v.Step.ID)
}

func TestWizard_SecondWizardAdoptsPendingOperation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.engine.Start(ctx, cat001, datatypes.ProcedureClean)
	require.NoError(t, err)
	b, err := h.engine.Start(ctx, cat001, datatypes.ProcedureClean)
	require.NoError(t, err)

	assert.Equal(t, []string{"request:clean"}, h.api.Calls())
	assert.Equal(t, a.View().Operation.ID, b.View().Operation.ID)
	assert.Len(t, h.engine.Active(), 2)
}

func TestWizard_StillWaiting(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	api := &recordingAPI{}
	ops := correlate.NewQueue(correlate.Config{Now: clock})
	engine, err := NewEngine(Config{API: api, Operations: ops, Now: clock})
	require.NoError(t, err)

	w, err := engine.Start(context.Background(), cat001, datatypes.ProcedureClean)
	require.NoError(t, err)
	assert.False(t, w.View().StillWaiting)

	now = now.Add(time.Hour)
	v := w.View()
	assert.True(t, v.StillWaiting)
	assert.Equal(t, correlate.StateAwaitingResult, v.Operation.State)
}

func TestWizard_StepData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.engine.Start(ctx, cat001, datatypes.ProcedureSetOffsets)
	require.NoError(t, err)
	require.NoError(t, w.SetStepData(map[string]float64{"ALB": 0.2}))

	got, ok := w.StepData("enter-offsets")
	require.True(t, ok)
	assert.Equal(t, map[string]float64{"ALB": 0.2}, got)
}

func TestWizard_OpenSubWizardWithoutDetour(t *testing.T) {
	h := newHarness(t)
	w, err := h.engine.Start(context.Background(), cat001, datatypes.ProcedureClean)
	require.NoError(t, err)
	_, err = w.OpenSubWizard(context.Background())
	assert.ErrorIs(t, err, ErrNoSubWizard)
}

func TestEngine_Start(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Start(context.Background(), cat001, "defrost")
	assert.ErrorIs(t, err, ErrUnknownProcedure)

	_, err = h.engine.Start(context.Background(), datatypes.Instrument{ID: "CAT001"}, datatypes.ProcedureClean)
	assert.Error(t, err)
}

func TestCatalog_Validate(t *testing.T) {
	require.NoError(t, DefaultCatalog().Validate())

	tests := []struct {
		name    string
		catalog Catalog
	}{
		{"no steps", Catalog{"x": {Procedure: "x"}}},
		{"duplicate step", Catalog{"x": {Procedure: "x", Steps: []Step{{ID: "a"}, {ID: "a"}}}}},
		{"gated without request", Catalog{"x": {Procedure: "x", Steps: []Step{{ID: "a", GatedOnResult: true}}}}},
		{"unknown detour", Catalog{"x": {Procedure: "x", Steps: []Step{{ID: "a", SubWizard: "y"}}}}},
		{"self detour", Catalog{"x": {Procedure: "x", Steps: []Step{{ID: "a", SubWizard: "x"}}}}},
		{"key mismatch", Catalog{"x": {Procedure: "y", Steps: []Step{{ID: "a"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.catalog.Validate(), ErrInvalidDefinition)
		})
	}
}

func TestWizard_ViewDoesNotWaitForSlowRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.engine.Start(ctx, cat001, datatypes.ProcedureClean)
	require.NoError(t, err)
	h.pushResult(datatypes.ProcedureClean, datatypes.OutcomeFailure)
	require.True(t, w.View().CanRetry)

	gate := make(chan struct{})
	h.api.mu.Lock()
	h.api.requestGate = gate
	h.api.mu.Unlock()

	retried := make(chan error, 1)
	go func() {
		_, err := w.Retry(ctx)
		retried <- err
	}()
	require.Eventually(t, func() bool { return len(h.api.Calls()) == 2 }, time.Second, time.Millisecond)

	viewed := make(chan View, 1)
	go func() {
		_ = h.engine.Active()
		viewed <- w.View()
	}()
	select {
	case v := <-viewed:
		assert.Equal(t, StatusActive, v.Status)
		assert.Equal(t, StepID("clean"), v.Step.ID)
	case <-time.After(time.Second):
		t.Fatal("View blocked behind an in-flight request")
	}
	assert.Equal(t, StatusActive, w.Status())

	close(gate)
	require.NoError(t, <-retried)
	v := w.View()
	require.NotNil(t, v.Operation)
	assert.Equal(t, correlate.StateAwaitingResult, v.Operation.State)
}
