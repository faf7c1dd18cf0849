// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
	"github.com/AleutianAI/labconsole/services/console/events"
)

var cat001Clean = datatypes.ProcedureSubject("CAT001", datatypes.ProcedureClean)

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func accepted(calls *int) RequestFunc {
	return func(context.Context) error {
		*calls++
		return nil
	}
}

func resultEvent(instrument string, proc datatypes.ProcedureKind, outcome datatypes.Outcome) events.Event {
	payload, _ := json.Marshal(events.MaintenanceResultPayload{
		ProcedureKind: proc,
		Outcome:       outcome,
		InstrumentID:  instrument,
	})
	return events.Event{Kind: events.KindMaintenanceProcedureResult, Payload: payload}
}

func TestQueue_IssueMarksAwaiting(t *testing.T) {
	q := NewQueue(Config{})
	calls := 0

	op, err := q.Issue(context.Background(), cat001Clean, accepted(&calls))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateAwaitingResult, op.State)
	assert.NotEmpty(t, op.ID)
	assert.True(t, q.IsAwaiting(cat001Clean))
}

func TestQueue_DuplicateIssueRejectedWithoutNetworkCall(t *testing.T) {
	q := NewQueue(Config{})
	calls := 0

	first, err := q.Issue(context.Background(), cat001Clean, accepted(&calls))
	require.NoError(t, err)

	_, err = q.Issue(context.Background(), cat001Clean, accepted(&calls))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAwaitingResult)

	var verr *ViolationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, cat001Clean, verr.Subject)
	assert.Equal(t, first.ID, verr.Pending.ID)
	assert.Equal(t, 1, calls)
}

func TestQueue_DifferentSubjectsAreIndependent(t *testing.T) {
	q := NewQueue(Config{})
	calls := 0

	_, err := q.Issue(context.Background(), cat001Clean, accepted(&calls))
	require.NoError(t, err)
	_, err = q.Issue(context.Background(), datatypes.ProcedureSubject("CAT001", datatypes.ProcedureCalibrate), accepted(&calls))
	require.NoError(t, err)
	_, err = q.Issue(context.Background(), datatypes.ProcedureSubject("CAT002", datatypes.ProcedureClean), accepted(&calls))
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	assert.Len(t, q.Pending(), 3)
}

func TestQueue_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		outcome datatypes.Outcome
		want    State
	}{
		{"success completes", datatypes.OutcomeSuccess, StateCompleted},
		{"failure fails", datatypes.OutcomeFailure, StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue(Config{})
			calls := 0
			_, err := q.Issue(context.Background(), cat001Clean, accepted(&calls))
			require.NoError(t, err)

			op, ok := q.Resolve(cat001Clean, tt.outcome, "")
			require.True(t, ok)
			assert.Equal(t, tt.want, op.State)
			assert.Equal(t, tt.outcome, op.Outcome)
			assert.False(t, q.IsAwaiting(cat001Clean))

			// A second result for the same subject is ignored.
			again, ok := q.Resolve(cat001Clean, datatypes.OutcomeSuccess, "")
			assert.False(t, ok)
			assert.Equal(t, tt.want, again.State)
		})
	}
}

func TestQueue_ResolveUnknownSubjectIgnored(t *testing.T) {
	q := NewQueue(Config{})
	_, ok := q.Resolve(cat001Clean, datatypes.OutcomeSuccess, "")
	assert.False(t, ok)
	_, found := q.Get(cat001Clean)
	assert.False(t, found)
}

func TestQueue_ResultBeforeHTTPResponse(t *testing.T) {
	q := NewQueue(Config{})

	op, err := q.Issue(context.Background(), cat001Clean, func(context.Context) error {
		_, ok := q.Resolve(cat001Clean, datatypes.OutcomeSuccess, "")
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, op.State)
}

func TestQueue_RejectedRequestFails(t *testing.T) {
	q := NewQueue(Config{})
	rejected := errors.New("409 conflict")

	op, err := q.Issue(context.Background(), cat001Clean, func(context.Context) error { return rejected })
	require.Error(t, err)
	assert.ErrorIs(t, err, rejected)

	var rerr *RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, StateFailed, op.State)
	assert.Equal(t, rejected, op.Err)

	// A failed subject may be issued again.
	calls := 0
	retry, err := q.Issue(context.Background(), cat001Clean, accepted(&calls))
	require.NoError(t, err)
	assert.NotEqual(t, op.ID, retry.ID)
	assert.Equal(t, 1, calls)
}

func TestQueue_FirstTerminalStateWins(t *testing.T) {
	q := NewQueue(Config{})
	rejected := errors.New("gateway timeout")

	op, err := q.Issue(context.Background(), cat001Clean, func(context.Context) error {
		q.Resolve(cat001Clean, datatypes.OutcomeSuccess, "")
		return rejected
	})
	require.Error(t, err)
	assert.Equal(t, StateCompleted, op.State)
}

func TestQueue_CancelLocally(t *testing.T) {
	q := NewQueue(Config{})
	calls := 0
	_, err := q.Issue(context.Background(), cat001Clean, accepted(&calls))
	require.NoError(t, err)

	op, ok := q.CancelLocally(cat001Clean)
	require.True(t, ok)
	assert.Equal(t, StateCancelled, op.State)

	// The hardware result that arrives later does not revive it.
	_, ok = q.Resolve(cat001Clean, datatypes.OutcomeSuccess, "")
	assert.False(t, ok)
	got, _ := q.Get(cat001Clean)
	assert.Equal(t, StateCancelled, got.State)

	_, ok = q.CancelLocally(cat001Clean)
	assert.False(t, ok)
}

func TestQueue_AttachResolvesFromEvents(t *testing.T) {
	q := NewQueue(Config{})
	bus := events.NewBus(nil)
	detach := q.Attach(bus)
	defer detach()

	calls := 0
	_, err := q.Issue(context.Background(), cat001Clean, accepted(&calls))
	require.NoError(t, err)

	bus.Publish(resultEvent("CAT002", datatypes.ProcedureClean, datatypes.OutcomeSuccess))
	assert.True(t, q.IsAwaiting(cat001Clean))

	bus.Publish(events.Event{Kind: events.KindMaintenanceProcedureResult, Payload: json.RawMessage(`{"outcome":"MAYBE"}`)})
	assert.True(t, q.IsAwaiting(cat001Clean))

	bus.Publish(resultEvent("CAT001", datatypes.ProcedureClean, datatypes.OutcomeSuccess))
	op, _ := q.Get(cat001Clean)
	assert.Equal(t, StateCompleted, op.State)
}

func TestQueue_StillWaitingNeverFails(t *testing.T) {
	clock := newFakeClock()
	q := NewQueue(Config{
		Now:        clock.Now,
		Thresholds: map[datatypes.ProcedureKind]time.Duration{datatypes.ProcedureClean: time.Minute},
	})
	calls := 0
	_, err := q.Issue(context.Background(), cat001Clean, accepted(&calls))
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.Empty(t, q.StillWaiting())

	clock.Advance(time.Hour)
	waiting := q.StillWaiting()
	require.Len(t, waiting, 1)
	assert.Equal(t, StateAwaitingResult, waiting[0].State)
	assert.True(t, q.IsAwaiting(cat001Clean))
}

func TestQueue_Thresholds(t *testing.T) {
	q := NewQueue(Config{DefaultThreshold: 42 * time.Second})
	assert.Equal(t, 11*time.Minute, q.Threshold(datatypes.ProcedureSubject("RTR1", datatypes.ProcedureRouterConfig)))
	assert.Equal(t, 42*time.Second, q.Threshold(datatypes.RunSubject(7)))
}

func TestQueue_OnChange(t *testing.T) {
	q := NewQueue(Config{})
	var states []State
	unsub := q.OnChange(func(op Operation) { states = append(states, op.State) })

	calls := 0
	_, err := q.Issue(context.Background(), cat001Clean, accepted(&calls))
	require.NoError(t, err)
	q.Resolve(cat001Clean, datatypes.OutcomeFailure, "lamp fault")
	unsub()
	_, err = q.Issue(context.Background(), cat001Clean, accepted(&calls))
	require.NoError(t, err)

	assert.Equal(t, []State{StateAwaitingResult, StateFailed}, states)
}

func TestQueue_ZeroSubjectRejected(t *testing.T) {
	q := NewQueue(Config{})
	_, err := q.Issue(context.Background(), datatypes.Subject{}, func(context.Context) error {
		t.Fatal("request must not be sent")
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidSubject)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "AWAITING_RESULT", StateAwaitingResult.String())
	assert.Equal(t, "UNKNOWN(12)", State(12).String())
	assert.True(t, StateCancelled.IsTerminal())
	assert.False(t, StateAwaitingResult.IsTerminal())
}
