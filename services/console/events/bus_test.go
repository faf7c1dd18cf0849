// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
)

func TestBus_DeliversInPublishOrder(t *testing.T) {
	bus := NewBus(nil)

	var got []uint64
	bus.SubscribeAll(func(ev Event) { got = append(got, ev.Seq) })

	for i := uint64(1); i <= 5; i++ {
		bus.Publish(Event{Seq: i, Kind: KindInstrumentStatusChanged})
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
}

func TestBus_KindFilter(t *testing.T) {
	bus := NewBus(nil)

	var statusCount, qcCount, allCount int
	bus.Subscribe(KindInstrumentStatusChanged, func(Event) { statusCount++ })
	bus.Subscribe(KindQCResultRecorded, func(Event) { qcCount++ })
	bus.SubscribeAll(func(Event) { allCount++ })

	bus.Publish(Event{Kind: KindInstrumentStatusChanged})
	bus.Publish(Event{Kind: KindInstrumentStatusChanged})
	bus.Publish(Event{Kind: KindQCResultRecorded})
	bus.Publish(Event{Kind: Kind("something-new")})

	assert.Equal(t, 2, statusCount)
	assert.Equal(t, 1, qcCount)
	assert.Equal(t, 4, allCount)
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	unsub := bus.Subscribe(KindSettingChanged, func(Event) { calls++ })
	require.Equal(t, 1, bus.SubscriberCount())

	unsub()
	unsub()
	assert.Equal(t, 0, bus.SubscriberCount())

	bus.Publish(Event{Kind: KindSettingChanged})
	assert.Equal(t, 0, calls)
}

func TestBus_HandlerRemovingAnotherMidDispatch(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	var unsubSecond func()
	bus.SubscribeAll(func(Event) {
		order = append(order, "first")
		unsubSecond()
	})
	unsubSecond = bus.SubscribeAll(func(Event) {
		order = append(order, "second")
	})
	bus.SubscribeAll(func(Event) {
		order = append(order, "third")
	})

	bus.Publish(Event{Kind: KindRunResultsUpdated})
	assert.Equal(t, []string{"first", "third"}, order)

	order = nil
	bus.Publish(Event{Kind: KindRunResultsUpdated})
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestBus_HandlerSubscribingMidDispatchSeesOnlyLaterEvents(t *testing.T) {
	bus := NewBus(nil)

	lateCalls := 0
	subscribed := false
	bus.SubscribeAll(func(Event) {
		if !subscribed {
			subscribed = true
			bus.SubscribeAll(func(Event) { lateCalls++ })
		}
	})

	bus.Publish(Event{Kind: KindRunResultsUpdated})
	assert.Equal(t, 0, lateCalls)

	bus.Publish(Event{Kind: KindRunResultsUpdated})
	assert.Equal(t, 1, lateCalls)
}

func TestBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewBus(nil)
	reached := false
	bus.SubscribeAll(func(Event) { panic("boom") })
	bus.SubscribeAll(func(Event) { reached = true })

	assert.NotPanics(t, func() {
		bus.Publish(Event{Kind: KindQCResultRecorded})
	})
	assert.True(t, reached)
}

func TestBus_Listen(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Listen(1, KindInstrumentStatusChanged)

	bus.Publish(Event{Seq: 1, Kind: KindInstrumentStatusChanged})
	bus.Publish(Event{Seq: 2, Kind: KindInstrumentStatusChanged}) // dropped, buffer full
	bus.Publish(Event{Seq: 3, Kind: KindQCResultRecorded})        // filtered

	ev := <-ch
	assert.Equal(t, uint64(1), ev.Seq)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestDecodeWire(t *testing.T) {
	ev, err := decodeWire([]byte(`{"id":"setting-changed","payload":{"setting":"CLINIC_LANGUAGE","value":"fr"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindSettingChanged, ev.Kind)

	_, err = decodeWire([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, ErrMissingKind)

	_, err = decodeWire([]byte(`not json`))
	assert.Error(t, err)
}

func TestEvent_PayloadDecoders(t *testing.T) {
	t.Run("maintenance result", func(t *testing.T) {
		ev := Event{
			Kind:    KindMaintenanceProcedureResult,
			Payload: json.RawMessage(`{"procedureKind":"clean","outcome":"SUCCESS","subjectId":"CAT001"}`),
		}
		p, err := ev.MaintenanceResult()
		require.NoError(t, err)
		assert.Equal(t, datatypes.ProcedureSubject("CAT001", datatypes.ProcedureClean), p.Subject())
		assert.Equal(t, datatypes.OutcomeSuccess, p.Outcome)
	})

	t.Run("maintenance result with unknown outcome", func(t *testing.T) {
		ev := Event{
			Kind:    KindMaintenanceProcedureResult,
			Payload: json.RawMessage(`{"procedureKind":"clean","outcome":"MAYBE","subjectId":"CAT001"}`),
		}
		_, err := ev.MaintenanceResult()
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("wrong kind", func(t *testing.T) {
		ev := Event{Kind: KindQCResultRecorded, Payload: json.RawMessage(`{}`)}
		_, err := ev.SettingChanged()
		assert.ErrorIs(t, err, ErrWrongKind)
	})

	t.Run("setting changed", func(t *testing.T) {
		ev := Event{Kind: KindSettingChanged, Payload: json.RawMessage(`{"setting":"UNIT_SYSTEM"}`)}
		p, err := ev.SettingChanged()
		require.NoError(t, err)
		assert.Equal(t, datatypes.SettingUnitSystem, p.Setting)
	})

	t.Run("assay identification", func(t *testing.T) {
		ev := Event{Kind: KindAssayIdentificationNeeded, Payload: json.RawMessage(`{"runId":7}`)}
		p, err := ev.AssayIdentification()
		require.NoError(t, err)
		assert.Equal(t, datatypes.RunID(7), p.RunID)

		ev.Payload = json.RawMessage(`{"runId":0}`)
		_, err = ev.AssayIdentification()
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})
}
