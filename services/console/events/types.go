// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events implements the push-event side of the lab console: the
// typed event model, an in-order fan-out Bus, and the auto-reconnecting
// Channel that feeds it from the server's websocket stream.
//
// # Ordering
//
// The Channel owns a single read loop. Every decoded message is published on
// the Bus from that loop, so all subscribers observe events in arrival order
// and no two handlers run concurrently for the same Channel.
//
// # Connection loss
//
// Losing the stream is not an error for subscribers. The Channel reports it
// as ConnectionState Closed and, on the next successful connection, invokes
// every OnReconnect handler before any message of the new connection is
// delivered. Events emitted while disconnected are gone for good, so
// reconnect handlers must assume every piece of cached state changed.
//
// # Thread Safety
//
// Bus and Channel are safe for concurrent use.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
)

// Kind discriminates push events. It is the "id" field of the wire message.
type Kind string

const (
	// KindInstrumentStatusChanged is pushed when any instrument changes status.
	KindInstrumentStatusChanged Kind = "instrument-status-changed"

	// KindInstrumentAdded is pushed when a new instrument is attached.
	KindInstrumentAdded Kind = "instrument-added"

	// KindInstrumentRemoved is pushed when an instrument is detached.
	KindInstrumentRemoved Kind = "instrument-removed"

	// KindRunResultsUpdated is pushed when results for a run change.
	KindRunResultsUpdated Kind = "run-results-updated"

	// KindRunningRequestsUpdated is pushed when the set of in-flight runs changes.
	KindRunningRequestsUpdated Kind = "running-requests-updated"

	// KindQCResultRecorded is pushed when a quality control result is stored.
	KindQCResultRecorded Kind = "qc-result-recorded"

	// KindSettingChanged is pushed when a clinic setting changes.
	// Payload: SettingChangedPayload.
	KindSettingChanged Kind = "setting-changed"

	// KindMaintenanceProcedureResult carries the hardware outcome of a
	// maintenance procedure. Payload: MaintenanceResultPayload.
	KindMaintenanceProcedureResult Kind = "maintenance-procedure-result"

	// KindAssayIdentificationNeeded is pushed when a run needs the operator
	// to identify an assay type. Payload: AssayIdentificationPayload.
	KindAssayIdentificationNeeded Kind = "assay-type-identification-needed"

	// KindConsumablesUpdated is pushed when reagent or consumable inventory changes.
	KindConsumablesUpdated Kind = "consumables-updated"
)

// KnownKinds lists every kind this package has a name for.
func KnownKinds() []Kind {
	return []Kind{
		KindInstrumentStatusChanged,
		KindInstrumentAdded,
		KindInstrumentRemoved,
		KindRunResultsUpdated,
		KindRunningRequestsUpdated,
		KindQCResultRecorded,
		KindSettingChanged,
		KindMaintenanceProcedureResult,
		KindAssayIdentificationNeeded,
		KindConsumablesUpdated,
	}
}

// Event is one received push event.
//
// Events are immutable once published and exist only for the duration of
// dispatch. Handlers that need the payload later must copy what they need.
type Event struct {
	// Seq is the per-Channel arrival sequence number, starting at 1.
	Seq uint64 `json:"seq"`

	// Kind is the event discriminator.
	Kind Kind `json:"id"`

	// Payload is the raw JSON payload, possibly empty.
	Payload json.RawMessage `json:"payload,omitempty"`

	// ReceivedAt is the local receive time.
	ReceivedAt time.Time `json:"received_at"`
}

// wireMessage is the JSON envelope sent by the server.
type wireMessage struct {
	ID      Kind            `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// decodeWire parses one text frame into an Event without a sequence number.
func decodeWire(data []byte) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, fmt.Errorf("decode event envelope: %w", err)
	}
	if msg.ID == "" {
		return Event{}, ErrMissingKind
	}
	return Event{Kind: msg.ID, Payload: msg.Payload}, nil
}

// =============================================================================
// Payloads
// =============================================================================

// MaintenanceResultPayload is the payload of KindMaintenanceProcedureResult.
type MaintenanceResultPayload struct {
	ProcedureKind datatypes.ProcedureKind `json:"procedureKind"`
	Outcome       datatypes.Outcome       `json:"outcome"`
	InstrumentID  string                  `json:"subjectId"`
	Detail        string                  `json:"detail,omitempty"`
}

// Subject returns the correlation subject the result resolves.
func (p MaintenanceResultPayload) Subject() datatypes.Subject {
	return datatypes.ProcedureSubject(p.InstrumentID, p.ProcedureKind)
}

// SettingChangedPayload is the payload of KindSettingChanged.
type SettingChangedPayload struct {
	Setting datatypes.Setting `json:"setting"`
	Value   json.RawMessage   `json:"value,omitempty"`
}

// AssayIdentificationPayload is the payload of KindAssayIdentificationNeeded.
type AssayIdentificationPayload struct {
	RunID datatypes.RunID `json:"runId"`
}

// MaintenanceResult decodes the payload of a maintenance-procedure-result event.
func (e Event) MaintenanceResult() (MaintenanceResultPayload, error) {
	var p MaintenanceResultPayload
	if err := e.decode(KindMaintenanceProcedureResult, &p); err != nil {
		return p, err
	}
	if p.InstrumentID == "" || p.ProcedureKind == "" {
		return p, fmt.Errorf("%w: maintenance result without subject", ErrInvalidPayload)
	}
	if !p.Outcome.IsValid() {
		return p, fmt.Errorf("%w: unknown outcome %q", ErrInvalidPayload, p.Outcome)
	}
	return p, nil
}

// SettingChanged decodes the payload of a setting-changed event.
func (e Event) SettingChanged() (SettingChangedPayload, error) {
	var p SettingChangedPayload
	if err := e.decode(KindSettingChanged, &p); err != nil {
		return p, err
	}
	if p.Setting == "" {
		return p, fmt.Errorf("%w: setting-changed without setting", ErrInvalidPayload)
	}
	return p, nil
}

// AssayIdentification decodes the payload of an assay-type-identification-needed event.
func (e Event) AssayIdentification() (AssayIdentificationPayload, error) {
	var p AssayIdentificationPayload
	if err := e.decode(KindAssayIdentificationNeeded, &p); err != nil {
		return p, err
	}
	if p.RunID <= 0 {
		return p, fmt.Errorf("%w: run id %d", ErrInvalidPayload, p.RunID)
	}
	return p, nil
}

func (e Event) decode(want Kind, v any) error {
	if e.Kind != want {
		return fmt.Errorf("%w: have %s, want %s", ErrWrongKind, e.Kind, want)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrInvalidPayload, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
