// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the domain types shared by the lab console
// components: instruments, maintenance procedures, correlation subjects
// and user input requests.
//
// These types are plain values. They carry no behavior beyond formatting
// and validation so that every console package can depend on them without
// creating import cycles.
package datatypes

import (
	"fmt"
	"strconv"
)

// =============================================================================
// Instruments
// =============================================================================

// InstrumentFamily names the REST resource family an instrument belongs to.
//
// The family is the first path segment of every maintenance call, e.g.
// POST /{family}/{instrumentId}/maintenance/{procedure}/request.
type InstrumentFamily string

const (
	FamilyChemistry   InstrumentFamily = "chemistry"
	FamilyHematology  InstrumentFamily = "hematology"
	FamilyUrinalysis  InstrumentFamily = "urinalysis"
	FamilyCoagulation InstrumentFamily = "coagulation"
	FamilyRouter      InstrumentFamily = "router"
)

// InstrumentStatus is the last status pushed by the server for an instrument.
type InstrumentStatus string

const (
	StatusReady        InstrumentStatus = "READY"
	StatusBusy         InstrumentStatus = "BUSY"
	StatusMaintenance  InstrumentStatus = "MAINTENANCE"
	StatusOffline      InstrumentStatus = "OFFLINE"
	StatusAlert        InstrumentStatus = "ALERT"
	StatusInitializing InstrumentStatus = "INITIALIZING"
)

// Instrument identifies one attached diagnostic instrument.
type Instrument struct {
	ID     string           `json:"id"`
	Family InstrumentFamily `json:"family"`
	Name   string           `json:"name,omitempty"`
	Status InstrumentStatus `json:"status,omitempty"`
}

// String returns "family/id".
func (i Instrument) String() string {
	return string(i.Family) + "/" + i.ID
}

// =============================================================================
// Procedures
// =============================================================================

// ProcedureKind names a maintenance procedure. The value is used verbatim
// as the {procedure} path segment of maintenance REST calls.
type ProcedureKind string

const (
	ProcedureClean          ProcedureKind = "clean"
	ProcedureCalibrate      ProcedureKind = "calibrate"
	ProcedureSetOffsets     ProcedureKind = "offsets"
	ProcedureQualityControl ProcedureKind = "qc"
	ProcedureRouterConfig   ProcedureKind = "config"
)

// Outcome is the hardware-reported result of a maintenance procedure.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// IsValid reports whether o is a known outcome.
func (o Outcome) IsValid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// =============================================================================
// Correlation subjects
// =============================================================================

// RunID identifies an instrument run on the lab-management server.
type RunID int64

// String returns the decimal form used in REST paths.
func (r RunID) String() string {
	return strconv.FormatInt(int64(r), 10)
}

// Subject is the key a request shares with its eventual push-event outcome.
//
// A subject is either (InstrumentID, Procedure) for maintenance procedures or
// a RunID for run-scoped operations. Exactly one form is populated.
type Subject struct {
	InstrumentID string        `json:"instrumentId,omitempty"`
	Procedure    ProcedureKind `json:"procedure,omitempty"`
	RunID        RunID         `json:"runId,omitempty"`
}

// ProcedureSubject builds the subject for a maintenance procedure.
func ProcedureSubject(instrumentID string, procedure ProcedureKind) Subject {
	return Subject{InstrumentID: instrumentID, Procedure: procedure}
}

// RunSubject builds the subject for a run-scoped operation.
func RunSubject(id RunID) Subject {
	return Subject{RunID: id}
}

// IsZero reports whether no identifying field is set.
func (s Subject) IsZero() bool {
	return s.InstrumentID == "" && s.Procedure == "" && s.RunID == 0
}

// String renders the subject as "(CAT001,clean)" or "run:42".
func (s Subject) String() string {
	if s.RunID != 0 {
		return "run:" + s.RunID.String()
	}
	return fmt.Sprintf("(%s,%s)", s.InstrumentID, s.Procedure)
}

// =============================================================================
// User input requests
// =============================================================================

// UserInputRequest is one outstanding piece of operator disambiguation the
// server needs before a run can finish.
type UserInputRequest struct {
	ID      int64    `json:"id"`
	RunID   RunID    `json:"runId"`
	Kind    string   `json:"kind"`
	Prompt  string   `json:"prompt,omitempty"`
	Choices []string `json:"choices,omitempty"`
}

// =============================================================================
// Settings
// =============================================================================

// Setting names a clinic-level configuration value carried by
// setting-changed events.
type Setting string

const (
	SettingClinicLanguage      Setting = "CLINIC_LANGUAGE"
	SettingUnitSystem          Setting = "UNIT_SYSTEM"
	SettingDateFormat          Setting = "DATE_FORMAT"
	SettingTimeFormat          Setting = "TIME_FORMAT"
	SettingNumberFormat        Setting = "NUMBER_FORMAT"
	SettingShowReferenceRanges Setting = "DISPLAY_REFERENCE_RANGES"
	SettingPrintOnComplete     Setting = "PRINT_ON_COMPLETE"
)
