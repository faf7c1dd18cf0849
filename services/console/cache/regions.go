// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"github.com/AleutianAI/labconsole/services/console/datatypes"
	"github.com/AleutianAI/labconsole/services/console/events"
)

// Region names a partition of server-derived data that is marked stale as a
// unit. Regions never hold data; the read-side query layer does.
type Region string

const (
	RegionInstruments       Region = "Instruments"
	RegionResults           Region = "Results"
	RegionRunningRequests   Region = "RunningRequests"
	RegionQualityControl    Region = "QualityControl"
	RegionSettings          Region = "Settings"
	RegionMaintenance       Region = "Maintenance"
	RegionUserInputRequests Region = "UserInputRequests"
	RegionConsumables       Region = "Consumables"
)

// AllRegions returns every region declared by the console.
func AllRegions() []Region {
	return []Region{
		RegionInstruments,
		RegionResults,
		RegionRunningRequests,
		RegionQualityControl,
		RegionSettings,
		RegionMaintenance,
		RegionUserInputRequests,
		RegionConsumables,
	}
}

// Reason records why a region went stale.
type Reason string

const (
	// ReasonNone means the region is fresh.
	ReasonNone Reason = ""

	// ReasonEvent means a mapped push event arrived.
	ReasonEvent Reason = "event"

	// ReasonGlobalSetting means a setting that changes how cached data is
	// interpreted was modified.
	ReasonGlobalSetting Reason = "global_setting"

	// ReasonReconnect means the event stream dropped and events may have
	// been missed.
	ReasonReconnect Reason = "reconnect"

	// ReasonManual means a caller invalidated explicitly.
	ReasonManual Reason = "manual"
)

// Table maps each event kind to the regions it invalidates.
type Table map[events.Kind][]Region

// DefaultTable returns the static event-to-region mapping.
func DefaultTable() Table {
	return Table{
		events.KindInstrumentStatusChanged:    {RegionInstruments},
		events.KindInstrumentAdded:            {RegionInstruments},
		events.KindInstrumentRemoved:          {RegionInstruments, RegionMaintenance},
		events.KindRunResultsUpdated:          {RegionResults},
		events.KindRunningRequestsUpdated:     {RegionRunningRequests, RegionUserInputRequests},
		events.KindQCResultRecorded:           {RegionQualityControl},
		events.KindSettingChanged:             {RegionSettings},
		events.KindMaintenanceProcedureResult: {RegionMaintenance, RegionInstruments},
		events.KindAssayIdentificationNeeded:  {RegionUserInputRequests},
		events.KindConsumablesUpdated:         {RegionConsumables},
	}
}

// DefaultGlobalSettings returns the settings whose change affects the
// interpretation of every cached region: locale, units and display formats.
func DefaultGlobalSettings() []datatypes.Setting {
	return []datatypes.Setting{
		datatypes.SettingClinicLanguage,
		datatypes.SettingUnitSystem,
		datatypes.SettingDateFormat,
		datatypes.SettingTimeFormat,
		datatypes.SettingNumberFormat,
		datatypes.SettingShowReferenceRanges,
	}
}
