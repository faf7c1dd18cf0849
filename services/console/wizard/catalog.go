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
	"fmt"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
)

// StepID names a step within one procedure.
type StepID string

// Step declares one wizard step.
type Step struct {
	ID    StepID `json:"id"`
	Title string `json:"title"`

	// IssuesRequest makes entering the step issue the procedure's request,
	// unless the step's operation is already pending or completed.
	IssuesRequest bool `json:"issues_request,omitempty"`

	// GatedOnResult disables Next until the step's operation completes.
	GatedOnResult bool `json:"gated_on_result,omitempty"`

	// SubWizard is a procedure the operator may detour into from this
	// step. Next skips the detour.
	SubWizard datatypes.ProcedureKind `json:"sub_wizard,omitempty"`
}

// Definition is the ordered step list of one procedure.
type Definition struct {
	Procedure datatypes.ProcedureKind `json:"procedure"`
	Title     string                  `json:"title"`
	Steps     []Step                  `json:"steps"`
}

// Validate checks that d has steps with unique ids and that gated steps
// issue their own request.
func (d Definition) Validate() error {
	if d.Procedure == "" {
		return fmt.Errorf("%w: missing procedure", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, d.Procedure)
	}
	seen := make(map[StepID]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: %s step %d has no id", ErrInvalidDefinition, d.Procedure, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s step %q is duplicated", ErrInvalidDefinition, d.Procedure, s.ID)
		}
		seen[s.ID] = true
		if s.GatedOnResult && !s.IssuesRequest {
			return fmt.Errorf("%w: %s step %q is gated but issues no request", ErrInvalidDefinition, d.Procedure, s.ID)
		}
		if s.SubWizard == d.Procedure {
			return fmt.Errorf("%w: %s step %q detours into itself", ErrInvalidDefinition, d.Procedure, s.ID)
		}
	}
	return nil
}

// Catalog maps procedures to their definitions.
type Catalog map[datatypes.ProcedureKind]Definition

// Lookup returns the definition for kind.
func (c Catalog) Lookup(kind datatypes.ProcedureKind) (Definition, error) {
	d, ok := c[kind]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownProcedure, kind)
	}
	return d, nil
}

// Validate validates every definition and every sub-wizard reference.
func (c Catalog) Validate() error {
	for kind, d := range c {
		if d.Procedure != kind {
			return fmt.Errorf("%w: catalog key %s holds %s", ErrInvalidDefinition, kind, d.Procedure)
		}
		if err := d.Validate(); err != nil {
			return err
		}
		for _, s := range d.Steps {
			if s.SubWizard == "" {
				continue
			}
			if _, ok := c[s.SubWizard]; !ok {
				return fmt.Errorf("%w: %s step %q detours into unknown %s", ErrInvalidDefinition, kind, s.ID, s.SubWizard)
			}
		}
	}
	return nil
}

// DefaultCatalog returns the built-in maintenance procedures.
func DefaultCatalog() Catalog {
	return Catalog{
		datatypes.ProcedureClean: {
			Procedure: datatypes.ProcedureClean,
			Title:     "Clean Analyzer",
			Steps: []Step{
				{ID: "clean", Title: "Cleaning", IssuesRequest: true, GatedOnResult: true},
				{ID: "load-materials", Title: "Load Materials"},
				{ID: "complete", Title: "Cleaning Complete"},
			},
		},
		datatypes.ProcedureCalibrate: {
			Procedure: datatypes.ProcedureCalibrate,
			Title:     "Calibrate",
			Steps: []Step{
				{ID: "prepare", Title: "Prepare Calibrators"},
				{ID: "clean-analyzer", Title: "Clean Analyzer (optional)", SubWizard: datatypes.ProcedureClean},
				{ID: "load-calibrators", Title: "Load Calibrators"},
				{ID: "calibrate", Title: "Calibrating", IssuesRequest: true, GatedOnResult: true},
				{ID: "complete", Title: "Calibration Complete"},
			},
		},
		datatypes.ProcedureSetOffsets: {
			Procedure: datatypes.ProcedureSetOffsets,
			Title:     "Set Offsets",
			Steps: []Step{
				{ID: "enter-offsets", Title: "Enter Offsets"},
				{ID: "apply-offsets", Title: "Applying Offsets", IssuesRequest: true, GatedOnResult: true},
				{ID: "complete", Title: "Offsets Applied"},
			},
		},
		datatypes.ProcedureQualityControl: {
			Procedure: datatypes.ProcedureQualityControl,
			Title:     "Quality Control",
			Steps: []Step{
				{ID: "load-qc-material", Title: "Load QC Material"},
				{ID: "run-qc", Title: "Running QC", IssuesRequest: true, GatedOnResult: true},
				{ID: "review", Title: "Review Results"},
				{ID: "complete", Title: "QC Complete"},
			},
		},
		datatypes.ProcedureRouterConfig: {
			Procedure: datatypes.ProcedureRouterConfig,
			Title:     "Configure Router",
			Steps: []Step{
				{ID: "configure", Title: "Applying Configuration", IssuesRequest: true, GatedOnResult: true},
				{ID: "complete", Title: "Router Configured"},
			},
		},
	}
}
