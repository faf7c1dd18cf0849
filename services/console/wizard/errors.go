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

import "errors"

var (
	// ErrNextDisabled is returned by Next on a gated step whose operation
	// has not completed.
	ErrNextDisabled = errors.New("next is disabled until the instrument reports a result")

	// ErrNotActive is returned by any transition on a finished wizard.
	ErrNotActive = errors.New("wizard is not active")

	// ErrNoSubWizard is returned by OpenSubWizard on a step without a detour.
	ErrNoSubWizard = errors.New("step has no sub-wizard")

	// ErrUnknownProcedure is returned for a procedure missing from the catalog.
	ErrUnknownProcedure = errors.New("unknown procedure")

	// ErrInvalidDefinition is returned by catalog validation.
	ErrInvalidDefinition = errors.New("invalid wizard definition")

	// ErrNothingToRetry is returned by Retry when the current step's
	// operation has not failed or been cancelled.
	ErrNothingToRetry = errors.New("nothing to retry on this step")
)
