// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package validation checks operator-supplied identifiers before they are
// placed in lab server URLs or history tags.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// instrumentIDPattern matches instrument serials as the lab server issues
// them: letters, digits, dots, underscores and hyphens, starting with a
// letter or digit, at most 64 characters.
var instrumentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// ValidateInstrumentID rejects ids that could escape a URL path segment.
//
// Example:
//
//	if err := validation.ValidateInstrumentID(id); err != nil {
//	    return fmt.Errorf("invalid instrument: %w", err)
//	}
func ValidateInstrumentID(id string) error {
	if id == "" {
		return fmt.Errorf("instrument id cannot be empty")
	}
	if !instrumentIDPattern.MatchString(id) {
		return fmt.Errorf("invalid instrument id: %q (must be 1-64 letters, digits, dots, underscores or hyphens)", id)
	}
	return nil
}

// SanitizeInstrumentID trims surrounding whitespace and validates id.
func SanitizeInstrumentID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateInstrumentID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}

// ValidateRunIDs requires every run id to be positive.
// Returns an error listing all invalid ids if any fail validation.
func ValidateRunIDs(ids []int64) error {
	var invalid []int64
	for _, id := range ids {
		if id <= 0 {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid run ids: %v", invalid)
	}
	return nil
}
