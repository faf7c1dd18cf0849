// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
)

// ErrPromptAborted is returned when the operator dismisses the prompt.
var ErrPromptAborted = errors.New("prompt aborted")

// PromptForm builds the form for one user-input request. The answer is
// written to value when the form completes.
func PromptForm(req datatypes.UserInputRequest, value *string) *huh.Form {
	title := req.Prompt
	if title == "" {
		title = fmt.Sprintf("Run %s needs %s", req.RunID, req.Kind)
	}

	var field huh.Field
	if len(req.Choices) > 0 {
		field = huh.NewSelect[string]().
			Title(title).
			Options(huh.NewOptions(req.Choices...)...).
			Value(value)
	} else {
		field = huh.NewInput().
			Title(title).
			Value(value).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("a value is required")
				}
				return nil
			})
	}
	return huh.NewForm(huh.NewGroup(field))
}

// PromptValue asks the operator to answer req. accessible renders plain
// prompts for screen readers and non-terminal output.
func PromptValue(ctx context.Context, req datatypes.UserInputRequest, accessible bool) (string, error) {
	var value string
	form := PromptForm(req, &value).WithAccessible(accessible)
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", ErrPromptAborted
		}
		return "", err
	}
	return strings.TrimSpace(value), nil
}
