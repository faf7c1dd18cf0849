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

import "errors"

var (
	// ErrMissingKind is returned when a wire message has no "id" field.
	ErrMissingKind = errors.New("event without kind")

	// ErrWrongKind is returned when a payload decoder is used on another kind.
	ErrWrongKind = errors.New("payload decoder used on wrong event kind")

	// ErrInvalidPayload is returned when a payload cannot be decoded or is incomplete.
	ErrInvalidPayload = errors.New("invalid event payload")

	// ErrChannelRunning is returned when Run is called on a Channel that is already running.
	ErrChannelRunning = errors.New("event channel already running")

	// ErrNoURL is returned when a Channel is configured without a stream URL.
	ErrNoURL = errors.New("event channel requires a stream URL")
)
