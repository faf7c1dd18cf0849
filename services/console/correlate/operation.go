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
	"fmt"
	"time"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
)

// State is the lifecycle position of a correlated operation.
type State int

const (
	// StateRequested is the state of an operation before its request is sent.
	StateRequested State = iota

	// StateAwaitingResult means the request was issued and the resolving
	// push event has not arrived.
	StateAwaitingResult

	// StateCompleted means the instrument reported success.
	StateCompleted

	// StateCancelled means the operator backed out locally.
	StateCancelled

	// StateFailed means the instrument reported failure or the server
	// rejected the request.
	StateFailed
)

var stateNames = [...]string{
	StateRequested:      "REQUESTED",
	StateAwaitingResult: "AWAITING_RESULT",
	StateCompleted:      "COMPLETED",
	StateCancelled:      "CANCELLED",
	StateFailed:         "FAILED",
}

// String returns the upper-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
	return stateNames[s]
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Pending reports whether the operation still blocks a new issue for its
// subject.
func (s State) Pending() bool {
	return s == StateRequested || s == StateAwaitingResult
}

// Operation is a snapshot of one correlated request.
//
// Operations are values; the Queue hands out copies so callers can hold one
// without racing the event goroutine.
type Operation struct {
	// ID is unique per issue, so a retried operation on the same subject is
	// distinguishable from the failed one.
	ID string `json:"id"`

	Subject datatypes.Subject `json:"subject"`
	State   State             `json:"state"`

	IssuedAt   time.Time `json:"issued_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	// Outcome is set when a push event resolved the operation.
	Outcome datatypes.Outcome `json:"outcome,omitempty"`

	// Detail is the optional free text the instrument attached to its result.
	Detail string `json:"detail,omitempty"`

	// Err is set when the server rejected the request.
	Err error `json:"-"`
}

// Duration returns how long the operation took, or has been pending so far.
func (o Operation) Duration(now time.Time) time.Duration {
	if !o.ResolvedAt.IsZero() {
		return o.ResolvedAt.Sub(o.IssuedAt)
	}
	return now.Sub(o.IssuedAt)
}

// StillWaiting reports whether the operation has been awaiting its result
// for longer than after. A still-waiting operation is never failed
// automatically; the caller surfaces it as "still in progress".
func (o Operation) StillWaiting(now time.Time, after time.Duration) bool {
	if o.State != StateAwaitingResult || after <= 0 {
		return false
	}
	return now.Sub(o.IssuedAt) >= after
}
