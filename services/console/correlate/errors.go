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
	"errors"
	"fmt"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
)

var (
	// ErrAwaitingResult is returned when a subject already has an operation
	// awaiting its result.
	ErrAwaitingResult = errors.New("subject already awaiting result")

	// ErrInvalidSubject is returned for a zero subject.
	ErrInvalidSubject = errors.New("invalid subject")
)

// ViolationError reports a rejected duplicate issue. It wraps
// ErrAwaitingResult and carries the operation that is still pending.
type ViolationError struct {
	Subject datatypes.Subject
	Pending Operation
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("correlate: %s: %v (operation %s)", e.Subject, ErrAwaitingResult, e.Pending.ID)
}

func (e *ViolationError) Unwrap() error {
	return ErrAwaitingResult
}

// RequestError reports that the server rejected the request that started an
// operation. The operation is Failed.
type RequestError struct {
	Subject datatypes.Subject
	Err     error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("correlate: request for %s rejected: %v", e.Subject, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
