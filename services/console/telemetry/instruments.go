// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Instruments are the OTel instruments recorded by the station.
//
// Thread Safety: Safe for concurrent use after creation.
type Instruments struct {
	// OperationsResolved counts terminal correlated operations by
	// procedure and state.
	OperationsResolved metric.Int64Counter

	// OperationDuration records issue-to-terminal time in seconds.
	OperationDuration metric.Float64Histogram

	// EventDispatchLag records seconds between receiving an event and the
	// station observing it.
	EventDispatchLag metric.Float64Histogram
}

// NewInstruments registers the station instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	in := &Instruments{}
	var err error

	in.OperationsResolved, err = meter.Int64Counter(
		"labconsole.operations.resolved",
		metric.WithDescription("Terminal correlated operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("create operations.resolved: %w", err)
	}

	in.OperationDuration, err = meter.Float64Histogram(
		"labconsole.operations.duration",
		metric.WithDescription("Correlated operation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create operations.duration: %w", err)
	}

	in.EventDispatchLag, err = meter.Float64Histogram(
		"labconsole.events.dispatch_lag",
		metric.WithDescription("Delay between event receipt and station observation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events.dispatch_lag: %w", err)
	}
	return in, nil
}

// RecordOperation records one terminal operation.
func (in *Instruments) RecordOperation(ctx context.Context, procedure, state string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("procedure", procedure),
		attribute.String("state", state),
	)
	in.OperationsResolved.Add(ctx, 1, attrs)
	in.OperationDuration.Record(ctx, seconds, attrs)
}

// LoggerWithTrace returns logger annotated with the trace and span ids of
// the span in ctx, or logger unchanged when there is none.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctx == nil {
		return logger
	}
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
	)
}
