// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history records terminal maintenance outcomes.
//
// Each completed, failed or cancelled correlated operation becomes one point
// in the maintenance_outcomes measurement, so a lab can chart how often and
// how long its instruments spend in maintenance.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
)

// Measurement is the InfluxDB measurement outcomes are written to.
const Measurement = "maintenance_outcomes"

// ErrIncompleteRecord is returned for a record without an instrument or state.
var ErrIncompleteRecord = errors.New("history record needs instrument and state")

var recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "labconsole_history_records_total",
	Help: "Maintenance outcomes written to history, by result",
}, []string{"result"})

// Record is one terminal maintenance outcome.
type Record struct {
	InstrumentID string
	Family       datatypes.InstrumentFamily
	Procedure    datatypes.ProcedureKind

	// State is the terminal state name, e.g. COMPLETED.
	State    string
	Detail   string
	Duration time.Duration
	At       time.Time
}

// Recorder stores outcome records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
	Close()
}

// NopRecorder discards records. It is used when no sink is configured.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, Record) error { return nil }

// Close implements Recorder.
func (NopRecorder) Close() {}

// PointWriter writes points synchronously. api.WriteAPIBlocking satisfies it.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxConfig configures an InfluxDB sink.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" validate:"required_with=URL"`
}

// Enabled reports whether a sink URL is set.
func (c InfluxConfig) Enabled() bool { return c.URL != "" }

// InfluxRecorder writes records to InfluxDB.
//
// # Thread Safety
//
// Safe for concurrent use.
type InfluxRecorder struct {
	client influxdb2.Client
	writer PointWriter
	logger *slog.Logger
}

// NewInfluxRecorder connects a recorder to the configured bucket.
func NewInfluxRecorder(cfg InfluxConfig, logger *slog.Logger) (*InfluxRecorder, error) {
	if !cfg.Enabled() {
		return nil, errors.New("influx url is required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	r := NewRecorderWithWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), logger)
	r.client = client
	return r, nil
}

// NewRecorderWithWriter wraps an existing writer.
func NewRecorderWithWriter(w PointWriter, logger *slog.Logger) *InfluxRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &InfluxRecorder{writer: w, logger: logger.With("component", "history")}
}

// Record writes rec as one point.
func (r *InfluxRecorder) Record(ctx context.Context, rec Record) error {
	if rec.InstrumentID == "" || rec.State == "" {
		return ErrIncompleteRecord
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	if err := r.writer.WritePoint(ctx, toPoint(rec)); err != nil {
		recordsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("failed to write maintenance outcome",
			"instrument", rec.InstrumentID, "procedure", rec.Procedure, "error", err)
		return fmt.Errorf("write %s point: %w", Measurement, err)
	}
	recordsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Close releases the client, if the recorder owns one.
func (r *InfluxRecorder) Close() {
	if r.client != nil {
		r.client.Close()
	}
}

func toPoint(rec Record) *write.Point {
	family := string(rec.Family)
	if family == "" {
		family = "unknown"
	}
	p := influxdb2.NewPointWithMeasurement(Measurement).
		AddTag("instrument", rec.InstrumentID).
		AddTag("family", family).
		AddTag("procedure", string(rec.Procedure)).
		AddTag("state", rec.State).
		AddField("duration_seconds", rec.Duration.Seconds()).
		SetTime(rec.At)
	if rec.Detail != "" {
		p.AddField("detail", rec.Detail)
	}
	return p
}
