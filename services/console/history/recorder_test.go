// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
)

type fakeWriter struct {
	points []*write.Point
	err    error
}

func (w *fakeWriter) WritePoint(_ context.Context, p ...*write.Point) error {
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, p...)
	return nil
}

func TestInfluxRecorder_PointShape(t *testing.T) {
	w := &fakeWriter{}
	r := NewRecorderWithWriter(w, nil)
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, r.Record(context.Background(), Record{
		InstrumentID: "CAT001",
		Family:       datatypes.FamilyChemistry,
		Procedure:    datatypes.ProcedureClean,
		State:        "COMPLETED",
		Duration:     90 * time.Second,
		At:           at,
	}))
	require.Len(t, w.points, 1)

	p := w.points[0]
	assert.Equal(t, Measurement, p.Name())
	assert.Equal(t, at, p.Time())

	tags := map[string]string{}
	for _, tg := range p.TagList() {
		tags[tg.Key] = tg.Value
	}
	assert.Equal(t, map[string]string{
		"instrument": "CAT001",
		"family":     "chemistry",
		"procedure":  "clean",
		"state":      "COMPLETED",
	}, tags)

	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 90.0, fields["duration_seconds"])
	assert.NotContains(t, fields, "detail")
}

func TestInfluxRecorder_UnknownFamilyAndDetail(t *testing.T) {
	w := &fakeWriter{}
	r := NewRecorderWithWriter(w, nil)

	require.NoError(t, r.Record(context.Background(), Record{
		InstrumentID: "PRO7", Procedure: datatypes.ProcedureCalibrate, State: "FAILED", Detail: "lamp error",
	}))
	p := w.points[0]
	for _, tg := range p.TagList() {
		if tg.Key == "family" {
			assert.Equal(t, "unknown", tg.Value)
		}
	}
	assert.False(t, p.Time().IsZero())
}

func TestInfluxRecorder_Errors(t *testing.T) {
	r := NewRecorderWithWriter(&fakeWriter{err: errors.New("bucket not found")}, nil)

	err := r.Record(context.Background(), Record{InstrumentID: "CAT001", State: "COMPLETED"})
	assert.ErrorContains(t, err, "bucket not found")

	err = r.Record(context.Background(), Record{State: "COMPLETED"})
	assert.ErrorIs(t, err, ErrIncompleteRecord)
}

func TestNewInfluxRecorder_WritesLineProtocol(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		body  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		body = string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r, err := NewInfluxRecorder(InfluxConfig{URL: srv.URL, Token: "t", Org: "clinic", Bucket: "maintenance"}, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Record(context.Background(), Record{
		InstrumentID: "CAT001", Family: datatypes.FamilyChemistry, Procedure: datatypes.ProcedureClean,
		State: "COMPLETED", Duration: 2 * time.Second,
	}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.True(t, strings.HasPrefix(paths[0], "/api/v2/write?"))
	assert.Contains(t, paths[0], "bucket=maintenance")
	assert.True(t, strings.HasPrefix(body, Measurement+","))
	assert.Contains(t, body, "instrument=CAT001")
	assert.Contains(t, body, "duration_seconds=2")
}

func TestNewInfluxRecorder_RequiresURL(t *testing.T) {
	_, err := NewInfluxRecorder(InfluxConfig{}, nil)
	assert.Error(t, err)
	assert.False(t, InfluxConfig{}.Enabled())
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = NopRecorder{}
	assert.NoError(t, r.Record(context.Background(), Record{}))
	r.Close()
}
