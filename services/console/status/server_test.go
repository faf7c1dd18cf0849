// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labconsole/services/console/cache"
	"github.com/AleutianAI/labconsole/services/console/correlate"
	"github.com/AleutianAI/labconsole/services/console/datatypes"
	"github.com/AleutianAI/labconsole/services/console/userinput"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticProvider struct{ snap Snapshot }

func (p staticProvider) Snapshot() Snapshot { return p.snap }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	s, err := NewServer(Config{}, staticProvider{})
	require.NoError(t, err)

	w := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestServer_Ready(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		want      int
	}{
		{"open", true, http.StatusOK},
		{"reconnecting", false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewServer(Config{}, staticProvider{Snapshot{Connected: tt.connected, Connection: tt.name}})
			require.NoError(t, err)
			assert.Equal(t, tt.want, get(t, s.Handler(), "/readyz").Code)
		})
	}
}

func TestServer_Status(t *testing.T) {
	issued := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Connection: "OPEN",
		Connected:  true,
		Stale:      []cache.Region{cache.RegionInstruments},
		Pending: []correlate.Operation{{
			ID:       "op-1",
			Subject:  datatypes.ProcedureSubject("CAT001", datatypes.ProcedureClean),
			State:    correlate.StateAwaitingResult,
			IssuedAt: issued,
		}},
		UserInput: UserInput{
			Depth: 2,
			Phase: userinput.PhasePending.String(),
			Head:  &userinput.Head{RunID: 7, Phase: userinput.PhasePending},
		},
	}
	s, err := NewServer(Config{}, staticProvider{snap})
	require.NoError(t, err)

	w := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var got Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "OPEN", got.Connection)
	assert.Equal(t, []cache.Region{cache.RegionInstruments}, got.Stale)
	require.Len(t, got.Pending, 1)
	assert.Equal(t, "CAT001", got.Pending[0].Subject.InstrumentID)
	assert.Equal(t, 2, got.UserInput.Depth)
	require.NotNil(t, got.UserInput.Head)
	assert.Equal(t, datatypes.RunID(7), got.UserInput.Head.RunID)
}

func TestServer_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("labconsole_up 1\n"))
	})

	s, err := NewServer(Config{Metrics: metrics}, staticProvider{})
	require.NoError(t, err)
	w := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "labconsole_up")

	s, err = NewServer(Config{}, staticProvider{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/metrics").Code)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s, err := NewServer(Config{Addr: "127.0.0.1:0"}, staticProvider{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewServer_RequiresProvider(t *testing.T) {
	_, err := NewServer(Config{}, nil)
	assert.Error(t, err)
}
