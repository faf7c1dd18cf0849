// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package labapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
)

var cat001 = datatypes.Instrument{ID: "CAT001", Family: datatypes.FamilyChemistry}

// labServer records requests and answers with a fixed status per path.
type labServer struct {
	mu       sync.Mutex
	requests []string
	bodies   []string
	status   map[string]int
	replies  map[string]string
}

func newLabServer() *labServer {
	return &labServer{status: map[string]int{}, replies: map[string]string{}}
}

func (s *labServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body bytes.Buffer
	if r.Body != nil {
		_, _ = body.ReadFrom(r.Body)
	}
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	s.bodies = append(s.bodies, body.String())
	status, ok := s.status[r.URL.Path]
	reply := s.replies[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(reply))
}

func (s *labServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func newTestClient(t *testing.T, srv *httptest.Server, breaker BreakerConfig) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: srv.URL + "/api/", Breaker: breaker})
	require.NoError(t, err)
	return c
}

func TestClient_MaintenancePaths(t *testing.T) {
	ls := newLabServer()
	srv := httptest.NewServer(ls)
	defer srv.Close()
	c := newTestClient(t, srv, BreakerConfig{})
	ctx := context.Background()

	require.NoError(t, c.RequestProcedure(ctx, cat001, datatypes.ProcedureClean))
	require.NoError(t, c.CompleteProcedure(ctx, cat001, datatypes.ProcedureClean))
	require.NoError(t, c.CancelProcedure(ctx, cat001, datatypes.ProcedureCalibrate))

	assert.Equal(t, []string{
		"POST /api/chemistry/CAT001/maintenance/clean/request",
		"POST /api/chemistry/CAT001/maintenance/clean/complete",
		"POST /api/chemistry/CAT001/maintenance/calibrate/cancel",
	}, ls.Requests())
}

func TestClient_RejectedRequest(t *testing.T) {
	ls := newLabServer()
	ls.status["/api/chemistry/CAT001/maintenance/clean/request"] = http.StatusConflict
	ls.replies["/api/chemistry/CAT001/maintenance/clean/request"] = "already cleaning"
	srv := httptest.NewServer(ls)
	defer srv.Close()
	c := newTestClient(t, srv, BreakerConfig{FailureThreshold: 1})

	err := c.RequestProcedure(context.Background(), cat001, datatypes.ProcedureClean)
	require.Error(t, err)

	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusConflict, herr.StatusCode)
	assert.Equal(t, "already cleaning", herr.Body)
	assert.True(t, herr.Rejected())

	// A rejection is not a server failure.
	assert.Equal(t, BreakerClosed, c.BreakerState())
}

func TestClient_UserInputRequests(t *testing.T) {
	ls := newLabServer()
	ls.replies["/api/instrumentRun/7/userInputRequests"] = `[{"id":11,"kind":"assay-type","choices":["T4","cPL"]}]`
	srv := httptest.NewServer(ls)
	defer srv.Close()
	c := newTestClient(t, srv, BreakerConfig{})

	reqs, err := c.UserInputRequests(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(11), reqs[0].ID)
	assert.Equal(t, datatypes.RunID(7), reqs[0].RunID)
	assert.Equal(t, []string{"T4", "cPL"}, reqs[0].Choices)
}

func TestClient_MissingRunIsNotFound(t *testing.T) {
	ls := newLabServer()
	ls.status["/api/instrumentRun/7/userInputRequests"] = http.StatusNotFound
	ls.status["/api/instrumentRun/8/userInputRequests"] = http.StatusGone
	ls.status["/api/instrumentRun/9/userInputRequests"] = http.StatusServiceUnavailable
	srv := httptest.NewServer(ls)
	defer srv.Close()
	c := newTestClient(t, srv, BreakerConfig{FailureThreshold: 10})
	ctx := context.Background()

	_, err := c.UserInputRequests(ctx, 7)
	assert.True(t, c.IsNotFound(err))
	_, err = c.UserInputRequests(ctx, 8)
	assert.True(t, c.IsNotFound(err))
	_, err = c.UserInputRequests(ctx, 9)
	require.Error(t, err)
	assert.False(t, c.IsNotFound(err))

	assert.False(t, IsNotFound(nil))
	assert.False(t, IsNotFound(errors.New("connection reset")))
}

func TestClient_SubmitUserInput(t *testing.T) {
	ls := newLabServer()
	srv := httptest.NewServer(ls)
	defer srv.Close()
	c := newTestClient(t, srv, BreakerConfig{})
	ctx := context.Background()

	require.NoError(t, c.SubmitUserInput(ctx, 7, 11, "T4"))
	assert.Equal(t, []string{"POST /api/instrumentRun/7/userInputRequests/11"}, ls.Requests())

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(ls.bodies[0]), &body))
	assert.Equal(t, "T4", body["value"])

	err := c.SubmitUserInput(ctx, 7, 11, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Len(t, ls.Requests(), 1)
}

func TestClient_Instruments(t *testing.T) {
	ls := newLabServer()
	ls.replies["/api/instruments"] = `[{"id":"CAT001","family":"chemistry","name":"Catalyst One","status":"READY"}]`
	srv := httptest.NewServer(ls)
	defer srv.Close()
	c := newTestClient(t, srv, BreakerConfig{})

	got, err := c.Instruments(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, datatypes.StatusReady, got[0].Status)
	assert.Equal(t, "chemistry/CAT001", got[0].String())
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	ls := newLabServer()
	ls.status["/api/instruments"] = http.StatusServiceUnavailable
	srv := httptest.NewServer(ls)
	defer srv.Close()
	c := newTestClient(t, srv, BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Instruments(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, BreakerOpen, c.BreakerState())

	_, err := c.Instruments(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Len(t, ls.Requests(), 2)

	c.ResetBreaker()
	assert.Equal(t, BreakerClosed, c.BreakerState())
}

func TestClient_RateLimiterHonoursContext(t *testing.T) {
	ls := newLabServer()
	srv := httptest.NewServer(ls)
	defer srv.Close()
	c, err := New(Config{BaseURL: srv.URL, RequestsPerSecond: 0.001, Burst: 1})
	require.NoError(t, err)

	require.NoError(t, c.RequestProcedure(context.Background(), cat001, datatypes.ProcedureClean))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = c.RequestProcedure(ctx, cat001, datatypes.ProcedureClean)
	require.Error(t, err)
	assert.Len(t, ls.Requests(), 1)
}

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	b := newBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Minute}, func() time.Time { return now })
	boom := errors.New("connection reset")

	assert.ErrorIs(t, b.execute(func() error { return boom }), boom)
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.execute(func() error { return nil }), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.execute(func() error { return nil }))
	assert.Equal(t, BreakerHalfOpen, b.State())
	require.NoError(t, b.execute(func() error { return nil }))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	b := newBreaker(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute}, func() time.Time { return now })
	boom := errors.New("eof")

	_ = b.execute(func() error { return boom })
	now = now.Add(2 * time.Minute)
	_ = b.execute(func() error { return boom })
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "HALF_OPEN", BreakerHalfOpen.String())
	assert.Equal(t, "UNKNOWN(5)", BreakerState(5).String())
}
