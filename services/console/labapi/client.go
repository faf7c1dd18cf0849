// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package labapi is the client for the lab-management server's REST API.
//
// Maintenance calls only report whether the server accepted the request;
// hardware outcomes arrive as push events. The client rate-limits its own
// traffic and stops calling a server that keeps failing.
package labapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 2048

// Config configures a Client.
type Config struct {
	// BaseURL is the lab server root, e.g. http://localhost:8080/api.
	BaseURL string `validate:"required,url"`

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// RequestsPerSecond limits outgoing requests. Zero means no limit.
	RequestsPerSecond float64 `validate:"gte=0"`

	// Burst is the limiter burst. Zero uses 1.
	Burst int `validate:"gte=0"`

	Breaker BreakerConfig

	Logger *slog.Logger
	Now    func() time.Time
}

// Client calls the lab server.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	base     *url.URL
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *breaker
	validate *validator.Validate
	logger   *slog.Logger
}

// New validates cfg and creates a Client.
func New(cfg Config) (*Client, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("labapi config: %w", err)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("labapi base url: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	logger := cfg.Logger.With("component", "labapi")
	userHook := cfg.Breaker.OnStateChange
	cfg.Breaker.OnStateChange = func(from, to BreakerState) {
		logger.Warn("lab server circuit breaker changed state", "from", from.String(), "to", to.String())
		if userHook != nil {
			userHook(from, to)
		}
	}

	return &Client{
		base:     base,
		http:     cfg.HTTPClient,
		limiter:  rate.NewLimiter(limit, burst),
		breaker:  newBreaker(cfg.Breaker, cfg.Now),
		validate: v,
		logger:   logger,
	}, nil
}

// BreakerState returns the circuit breaker state.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// IsNotFound reports whether err from this client says the resource is gone.
func (c *Client) IsNotFound(err error) bool {
	return IsNotFound(err)
}

// ResetBreaker forces the circuit breaker closed.
func (c *Client) ResetBreaker() {
	c.breaker.reset()
}

// =============================================================================
// Maintenance
// =============================================================================

func maintenancePath(inst datatypes.Instrument, proc datatypes.ProcedureKind, verb string) string {
	return "/" + url.PathEscape(string(inst.Family)) +
		"/" + url.PathEscape(inst.ID) +
		"/maintenance/" + url.PathEscape(string(proc)) +
		"/" + verb
}

// RequestProcedure asks the instrument to start proc.
// POST /{family}/{instrumentId}/maintenance/{procedure}/request
func (c *Client) RequestProcedure(ctx context.Context, inst datatypes.Instrument, proc datatypes.ProcedureKind) error {
	return c.do(ctx, http.MethodPost, maintenancePath(inst, proc, "request"), "maintenance_request", nil, nil)
}

// CompleteProcedure records that the operator confirmed the final step.
// POST /{family}/{instrumentId}/maintenance/{procedure}/complete
func (c *Client) CompleteProcedure(ctx context.Context, inst datatypes.Instrument, proc datatypes.ProcedureKind) error {
	return c.do(ctx, http.MethodPost, maintenancePath(inst, proc, "complete"), "maintenance_complete", nil, nil)
}

// CancelProcedure asks the instrument to abandon proc.
// POST /{family}/{instrumentId}/maintenance/{procedure}/cancel
func (c *Client) CancelProcedure(ctx context.Context, inst datatypes.Instrument, proc datatypes.ProcedureKind) error {
	return c.do(ctx, http.MethodPost, maintenancePath(inst, proc, "cancel"), "maintenance_cancel", nil, nil)
}

// =============================================================================
// Runs and instruments
// =============================================================================

// submission is the body of a user input submission.
type submission struct {
	Value string `json:"value" validate:"required,max=256"`
}

// UserInputRequests lists the outstanding requests for run.
// GET /instrumentRun/{runId}/userInputRequests
func (c *Client) UserInputRequests(ctx context.Context, run datatypes.RunID) ([]datatypes.UserInputRequest, error) {
	var out []datatypes.UserInputRequest
	path := "/instrumentRun/" + run.String() + "/userInputRequests"
	if err := c.do(ctx, http.MethodGet, path, "user_input_requests", nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].RunID == 0 {
			out[i].RunID = run
		}
	}
	return out, nil
}

// SubmitUserInput answers one request of run.
// POST /instrumentRun/{runId}/userInputRequests/{requestId}
func (c *Client) SubmitUserInput(ctx context.Context, run datatypes.RunID, requestID int64, value string) error {
	body := submission{Value: value}
	if err := c.validate.Struct(body); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	path := "/instrumentRun/" + run.String() + "/userInputRequests/" + strconv.FormatInt(requestID, 10)
	return c.do(ctx, http.MethodPost, path, "user_input_submit", body, nil)
}

// Instruments lists the attached instruments.
// GET /instruments
func (c *Client) Instruments(ctx context.Context) ([]datatypes.Instrument, error) {
	var out []datatypes.Instrument
	if err := c.do(ctx, http.MethodGet, "/instruments", "instruments", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// Transport
// =============================================================================

// do sends one request. route is a low-cardinality name for metrics.
func (c *Client) do(ctx context.Context, method, path, route string, in, out any) error {
	ctx, span := tracer.Start(ctx, "labapi."+route, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: rate limiter: %w", method, path, err)
	}

	err := c.breaker.execute(func() error {
		return c.roundTrip(ctx, span, method, path, route, in, out)
	})
	if errors.Is(err, ErrCircuitOpen) {
		breakerRejectionsTotal.Inc()
		err = fmt.Errorf("%s %s: %w", method, path, ErrCircuitOpen)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, span trace.Span, method, path, route string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode body: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.http.Do(req)
	requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(route, "0").Inc()
		c.logger.Warn("lab server request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(route, strconv.Itoa(resp.StatusCode)).Inc()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		herr := &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
		if herr.Rejected() {
			c.logger.Info("lab server rejected request", "method", method, "path", path, "status", resp.StatusCode)
		} else {
			c.logger.Warn("lab server error", "method", method, "path", path, "status", resp.StatusCode)
		}
		return herr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
