// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wizard runs multi-step maintenance procedures as a stack of
// finite state machines.
//
// Each procedure is a Definition: an ordered list of steps, some of which
// issue a correlated request on entry and gate Next on its result. A step
// may offer a detour into another procedure, which is pushed as a new frame
// on top of the parent; the parent's position is untouched until the child
// frame is popped by completion or cancellation.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/labconsole/services/console/correlate"
	"github.com/AleutianAI/labconsole/services/console/datatypes"
)

// API is the maintenance REST collaborator. Every call returns when the
// server accepted or rejected it; none of them wait for the hardware.
type API interface {
	RequestProcedure(ctx context.Context, inst datatypes.Instrument, proc datatypes.ProcedureKind) error
	CompleteProcedure(ctx context.Context, inst datatypes.Instrument, proc datatypes.ProcedureKind) error
	CancelProcedure(ctx context.Context, inst datatypes.Instrument, proc datatypes.ProcedureKind) error
}

// Operations is the correlated request queue the engine issues through.
// *correlate.Queue satisfies it.
type Operations interface {
	Issue(ctx context.Context, subject datatypes.Subject, request correlate.RequestFunc) (correlate.Operation, error)
	CancelLocally(subject datatypes.Subject) (correlate.Operation, bool)
	Get(subject datatypes.Subject) (correlate.Operation, bool)
	Threshold(subject datatypes.Subject) time.Duration
}

// Config configures an Engine.
type Config struct {
	// Catalog holds the procedures. Nil uses DefaultCatalog().
	Catalog Catalog

	API        API
	Operations Operations

	// CancelTimeout bounds each fire-and-forget cancel request. Zero uses 10s.
	CancelTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Engine starts wizards and owns the set of open ones.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Each Wizard serializes its own
// transitions.
type Engine struct {
	catalog       Catalog
	api           API
	ops           Operations
	cancelTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu     sync.Mutex
	active map[string]*Wizard

	// cancels tracks in-flight fire-and-forget cancel requests.
	cancels sync.WaitGroup
}

// NewEngine validates cfg and its catalog.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.API == nil || cfg.Operations == nil {
		return nil, errors.New("wizard: API and Operations are required")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if err := cfg.Catalog.Validate(); err != nil {
		return nil, err
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		catalog:       cfg.Catalog,
		api:           cfg.API,
		ops:           cfg.Operations,
		cancelTimeout: cfg.CancelTimeout,
		logger:        cfg.Logger.With("component", "wizard_engine"),
		now:           cfg.Now,
		active:        make(map[string]*Wizard),
	}, nil
}

// Catalog returns the engine's procedure catalog.
func (e *Engine) Catalog() Catalog { return e.catalog }

// Start opens a wizard for procedure on inst and enters its first step.
//
// # Description
//
// If the first step issues a request and the request is rejected, the
// wizard still opens; the step shows the failed operation and offers Retry.
//
// # Outputs
//
//   - *Wizard: The open wizard.
//   - error: ErrUnknownProcedure, or a validation error for inst.
func (e *Engine) Start(ctx context.Context, inst datatypes.Instrument, procedure datatypes.ProcedureKind) (*Wizard, error) {
	if inst.ID == "" || inst.Family == "" {
		return nil, fmt.Errorf("wizard: instrument %q needs id and family", inst.String())
	}
	def, err := e.catalog.Lookup(procedure)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "Engine.Start")
	defer span.End()

	w := &Wizard{
		id:         uuid.NewString(),
		instrument: inst,
		engine:     e,
		status:     StatusActive,
		startedAt:  e.now(),
	}
	w.mu.Lock()
	w.pushLocked(ctx, def)
	w.mu.Unlock()

	e.mu.Lock()
	e.active[w.id] = w
	activeGauge.Set(float64(len(e.active)))
	e.mu.Unlock()

	transitionsTotal.WithLabelValues(string(procedure), "start").Inc()
	e.logger.Info("wizard started", "wizard", w.id, "instrument", inst.String(), "procedure", procedure)
	return w, nil
}

// Active returns views of every open wizard, oldest first.
func (e *Engine) Active() []View {
	e.mu.Lock()
	ws := make([]*Wizard, 0, len(e.active))
	for _, w := range e.active {
		ws = append(ws, w)
	}
	e.mu.Unlock()

	sort.Slice(ws, func(i, j int) bool { return ws[i].startedAt.Before(ws[j].startedAt) })
	out := make([]View, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.View())
	}
	return out
}

// Wait blocks until every fire-and-forget cancel request has returned.
func (e *Engine) Wait() {
	e.cancels.Wait()
}

func (e *Engine) finished(w *Wizard) {
	e.mu.Lock()
	delete(e.active, w.id)
	activeGauge.Set(float64(len(e.active)))
	e.mu.Unlock()
}

// sendCancel fires the cancel request without waiting for it. Its outcome,
// if any, arrives as a push event.
func (e *Engine) sendCancel(ctx context.Context, inst datatypes.Instrument, proc datatypes.ProcedureKind) {
	e.cancels.Add(1)
	go func() {
		defer e.cancels.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cancelTimeout)
		defer cancel()
		if err := e.api.CancelProcedure(ctx, inst, proc); err != nil {
			cancelRequestErrorsTotal.WithLabelValues(string(proc)).Inc()
			e.logger.Warn("cancel request failed", "instrument", inst.String(), "procedure", proc, "error", err)
		}
	}()
}
