// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package station assembles the console core: the event channel feeds the
// cache coordinator and both queues, and the wizard engine issues through
// the correlated request queue.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/labconsole/services/console/cache"
	"github.com/AleutianAI/labconsole/services/console/correlate"
	"github.com/AleutianAI/labconsole/services/console/datatypes"
	"github.com/AleutianAI/labconsole/services/console/events"
	"github.com/AleutianAI/labconsole/services/console/history"
	"github.com/AleutianAI/labconsole/services/console/labapi"
	"github.com/AleutianAI/labconsole/services/console/status"
	"github.com/AleutianAI/labconsole/services/console/telemetry"
	"github.com/AleutianAI/labconsole/services/console/userinput"
	"github.com/AleutianAI/labconsole/services/console/wizard"
)

// ErrUnknownInstrument is returned when an instrument id is not attached.
var ErrUnknownInstrument = errors.New("unknown instrument")

// API is every lab server call the station makes. *labapi.Client
// satisfies it.
type API interface {
	wizard.API
	userinput.API
	Instruments(ctx context.Context) ([]datatypes.Instrument, error)
}

// breakerReporter is implemented by API clients with a circuit breaker.
type breakerReporter interface {
	BreakerState() labapi.BreakerState
}

// Config configures a Station.
type Config struct {
	Channel events.ChannelConfig
	API     API

	// GlobalSettings overrides cache.DefaultGlobalSettings when non-nil.
	GlobalSettings []datatypes.Setting

	// Thresholds overrides still-waiting thresholds per procedure.
	Thresholds map[datatypes.ProcedureKind]time.Duration

	UserInputRetry time.Duration
	CancelTimeout  time.Duration

	// Recorder receives terminal outcomes. Nil uses history.NopRecorder.
	Recorder history.Recorder

	// StatusAddr enables the diagnostics server when set.
	StatusAddr string

	// Metrics is served on the diagnostics server's /metrics.
	Metrics http.Handler

	Logger *slog.Logger
	Now    func() time.Time
}

// Station owns the wired components.
//
// # Thread Safety
//
// Station is safe for concurrent use.
type Station struct {
	channel  *events.Channel
	cache    *cache.Coordinator
	ops      *correlate.Queue
	inputs   *userinput.Queue
	engine   *wizard.Engine
	api      API
	recorder history.Recorder
	meters   *telemetry.Instruments
	server   *status.Server
	logger   *slog.Logger
	now      func() time.Time

	instrumentsDue chan struct{}

	mu          sync.RWMutex
	instruments map[string]datatypes.Instrument

	detach  []func()
	records sync.WaitGroup
}

// New builds and wires every component. Nothing connects until Run.
func New(cfg Config) (*Station, error) {
	if cfg.API == nil {
		return nil, errors.New("station: API is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Recorder == nil {
		cfg.Recorder = history.NopRecorder{}
	}
	if cfg.Channel.Logger == nil {
		cfg.Channel.Logger = cfg.Logger
	}

	channel, err := events.NewChannel(cfg.Channel, events.NewBus(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("event channel: %w", err)
	}
	coordinator, err := cache.NewCoordinator(cache.Config{
		GlobalSettings: cfg.GlobalSettings,
		Logger:         cfg.Logger,
		Now:            cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("cache coordinator: %w", err)
	}
	ops := correlate.NewQueue(correlate.Config{
		Thresholds: cfg.Thresholds,
		Logger:     cfg.Logger,
		Now:        cfg.Now,
	})
	inputs, err := userinput.NewQueue(userinput.Config{
		API:           cfg.API,
		Cache:         coordinator,
		RetryInterval: cfg.UserInputRetry,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("user input queue: %w", err)
	}
	engine, err := wizard.NewEngine(wizard.Config{
		API:           cfg.API,
		Operations:    ops,
		CancelTimeout: cfg.CancelTimeout,
		Logger:        cfg.Logger,
		Now:           cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("wizard engine: %w", err)
	}
	meters, err := telemetry.NewInstruments(otel.Meter("labconsole.station"))
	if err != nil {
		return nil, err
	}

	s := &Station{
		channel:        channel,
		cache:          coordinator,
		ops:            ops,
		inputs:         inputs,
		engine:         engine,
		api:            cfg.API,
		recorder:       cfg.Recorder,
		meters:         meters,
		logger:         cfg.Logger.With("component", "station"),
		now:            cfg.Now,
		instrumentsDue: make(chan struct{}, 1),
		instruments:    make(map[string]datatypes.Instrument),
	}

	if cfg.StatusAddr != "" {
		s.server, err = status.NewServer(status.Config{
			Addr:    cfg.StatusAddr,
			Metrics: cfg.Metrics,
			Logger:  cfg.Logger,
		}, s)
		if err != nil {
			return nil, err
		}
	}

	// Subscription order is dispatch order: regions are marked stale before
	// either queue reacts to the same event.
	s.detach = append(s.detach,
		coordinator.Attach(channel),
		ops.Attach(channel),
		inputs.Attach(channel),
		ops.OnChange(s.onOperationChange),
		coordinator.OnInvalidate(s.onInvalidate),
		channel.Bus().SubscribeAll(s.observeEvent),
		channel.OnStateChange(func(st events.ConnectionState) {
			s.logger.Info("event stream state changed", "state", st.String())
		}),
	)
	return s, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run connects the event stream and runs every background loop until ctx
// is done or one of them fails.
func (s *Station) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.channel.Run(ctx) })
	g.Go(func() error { return s.inputs.Run(ctx) })
	g.Go(func() error { return s.refreshInstrumentsLoop(ctx) })
	if s.server != nil {
		g.Go(func() error { return s.server.Run(ctx) })
	}

	// The first read of every region happens on demand; prime the instrument
	// list so lookups by id work without a prior listing.
	s.scheduleInstruments()

	err := g.Wait()
	s.engine.Wait()
	s.records.Wait()
	return err
}

// Close detaches every subscription and releases the recorder.
func (s *Station) Close() {
	for _, fn := range s.detach {
		fn()
	}
	s.detach = nil
	s.records.Wait()
	s.recorder.Close()
}

// SetGlobalSettings replaces the settings whose change invalidates every
// region.
func (s *Station) SetGlobalSettings(settings []datatypes.Setting) {
	s.cache.SetGlobalSettings(settings)
}

// =============================================================================
// Accessors
// =============================================================================

// Channel returns the event channel.
func (s *Station) Channel() *events.Channel { return s.channel }

// Cache returns the cache coordinator.
func (s *Station) Cache() *cache.Coordinator { return s.cache }

// Operations returns the correlated request queue.
func (s *Station) Operations() *correlate.Queue { return s.ops }

// Inputs returns the user-input request queue.
func (s *Station) Inputs() *userinput.Queue { return s.inputs }

// Engine returns the wizard engine.
func (s *Station) Engine() *wizard.Engine { return s.engine }

// =============================================================================
// Instruments
// =============================================================================

// Instruments returns the attached instruments sorted by family and id,
// fetching them when the Instruments region is stale.
func (s *Station) Instruments(ctx context.Context) ([]datatypes.Instrument, error) {
	if err := s.cache.Read(ctx, cache.RegionInstruments, s.fetchInstruments); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]datatypes.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, inst)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Instrument looks up an attached instrument by id.
func (s *Station) Instrument(ctx context.Context, id string) (datatypes.Instrument, error) {
	if err := s.cache.Read(ctx, cache.RegionInstruments, s.fetchInstruments); err != nil {
		return datatypes.Instrument{}, err
	}
	s.mu.RLock()
	inst, ok := s.instruments[id]
	s.mu.RUnlock()
	if !ok {
		return datatypes.Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, id)
	}
	return inst, nil
}

func (s *Station) fetchInstruments(ctx context.Context) error {
	list, err := s.api.Instruments(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]datatypes.Instrument, len(list))
	for _, inst := range list {
		next[inst.ID] = inst
	}
	s.mu.Lock()
	s.instruments = next
	s.mu.Unlock()
	return nil
}

func (s *Station) scheduleInstruments() {
	select {
	case s.instrumentsDue <- struct{}{}:
	default:
	}
}

func (s *Station) refreshInstrumentsLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.instrumentsDue:
		}
		if err := s.cache.Read(ctx, cache.RegionInstruments, s.fetchInstruments); err != nil && ctx.Err() == nil {
			s.logger.Warn("instrument refresh failed", "error", err)
		}
	}
}

func (s *Station) onInvalidate(regions []cache.Region, _ cache.Reason) {
	for _, r := range regions {
		if r == cache.RegionInstruments {
			s.scheduleInstruments()
			return
		}
	}
}

// =============================================================================
// Maintenance
// =============================================================================

// StartMaintenance opens a wizard for procedure on the instrument with id.
func (s *Station) StartMaintenance(ctx context.Context, id string, procedure datatypes.ProcedureKind) (*wizard.Wizard, error) {
	inst, err := s.Instrument(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.engine.Start(ctx, inst, procedure)
}

func (s *Station) onOperationChange(op correlate.Operation) {
	if !op.State.IsTerminal() {
		return
	}
	procedure := string(op.Subject.Procedure)
	if procedure == "" {
		procedure = "run"
	}
	dur := op.Duration(s.now())
	s.meters.RecordOperation(context.Background(), procedure, op.State.String(), dur.Seconds())

	if op.Subject.InstrumentID == "" {
		return
	}
	s.mu.RLock()
	family := s.instruments[op.Subject.InstrumentID].Family
	s.mu.RUnlock()

	rec := history.Record{
		InstrumentID: op.Subject.InstrumentID,
		Family:       family,
		Procedure:    op.Subject.Procedure,
		State:        op.State.String(),
		Detail:       op.Detail,
		Duration:     dur,
		At:           op.ResolvedAt,
	}
	// Change handlers run on the event goroutine; the write must not stall it.
	s.records.Add(1)
	go func() {
		defer s.records.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.recorder.Record(ctx, rec)
	}()
}

func (s *Station) observeEvent(ev events.Event) {
	if !ev.ReceivedAt.IsZero() {
		s.meters.EventDispatchLag.Record(context.Background(), s.now().Sub(ev.ReceivedAt).Seconds())
	}
	s.logger.Debug("event", "kind", ev.Kind, "seq", ev.Seq)
}

// =============================================================================
// Status
// =============================================================================

// Snapshot implements status.Provider.
func (s *Station) Snapshot() status.Snapshot {
	state := s.channel.State()
	snap := status.Snapshot{
		Connection:   state.String(),
		Connected:    state == events.StateOpen,
		Regions:      s.cache.Snapshot(),
		Stale:        s.cache.Stale(),
		Pending:      s.ops.Pending(),
		StillWaiting: s.ops.StillWaiting(),
		UserInput: status.UserInput{
			Depth: s.inputs.Len(),
			Phase: s.inputs.Phase().String(),
		},
		Wizards:     s.engine.Active(),
		GeneratedAt: s.now(),
	}
	if head, ok := s.inputs.Head(); ok {
		snap.UserInput.Head = &head
	}
	if br, ok := s.api.(breakerReporter); ok {
		snap.Breaker = br.BreakerState().String()
	}
	return snap
}
