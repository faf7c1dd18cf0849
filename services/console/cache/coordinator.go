// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache coordinates staleness of the console's server-derived data.
//
// The Coordinator owns no data. It maps push events to named regions, marks
// those regions stale, and gates refetches so that a region only becomes
// fresh again through a successful read that started after the last
// invalidation.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/labconsole/services/console/datatypes"
	"github.com/AleutianAI/labconsole/services/console/events"
)

// ErrUndeclaredRegion is returned when the table references a region that
// was not declared.
var ErrUndeclaredRegion = errors.New("table references undeclared region")

// Source is the event feed a Coordinator attaches to. *events.Channel
// satisfies it.
type Source interface {
	Subscribe(kind events.Kind, handler events.Handler) func()
	OnReconnect(handler events.ReconnectHandler) func()
}

// InvalidationHandler observes invalidations. regions lists every region the
// triggering event touched, including ones that were already stale.
type InvalidationHandler func(regions []Region, reason Reason)

// Config configures a Coordinator.
type Config struct {
	// Table maps event kinds to regions. Nil uses DefaultTable().
	Table Table

	// Regions declares every region. Nil uses AllRegions().
	Regions []Region

	// GlobalSettings lists settings whose change invalidates every region.
	// Nil uses DefaultGlobalSettings().
	GlobalSettings []datatypes.Setting

	// Logger receives invalidation logs. Nil uses slog.Default().
	Logger *slog.Logger

	// Now returns the current time. Nil uses time.Now.
	Now func() time.Time
}

// RegionStatus is a point-in-time view of one region.
type RegionStatus struct {
	Region     Region    `json:"region"`
	Stale      bool      `json:"stale"`
	Loaded     bool      `json:"loaded"`
	Reason     Reason    `json:"reason,omitempty"`
	StaleSince time.Time `json:"stale_since,omitempty"`
	LoadedAt   time.Time `json:"loaded_at,omitempty"`
	Generation uint64    `json:"generation"`
}

type regionState struct {
	stale      bool
	loaded     bool
	reason     Reason
	staleSince time.Time
	loadedAt   time.Time

	// generation advances on every invalidation, even of an already-stale
	// region, so a read that started earlier cannot clear it.
	generation uint64
}

type observerEntry struct {
	id uint64
	fn InvalidationHandler
}

// Coordinator maps events to regions and tracks their staleness.
//
// # Description
//
// HandleEvent marks every region mapped to the event's kind stale. A
// setting-changed event for one of the global settings (or one whose
// payload cannot be decoded) additionally marks every region stale, since
// the coordinator cannot tell which cached values depend on it. A reconnect
// always marks every region stale.
//
// Staleness is monotonic per event: only Read, after a successful fetch
// that began after the most recent invalidation, clears it.
//
// # Thread Safety
//
// Coordinator is safe for concurrent use. Events are processed one at a time
// in the order HandleEvent is called.
type Coordinator struct {
	mu        sync.Mutex
	table     Table
	regions   map[Region]*regionState
	order     []Region
	global    map[datatypes.Setting]struct{}
	observers []observerEntry
	nextID    uint64

	flight singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// NewCoordinator validates cfg and creates a Coordinator with every region
// fresh and unloaded.
//
// # Outputs
//
//   - *Coordinator: Ready for use.
//   - error: ErrUndeclaredRegion if the table names an undeclared region.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Table == nil {
		cfg.Table = DefaultTable()
	}
	if cfg.Regions == nil {
		cfg.Regions = AllRegions()
	}
	if cfg.GlobalSettings == nil {
		cfg.GlobalSettings = DefaultGlobalSettings()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Coordinator{
		table:   cfg.Table,
		regions: make(map[Region]*regionState, len(cfg.Regions)),
		logger:  cfg.Logger.With("component", "cache_coordinator"),
		now:     cfg.Now,
	}
	for _, r := range cfg.Regions {
		if _, dup := c.regions[r]; dup {
			continue
		}
		c.regions[r] = &regionState{}
		c.order = append(c.order, r)
	}
	for kind, regions := range cfg.Table {
		for _, r := range regions {
			if _, ok := c.regions[r]; !ok {
				return nil, fmt.Errorf("%w: %s (event %s)", ErrUndeclaredRegion, r, kind)
			}
		}
	}
	c.SetGlobalSettings(cfg.GlobalSettings)
	return c, nil
}

// Attach subscribes the coordinator to every mapped event kind and to
// reconnects on src.
//
// # Outputs
//
//   - func(): Detaches all subscriptions.
func (c *Coordinator) Attach(src Source) func() {
	kinds := make(map[events.Kind]struct{}, len(c.table)+1)
	for k := range c.table {
		kinds[k] = struct{}{}
	}
	kinds[events.KindSettingChanged] = struct{}{}

	var detach []func()
	for k := range kinds {
		detach = append(detach, src.Subscribe(k, c.HandleEvent))
	}
	detach = append(detach, src.OnReconnect(func(context.Context) {
		c.InvalidateAll(ReasonReconnect)
	}))

	return func() {
		for _, d := range detach {
			d()
		}
	}
}

// SetGlobalSettings replaces the set of settings that trigger global
// invalidation.
func (c *Coordinator) SetGlobalSettings(settings []datatypes.Setting) {
	global := make(map[datatypes.Setting]struct{}, len(settings))
	for _, s := range settings {
		global[s] = struct{}{}
	}
	c.mu.Lock()
	c.global = global
	c.mu.Unlock()
}

// HandleEvent applies one push event.
func (c *Coordinator) HandleEvent(ev events.Event) {
	if regions := c.table[ev.Kind]; len(regions) > 0 {
		c.Invalidate(ReasonEvent, regions...)
	}
	if ev.Kind != events.KindSettingChanged {
		return
	}

	p, err := ev.SettingChanged()
	if err != nil {
		c.logger.Warn("undecodable setting change, invalidating everything", "error", err, "seq", ev.Seq)
		c.InvalidateAll(ReasonGlobalSetting)
		return
	}
	c.mu.Lock()
	_, global := c.global[p.Setting]
	c.mu.Unlock()
	if global {
		c.logger.Info("global setting changed, invalidating everything", "setting", p.Setting)
		c.InvalidateAll(ReasonGlobalSetting)
	}
}

// InvalidateAll marks every declared region stale.
func (c *Coordinator) InvalidateAll(reason Reason) {
	globalInvalidationsTotal.WithLabelValues(string(reason)).Inc()
	c.mu.Lock()
	regions := make([]Region, len(c.order))
	copy(regions, c.order)
	c.mu.Unlock()
	c.Invalidate(reason, regions...)
}

// Invalidate marks the given regions stale. Unknown regions are ignored.
// Marking an already-stale region keeps its original reason and time.
func (c *Coordinator) Invalidate(reason Reason, regions ...Region) {
	now := c.now()

	c.mu.Lock()
	touched := make([]Region, 0, len(regions))
	for _, r := range regions {
		st, ok := c.regions[r]
		if !ok {
			continue
		}
		st.generation++
		touched = append(touched, r)
		if st.stale {
			continue
		}
		st.stale = true
		st.reason = reason
		st.staleSince = now
		invalidationsTotal.WithLabelValues(string(r), string(reason)).Inc()
	}
	staleRegionsGauge.Set(float64(c.staleCountLocked()))
	observers := make([]InvalidationHandler, len(c.observers))
	for i, o := range c.observers {
		observers[i] = o.fn
	}
	c.mu.Unlock()

	if len(touched) == 0 {
		return
	}
	for _, fn := range observers {
		fn(touched, reason)
	}
}

// OnInvalidate registers an observer called after each invalidation, outside
// the coordinator's lock.
func (c *Coordinator) OnInvalidate(fn InvalidationHandler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.observers = append(c.observers, observerEntry{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// IsStale reports whether region is stale. Unknown regions are never stale.
func (c *Coordinator) IsStale(region Region) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.regions[region]
	return ok && st.stale
}

// Stale returns the stale regions sorted by name.
func (c *Coordinator) Stale() []Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Region
	for r, st := range c.regions {
		if st.stale {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot returns the status of every region in declaration order.
func (c *Coordinator) Snapshot() []RegionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RegionStatus, 0, len(c.order))
	for _, r := range c.order {
		st := c.regions[r]
		out = append(out, RegionStatus{
			Region:     r,
			Stale:      st.stale,
			Loaded:     st.loaded,
			Reason:     st.reason,
			StaleSince: st.staleSince,
			LoadedAt:   st.loadedAt,
			Generation: st.generation,
		})
	}
	return out
}

// Read runs fetch when region is stale or has never been loaded, and
// marks it fresh when fetch succeeds and no invalidation happened while
// it ran.
//
// # Description
//
// Concurrent reads of the same region share one fetch. A fresh, loaded
// region returns immediately without calling fetch.
//
// # Inputs
//
//   - ctx: Passed to fetch.
//   - region: The region being read.
//   - fetch: Loads the region's data into the caller's query layer.
//
// # Outputs
//
//   - error: The fetch error, or ErrUndeclaredRegion.
func (c *Coordinator) Read(ctx context.Context, region Region, fetch func(ctx context.Context) error) error {
	c.mu.Lock()
	st, ok := c.regions[region]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUndeclaredRegion, region)
	}
	if st.loaded && !st.stale {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err, _ := c.flight.Do(string(region), func() (any, error) {
		return nil, c.refetch(ctx, region, fetch)
	})
	return err
}

func (c *Coordinator) refetch(ctx context.Context, region Region, fetch func(ctx context.Context) error) error {
	ctx, span := startReadSpan(ctx, region)
	defer span.End()

	c.mu.Lock()
	gen := c.regions[region].generation
	c.mu.Unlock()

	if err := fetch(ctx); err != nil {
		refetchesTotal.WithLabelValues(string(region), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.regions[region]
	st.loaded = true
	st.loadedAt = c.now()
	if st.generation != gen {
		refetchesTotal.WithLabelValues(string(region), "superseded").Inc()
		return nil
	}
	st.stale = false
	st.reason = ReasonNone
	st.staleSince = time.Time{}
	staleRegionsGauge.Set(float64(c.staleCountLocked()))
	refetchesTotal.WithLabelValues(string(region), "ok").Inc()
	return nil
}

func (c *Coordinator) staleCountLocked() int {
	n := 0
	for _, st := range c.regions {
		if st.stale {
			n++
		}
	}
	return n
}
