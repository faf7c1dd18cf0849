// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// =============================================================================
// Connection state
// =============================================================================

// ConnectionState is the observable state of the push stream.
//
//	CONNECTING ──[dial ok]──► OPEN ──[drop]──► CLOSED
//	    ▲                                        │
//	    └───────────────[backoff elapsed]────────┘
type ConnectionState int32

const (
	// StateConnecting means a dial is in progress.
	StateConnecting ConnectionState = iota

	// StateOpen means events are flowing.
	StateOpen

	// StateClosed means the stream is down and a retry is pending (or the
	// channel has stopped).
	StateClosed
)

// String returns a human-readable state name.
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// URL is the websocket stream URL. Required.
	URL string

	// Dialer opens connections. Nil uses a WebsocketDialer with a 60s read timeout.
	Dialer Dialer

	// InitialBackoff is the first retry delay after a drop. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay. Default: 30s.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay between attempts. Default: 2.
	BackoffMultiplier float64

	// Logger receives connection lifecycle logs. Nil uses slog.Default().
	Logger *slog.Logger
}

func (c *ChannelConfig) applyDefaults() {
	if c.Dialer == nil {
		c.Dialer = &WebsocketDialer{ReadTimeout: 60 * time.Second}
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// =============================================================================
// Channel
// =============================================================================

// ReconnectHandler is invoked after the stream comes back from a drop and
// before any event of the new connection is published.
type ReconnectHandler func(ctx context.Context)

// StateHandler observes connection state transitions.
type StateHandler func(ConnectionState)

type reconnectEntry struct {
	id uint64
	fn ReconnectHandler
}

type stateEntry struct {
	id uint64
	fn StateHandler
}

// Channel maintains exactly one push-stream connection and republishes its
// events on a Bus.
//
// # Description
//
// Run dials the stream, reads frames on a single goroutine and publishes each
// decoded event in arrival order. When the connection drops the state moves
// to Closed and Run retries with exponential backoff. The first successful
// connection is not a reconnect; every later one is, and triggers all
// OnReconnect handlers before the read loop starts.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Run may only be active once.
type Channel struct {
	cfg    ChannelConfig
	bus    *Bus
	logger *slog.Logger

	state   atomic.Int32
	running atomic.Bool

	mu         sync.Mutex
	nextID     uint64
	reconnects []reconnectEntry
	observers  []stateEntry

	// Touched only by the Run goroutine.
	seq        uint64
	everOpened bool
}

// NewChannel creates a Channel publishing on bus. A nil bus creates one.
//
// # Outputs
//
//   - *Channel: Ready to Run, initially in StateClosed.
//   - error: ErrNoURL when cfg.URL is empty.
func NewChannel(cfg ChannelConfig, bus *Bus) (*Channel, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	cfg.applyDefaults()
	if bus == nil {
		bus = NewBus(cfg.Logger)
	}
	c := &Channel{
		cfg:    cfg,
		bus:    bus,
		logger: cfg.Logger.With("component", "event_channel"),
	}
	c.state.Store(int32(StateClosed))
	connectionStateGauge.Set(float64(StateClosed))
	return c, nil
}

// Bus returns the bus events are published on.
func (c *Channel) Bus() *Bus { return c.bus }

// Subscribe registers handler for one event kind. See Bus.Subscribe.
func (c *Channel) Subscribe(kind Kind, handler Handler) func() {
	return c.bus.Subscribe(kind, handler)
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// OnReconnect registers a handler run after every reconnection.
//
// # Outputs
//
//   - func(): Removes the handler. Idempotent.
func (c *Channel) OnReconnect(h ReconnectHandler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.reconnects = append(c.reconnects, reconnectEntry{id: id, fn: h})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.reconnects {
			if e.id == id {
				c.reconnects = append(c.reconnects[:i:i], c.reconnects[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers an observer for connection state transitions.
func (c *Channel) OnStateChange(h StateHandler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.observers = append(c.observers, stateEntry{id: id, fn: h})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.observers {
			if e.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// Run connects and keeps the stream connected until ctx is cancelled.
//
// # Outputs
//
//   - error: nil on cancellation, ErrChannelRunning if already running.
//     Connection failures are retried and never returned.
func (c *Channel) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrChannelRunning
	}
	defer c.running.Store(false)
	defer c.setState(StateClosed)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.Multiplier = c.cfg.BackoffMultiplier
	bo.Reset()

	for {
		c.setState(StateConnecting)
		conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			dialFailuresTotal.Inc()
			c.setState(StateClosed)
			wait := bo.NextBackOff()
			c.logger.Warn("event stream dial failed", "error", err, "retry_in", wait)
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}

		bo.Reset()
		reconnected := c.everOpened
		c.everOpened = true
		c.setState(StateOpen)
		if reconnected {
			reconnectsTotal.Inc()
			c.logger.Info("event stream reconnected")
			c.runReconnectHandlers(ctx)
		} else {
			c.logger.Info("event stream connected", "url", c.cfg.URL)
		}

		err = c.readLoop(ctx, conn)
		_ = conn.Close()
		c.setState(StateClosed)
		if ctx.Err() != nil {
			return nil
		}

		wait := bo.NextBackOff()
		c.logger.Warn("event stream dropped", "error", err, "retry_in", wait)
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := decodeWire(data)
		if err != nil {
			eventsMalformedTotal.Inc()
			c.logger.Debug("dropping malformed event frame", "error", err)
			continue
		}
		c.seq++
		ev.Seq = c.seq
		ev.ReceivedAt = time.Now()
		eventsReceivedTotal.WithLabelValues(string(ev.Kind)).Inc()
		c.bus.Publish(ev)
	}
}

func (c *Channel) runReconnectHandlers(ctx context.Context) {
	c.mu.Lock()
	handlers := make([]ReconnectHandler, len(c.reconnects))
	for i, e := range c.reconnects {
		handlers[i] = e.fn
	}
	c.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("reconnect handler panicked", "panic", r)
				}
			}()
			h(ctx)
		}()
	}
}

func (c *Channel) setState(s ConnectionState) {
	old := ConnectionState(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	connectionStateGauge.Set(float64(s))

	c.mu.Lock()
	observers := make([]StateHandler, len(c.observers))
	for i, e := range c.observers {
		observers[i] = e.fn
	}
	c.mu.Unlock()

	for _, h := range observers {
		h(s)
	}
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
