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
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of the lab server circuit breaker.
//
//	CLOSED ──[failure threshold]──► OPEN
//	   ▲                              │
//	   └──[successes]── HALF_OPEN ◄───┘
//	                     [timeout]
type BreakerState int

const (
	// BreakerClosed passes every request.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects requests with ErrCircuitOpen.
	BreakerOpen

	// BreakerHalfOpen lets requests probe whether the server recovered.
	BreakerHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before opening. Default: 5.
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=0"`

	// SuccessThreshold is consecutive half-open successes before closing.
	// Default: 2.
	SuccessThreshold int `yaml:"success_threshold" validate:"gte=0"`

	// OpenTimeout is how long to stay open before probing. Default: 30s.
	OpenTimeout time.Duration `yaml:"open_timeout" validate:"gte=0"`

	// OnStateChange is called asynchronously on every transition.
	OnStateChange func(from, to BreakerState) `yaml:"-"`
}

// breaker stops calls to a lab server that keeps failing.
//
// # Description
//
// Only server-side failures count: transport errors and 5xx responses.
// A 4xx is the server doing its job (rejecting a request) and resets the
// failure streak like a success.
//
// # Thread Safety
//
// breaker is safe for concurrent use.
type breaker struct {
	cfg         BreakerConfig
	now         func() time.Time
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	mu          sync.Mutex
}

func newBreaker(cfg BreakerConfig, now func() time.Time) *breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &breaker{cfg: cfg, now: now, state: BreakerClosed}
}

// execute runs fn if the breaker allows it and records whether it failed.
func (b *breaker) execute(fn func() error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	b.record(err)
	return err
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) > b.cfg.OpenTimeout {
			b.transitionTo(BreakerHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !countsAsFailure(err) {
		b.successes++
		switch b.state {
		case BreakerClosed:
			b.failures = 0
		case BreakerHalfOpen:
			if b.successes >= b.cfg.SuccessThreshold {
				b.failures = 0
				b.transitionTo(BreakerClosed)
			}
		}
		return
	}

	b.failures++
	b.successes = 0
	b.lastFailure = b.now()
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transitionTo(BreakerOpen)
	}
}

func (b *breaker) transitionTo(state BreakerState) {
	if b.state == state {
		return
	}
	old := b.state
	b.state = state
	breakerStateGauge.Set(float64(state))
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(old, state)
	}
}

// State returns the current state.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// reset forces the breaker closed.
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.transitionTo(BreakerClosed)
}
