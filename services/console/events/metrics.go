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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labconsole_events_received_total",
		Help: "Push events received by kind",
	}, []string{"kind"})

	eventsMalformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labconsole_events_malformed_total",
		Help: "Push frames that could not be decoded",
	})

	handlerPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labconsole_event_handler_panics_total",
		Help: "Recovered panics in event handlers by kind",
	}, []string{"kind"})

	listenerDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labconsole_event_listener_drops_total",
		Help: "Events dropped because a Listen buffer was full",
	}, []string{"kind"})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labconsole_event_channel_reconnects_total",
		Help: "Successful reconnections after a dropped stream",
	})

	dialFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labconsole_event_channel_dial_failures_total",
		Help: "Failed attempts to open the event stream",
	})

	connectionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labconsole_event_channel_state",
		Help: "Current connection state (0=connecting, 1=open, 2=closed)",
	})
)
