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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("labconsole.labapi")

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labconsole_rest_requests_total",
		Help: "Lab server requests by route and status code (0 for transport errors)",
	}, []string{"route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labconsole_rest_request_duration_seconds",
		Help:    "Lab server request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	breakerStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labconsole_rest_breaker_state",
		Help: "Lab server circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	breakerRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labconsole_rest_breaker_rejections_total",
		Help: "Requests rejected locally by the open circuit breaker",
	})
)
