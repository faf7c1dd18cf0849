// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labconsole.cache")

var (
	invalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labconsole_cache_invalidations_total",
		Help: "Regions transitioned from fresh to stale, by region and reason",
	}, []string{"region", "reason"})

	globalInvalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labconsole_cache_global_invalidations_total",
		Help: "Whole-cache invalidations by reason",
	}, []string{"reason"})

	staleRegionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labconsole_cache_stale_regions",
		Help: "Number of regions currently stale",
	})

	refetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labconsole_cache_refetches_total",
		Help: "Region refetches by region and result (ok, error, superseded)",
	}, []string{"region", "result"})
)

func startReadSpan(ctx context.Context, region Region) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Coordinator.Read",
		trace.WithAttributes(attribute.String("cache.region", string(region))),
	)
}
