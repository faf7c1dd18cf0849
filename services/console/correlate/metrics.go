// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package correlate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("labconsole.correlate")

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labconsole_correlated_transitions_total",
		Help: "Correlated operation transitions by procedure and new state",
	}, []string{"procedure", "state"})

	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labconsole_correlated_rejected_total",
		Help: "Issues rejected locally because the subject was already awaiting a result",
	}, []string{"procedure"})

	unmatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labconsole_correlated_unmatched_results_total",
		Help: "Resolving events that matched no pending operation",
	}, []string{"procedure"})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labconsole_correlated_pending",
		Help: "Operations currently awaiting a result",
	})

	resolutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labconsole_correlated_resolution_seconds",
		Help:    "Time from issue to terminal state",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"procedure", "state"})
)

// procedureLabel keeps run-scoped subjects out of the procedure label space.
func procedureLabel(o Operation) string {
	if o.Subject.Procedure == "" {
		return "run"
	}
	return string(o.Subject.Procedure)
}
