// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wizard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("labconsole.wizard")

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labconsole_wizard_transitions_total",
		Help: "Wizard transitions by procedure and action",
	}, []string{"procedure", "action"})

	activeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labconsole_wizards_active",
		Help: "Wizards currently open",
	})

	cancelRequestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labconsole_wizard_cancel_request_errors_total",
		Help: "Best-effort cancel requests that failed",
	}, []string{"procedure"})
)
