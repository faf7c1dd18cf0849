// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package userinput

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	depthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labconsole_user_input_queue_depth",
		Help: "Runs waiting for operator input",
	})

	enqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labconsole_user_input_enqueued_total",
		Help: "Runs added to the user input queue",
	})

	dequeuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labconsole_user_input_dequeued_total",
		Help: "Runs removed from the user input queue by reason (drained, deferred, resolved_elsewhere)",
	}, []string{"reason"})

	submissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labconsole_user_input_submissions_total",
		Help: "Operator values submitted",
	})
)
