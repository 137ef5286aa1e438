// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels are a closed set and phase kinds come from the fixed
// PhaseKind vocabulary, so cardinality stays bounded even though the
// remote agent can invent event types.
var (
	feedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opspilot",
		Subsystem: "stream",
		Name:      "feed_events_total",
		Help:      "Raw agent feed events, by handling outcome.",
	}, []string{"outcome"})

	phasesEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opspilot",
		Subsystem: "stream",
		Name:      "phases_emitted_total",
		Help:      "Phase snapshots that reached the consumer after throttling.",
	}, []string{"kind"})
)
