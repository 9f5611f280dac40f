// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "vsphere_fleet"

var (
	// ReconcileTotal counts reconcile passes by entity kind and outcome.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "reconcile_total",
		Help:      "Reconcile passes by entity kind and outcome",
	}, []string{"kind", "outcome"})

	// TaskWaitSeconds observes server task wait durations.
	TaskWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "task_wait_seconds",
		Help:      "Wall-clock durations of server task waits",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"state"})

	// PropertyCollectorRoundTrips counts bulk property retrievals.
	PropertyCollectorRoundTrips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "property_collector_round_trips_total",
		Help:      "Property collector retrieval round trips",
	})

	// InventoryCacheHits counts inventory enumerations served from cache.
	InventoryCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "inventory_cache_total",
		Help:      "Inventory cache lookups by result",
	}, []string{"result"})
)
