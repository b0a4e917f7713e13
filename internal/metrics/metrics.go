// Package metrics exposes call handling and rule store state to prometheus.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/callforward/internal/database/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionProvider exposes call session counts.
type SessionProvider interface {
	Active() int
	Count() int
}

// OutcomeProvider exposes per-outcome call counters.
type OutcomeProvider interface {
	OutcomeCounts() map[string]uint64
}

// RuleLister lists forwarding rules.
type RuleLister interface {
	ListAll(ctx context.Context) ([]models.ForwardingRule, error)
}

// Collector is a prometheus.Collector that gathers callforward metrics at scrape time.
type Collector struct {
	sessions  SessionProvider
	outcomes  OutcomeProvider
	rules     RuleLister
	startTime time.Time

	activeSessionsDesc  *prometheus.Desc
	trackedSessionsDesc *prometheus.Desc
	callsTotalDesc      *prometheus.Desc
	rulesDesc           *prometheus.Desc
	forwardingDesc      *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(sessions SessionProvider, outcomes OutcomeProvider, rules RuleLister, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		outcomes:  outcomes,
		rules:     rules,
		startTime: startTime,

		activeSessionsDesc: prometheus.NewDesc(
			"callforward_active_calls",
			"Calls whose session has not terminated",
			nil, nil,
		),
		trackedSessionsDesc: prometheus.NewDesc(
			"callforward_tracked_sessions",
			"Call sessions held by the tracker, including terminated ones awaiting expiry",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"callforward_calls_total",
			"Inbound call events handled, by outcome",
			[]string{"outcome"}, nil,
		),
		rulesDesc: prometheus.NewDesc(
			"callforward_rules",
			"Forwarding rules by product type and status",
			[]string{"product_type", "status"}, nil,
		),
		forwardingDesc: prometheus.NewDesc(
			"callforward_rules_forwarding",
			"Rules with an active forward target",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callforward_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.trackedSessionsDesc
	ch <- c.callsTotalDesc
	ch <- c.rulesDesc
	ch <- c.forwardingDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Active()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.trackedSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Count()),
		)
	}

	if c.outcomes != nil {
		for outcome, n := range c.outcomes.OutcomeCounts() {
			ch <- prometheus.MustNewConstMetric(
				c.callsTotalDesc, prometheus.CounterValue,
				float64(n), outcome,
			)
		}
	}

	if c.rules != nil {
		rules, err := c.rules.ListAll(ctx)
		if err != nil {
			slog.Error("metrics: failed to list forwarding rules", "error", err)
		} else {
			type key struct{ product, status string }
			counts := make(map[key]int)
			forwarding := 0
			for i := range rules {
				counts[key{string(rules[i].ProductType), string(rules[i].Status)}]++
				if rules[i].Forwarding() {
					forwarding++
				}
			}
			for k, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.rulesDesc, prometheus.GaugeValue,
					float64(n), k.product, k.status,
				)
			}
			ch <- prometheus.MustNewConstMetric(
				c.forwardingDesc, prometheus.GaugeValue,
				float64(forwarding),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Handler returns an http.Handler serving c together with the Go runtime and
// process collectors from a private registry.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
