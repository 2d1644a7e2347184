package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/paradigm-parametric/parametric-mvp/pkg/pool"
)

const (
	namespace = "parametric"
	subsystem = "pool"
)

// SnapshotFunc reads the current pool state.
type SnapshotFunc func(ctx context.Context) (pool.Snapshot, error)

// PoolCollector exposes pool gauges, read from a fresh snapshot on every scrape.
type PoolCollector struct {
	snapshot SnapshotFunc
	timeout  time.Duration
	logger   *slog.Logger

	exposure       *prometheus.Desc
	paidThisYear   *prometheus.Desc
	annualCap      *prometheus.Desc
	custody        *prometheus.Desc
	reserves       *prometheus.Desc
	nextPolicyID   *prometheus.Desc
	activePolicies *prometheus.Desc
	paused         *prometheus.Desc
	up             *prometheus.Desc
}

// NewPoolCollector creates a collector over snapshot.
func NewPoolCollector(snapshot SnapshotFunc) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
	}
	return &PoolCollector{
		snapshot:       snapshot,
		timeout:        2 * time.Second,
		logger:         slog.Default().With("component", "pool_metrics"),
		exposure:       desc("active_exposure", "Sum of limits over active policies, minor units."),
		paidThisYear:   desc("paid_this_year", "Amount paid in the current annual-cap bucket, minor units."),
		annualCap:      desc("annual_cap", "Configured annual payout cap, 0 when disabled."),
		custody:        desc("custody_balance", "Asset balance of the pool account, minor units."),
		reserves:       desc("available_reserves", "Custody balance not backing active exposure."),
		nextPolicyID:   desc("next_policy_id", "Id the next purchase will receive."),
		activePolicies: desc("active_policies", "Number of unsettled policies."),
		paused:         desc("paused", "1 while purchases and settlements are paused."),
		up:             desc("up", "1 if the last pool snapshot succeeded."),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.exposure, c.paidThisYear, c.annualCap, c.custody, c.reserves,
		c.nextPolicyID, c.activePolicies, c.paused, c.up,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	snap, err := c.snapshot(ctx)
	if err != nil {
		c.logger.Warn("pool snapshot failed", "error", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	paused := 0.0
	if snap.Roles.Paused {
		paused = 1
	}
	gauge(c.up, 1)
	gauge(c.exposure, float64(snap.TotalActiveExposure))
	gauge(c.paidThisYear, float64(snap.PaidThisYear))
	gauge(c.annualCap, float64(snap.AnnualCap))
	gauge(c.custody, float64(snap.CustodyBalance))
	gauge(c.reserves, float64(snap.AvailableReserves))
	gauge(c.nextPolicyID, float64(snap.NextPolicyID))
	gauge(c.activePolicies, float64(snap.ActivePolicies))
	gauge(c.paused, paused)
}

// NewRegistry returns a Prometheus registry holding the pool collector and the
// standard Go and process collectors.
func NewRegistry(snapshot SnapshotFunc) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewPoolCollector(snapshot),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
