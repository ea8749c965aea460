package telemetry

import (
	"encoding/hex"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cardinalfs/cardinal/internal/volume"
)

// HealthCollector exports one mounted volume's health counters as
// Prometheus metrics, read live off the atomics volume.Health already
// holds, so the collector needs no bookkeeping of its own.
type HealthCollector struct {
	v *volume.Volume

	healCount   *prometheus.Desc
	toxicBlocks *prometheus.Desc
	barrierFail *prometheus.Desc
	crcFail     *prometheus.Desc
	collapse    *prometheus.Desc
	refCount    *prometheus.Desc
	taint       *prometheus.Desc
}

// NewHealthCollector builds a collector over v's health counters, labeled
// by the volume's UUID so a process mounting several volumes can register
// one collector per volume without series collisions.
func NewHealthCollector(v *volume.Volume) *HealthCollector {
	labels := prometheus.Labels{"volume_uuid": hex.EncodeToString(v.UUID[:])}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("cardinal_"+name, help, nil, labels)
	}
	return &HealthCollector{
		v:           v,
		healCount:   desc("heal_count_total", "Auto-Medic repairs that completed successfully."),
		toxicBlocks: desc("toxic_blocks_total", "Blocks whose Q-Mask reached the terminal toxic state."),
		barrierFail: desc("barrier_failures_total", "Durability-fence (barrier) writes that failed."),
		crcFail:     desc("crc_failures_total", "CRC mismatches observed across reads."),
		collapse:    desc("trajectory_collapse_total", "Zero-Scan candidates that matched an anchor's identity but failed provenance."),
		refCount:    desc("ref_count", "Outstanding mount and tensor/read-cursor references."),
		taint:       desc("taint_counter", "Accumulated health taint; halves on a clean mount, forces RO past threshold."),
	}
}

// Describe implements prometheus.Collector.
func (c *HealthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.healCount
	ch <- c.toxicBlocks
	ch <- c.barrierFail
	ch <- c.crcFail
	ch <- c.collapse
	ch <- c.refCount
	ch <- c.taint
}

// Collect implements prometheus.Collector, scraping each field directly off
// volume.Health's atomics at call time.
func (c *HealthCollector) Collect(ch chan<- prometheus.Metric) {
	h := &c.v.Health
	ch <- prometheus.MustNewConstMetric(c.healCount, prometheus.CounterValue, float64(h.HealCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.toxicBlocks, prometheus.CounterValue, float64(h.ToxicBlocks.Load()))
	ch <- prometheus.MustNewConstMetric(c.barrierFail, prometheus.CounterValue, float64(h.BarrierFailures.Load()))
	ch <- prometheus.MustNewConstMetric(c.crcFail, prometheus.CounterValue, float64(h.CRCFailures.Load()))
	ch <- prometheus.MustNewConstMetric(c.collapse, prometheus.CounterValue, float64(h.TrajectoryCollapseCounter.Load()))
	ch <- prometheus.MustNewConstMetric(c.refCount, prometheus.GaugeValue, float64(h.RefCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.taint, prometheus.GaugeValue, float64(h.TaintCounter.Load()))
}
