// Package metrics exposes Prometheus metrics for ingest, association and
// catalog matching.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stage labels for durations.
const (
	StageTransform = "transform"
	StageInsert    = "insert"
	StageDedup     = "dedup"
	StageAssociate = "associate"
	StageMatch     = "match"
)

// Association outcome labels.
const (
	OutcomeNew      = "new"
	OutcomeExisting = "existing"
	OutcomeOrphaned = "orphaned"
)

// AssocMetrics holds the engine's Prometheus collectors. A nil *AssocMetrics
// is valid and records nothing.
type AssocMetrics struct {
	registry *prometheus.Registry

	detectionsInserted *prometheus.CounterVec
	forcedNullRemoved  prometheus.Counter
	associations       *prometheus.CounterVec
	catalogMatches     *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	imagesIngested     *prometheus.CounterVec
	relationRows       *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// NewAssocMetrics creates the collectors and registers them on registry.
func NewAssocMetrics(registry *prometheus.Registry) (*AssocMetrics, error) {
	m := &AssocMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AssocMetrics) initMetrics() {
	m.detectionsInserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trap_detections_inserted_total",
			Help: "Detections stored, by extract type",
		},
		[]string{"extract_type"},
	)
	m.forcedNullRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trap_forced_null_removed_total",
		Help: "Forced-null detections removed as duplicates of genuine detections",
	})
	m.associations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trap_associations_total",
			Help: "Detection to running-source associations, by outcome",
		},
		[]string{"outcome"},
	)
	m.catalogMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trap_catalog_matches_total",
			Help: "Accepted catalog counterparts, by catalog",
		},
		[]string{"catalog"},
	)
	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trap_stage_duration_seconds",
			Help:    "Time spent per ingest stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"stage"},
	)
	m.imagesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trap_images_ingested_total",
			Help: "Images processed, by status",
		},
		[]string{"status"},
	)
	m.relationRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trap_store_rows",
			Help: "Row count per stored relation",
		},
		[]string{"relation"},
	)

	m.collectors = []prometheus.Collector{
		m.detectionsInserted,
		m.forcedNullRemoved,
		m.associations,
		m.catalogMatches,
		m.stageDuration,
		m.imagesIngested,
		m.relationRows,
	}
}

// Describe implements the Collector interface
func (m *AssocMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *AssocMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// Registry returns the registry the metrics were registered on.
func (m *AssocMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordInserted adds n stored detections of the given extract type.
func (m *AssocMetrics) RecordInserted(extractType string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.detectionsInserted.WithLabelValues(extractType).Add(float64(n))
}

// RecordForcedNullRemoved adds n deduplicated forced-null detections.
func (m *AssocMetrics) RecordForcedNullRemoved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.forcedNullRemoved.Add(float64(n))
}

// RecordAssociation counts one association outcome.
func (m *AssocMetrics) RecordAssociation(outcome string) {
	if m == nil {
		return
	}
	m.associations.WithLabelValues(outcome).Inc()
}

// RecordCatalogMatch counts one accepted counterpart in catalog.
func (m *AssocMetrics) RecordCatalogMatch(catalog string) {
	if m == nil {
		return
	}
	m.catalogMatches.WithLabelValues(catalog).Inc()
}

// RecordStage observes the duration of one ingest stage.
func (m *AssocMetrics) RecordStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordImage counts one processed image with status "success" or "error".
func (m *AssocMetrics) RecordImage(status string) {
	if m == nil {
		return
	}
	m.imagesIngested.WithLabelValues(status).Inc()
}

// SetRelationRows records the current row count of a relation.
func (m *AssocMetrics) SetRelationRows(relation string, n int64) {
	if m == nil {
		return
	}
	m.relationRows.WithLabelValues(relation).Set(float64(n))
}

// Associations returns the counter for one association outcome.
func (m *AssocMetrics) Associations(outcome string) prometheus.Counter {
	return m.associations.WithLabelValues(outcome)
}

// RelationRows returns the row-count gauge for one relation.
func (m *AssocMetrics) RelationRows(relation string) prometheus.Gauge {
	return m.relationRows.WithLabelValues(relation)
}
