package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/trap-cli/internal/store"
)

// Snapshot holds a point-in-time view of association health.
type Snapshot struct {
	Stats store.Stats `json:"stats"`

	// Unassociated counts detections with no running-source edge.
	Unassociated int64   `json:"unassociated"`
	OrphanRate   float64 `json:"orphan_rate"`
	// MeanDatapoints is the average number of detections per running source.
	MeanDatapoints float64 `json:"mean_datapoints"`

	// Deltas against the previous collection; zero on the first one.
	NewDetections     int64 `json:"new_detections"`
	NewRunningSources int64 `json:"new_running_sources"`

	CollectedAt time.Time `json:"collected_at"`
}

// StatsSource returns current row counts and refreshes any exported gauges.
type StatsSource interface {
	RefreshStats(ctx context.Context) (store.Stats, error)
}

// Collector turns store counts into snapshots.
type Collector struct {
	src StatsSource

	mu   sync.Mutex
	prev *store.Stats
}

// NewCollector creates a new collector.
func NewCollector(src StatsSource) *Collector {
	return &Collector{src: src}
}

// Collect gathers a snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	st, err := c.src.RefreshStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: refresh stats")
	}

	snap := &Snapshot{Stats: st, CollectedAt: time.Now().UTC()}
	snap.Unassociated = max(st.Detections-st.DetectionEdges, 0)
	if st.Detections > 0 {
		snap.OrphanRate = float64(snap.Unassociated) / float64(st.Detections)
	}
	if st.RunningSources > 0 {
		snap.MeanDatapoints = float64(st.DetectionEdges) / float64(st.RunningSources)
	}

	c.mu.Lock()
	if c.prev != nil {
		snap.NewDetections = st.Detections - c.prev.Detections
		snap.NewRunningSources = st.RunningSources - c.prev.RunningSources
	}
	c.prev = &st
	c.mu.Unlock()

	return snap, nil
}
