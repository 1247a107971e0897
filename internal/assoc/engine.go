// Package assoc drives one image's detections through transform, storage,
// forced-null deduplication and running-source association, and answers
// catalog cross-match and light-curve queries.
package assoc

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trap-cli/internal/match"
	"github.com/sells-group/trap-cli/internal/metrics"
	"github.com/sells-group/trap-cli/internal/model"
	"github.com/sells-group/trap-cli/internal/sky"
	"github.com/sells-group/trap-cli/internal/store"
	"github.com/sells-group/trap-cli/internal/zone"
)

// Batch is the source-finder output of one extract type for one image.
type Batch struct {
	ExtractType sky.ExtractType     `json:"extract_type"`
	Detections  []sky.RawDetection `json:"detections"`
}

// IngestResult describes what one IngestImage call changed.
type IngestResult struct {
	BatchID           string               `json:"batch_id"`
	DatasetID         int64                `json:"dataset_id"`
	ImageID           int64                `json:"image_id"`
	Inserted          []store.InsertResult `json:"inserted"`
	ForcedNullRemoved int                  `json:"forced_null_removed"`
	NewSources        int                  `json:"new_sources"`
	Associated        int                  `json:"associated"`
	Orphaned          int                  `json:"orphaned"`
	DurationMs        int64                `json:"duration_ms"`
}

// TotalInserted sums the inserted counts over all batches.
func (r *IngestResult) TotalInserted() int64 {
	var n int64
	for _, ins := range r.Inserted {
		n += ins.Count
	}
	return n
}

// Engine runs association against a Store.
type Engine struct {
	store   store.Store
	metrics *metrics.AssocMetrics
}

// New creates an Engine. m may be nil.
func New(st store.Store, m *metrics.AssocMetrics) *Engine {
	return &Engine{store: st, metrics: m}
}

func (e *Engine) stage(name string, start time.Time) {
	e.metrics.RecordStage(name, time.Since(start).Seconds())
}

// IngestImage stores every batch for imageID, removes forced-null rows that
// duplicate a genuine detection, then associates each remaining detection
// with a running source of datasetID.
//
// All batches are validated before anything is written. A detection joins
// the running source with the lowest De Ruiter radius below the cutoff; a
// genuine detection with no match seeds a new running source, and a
// forced-null detection with no match is left unassociated.
func (e *Engine) IngestImage(ctx context.Context, datasetID, imageID int64, batches []Batch, p match.Params) (*IngestResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	res := &IngestResult{BatchID: uuid.New().String(), DatasetID: datasetID, ImageID: imageID}
	log := zap.L().With(
		zap.String("batch_id", res.BatchID),
		zap.Int64("dataset_id", datasetID),
		zap.Int64("image_id", imageID),
	)

	t := time.Now()
	transformed := make([][]sky.Detection, len(batches))
	for i, b := range batches {
		dets, err := sky.TransformAll(b.Detections, b.ExtractType)
		if err != nil {
			return nil, eris.Wrapf(err, "assoc: image %d %s batch", imageID, b.ExtractType)
		}
		transformed[i] = dets
	}
	e.stage(metrics.StageTransform, t)

	t = time.Now()
	for i, dets := range transformed {
		ins, err := e.store.InsertExtractedSources(ctx, imageID, dets)
		if err != nil {
			return nil, eris.Wrapf(err, "assoc: insert %d detections for image %d", len(dets), imageID)
		}
		ins.ExtractType = batches[i].ExtractType
		res.Inserted = append(res.Inserted, ins)
		e.metrics.RecordInserted(ins.ExtractType.String(), ins.Count)
		log.Debug("assoc: inserted detections",
			zap.String("extract_type", ins.ExtractType.String()),
			zap.Int64("count", ins.Count),
		)
	}
	e.stage(metrics.StageInsert, t)

	t = time.Now()
	removed, err := e.dedupForcedNull(ctx, imageID, p)
	if err != nil {
		return nil, err
	}
	res.ForcedNullRemoved = removed
	e.metrics.RecordForcedNullRemoved(removed)
	e.stage(metrics.StageDedup, t)

	t = time.Now()
	if err := e.associate(ctx, datasetID, imageID, p, res); err != nil {
		return nil, err
	}
	e.stage(metrics.StageAssociate, t)

	res.DurationMs = time.Since(start).Milliseconds()
	log.Info("assoc: image ingested",
		zap.Int64("inserted", res.TotalInserted()),
		zap.Int("forced_null_removed", res.ForcedNullRemoved),
		zap.Int("new_sources", res.NewSources),
		zap.Int("associated", res.Associated),
		zap.Int("orphaned", res.Orphaned),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return res, nil
}

// DedupForcedNull removes forced-null detections of imageID that coincide
// with a blind or monitoring detection of the same image. Forced-null rows
// already tied to a running source are left alone.
func (e *Engine) DedupForcedNull(ctx context.Context, imageID int64, p match.Params) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return e.dedupForcedNull(ctx, imageID, p)
}

func (e *Engine) dedupForcedNull(ctx context.Context, imageID int64, p match.Params) (int, error) {
	dets, err := e.store.ImageDetections(ctx, imageID)
	if err != nil {
		return 0, eris.Wrapf(err, "assoc: load detections for image %d", imageID)
	}
	dups, err := match.ForcedNullDuplicates(dets, p)
	if err != nil {
		return 0, eris.Wrap(err, "assoc: forced-null duplicates")
	}
	if len(dups) == 0 {
		return 0, nil
	}

	pending, err := e.store.UnassociatedDetections(ctx, imageID)
	if err != nil {
		return 0, eris.Wrapf(err, "assoc: pending detections for image %d", imageID)
	}
	free := make(map[int64]bool, len(pending))
	for _, d := range pending {
		free[d.ID] = true
	}
	ids := dups[:0]
	for _, id := range dups {
		if free[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := e.store.DeleteExtractedSources(ctx, ids)
	if err != nil {
		return 0, eris.Wrapf(err, "assoc: remove %d forced-null duplicates from image %d", len(ids), imageID)
	}
	return int(n), nil
}

func (e *Engine) associate(ctx context.Context, datasetID, imageID int64, p match.Params, res *IngestResult) error {
	pending, err := e.store.UnassociatedDetections(ctx, imageID)
	if err != nil {
		return eris.Wrapf(err, "assoc: pending detections for image %d", imageID)
	}

	// One image contributes at most one detection per running source.
	claimed := make(map[int64]bool)
	for _, d := range pending {
		band, err := zone.NewBand(d.RA, d.Decl, p.Theta)
		if err != nil {
			return eris.Wrapf(err, "assoc: band for detection %d", d.ID)
		}
		cands, err := e.store.RunningSourcesInBand(ctx, datasetID, band)
		if err != nil {
			return eris.Wrapf(err, "assoc: candidates for detection %d", d.ID)
		}
		cands = unclaimed(cands, claimed)

		best, ok, err := match.BestRunningSource(d, cands, p)
		if err != nil {
			return eris.Wrapf(err, "assoc: score detection %d", d.ID)
		}
		switch {
		case ok:
			if err := e.store.AppendDetection(ctx, best.RunningSource.ID, d, best.DistanceArcsec, best.R); err != nil {
				return eris.Wrapf(err, "assoc: image %d", imageID)
			}
			claimed[best.RunningSource.ID] = true
			res.Associated++
			e.metrics.RecordAssociation(metrics.OutcomeExisting)
		case d.ExtractType.Genuine():
			rc, err := e.store.CreateRunningSource(ctx, datasetID, d)
			if err != nil {
				return eris.Wrapf(err, "assoc: image %d", imageID)
			}
			claimed[rc.ID] = true
			res.NewSources++
			e.metrics.RecordAssociation(metrics.OutcomeNew)
		default:
			res.Orphaned++
			e.metrics.RecordAssociation(metrics.OutcomeOrphaned)
		}
	}
	return nil
}

func unclaimed(cands []model.RunningSource, claimed map[int64]bool) []model.RunningSource {
	if len(claimed) == 0 {
		return cands
	}
	out := cands[:0]
	for _, c := range cands {
		if !claimed[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// MatchNearestsInCatalogs returns the catalog counterparts of a running
// source, grouped by catalog and ordered by ascending De Ruiter radius.
func (e *Engine) MatchNearestsInCatalogs(ctx context.Context, runcatID int64, p match.Params) ([]match.CatalogMatch, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	t := time.Now()
	defer e.stage(metrics.StageMatch, t)

	rc, err := e.store.GetRunningSource(ctx, runcatID)
	if err != nil {
		return nil, eris.Wrapf(err, "assoc: running source %d", runcatID)
	}
	band, err := zone.NewBand(rc.WmRA, rc.WmDecl, p.Theta)
	if err != nil {
		return nil, eris.Wrapf(err, "assoc: band for running source %d", runcatID)
	}
	cands, err := e.store.CatalogSourcesInBand(ctx, band)
	if err != nil {
		return nil, eris.Wrapf(err, "assoc: catalog candidates for running source %d", runcatID)
	}
	matches, err := match.ScoreCatalog(*rc, cands, p)
	if err != nil {
		return nil, eris.Wrapf(err, "assoc: score running source %d", runcatID)
	}
	return matches, nil
}

// AssociateCatalogs stores the best counterpart per catalog of a running
// source and returns them.
func (e *Engine) AssociateCatalogs(ctx context.Context, runcatID int64, p match.Params) ([]match.CatalogMatch, error) {
	matches, err := e.MatchNearestsInCatalogs(ctx, runcatID, p)
	if err != nil {
		return nil, err
	}
	best := match.BestPerCatalog(matches)
	if _, err := e.store.InsertCatalogAssociations(ctx, runcatID, best); err != nil {
		return nil, eris.Wrapf(err, "assoc: store catalog associations for running source %d", runcatID)
	}
	for _, m := range best {
		e.metrics.RecordCatalogMatch(m.CatalogName)
	}
	return best, nil
}

// Lightcurve returns every detection sharing a running source with xtrsrcID
// in time order. An unknown id yields an empty slice.
func (e *Engine) Lightcurve(ctx context.Context, xtrsrcID int64) ([]model.LightcurvePoint, error) {
	pts, err := e.store.Lightcurve(ctx, xtrsrcID)
	if err != nil {
		return nil, eris.Wrapf(err, "assoc: lightcurve for detection %d", xtrsrcID)
	}
	return pts, nil
}

// RefreshStats copies the store's row counts into the relation gauges.
func (e *Engine) RefreshStats(ctx context.Context) (store.Stats, error) {
	st, err := e.store.Stats(ctx)
	if err != nil {
		return st, eris.Wrap(err, "assoc: stats")
	}
	for rel, n := range map[string]int64{
		"dataset":         st.Datasets,
		"image":           st.Images,
		"extractedsource": st.Detections,
		"runningcatalog":  st.RunningSources,
		"catalog":         st.Catalogs,
		"catalogedsource": st.CatalogSources,
		"assocxtrsource":  st.DetectionEdges,
		"assoccatsource":  st.CatalogAssociations,
	} {
		e.metrics.SetRelationRows(rel, n)
	}
	return st, nil
}
