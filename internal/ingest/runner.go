package ingest

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/trap-cli/internal/assoc"
	"github.com/sells-group/trap-cli/internal/match"
	"github.com/sells-group/trap-cli/internal/metrics"
	"github.com/sells-group/trap-cli/internal/sky"
	"github.com/sells-group/trap-cli/internal/store"
)

// DefaultConcurrency is the number of files parsed in parallel.
const DefaultConcurrency = 4

// ImageResult is the outcome of one ingested file.
type ImageResult struct {
	Path   string              `json:"path"`
	Result *assoc.IngestResult `json:"result"`
}

// Runner ingests image files into one dataset.
type Runner struct {
	store       store.Store
	engine      *assoc.Engine
	metrics     *metrics.AssocMetrics
	concurrency int
}

// NewRunner creates a Runner. concurrency below 1 uses DefaultConcurrency.
func NewRunner(st store.Store, engine *assoc.Engine, m *metrics.AssocMetrics, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Runner{store: st, engine: engine, metrics: m, concurrency: concurrency}
}

// Loaded is a parsed and validated file.
type Loaded struct {
	Path    string
	File    *File
	Batches []assoc.Batch
}

// Load reads and validates every path concurrently. Any failure aborts the
// whole load so nothing is written for a partially readable set.
func (r *Runner) Load(ctx context.Context, paths []string) ([]Loaded, error) {
	var (
		mu  sync.Mutex
		out = make([]Loaded, 0, len(paths))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, err := ReadFile(path)
			if err != nil {
				return err
			}
			batches, err := f.AssocBatches()
			if err != nil {
				return eris.Wrapf(err, "ingest: %s", path)
			}
			for i, b := range batches {
				if _, err := sky.TransformAll(b.Detections, b.ExtractType); err != nil {
					return eris.Wrapf(err, "ingest: %s batch %d", path, i)
				}
			}

			mu.Lock()
			out = append(out, Loaded{Path: path, File: f, Batches: batches})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Epochs are associated oldest first.
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].File.Image.TauStartTS, out[j].File.Image.TauStartTS
		if ti.Equal(tj) {
			return out[i].Path < out[j].Path
		}
		return ti.Before(tj)
	})
	return out, nil
}

// Run loads paths, then creates one image per file in datasetID and
// associates its detections in time order. Association against one dataset
// is sequential because each epoch builds on the running sources left by
// the previous one. Results for images ingested before a failure are
// returned with the error.
func (r *Runner) Run(ctx context.Context, datasetID int64, paths []string, p match.Params) ([]ImageResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	files, err := r.Load(ctx, paths)
	if err != nil {
		return nil, err
	}
	return r.Associate(ctx, datasetID, files, p)
}

// Associate stores and associates files already returned by Load, in the
// order given.
func (r *Runner) Associate(ctx context.Context, datasetID int64, files []Loaded, p match.Params) ([]ImageResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	log := zap.L().With(zap.Int64("dataset_id", datasetID))
	results := make([]ImageResult, 0, len(files))
	for _, lf := range files {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		img := lf.File.Image
		img.DatasetID = datasetID
		imageID, err := r.store.InsertImage(ctx, &img)
		if err != nil {
			r.metrics.RecordImage("error")
			return results, eris.Wrapf(err, "ingest: image for %s", lf.Path)
		}
		res, err := r.engine.IngestImage(ctx, datasetID, imageID, lf.Batches, p)
		if err != nil {
			r.metrics.RecordImage("error")
			return results, eris.Wrapf(err, "ingest: %s", lf.Path)
		}
		r.metrics.RecordImage("success")
		results = append(results, ImageResult{Path: lf.Path, Result: res})
		log.Debug("ingest: file done", zap.String("path", lf.Path), zap.Int64("image_id", imageID))
	}

	log.Info("ingest: run complete", zap.Int("images", len(results)))
	return results, nil
}
