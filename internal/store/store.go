// Package store persists detections, running sources, catalog sources and
// the association edges between them. PostgresStore is the production
// backend; SQLiteStore is an embedded single-file backend.
package store

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/trap-cli/internal/match"
	"github.com/sells-group/trap-cli/internal/model"
	"github.com/sells-group/trap-cli/internal/resilience"
	"github.com/sells-group/trap-cli/internal/sky"
	"github.com/sells-group/trap-cli/internal/zone"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a running source changed underneath an
	// update on every allowed attempt.
	ErrConflict = eris.New("store: running source update conflict")
)

// InsertResult reports the outcome of a bulk detection insert.
type InsertResult struct {
	ImageID     int64           `json:"image_id"`
	ExtractType sky.ExtractType `json:"extract_type"`
	Count       int64           `json:"count"`
}

// Stats holds row counts per relation.
type Stats struct {
	Datasets            int64 `json:"datasets"`
	Images              int64 `json:"images"`
	Detections          int64 `json:"detections"`
	RunningSources      int64 `json:"running_sources"`
	Catalogs            int64 `json:"catalogs"`
	CatalogSources      int64 `json:"catalog_sources"`
	DetectionEdges      int64 `json:"detection_edges"`
	CatalogAssociations int64 `json:"catalog_associations"`
}

// Store defines the persistence interface for the association engine.
type Store interface {
	// Datasets and images
	InsertDataset(ctx context.Context, description string) (int64, error)
	UpdateDatasetProcessEnd(ctx context.Context, datasetID int64) error
	InsertImage(ctx context.Context, img *model.Image) (int64, error)

	// Detections
	InsertExtractedSources(ctx context.Context, imageID int64, dets []sky.Detection) (InsertResult, error)
	ImageDetections(ctx context.Context, imageID int64) ([]sky.Detection, error)
	UnassociatedDetections(ctx context.Context, imageID int64) ([]sky.Detection, error)
	DeleteExtractedSources(ctx context.Context, ids []int64) (int64, error)

	// Running catalog
	RunningSourcesInBand(ctx context.Context, datasetID int64, b zone.Band) ([]model.RunningSource, error)
	GetRunningSource(ctx context.Context, id int64) (*model.RunningSource, error)
	CreateRunningSource(ctx context.Context, datasetID int64, det sky.Detection) (*model.RunningSource, error)
	AppendDetection(ctx context.Context, runcatID int64, det sky.Detection, distanceArcsec, r float64) error
	ListRunningSources(ctx context.Context, datasetID int64, limit int) ([]model.RunningSource, error)

	// Reference catalogs
	InsertCatalog(ctx context.Context, name, description string) (int64, error)
	LoadCatalogSources(ctx context.Context, catalogID int64, srcs []model.CatalogSource) (int64, error)
	CatalogSourcesInBand(ctx context.Context, b zone.Band) ([]model.CatalogSource, error)
	InsertCatalogAssociations(ctx context.Context, runcatID int64, matches []match.CatalogMatch) (int64, error)

	// Reads
	Lightcurve(ctx context.Context, xtrsrcID int64) ([]model.LightcurvePoint, error)
	Stats(ctx context.Context) (Stats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// detectionColumns is the insert column order for extractedsource.
var detectionColumns = []string{
	"image", "zone", "ra", "decl", "ra_err", "decl_err", "x", "y", "z", "racosdecl",
	"ra_fit_err", "decl_fit_err", "uncertainty_ew", "uncertainty_ns",
	"f_peak", "f_peak_err", "f_int", "f_int_err", "det_sigma",
	"semimajor", "semiminor", "pa", "ew_sys_err", "ns_sys_err", "error_radius",
	"extract_type",
}

const detectionSelect = `id, image, zone, ra, decl, ra_err, decl_err, x, y, z, racosdecl,
	ra_fit_err, decl_fit_err, uncertainty_ew, uncertainty_ns,
	f_peak, f_peak_err, f_int, f_int_err, det_sigma,
	semimajor, semiminor, pa, ew_sys_err, ns_sys_err, error_radius, extract_type`

func detectionRow(imageID int64, d sky.Detection) []any {
	return []any{
		imageID, d.Zone, d.RA, d.Decl, d.RAErr, d.DeclErr, d.X, d.Y, d.Z, d.RACosDecl,
		d.RAFitErr, d.DeclFitErr, d.UncertaintyEW, d.UncertaintyNS,
		d.FPeak, d.FPeakErr, d.FInt, d.FIntErr, d.DetSigma,
		d.SemiMajor, d.SemiMinor, d.PA, d.EWSysErr, d.NSSysErr, d.ErrorRadius,
		int(d.ExtractType),
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDetection(row scannable) (sky.Detection, error) {
	var d sky.Detection
	var et int
	err := row.Scan(
		&d.ID, &d.ImageID, &d.Zone, &d.RA, &d.Decl, &d.RAErr, &d.DeclErr, &d.X, &d.Y, &d.Z, &d.RACosDecl,
		&d.RAFitErr, &d.DeclFitErr, &d.UncertaintyEW, &d.UncertaintyNS,
		&d.FPeak, &d.FPeakErr, &d.FInt, &d.FIntErr, &d.DetSigma,
		&d.SemiMajor, &d.SemiMinor, &d.PA, &d.EWSysErr, &d.NSSysErr, &d.ErrorRadius, &et,
	)
	d.ExtractType = sky.ExtractType(et)
	return d, err
}

const runningSourceSelect = `id, dataset, datapoints, wm_ra, wm_decl, wm_uncertainty_ew, wm_uncertainty_ns,
	zone, x, y, z, weight_ew, weight_ns, version`

func scanRunningSource(row scannable) (model.RunningSource, error) {
	var r model.RunningSource
	err := row.Scan(
		&r.ID, &r.DatasetID, &r.Datapoints, &r.WmRA, &r.WmDecl, &r.WmUncertaintyEW, &r.WmUncertaintyNS,
		&r.Zone, &r.X, &r.Y, &r.Z, &r.WeightEW, &r.WeightNS, &r.Version,
	)
	return r, err
}

const catalogSourceSelect = `c.id, c.catalog, k.catname, c.catsrcname, c.ra, c.decl,
	c.uncertainty_ew, c.uncertainty_ns, c.zone, c.x, c.y, c.z`

func scanCatalogSource(row scannable) (model.CatalogSource, error) {
	var c model.CatalogSource
	err := row.Scan(
		&c.ID, &c.CatalogID, &c.CatalogName, &c.Name, &c.RA, &c.Decl,
		&c.UncertaintyEW, &c.UncertaintyNS, &c.Zone, &c.X, &c.Y, &c.Z,
	)
	return c, err
}

// bandArgs flattens a band into the eight bind values of the zone predicate:
// zone range, decl range, then both RA ranges.
func bandArgs(b zone.Band) []any {
	r := b.RARanges()
	return []any{b.MinZone, b.MaxZone, b.MinDecl, b.MaxDecl, r[0][0], r[0][1], r[1][0], r[1][1]}
}

// prepareDetections validates a batch before it reaches a transaction.
func prepareDetections(dets []sky.Detection) (sky.ExtractType, error) {
	et := dets[0].ExtractType
	if !et.Valid() {
		return 0, eris.Wrapf(sky.ErrInvalidExtractType, "%d", int(et))
	}
	for i, d := range dets {
		if d.ExtractType != et {
			return 0, eris.Wrapf(sky.ErrInvalidExtractType, "detection %d is %s, batch is %s", i, d.ExtractType, et)
		}
		if !(d.UncertaintyEW > 0 && d.UncertaintyNS > 0) {
			return 0, eris.Wrapf(sky.ErrInvalidGeometry, "detection %d has non-positive uncertainty", i)
		}
	}
	return et, nil
}

// appendWithRetry runs one optimistic fold attempt per try. attempt returns
// ok=false when the version check lost a race.
func appendWithRetry(ctx context.Context, cfg resilience.RetryConfig, shouldRetry func(error) bool, attempt func(ctx context.Context) (bool, error)) error {
	cfg.ShouldRetry = shouldRetry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("store", "append_detection")
	}
	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		ok, err := attempt(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return resilience.NewTransientError(ErrConflict)
		}
		return nil
	})
	return err
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
