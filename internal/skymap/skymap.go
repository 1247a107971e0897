// Package skymap renders running sources as GeoJSON for sky viewers.
//
// Right ascension maps to longitude in [-180, 180) and declination to
// latitude. Viewers that draw the celestial sphere from inside expect RA to
// grow eastward on screen, so Invert flips longitude.
package skymap

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/trap-cli/internal/model"
)

// ellipseVertices is the polygon resolution for uncertainty ellipses.
const ellipseVertices = 32

// Options controls the rendered geometry.
type Options struct {
	// Ellipses draws each source as its sigma-scaled uncertainty ellipse
	// instead of a point.
	Ellipses bool
	// Sigma scales the ellipse axes. Zero means 1.
	Sigma float64
	// Invert flips longitude for inside-the-sphere viewers.
	Invert bool
}

// Lister is the store subset needed for export.
type Lister interface {
	ListRunningSources(ctx context.Context, datasetID int64, limit int) ([]model.RunningSource, error)
}

func lon(ra float64, invert bool) float64 {
	l := ra
	if l >= 180 {
		l -= 360
	}
	if invert {
		l = -l
	}
	return l
}

func ellipse(rc model.RunningSource, opts Options) *geom.Polygon {
	sigma := opts.Sigma
	if sigma <= 0 {
		sigma = 1
	}
	cosd := math.Cos(rc.WmDecl * math.Pi / 180)
	if cosd < 1e-6 {
		cosd = 1e-6
	}
	a := sigma * rc.WmUncertaintyEW / cosd
	b := sigma * rc.WmUncertaintyNS

	flat := make([]float64, 0, 2*(ellipseVertices+1))
	for i := 0; i < ellipseVertices; i++ {
		t := 2 * math.Pi * float64(i) / ellipseVertices
		ra := rc.WmRA + a*math.Cos(t)
		decl := math.Max(-90, math.Min(90, rc.WmDecl+b*math.Sin(t)))
		flat = append(flat, lon(ra, opts.Invert), decl)
	}
	flat = append(flat, flat[0], flat[1])

	poly := geom.NewPolygon(geom.XY)
	if err := poly.Push(geom.NewLinearRingFlat(geom.XY, flat)); err != nil {
		return nil
	}
	return poly.SetSRID(4326)
}

// Feature converts one running source.
func Feature(rc model.RunningSource, opts Options) *geojson.Feature {
	var g geom.T = geom.NewPointFlat(geom.XY, []float64{lon(rc.WmRA, opts.Invert), rc.WmDecl}).SetSRID(4326)
	if opts.Ellipses {
		if poly := ellipse(rc, opts); poly != nil {
			g = poly
		}
	}
	return &geojson.Feature{
		ID:       strconv.FormatInt(rc.ID, 10),
		Geometry: g,
		Properties: map[string]any{
			"runcat":            rc.ID,
			"dataset":           rc.DatasetID,
			"datapoints":        rc.Datapoints,
			"wm_ra":             rc.WmRA,
			"wm_decl":           rc.WmDecl,
			"wm_uncertainty_ew": rc.WmUncertaintyEW,
			"wm_uncertainty_ns": rc.WmUncertaintyNS,
		},
	}
}

// Build converts running sources into a FeatureCollection.
func Build(rcs []model.RunningSource, opts Options) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(rcs))}
	for _, rc := range rcs {
		fc.Features = append(fc.Features, Feature(rc, opts))
	}
	return fc
}

// Export writes the running catalog of datasetID as GeoJSON to w and
// returns the number of features. limit <= 0 exports everything.
func Export(ctx context.Context, l Lister, datasetID int64, limit int, opts Options, w io.Writer) (int, error) {
	rcs, err := l.ListRunningSources(ctx, datasetID, limit)
	if err != nil {
		return 0, eris.Wrapf(err, "skymap: list running sources for dataset %d", datasetID)
	}
	fc := Build(rcs, opts)
	if err := json.NewEncoder(w).Encode(fc); err != nil {
		return 0, eris.Wrap(err, "skymap: encode")
	}
	return len(fc.Features), nil
}
