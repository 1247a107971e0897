package model

import (
	"math"

	"github.com/sells-group/trap-cli/internal/sky"
)

// Association edge types for assocxtrsource.
const (
	AssocNew      = "new"
	AssocExisting = "existing"
)

// RunningSource is the accumulated identity of one sky object across epochs.
// Positions and uncertainties are in degrees. WeightEW/WeightNS are the summed
// inverse variances of the folded detections; Version guards concurrent
// weighted-mean updates.
type RunningSource struct {
	ID              int64   `json:"id"`
	DatasetID       int64   `json:"dataset"`
	Datapoints      int     `json:"datapoints"`
	WmRA            float64 `json:"wm_ra"`
	WmDecl          float64 `json:"wm_decl"`
	WmUncertaintyEW float64 `json:"wm_uncertainty_ew"`
	WmUncertaintyNS float64 `json:"wm_uncertainty_ns"`
	Zone            int     `json:"zone"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	Z               float64 `json:"z"`
	WeightEW        float64 `json:"-"`
	WeightNS        float64 `json:"-"`
	Version         int64   `json:"-"`
}

// Position implements zone.Point.
func (r RunningSource) Position() (float64, float64) { return r.WmRA, r.WmDecl }

// NewRunningSource seeds a running source from its first detection.
func NewRunningSource(datasetID int64, d sky.Detection) RunningSource {
	r := RunningSource{
		DatasetID:  datasetID,
		Datapoints: 1,
		WmRA:       d.RA,
		WmDecl:     d.Decl,
		WeightEW:   1 / (d.UncertaintyEW * d.UncertaintyEW),
		WeightNS:   1 / (d.UncertaintyNS * d.UncertaintyNS),
	}
	r.derive()
	return r
}

// Fold returns r updated with one more detection, using inverse-variance
// weights. RA is averaged as an offset from the current mean so sources
// straddling RA=0 stay put.
func (r RunningSource) Fold(d sky.Detection) RunningSource {
	wEW := 1 / (d.UncertaintyEW * d.UncertaintyEW)
	wNS := 1 / (d.UncertaintyNS * d.UncertaintyNS)

	dra := math.Remainder(d.RA-r.WmRA, 360)
	totEW := r.WeightEW + wEW
	totNS := r.WeightNS + wNS

	r.WmRA = sky.NormalizeRA(r.WmRA + dra*wEW/totEW)
	r.WmDecl += (d.Decl - r.WmDecl) * wNS / totNS
	r.WeightEW, r.WeightNS = totEW, totNS
	r.Datapoints++
	r.derive()
	return r
}

func (r *RunningSource) derive() {
	r.WmUncertaintyEW = 1 / math.Sqrt(r.WeightEW)
	r.WmUncertaintyNS = 1 / math.Sqrt(r.WeightNS)
	r.Zone = sky.Zone(r.WmDecl)
	r.X, r.Y, r.Z = sky.EqToCart(r.WmRA, r.WmDecl)
}

// Catalog is an external reference catalog.
type Catalog struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CatalogSource is a read-only reference source (degrees).
type CatalogSource struct {
	ID            int64   `json:"id"`
	CatalogID     int64   `json:"catalog"`
	CatalogName   string  `json:"catalog_name,omitempty"`
	Name          string  `json:"catsrcname"`
	RA            float64 `json:"ra"`
	Decl          float64 `json:"decl"`
	UncertaintyEW float64 `json:"uncertainty_ew"`
	UncertaintyNS float64 `json:"uncertainty_ns"`
	Zone          int     `json:"zone"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Z             float64 `json:"z"`
}

// Position implements zone.Point.
func (c CatalogSource) Position() (float64, float64) { return c.RA, c.Decl }

// Derive fills zone and Cartesian coordinates from RA/Decl.
func (c *CatalogSource) Derive() {
	c.RA = sky.NormalizeRA(c.RA)
	c.Zone = sky.Zone(c.Decl)
	c.X, c.Y, c.Z = sky.EqToCart(c.RA, c.Decl)
}

// DetectionEdge links a detection to its running source.
type DetectionEdge struct {
	RunningSourceID int64   `json:"runcat"`
	DetectionID     int64   `json:"xtrsrc"`
	Type            string  `json:"type"`
	DistanceArcsec  float64 `json:"distance_arcsec"`
	R               float64 `json:"r"`
}
