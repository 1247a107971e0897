package match

import (
	"github.com/sells-group/trap-cli/internal/model"
	"github.com/sells-group/trap-cli/internal/sky"
	"github.com/sells-group/trap-cli/internal/zone"
)

// Candidate is a running source accepted for a detection.
type Candidate struct {
	RunningSource  model.RunningSource
	DistanceArcsec float64
	R              float64
}

func detectionPosition(d sky.Detection) Position {
	return Position{RA: d.RA, Decl: d.Decl, UncertaintyEW: d.UncertaintyEW, UncertaintyNS: d.UncertaintyNS}
}

// BestRunningSource picks the running source a detection belongs to: the
// lowest De Ruiter radius below the cutoff within theta, ties going to the
// older (lower id) source. ok is false when nothing qualifies.
func BestRunningSource(d sky.Detection, candidates []model.RunningSource, p Params) (best Candidate, ok bool, err error) {
	if err := p.Validate(); err != nil {
		return Candidate{}, false, err
	}
	band, err := zone.NewBand(d.RA, d.Decl, p.Theta)
	if err != nil {
		return Candidate{}, false, err
	}

	dp := detectionPosition(d)
	dcart := Cart{d.X, d.Y, d.Z}
	for _, rc := range candidates {
		if !band.Contains(rc.WmRA, rc.WmDecl) {
			continue
		}
		rcart := Cart{rc.X, rc.Y, rc.Z}
		if !InCone(dcart, rcart, p.Theta) {
			continue
		}
		r := Radius(dp, runningPosition(rc))
		if !Accept(r, p.DeRuiterR) {
			continue
		}
		if !ok || r < best.R || (r == best.R && rc.ID < best.RunningSource.ID) {
			best = Candidate{RunningSource: rc, DistanceArcsec: DistanceArcsec(dcart, rcart), R: r}
			ok = true
		}
	}
	return best, ok, nil
}
