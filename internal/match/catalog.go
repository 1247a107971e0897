package match

import (
	"sort"

	"github.com/sells-group/trap-cli/internal/model"
	"github.com/sells-group/trap-cli/internal/zone"
)

// CatalogMatch is one scored catalog counterpart of a running source.
type CatalogMatch struct {
	CatalogSourceID int64   `json:"catsrcid"`
	Name            string  `json:"catsrcname"`
	CatalogID       int64   `json:"catid"`
	CatalogName     string  `json:"catname"`
	RA              float64 `json:"ra"`
	Decl            float64 `json:"decl"`
	UncertaintyEW   float64 `json:"uncertainty_ew"`
	UncertaintyNS   float64 `json:"uncertainty_ns"`
	DistanceArcsec  float64 `json:"dist_arcsec"`
	AssocR          float64 `json:"assoc_r"`
}

func runningPosition(r model.RunningSource) Position {
	return Position{RA: r.WmRA, Decl: r.WmDecl, UncertaintyEW: r.WmUncertaintyEW, UncertaintyNS: r.WmUncertaintyNS}
}

func catalogPosition(c model.CatalogSource) Position {
	return Position{RA: c.RA, Decl: c.Decl, UncertaintyEW: c.UncertaintyEW, UncertaintyNS: c.UncertaintyNS}
}

// ScoreCatalog filters candidates to genuine counterparts of rc and orders
// them by catalog id, then ascending assoc_r, so the first entry of each
// catalog group is that catalog's best match.
//
// A candidate is kept when it passes the zone band, lies inside the radius
// cone and its mean-declination De Ruiter radius is below the cutoff. The
// reported assoc_r weights RA by the running source's own declination.
func ScoreCatalog(rc model.RunningSource, candidates []model.CatalogSource, p Params) ([]CatalogMatch, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	band, err := zone.NewBand(rc.WmRA, rc.WmDecl, p.Theta)
	if err != nil {
		return nil, err
	}

	rp := runningPosition(rc)
	rcart := Cart{rc.X, rc.Y, rc.Z}

	var out []CatalogMatch
	for _, c := range candidates {
		if !band.Contains(c.RA, c.Decl) {
			continue
		}
		ccart := Cart{c.X, c.Y, c.Z}
		if !InCone(rcart, ccart, p.Theta) {
			continue
		}
		cp := catalogPosition(c)
		if !Accept(Radius(rp, cp), p.DeRuiterR) {
			continue
		}
		out = append(out, CatalogMatch{
			CatalogSourceID: c.ID,
			Name:            c.Name,
			CatalogID:       c.CatalogID,
			CatalogName:     c.CatalogName,
			RA:              c.RA,
			Decl:            c.Decl,
			UncertaintyEW:   c.UncertaintyEW,
			UncertaintyNS:   c.UncertaintyNS,
			DistanceArcsec:  DistanceArcsec(rcart, ccart),
			AssocR:          RadiusAt(rp, cp, rc.WmDecl),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CatalogID != out[j].CatalogID {
			return out[i].CatalogID < out[j].CatalogID
		}
		if out[i].AssocR != out[j].AssocR {
			return out[i].AssocR < out[j].AssocR
		}
		return out[i].CatalogSourceID < out[j].CatalogSourceID
	})
	return out, nil
}

// BestPerCatalog returns the first match of each catalog group of an
// ordered ScoreCatalog result.
func BestPerCatalog(ordered []CatalogMatch) []CatalogMatch {
	var out []CatalogMatch
	for i, m := range ordered {
		if i == 0 || ordered[i-1].CatalogID != m.CatalogID {
			out = append(out, m)
		}
	}
	return out
}
