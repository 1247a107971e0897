package match

import (
	"sort"

	"github.com/sells-group/trap-cli/internal/sky"
	"github.com/sells-group/trap-cli/internal/zone"
)

// ForcedNullDuplicates returns the ids of forced-null detections that
// coincide with a genuine (blind or monitoring) detection of the same set:
// inside the theta band and below the De Ruiter cutoff. dets are expected to
// belong to a single image. Ids are returned in ascending order.
func ForcedNullDuplicates(dets []sky.Detection, p Params) ([]int64, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var genuine []sky.Detection
	var nulls []sky.Detection
	for _, d := range dets {
		switch {
		case d.ExtractType == sky.ForcedNull:
			nulls = append(nulls, d)
		case d.ExtractType.Genuine():
			genuine = append(genuine, d)
		}
	}
	if len(nulls) == 0 || len(genuine) == 0 {
		return nil, nil
	}

	idx := zone.NewIndex(genuine)
	var ids []int64
	for _, n := range nulls {
		band, err := zone.NewBand(n.RA, n.Decl, p.Theta)
		if err != nil {
			return nil, err
		}
		np := detectionPosition(n)
		for _, g := range idx.Query(band) {
			if Accept(Radius(np, detectionPosition(g)), p.DeRuiterR) {
				ids = append(ids, n.ID)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
