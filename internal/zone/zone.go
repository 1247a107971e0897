// Package zone implements the declination-banded prefilter used before
// De Ruiter scoring. A Band never excludes a point within theta of its
// centre; it may admit points further away.
package zone

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/trap-cli/internal/sky"
)

// Band is the search box around a position: a zone range, a declination
// range and up to two RA ranges (split across RA=0).
type Band struct {
	RA, Decl, Theta float64

	MinZone, MaxZone int
	MinDecl, MaxDecl float64

	ra     [2][2]float64
	nRange int
}

// NewBand builds the prefilter box for a query at (ra, decl) with radius theta (degrees).
func NewBand(ra, decl, theta float64) (Band, error) {
	if math.IsNaN(ra) || math.IsInf(ra, 0) || math.IsNaN(decl) || math.IsInf(decl, 0) {
		return Band{}, eris.Wrap(sky.ErrInvalidGeometry, "zone: non-finite query position")
	}
	if math.IsNaN(theta) || math.IsInf(theta, 0) || theta <= 0 || theta >= 90 {
		return Band{}, eris.Wrapf(sky.ErrInvalidGeometry, "zone: radius %v out of range", theta)
	}

	ra = sky.NormalizeRA(ra)
	b := Band{
		RA: ra, Decl: decl, Theta: theta,
		MinDecl: decl - theta,
		MaxDecl: decl + theta,
	}
	b.MinZone = sky.Zone(b.MinDecl)
	b.MaxZone = sky.Zone(b.MaxDecl)

	alpha := sky.AlphaInflate(theta, decl)
	lo, hi := ra-alpha, ra+alpha
	switch {
	case alpha >= 180:
		b.ra[0] = [2]float64{0, 360}
		b.nRange = 1
	case lo < 0:
		b.ra[0] = [2]float64{0, hi}
		b.ra[1] = [2]float64{lo + 360, 360}
		b.nRange = 2
	case hi >= 360:
		b.ra[0] = [2]float64{lo, 360}
		b.ra[1] = [2]float64{0, hi - 360}
		b.nRange = 2
	default:
		b.ra[0] = [2]float64{lo, hi}
		b.nRange = 1
	}
	return b, nil
}

// RARanges returns two inclusive [lo, hi] RA ranges suitable for binding as
// SQL parameters. Without wrap-around the second duplicates the first.
func (b Band) RARanges() [2][2]float64 {
	if b.nRange == 1 {
		return [2][2]float64{b.ra[0], b.ra[0]}
	}
	return b.ra
}

// Contains reports whether (ra, decl) passes the zone, declination and RA filters.
func (b Band) Contains(ra, decl float64) bool {
	z := sky.Zone(decl)
	if z < b.MinZone || z > b.MaxZone {
		return false
	}
	if decl < b.MinDecl || decl > b.MaxDecl {
		return false
	}
	ra = sky.NormalizeRA(ra)
	for i := 0; i < b.nRange; i++ {
		if ra >= b.ra[i][0] && ra <= b.ra[i][1] {
			return true
		}
	}
	return false
}

// Point is anything with a sky position.
type Point interface {
	Position() (ra, decl float64)
}

type entry[T Point] struct {
	zone int
	decl float64
	item T
}

// Index is an in-memory zone index. Entries are kept sorted by (zone, decl)
// so a query only visits the declination slice of the band.
type Index[T Point] struct {
	entries []entry[T]
}

// NewIndex builds an index over items.
func NewIndex[T Point](items []T) *Index[T] {
	idx := &Index[T]{entries: make([]entry[T], 0, len(items))}
	for _, it := range items {
		_, decl := it.Position()
		idx.entries = append(idx.entries, entry[T]{zone: sky.Zone(decl), decl: decl, item: it})
	}
	sort.SliceStable(idx.entries, func(i, j int) bool {
		return less(idx.entries[i], idx.entries[j])
	})
	return idx
}

func less[T Point](a, b entry[T]) bool {
	if a.zone != b.zone {
		return a.zone < b.zone
	}
	return a.decl < b.decl
}

// Insert adds an item, keeping the index sorted.
func (x *Index[T]) Insert(item T) {
	_, decl := item.Position()
	e := entry[T]{zone: sky.Zone(decl), decl: decl, item: item}
	i := sort.Search(len(x.entries), func(i int) bool { return less(e, x.entries[i]) })
	x.entries = append(x.entries, entry[T]{})
	copy(x.entries[i+1:], x.entries[i:])
	x.entries[i] = e
}

// Len returns the number of indexed items.
func (x *Index[T]) Len() int { return len(x.entries) }

// Query returns the items inside the band in (zone, decl) order.
func (x *Index[T]) Query(b Band) []T {
	start := sort.Search(len(x.entries), func(i int) bool {
		e := x.entries[i]
		return e.zone > b.MinZone || (e.zone == b.MinZone && e.decl >= b.MinDecl)
	})
	var out []T
	for _, e := range x.entries[start:] {
		if e.zone > b.MaxZone {
			break
		}
		ra, decl := e.item.Position()
		if b.Contains(ra, decl) {
			out = append(out, e.item)
		}
	}
	return out
}
