// Package match scores candidate source pairs with the De Ruiter radius, a
// dimensionless distance weighted by the positional error ellipses.
package match

import (
	"fmt"
	"math"

	"github.com/rotisserie/eris"
	"github.com/soniakeys/meeus/v3/angle"
	"github.com/soniakeys/unit"
)

// DefaultTheta is the usual association search radius in degrees.
const DefaultTheta = 0.03

// ErrInvalidParams is returned when a radius or cutoff is unusable.
var ErrInvalidParams = eris.New("match: invalid parameters")

// Params are the caller-supplied association parameters.
type Params struct {
	// Theta is the search radius in degrees.
	Theta float64 `json:"theta" yaml:"theta" mapstructure:"theta"`
	// DeRuiterR is the dimensionless De Ruiter cutoff.
	DeRuiterR float64 `json:"deruiter_r" yaml:"deruiter_r" mapstructure:"deruiter_r"`
}

// Validate checks both values are finite and positive, and theta is below 90.
func (p Params) Validate() error {
	if !isFinite(p.Theta) || p.Theta <= 0 || p.Theta >= 90 {
		return eris.Wrapf(ErrInvalidParams, "theta %v", p.Theta)
	}
	if !isFinite(p.DeRuiterR) || p.DeRuiterR <= 0 {
		return eris.Wrapf(ErrInvalidParams, "deruiter_r %v", p.DeRuiterR)
	}
	return nil
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Position is a sky position with on-sky per-axis uncertainty, all in degrees.
type Position struct {
	RA, Decl                     float64
	UncertaintyEW, UncertaintyNS float64
}

// Cart is a unit vector on the celestial sphere.
type Cart struct{ X, Y, Z float64 }

// Dot returns the scalar product of two unit vectors.
func (c Cart) Dot(o Cart) float64 { return c.X*o.X + c.Y*o.Y + c.Z*o.Z }

func mustPositive(p, q Position) {
	if !(p.UncertaintyEW > 0 && p.UncertaintyNS > 0 && q.UncertaintyEW > 0 && q.UncertaintyNS > 0) {
		panic(fmt.Sprintf("match: non-positive uncertainty (%g,%g) (%g,%g)",
			p.UncertaintyEW, p.UncertaintyNS, q.UncertaintyEW, q.UncertaintyNS))
	}
}

// RadiusAt returns the De Ruiter radius with the RA difference scaled by
// cos(refDecl). The RA difference is taken the short way round, so pairs
// either side of RA=0 score by their true offset.
func RadiusAt(p, q Position, refDecl float64) float64 {
	mustPositive(p, q)
	dra := math.Remainder(p.RA-q.RA, 360) * unit.AngleFromDeg(refDecl).Cos()
	ddec := p.Decl - q.Decl
	r2 := dra*dra/(p.UncertaintyEW*p.UncertaintyEW+q.UncertaintyEW*q.UncertaintyEW) +
		ddec*ddec/(p.UncertaintyNS*p.UncertaintyNS+q.UncertaintyNS*q.UncertaintyNS)
	return math.Sqrt(r2)
}

// Radius returns the De Ruiter radius using the mean declination of the
// pair. It is symmetric in p and q.
func Radius(p, q Position) float64 {
	return RadiusAt(p, q, (p.Decl+q.Decl)/2)
}

// Accept reports whether r is below the cutoff.
func Accept(r, cutoff float64) bool { return r < cutoff }

// DistanceArcsec returns the great-circle distance between two unit vectors
// in arcsec, computed from their chord length.
func DistanceArcsec(a, b Cart) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	chord := math.Sqrt(dx*dx + dy*dy + dz*dz)
	return unit.Angle(2 * math.Asin(chord/2)).Sec()
}

// SeparationDeg returns the angular separation of two positions in degrees.
func SeparationDeg(ra1, decl1, ra2, decl2 float64) float64 {
	return angle.Sep(
		unit.AngleFromDeg(ra1), unit.AngleFromDeg(decl1),
		unit.AngleFromDeg(ra2), unit.AngleFromDeg(decl2),
	).Deg()
}

// InCone reports whether b lies within theta degrees of a.
func InCone(a, b Cart, theta float64) bool {
	return a.Dot(b) > unit.AngleFromDeg(theta).Cos()
}
