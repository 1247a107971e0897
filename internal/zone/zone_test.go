package zone

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/soniakeys/meeus/v3/angle"
	"github.com/soniakeys/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pt struct {
	id       int
	ra, decl float64
}

func (p pt) Position() (float64, float64) { return p.ra, p.decl }

// offset moves (ra, decl) by dist degrees along bearing (radians).
func offset(ra, decl, dist, bearing float64) (float64, float64) {
	d0 := unit.AngleFromDeg(decl)
	r := unit.AngleFromDeg(dist)
	sinDec := d0.Sin()*r.Cos() + d0.Cos()*r.Sin()*math.Cos(bearing)
	dec := math.Asin(sinDec)
	dra := math.Atan2(math.Sin(bearing)*r.Sin()*d0.Cos(), r.Cos()-d0.Sin()*sinDec)
	ra2 := math.Mod(ra+unit.Angle(dra).Deg()+360, 360)
	return ra2, unit.Angle(dec).Deg()
}

func sepDeg(ra1, d1, ra2, d2 float64) float64 {
	return angle.Sep(
		unit.AngleFromDeg(ra1), unit.AngleFromDeg(d1),
		unit.AngleFromDeg(ra2), unit.AngleFromDeg(d2),
	).Deg()
}

func TestNewBand_Validation(t *testing.T) {
	_, err := NewBand(math.NaN(), 0, 0.03)
	require.Error(t, err)
	_, err = NewBand(10, 0, 0)
	require.Error(t, err)
	_, err = NewBand(10, 0, -1)
	require.Error(t, err)
	_, err = NewBand(10, 0, math.Inf(1))
	require.Error(t, err)
}

func TestNewBand_ZoneRange(t *testing.T) {
	b, err := NewBand(10, 45.01, 0.03)
	require.NoError(t, err)
	assert.Equal(t, 44, b.MinZone)
	assert.Equal(t, 45, b.MaxZone)
	assert.InDelta(t, 44.98, b.MinDecl, 1e-12)
	assert.InDelta(t, 45.04, b.MaxDecl, 1e-12)
}

func TestNewBand_RAWrap(t *testing.T) {
	b, err := NewBand(0.01, 0, 0.03)
	require.NoError(t, err)
	r := b.RARanges()
	assert.InDelta(t, 0, r[0][0], 1e-12)
	assert.InDelta(t, 0.04, r[0][1], 1e-9)
	assert.InDelta(t, 359.98, r[1][0], 1e-9)
	assert.InDelta(t, 360, r[1][1], 1e-12)

	assert.True(t, b.Contains(359.99, 0))
	assert.True(t, b.Contains(0.02, 0))
	assert.False(t, b.Contains(180, 0))

	b, err = NewBand(100, 0, 0.03)
	require.NoError(t, err)
	r = b.RARanges()
	assert.Equal(t, r[0], r[1])
}

func TestNewBand_Pole(t *testing.T) {
	b, err := NewBand(123, 89.95, 0.1)
	require.NoError(t, err)
	for _, ra := range []float64{0, 90, 180, 270, 359.9} {
		assert.True(t, b.Contains(ra, 89.99), "ra=%v", ra)
	}
}

func TestBand_SupersetOfTrueMatches(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	thetas := []float64{0.001, 0.03, 0.5, 2}
	for i := 0; i < 20000; i++ {
		theta := thetas[i%len(thetas)]
		ra0 := rng.Float64() * 360
		var dec0 float64
		switch i % 4 {
		case 0:
			dec0 = 90 - rng.Float64()*2*theta
		case 1:
			dec0 = -90 + rng.Float64()*2*theta
		default:
			dec0 = rng.Float64()*180 - 90
		}
		if i%10 == 0 {
			ra0 = rng.Float64() * theta // hug RA=0
		}

		ra1, dec1 := offset(ra0, dec0, rng.Float64()*theta*0.999, rng.Float64()*2*math.Pi)
		require.Less(t, sepDeg(ra0, dec0, ra1, dec1), theta)

		b, err := NewBand(ra0, dec0, theta)
		require.NoError(t, err)
		require.True(t, b.Contains(ra1, dec1),
			"lost true match: query=(%v,%v) point=(%v,%v) theta=%v", ra0, dec0, ra1, dec1, theta)
	}
}

func TestIndex_QueryMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	var pts []pt
	for i := 0; i < 3000; i++ {
		pts = append(pts, pt{id: i, ra: rng.Float64() * 20, decl: rng.Float64()*10 + 40})
	}
	idx := NewIndex(pts[:1500])
	for _, p := range pts[1500:] {
		idx.Insert(p)
	}
	require.Equal(t, len(pts), idx.Len())

	for q := 0; q < 200; q++ {
		ra0, dec0 := rng.Float64()*20, rng.Float64()*10+40
		theta := 0.5
		b, err := NewBand(ra0, dec0, theta)
		require.NoError(t, err)

		got := map[int]bool{}
		for _, p := range idx.Query(b) {
			got[p.id] = true
		}
		for _, p := range pts {
			if b.Contains(p.ra, p.decl) {
				assert.True(t, got[p.id], "index missed %d", p.id)
			}
			if sepDeg(ra0, dec0, p.ra, p.decl) < theta {
				assert.True(t, got[p.id], "true match %d excluded", p.id)
			}
		}
	}
}

func TestIndex_Empty(t *testing.T) {
	idx := NewIndex[pt](nil)
	b, err := NewBand(0, 0, 1)
	require.NoError(t, err)
	assert.Empty(t, idx.Query(b))
}
