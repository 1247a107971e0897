// Package sky converts raw source-finder measurements into stored detections
// with propagated positional uncertainty, zone and Cartesian coordinates.
package sky

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/soniakeys/unit"
)

// UnconstrainedErrorRadius replaces an infinite error_radius (degrees).
const UnconstrainedErrorRadius = 360.0

// RawFieldCount is the number of ordered values in a source-finder record.
const RawFieldCount = 15

var (
	// ErrInvalidExtractType is returned for an unrecognised extract type tag.
	ErrInvalidExtractType = eris.New("sky: invalid extract type")
	// ErrInvalidGeometry is returned for non-finite or out-of-range positions and errors.
	ErrInvalidGeometry = eris.New("sky: invalid geometry")
)

// ExtractType tells where a detection came from.
type ExtractType int

const (
	// Blind is a blind source-extraction detection.
	Blind ExtractType = iota
	// ForcedNull is a forced fit at a null-detection position.
	ForcedNull
	// ForcedMonitor is a forced fit at a monitoring-list position.
	ForcedMonitor
)

var extractTypeNames = map[ExtractType]string{
	Blind:         "blind",
	ForcedNull:    "ff_nd",
	ForcedMonitor: "ff_ms",
}

// String returns the wire tag (blind, ff_nd, ff_ms).
func (e ExtractType) String() string {
	if s, ok := extractTypeNames[e]; ok {
		return s
	}
	return "unknown"
}

// Valid reports whether e is one of the known extract types.
func (e ExtractType) Valid() bool {
	_, ok := extractTypeNames[e]
	return ok
}

// Genuine reports whether the detection is a real measurement rather than a
// null-position placeholder.
func (e ExtractType) Genuine() bool {
	return e == Blind || e == ForcedMonitor
}

// ParseExtractType maps a wire tag to an ExtractType.
func ParseExtractType(s string) (ExtractType, error) {
	for k, v := range extractTypeNames {
		if v == s {
			return k, nil
		}
	}
	return 0, eris.Wrapf(ErrInvalidExtractType, "%q", s)
}

// RawDetection is one source-finder measurement. Positions and fit errors are
// in degrees; beam, systematic errors and error_radius are in arcsec.
type RawDetection struct {
	RA          float64 `json:"ra" yaml:"ra"`
	Decl        float64 `json:"decl" yaml:"decl"`
	RAFitErr    float64 `json:"ra_fit_err" yaml:"ra_fit_err"`
	DeclFitErr  float64 `json:"decl_fit_err" yaml:"decl_fit_err"`
	FPeak       float64 `json:"f_peak" yaml:"f_peak"`
	FPeakErr    float64 `json:"f_peak_err" yaml:"f_peak_err"`
	FInt        float64 `json:"f_int" yaml:"f_int"`
	FIntErr     float64 `json:"f_int_err" yaml:"f_int_err"`
	DetSigma    float64 `json:"det_sigma" yaml:"det_sigma"`
	SemiMajor   float64 `json:"semimajor" yaml:"semimajor"`
	SemiMinor   float64 `json:"semiminor" yaml:"semiminor"`
	PA          float64 `json:"pa" yaml:"pa"`
	EWSysErr    float64 `json:"ew_sys_err" yaml:"ew_sys_err"`
	NSSysErr    float64 `json:"ns_sys_err" yaml:"ns_sys_err"`
	ErrorRadius float64 `json:"error_radius" yaml:"error_radius"`
}

// FromValues builds a RawDetection from the fixed 15-value source-finder order:
// ra, decl, ra_fit_err, decl_fit_err, f_peak, f_peak_err, f_int, f_int_err,
// det_sigma, semimajor, semiminor, pa, ew_sys_err, ns_sys_err, error_radius.
func FromValues(v []float64) (RawDetection, error) {
	if len(v) != RawFieldCount {
		return RawDetection{}, eris.Wrapf(ErrInvalidGeometry, "expected %d values, got %d", RawFieldCount, len(v))
	}
	return RawDetection{
		RA: v[0], Decl: v[1],
		RAFitErr: v[2], DeclFitErr: v[3],
		FPeak: v[4], FPeakErr: v[5],
		FInt: v[6], FIntErr: v[7],
		DetSigma:  v[8],
		SemiMajor: v[9], SemiMinor: v[10], PA: v[11],
		EWSysErr: v[12], NSSysErr: v[13],
		ErrorRadius: v[14],
	}, nil
}

// Detection is a transformed measurement ready for storage.
type Detection struct {
	ID      int64 `json:"id,omitempty"`
	ImageID int64 `json:"image_id,omitempty"`

	RawDetection

	RAErr         float64     `json:"ra_err"`
	DeclErr       float64     `json:"decl_err"`
	UncertaintyEW float64     `json:"uncertainty_ew"`
	UncertaintyNS float64     `json:"uncertainty_ns"`
	Zone          int         `json:"zone"`
	X             float64     `json:"x"`
	Y             float64     `json:"y"`
	Z             float64     `json:"z"`
	RACosDecl     float64     `json:"racosdecl"`
	ExtractType   ExtractType `json:"extract_type"`
}

// SubstituteInf returns sub when v is not finite.
func SubstituteInf(v, sub float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return sub
	}
	return v
}

// Zone returns the 1-degree declination band of decl.
func Zone(decl float64) int {
	return int(math.Floor(decl))
}

// EqToCart returns the unit vector for an equatorial position in degrees.
func EqToCart(ra, decl float64) (x, y, z float64) {
	a := unit.AngleFromDeg(ra)
	d := unit.AngleFromDeg(decl)
	cd := d.Cos()
	return cd * a.Cos(), cd * a.Sin(), d.Sin()
}

// AlphaInflate converts an on-sky angular distance theta to the matching RA
// half-width at declination decl, both in degrees. Near the poles the full
// circle (180) is returned.
func AlphaInflate(theta, decl float64) float64 {
	if math.Abs(decl)+theta > 89.9 {
		return 180
	}
	t := unit.AngleFromDeg(theta)
	lo := unit.AngleFromDeg(decl - theta)
	hi := unit.AngleFromDeg(decl + theta)
	a := math.Atan(t.Sin() / math.Sqrt(math.Abs(lo.Cos()*hi.Cos())))
	return unit.Angle(math.Abs(a)).Deg()
}

// NormalizeRA wraps ra into [0, 360).
func NormalizeRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return false
		}
	}
	return true
}

func validate(r RawDetection) error {
	if !finite(r.RA, r.Decl) {
		return eris.Wrapf(ErrInvalidGeometry, "non-finite position (%v, %v)", r.RA, r.Decl)
	}
	if r.Decl < -90 || r.Decl > 90 {
		return eris.Wrapf(ErrInvalidGeometry, "declination %v out of range", r.Decl)
	}
	if !finite(r.RAFitErr, r.DeclFitErr, r.EWSysErr, r.NSSysErr) {
		return eris.Wrap(ErrInvalidGeometry, "non-finite positional error")
	}
	if r.RAFitErr < 0 || r.DeclFitErr < 0 || r.EWSysErr < 0 || r.NSSysErr < 0 || r.ErrorRadius < 0 {
		return eris.Wrap(ErrInvalidGeometry, "negative positional error")
	}
	return nil
}

// Transform validates a raw measurement and derives the stored attributes.
//
// error_radius is clamped to 360 when unconstrained; ra_err and decl_err add
// the systematic errors in quadrature to the fit errors (RA inflated for
// declination); uncertainty_ew/ns add the systematic errors in quadrature to
// error_radius and are stored in degrees.
func Transform(raw RawDetection, et ExtractType) (Detection, error) {
	if !et.Valid() {
		return Detection{}, eris.Wrapf(ErrInvalidExtractType, "%d", int(et))
	}
	raw.ErrorRadius = SubstituteInf(raw.ErrorRadius, UnconstrainedErrorRadius)
	if err := validate(raw); err != nil {
		return Detection{}, err
	}
	raw.RA = NormalizeRA(raw.RA)

	ewSys := unit.AngleFromSec(raw.EWSysErr).Deg()
	nsSys := unit.AngleFromSec(raw.NSSysErr).Deg()

	d := Detection{RawDetection: raw, ExtractType: et}
	d.RAErr = math.Hypot(raw.RAFitErr, AlphaInflate(ewSys, raw.Decl))
	d.DeclErr = math.Hypot(raw.DeclFitErr, nsSys)
	d.UncertaintyEW = unit.AngleFromSec(math.Hypot(raw.EWSysErr, raw.ErrorRadius)).Deg()
	d.UncertaintyNS = unit.AngleFromSec(math.Hypot(raw.NSSysErr, raw.ErrorRadius)).Deg()
	if d.UncertaintyEW <= 0 || d.UncertaintyNS <= 0 {
		return Detection{}, eris.Wrap(ErrInvalidGeometry, "zero positional uncertainty")
	}
	d.Zone = Zone(raw.Decl)
	d.X, d.Y, d.Z = EqToCart(raw.RA, raw.Decl)
	d.RACosDecl = raw.RA * unit.AngleFromDeg(raw.Decl).Cos()
	return d, nil
}

// TransformAll transforms a batch, failing on the first invalid record.
func TransformAll(raws []RawDetection, et ExtractType) ([]Detection, error) {
	out := make([]Detection, 0, len(raws))
	for i, r := range raws {
		d, err := Transform(r, et)
		if err != nil {
			return nil, eris.Wrapf(err, "sky: detection %d of %d", i, len(raws))
		}
		out = append(out, d)
	}
	return out, nil
}

// Position returns (ra, decl) in degrees.
func (d Detection) Position() (float64, float64) { return d.RA, d.Decl }
