package model

import (
	"math"
	"time"

	"github.com/sells-group/trap-cli/internal/sky"
)

// Stokes parameter tags for images.
const (
	StokesI = "I"
	StokesQ = "Q"
	StokesU = "U"
	StokesV = "V"
)

// ValidStokes reports whether s is a known Stokes tag.
func ValidStokes(s string) bool {
	switch s {
	case StokesI, StokesQ, StokesU, StokesV:
		return true
	}
	return false
}

// Dataset groups the images of one processing run.
type Dataset struct {
	ID             int64      `json:"id"`
	Description    string     `json:"description"`
	ProcessStartTS time.Time  `json:"process_start_ts"`
	ProcessEndTS   *time.Time `json:"process_end_ts,omitempty"`
}

// FrequencyBand is a frequency interval shared by images (Hz).
type FrequencyBand struct {
	ID          int64   `json:"id"`
	FreqCentral float64 `json:"freq_central"`
	FreqLow     float64 `json:"freq_low"`
	FreqHigh    float64 `json:"freq_high"`
}

// Image is one epoch image. Beam axes and position angle are stored in
// degrees; BeamSmajPix/BeamSminPix/BeamPARad are the raw inputs.
type Image struct {
	ID         int64     `json:"id" yaml:"-"`
	DatasetID  int64     `json:"dataset" yaml:"dataset"`
	BandID     int64     `json:"band" yaml:"-"`
	Stokes     string    `json:"stokes" yaml:"stokes"`
	TauStartTS time.Time `json:"taustart_ts" yaml:"taustart_ts"`
	TauTime    float64   `json:"tau_time" yaml:"tau_time"`
	FreqEff    float64   `json:"freq_eff" yaml:"freq_eff"`
	FreqBW     float64   `json:"freq_bw" yaml:"freq_bw"`

	BeamSmajPix float64 `json:"-" yaml:"beam_smaj_pix"`
	BeamSminPix float64 `json:"-" yaml:"beam_smin_pix"`
	BeamPARad   float64 `json:"-" yaml:"beam_pa_rad"`
	RBSmaj      float64 `json:"rb_smaj" yaml:"-"`
	RBSmin      float64 `json:"rb_smin" yaml:"-"`
	RBPA        float64 `json:"rb_pa" yaml:"-"`

	DeltaX     float64 `json:"deltax" yaml:"deltax"`
	DeltaY     float64 `json:"deltay" yaml:"deltay"`
	URL        string  `json:"url" yaml:"url"`
	CentreRA   float64 `json:"centre_ra" yaml:"centre_ra"`
	CentreDecl float64 `json:"centre_decl" yaml:"centre_decl"`
	XtrRadius  float64 `json:"xtr_radius" yaml:"xtr_radius"`
	RMS        float64 `json:"rms" yaml:"rms"`
}

// DeriveBeam converts the restoring beam from pixels and radians to degrees.
// Non-finite results are stored as zero.
func (im *Image) DeriveBeam() {
	im.RBSmaj = sky.SubstituteInf(im.BeamSmajPix*math.Abs(im.DeltaX), 0)
	im.RBSmin = sky.SubstituteInf(im.BeamSminPix*math.Abs(im.DeltaY), 0)
	im.RBPA = sky.SubstituteInf(180*im.BeamPARad/math.Pi, 0)
}

// Band returns the frequency interval covered by the image.
func (im *Image) Band() FrequencyBand {
	return FrequencyBand{
		FreqCentral: im.FreqEff,
		FreqLow:     im.FreqEff - im.FreqBW/2,
		FreqHigh:    im.FreqEff + im.FreqBW/2,
	}
}

// LightcurvePoint is one flux measurement on a light curve.
type LightcurvePoint struct {
	TauStartTS time.Time `json:"taustart_ts"`
	TauTime    float64   `json:"tau_time"`
	FInt       float64   `json:"f_int"`
	FIntErr    float64   `json:"f_int_err"`
	XtrsrcID   int64     `json:"xtrsrc"`
	BandID     int64     `json:"band"`
	Stokes     string    `json:"stokes"`
}
