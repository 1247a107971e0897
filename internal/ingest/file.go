// Package ingest loads source-finder output files and feeds them to the
// association engine.
package ingest

import (
	"errors"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/trap-cli/internal/assoc"
	"github.com/sells-group/trap-cli/internal/model"
	"github.com/sells-group/trap-cli/internal/sky"
)

// File is one image and its detections as handed over by the source finder.
//
//	image:
//	  stokes: I
//	  taustart_ts: 2024-03-01T12:00:00Z
//	  freq_eff: 1.5e8
//	batches:
//	  - extract_type: blind
//	    rows:
//	      - [10.0, 45.0, 1e-4, 1e-4, 1, 0.1, 1.5, 0.1, 10, 5, 4, 30, 1, 1, 0.5]
//	  - extract_type: ff_nd
//	    detections:
//	      - {ra: 11.0, decl: 45.0, ew_sys_err: 1, ns_sys_err: 1, error_radius: .inf}
type File struct {
	Image   model.Image `yaml:"image"`
	Batches []FileBatch `yaml:"batches"`
}

// FileBatch holds detections of one extract type. Rows use the fixed
// 15-value order; Detections use named fields. Both may be present.
type FileBatch struct {
	ExtractType string             `yaml:"extract_type"`
	Rows        [][]float64        `yaml:"rows"`
	Detections  []sky.RawDetection `yaml:"detections"`
}

// ReadFile parses the file at path.
func ReadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	out, err := Parse(f)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: %s", path)
	}
	return out, nil
}

// Parse decodes a File and rejects unknown keys.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, eris.New("ingest: empty file")
		}
		return nil, eris.Wrap(err, "ingest: decode")
	}
	if f.Image.Stokes == "" {
		f.Image.Stokes = model.StokesI
	}
	if !model.ValidStokes(f.Image.Stokes) {
		return nil, eris.Errorf("ingest: unknown stokes %q", f.Image.Stokes)
	}
	if f.Image.TauStartTS.IsZero() {
		return nil, eris.New("ingest: image taustart_ts is required")
	}
	return &f, nil
}

// AssocBatches converts the file's batches for the engine.
func (f *File) AssocBatches() ([]assoc.Batch, error) {
	out := make([]assoc.Batch, 0, len(f.Batches))
	for i, b := range f.Batches {
		et, err := sky.ParseExtractType(b.ExtractType)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: batch %d", i)
		}
		raws := make([]sky.RawDetection, 0, len(b.Rows)+len(b.Detections))
		for j, row := range b.Rows {
			rd, err := sky.FromValues(row)
			if err != nil {
				return nil, eris.Wrapf(err, "ingest: batch %d row %d", i, j)
			}
			raws = append(raws, rd)
		}
		raws = append(raws, b.Detections...)
		out = append(out, assoc.Batch{ExtractType: et, Detections: raws})
	}
	return out, nil
}

// DetectionCount returns the number of detections across all batches.
func (f *File) DetectionCount() int {
	var n int
	for _, b := range f.Batches {
		n += len(b.Rows) + len(b.Detections)
	}
	return n
}
