package ingest

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/trap-cli/internal/model"
)

// CatalogFile is a reference catalog export. Positions and uncertainties
// are in degrees.
//
//	name: NVSS
//	description: NRAO VLA Sky Survey
//	sources:
//	  - {name: J004000+450000, ra: 10.0, decl: 45.0, uncertainty_ew: 0.0003, uncertainty_ns: 0.0003}
type CatalogFile struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Sources     []CatalogRecord `yaml:"sources"`
}

// CatalogRecord is one catalog source.
type CatalogRecord struct {
	Name          string  `yaml:"name"`
	RA            float64 `yaml:"ra"`
	Decl          float64 `yaml:"decl"`
	UncertaintyEW float64 `yaml:"uncertainty_ew"`
	UncertaintyNS float64 `yaml:"uncertainty_ns"`
}

// ReadCatalogFile parses a catalog export.
func ReadCatalogFile(path string) (*CatalogFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read catalog %s", path)
	}
	var cf CatalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, eris.Wrapf(err, "ingest: decode catalog %s", path)
	}
	if cf.Name == "" {
		return nil, eris.Errorf("ingest: catalog %s has no name", path)
	}
	seen := make(map[string]bool, len(cf.Sources))
	for i, s := range cf.Sources {
		if s.Name == "" {
			return nil, eris.Errorf("ingest: catalog %s source %d has no name", path, i)
		}
		if seen[s.Name] {
			return nil, eris.Errorf("ingest: catalog %s repeats source %q", path, s.Name)
		}
		seen[s.Name] = true
	}
	return &cf, nil
}

// CatalogSources converts the records for the store.
func (cf *CatalogFile) CatalogSources() []model.CatalogSource {
	out := make([]model.CatalogSource, len(cf.Sources))
	for i, s := range cf.Sources {
		out[i] = model.CatalogSource{
			Name:          s.Name,
			RA:            s.RA,
			Decl:          s.Decl,
			UncertaintyEW: s.UncertaintyEW,
			UncertaintyNS: s.UncertaintyNS,
		}
	}
	return out
}
