package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCatalogFile(t *testing.T) {
	p := writeFile(t, t.TempDir(), "nvss.yaml", `
name: NVSS
description: NRAO VLA Sky Survey
sources:
  - {name: A, ra: 10.0, decl: 45.0, uncertainty_ew: 0.0003, uncertainty_ns: 0.0004}
  - {name: B, ra: 359.9, decl: -10.0, uncertainty_ew: 0.001, uncertainty_ns: 0.001}
`)
	cf, err := ReadCatalogFile(p)
	require.NoError(t, err)
	assert.Equal(t, "NVSS", cf.Name)

	srcs := cf.CatalogSources()
	require.Len(t, srcs, 2)
	assert.Equal(t, "A", srcs[0].Name)
	assert.InDelta(t, 0.0004, srcs[0].UncertaintyNS, 1e-12)
	assert.InDelta(t, 359.9, srcs[1].RA, 1e-12)
}

func TestReadCatalogFile_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
		want string
	}{
		{"no name", "sources: []\n", "has no name"},
		{"source without name", "name: X\nsources:\n  - {ra: 1, decl: 2}\n", "source 0 has no name"},
		{"duplicate", "name: X\nsources:\n  - {name: a}\n  - {name: a}\n", "repeats source"},
		{"bad yaml", "name: [", "decode catalog"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCatalogFile(writeFile(t, dir, tt.name+".yaml", tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := ReadCatalogFile("/does/not/exist.yaml")
	assert.Error(t, err)
}
