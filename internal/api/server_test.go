package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trap-cli/internal/assoc"
	"github.com/sells-group/trap-cli/internal/match"
	"github.com/sells-group/trap-cli/internal/metrics"
	"github.com/sells-group/trap-cli/internal/model"
	"github.com/sells-group/trap-cli/internal/sky"
	"github.com/sells-group/trap-cli/internal/store"
)

type fixture struct {
	srv     *httptest.Server
	st      *store.SQLiteStore
	dataset int64
	runcat  int64
	xtrsrc  int64
}

func raw(ra, decl float64) sky.RawDetection {
	return sky.RawDetection{RA: ra, Decl: decl, FInt: 1.5, FIntErr: 0.1, EWSysErr: 1, NSSysErr: 1, ErrorRadius: 0.5}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	m, err := metrics.NewAssocMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	engine := assoc.New(st, m)
	params := match.Params{Theta: 0.03, DeRuiterR: 3.7}

	ds, err := st.InsertDataset(ctx, "api")
	require.NoError(t, err)
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var firstImage int64
	for i, ra := range []float64{10, 10.0001} {
		img, err := st.InsertImage(ctx, &model.Image{DatasetID: ds, Stokes: model.StokesI,
			TauStartTS: t0.Add(time.Duration(i) * time.Hour), FreqEff: 150e6, FreqBW: 2e6})
		require.NoError(t, err)
		if firstImage == 0 {
			firstImage = img
		}
		_, err = engine.IngestImage(ctx, ds, img, []assoc.Batch{
			{ExtractType: sky.Blind, Detections: []sky.RawDetection{raw(ra, 45)}},
		}, params)
		require.NoError(t, err)
	}
	cat, err := st.InsertCatalog(ctx, "NVSS", "")
	require.NoError(t, err)
	_, err = st.LoadCatalogSources(ctx, cat, []model.CatalogSource{
		{Name: "J0040+4500", RA: 10.0002, Decl: 45.0001, UncertaintyEW: 0.0006, UncertaintyNS: 0.0006},
	})
	require.NoError(t, err)

	rcs, err := st.ListRunningSources(ctx, ds, 0)
	require.NoError(t, err)
	require.Len(t, rcs, 1)
	all, err := st.ImageDetections(ctx, firstImage)
	require.NoError(t, err)
	require.Len(t, all, 1)

	s := New(st, engine, Options{
		Params:      params,
		CORSOrigins: []string{"https://example.org"},
		Metrics:     m,
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, st: st, dataset: ds, runcat: rcs[0].ID, xtrsrc: all[0].ID}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, f.get(t, "/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestLightcurve(t *testing.T) {
	f := newFixture(t)
	var pts []model.LightcurvePoint
	assert.Equal(t, http.StatusOK, f.get(t, "/lightcurve/"+strconv.FormatInt(f.xtrsrc, 10), &pts))
	require.Len(t, pts, 2)
	assert.True(t, pts[0].TauStartTS.Before(pts[1].TauStartTS))

	pts = nil
	assert.Equal(t, http.StatusOK, f.get(t, "/lightcurve/999999", &pts))
	assert.Empty(t, pts)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/lightcurve/abc", nil))
}

func TestRunningSources(t *testing.T) {
	f := newFixture(t)
	var rcs []model.RunningSource
	assert.Equal(t, http.StatusOK, f.get(t, "/datasets/"+strconv.FormatInt(f.dataset, 10)+"/runcat", &rcs))
	require.Len(t, rcs, 1)
	assert.Equal(t, 2, rcs[0].Datapoints)

	var rc model.RunningSource
	assert.Equal(t, http.StatusOK, f.get(t, "/runcat/"+strconv.FormatInt(f.runcat, 10), &rc))
	assert.Equal(t, f.runcat, rc.ID)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/runcat/424242", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/datasets/1/runcat?limit=-3", nil))
}

func TestCatalogMatches(t *testing.T) {
	f := newFixture(t)
	base := "/runcat/" + strconv.FormatInt(f.runcat, 10)

	var matches []match.CatalogMatch
	assert.Equal(t, http.StatusOK, f.get(t, base+"/matches", &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, "J0040+4500", matches[0].Name)
	assert.Equal(t, "NVSS", matches[0].CatalogName)

	matches = nil
	assert.Equal(t, http.StatusOK, f.get(t, base+"/matches?deruiter=0.0001", &matches))
	assert.Empty(t, matches)

	assert.Equal(t, http.StatusBadRequest, f.get(t, base+"/matches?radius=-1", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, base+"/matches?radius=wide", nil))

	for range 2 {
		resp, err := http.Post(f.srv.URL+base+"/associations", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close() //nolint:errcheck
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	var stats store.Stats
	assert.Equal(t, http.StatusOK, f.get(t, "/stats", &stats))
	assert.Equal(t, int64(1), stats.CatalogAssociations)
	assert.Equal(t, int64(1), stats.RunningSources)
}

func TestSkymap(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/datasets/" + strconv.FormatInt(f.dataset, 10) + "/skymap")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/geo+json", resp.Header.Get("Content-Type"))

	var doc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "FeatureCollection", doc.Type)
	assert.Len(t, doc.Features, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "trap_associations_total")
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.org")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "https://example.org", resp.Header.Get("Access-Control-Allow-Origin"))
}
