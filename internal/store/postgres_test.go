package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trap-cli/internal/match"
	"github.com/sells-group/trap-cli/internal/model"
	"github.com/sells-group/trap-cli/internal/resilience"
	"github.com/sells-group/trap-cli/internal/sky"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, retry: resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}}
	return s, mock
}

func testDetection(t *testing.T, id int64, ra, decl float64, et sky.ExtractType) sky.Detection {
	t.Helper()
	d, err := sky.Transform(sky.RawDetection{
		RA: ra, Decl: decl,
		RAFitErr: 0.001, DeclFitErr: 0.001,
		FInt: 1.5, FIntErr: 0.1,
		EWSysErr: 1, NSSysErr: 1, ErrorRadius: 0.5,
	}, et)
	require.NoError(t, err)
	d.ID = id
	return d
}

var runningSourceCols = []string{
	"id", "dataset", "datapoints", "wm_ra", "wm_decl", "wm_uncertainty_ew", "wm_uncertainty_ns",
	"zone", "x", "y", "z", "weight_ew", "weight_ns", "version",
}

func runningSourceRow(mock pgxmock.PgxPoolIface, rc model.RunningSource) *pgxmock.Rows {
	return mock.NewRows(runningSourceCols).AddRow(
		rc.ID, rc.DatasetID, rc.Datapoints, rc.WmRA, rc.WmDecl, rc.WmUncertaintyEW, rc.WmUncertaintyNS,
		rc.Zone, rc.X, rc.Y, rc.Z, rc.WeightEW, rc.WeightNS, rc.Version,
	)
}

func TestPostgresStore_InsertExtractedSources_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	res, err := s.InsertExtractedSources(context.Background(), 7, nil)
	require.NoError(t, err)
	assert.Equal(t, InsertResult{ImageID: 7}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertExtractedSources_Copy(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	dets := []sky.Detection{
		testDetection(t, 0, 10, 45, sky.ForcedMonitor),
		testDetection(t, 0, 11, 45, sky.ForcedMonitor),
	}

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"extractedsource"}, detectionColumns).WillReturnResult(2)
	mock.ExpectCommit()

	res, err := s.InsertExtractedSources(context.Background(), 7, dets)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Count)
	assert.Equal(t, int64(7), res.ImageID)
	assert.Equal(t, sky.ForcedMonitor, res.ExtractType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertExtractedSources_CopyErrorRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	dets := []sky.Detection{testDetection(t, 0, 10, 45, sky.Blind)}

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"extractedsource"}, detectionColumns).WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	_, err := s.InsertExtractedSources(context.Background(), 7, dets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image 7")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertExtractedSources_MixedTypes(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	dets := []sky.Detection{
		testDetection(t, 0, 10, 45, sky.Blind),
		testDetection(t, 0, 10, 45, sky.ForcedNull),
	}

	_, err := s.InsertExtractedSources(context.Background(), 7, dets)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sky.ErrInvalidExtractType))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRunningSource_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM runningcatalog WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRunningSource(context.Background(), 9)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRunningSource(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	det := testDetection(t, 21, 10, 45, sky.Blind)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO runningcatalog`).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(4)))
	mock.ExpectExec(`INSERT INTO assocxtrsource`).
		WithArgs(int64(4), int64(21), model.AssocNew, 0.0, 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	rc, err := s.CreateRunningSource(context.Background(), 1, det)
	require.NoError(t, err)
	assert.Equal(t, int64(4), rc.ID)
	assert.Equal(t, 1, rc.Datapoints)
	assert.Equal(t, det.RA, rc.WmRA)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendDetection_RetriesOnConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	det := testDetection(t, 30, 10.0001, 45, sky.Blind)
	rc := model.NewRunningSource(1, testDetection(t, 20, 10, 45, sky.Blind))
	rc.ID = 4
	rc.Version = 3

	// First attempt loses the race.
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM runningcatalog WHERE id = \$1`).WithArgs(int64(4)).
		WillReturnRows(runningSourceRow(mock, rc))
	mock.ExpectExec(`UPDATE runningcatalog`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	// Second attempt sees the new version and wins.
	rc.Version = 4
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM runningcatalog WHERE id = \$1`).WithArgs(int64(4)).
		WillReturnRows(runningSourceRow(mock, rc))
	mock.ExpectExec(`UPDATE runningcatalog`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO assocxtrsource`).
		WithArgs(int64(4), int64(30), model.AssocExisting, 0.5, 0.25).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.AppendDetection(context.Background(), 4, det, 0.5, 0.25)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendDetection_ConflictExhausted(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	s.retry.MaxAttempts = 2
	det := testDetection(t, 30, 10.0001, 45, sky.Blind)
	rc := model.NewRunningSource(1, testDetection(t, 20, 10, 45, sky.Blind))
	rc.ID = 4

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(`FROM runningcatalog WHERE id = \$1`).WithArgs(int64(4)).
			WillReturnRows(runningSourceRow(mock, rc))
		mock.ExpectExec(`UPDATE runningcatalog`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectRollback()
	}

	err := s.AppendDetection(context.Background(), 4, det, 0.5, 0.25)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, resilience.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendDetection_UnknownSource(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	det := testDetection(t, 30, 10, 45, sky.Blind)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM runningcatalog WHERE id = \$1`).WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := s.AppendDetection(context.Background(), 99, det, 0, 0)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Lightcurve_Unknown(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM assocxtrsource a1`).WithArgs(int64(404)).
		WillReturnRows(mock.NewRows([]string{"taustart_ts", "tau_time", "f_int", "f_int_err", "id", "band", "stokes"}))

	pts, err := s.Lightcurve(context.Background(), 404)
	require.NoError(t, err)
	assert.NotNil(t, pts)
	assert.Empty(t, pts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Lightcurve_Rows(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	mock.ExpectQuery(`ORDER BY im.taustart_ts, ex.id`).WithArgs(int64(5)).
		WillReturnRows(mock.NewRows([]string{"taustart_ts", "tau_time", "f_int", "f_int_err", "id", "band", "stokes"}).
			AddRow(t1, 60.0, 1.0, 0.1, int64(5), int64(1), "I").
			AddRow(t2, 60.0, 1.2, 0.1, int64(9), int64(1), "I"))

	pts, err := s.Lightcurve(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, t1, pts[0].TauStartTS)
	assert.Equal(t, int64(9), pts[1].XtrsrcID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateDatasetProcessEnd_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE dataset SET process_end_ts`).
		WithArgs(pgxmock.AnyArg(), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateDatasetProcessEnd(context.Background(), 3)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadCatalogSources(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	srcs := []model.CatalogSource{
		{Name: "NVSS J000001+450000", RA: 370, Decl: 45, UncertaintyEW: 1e-4, UncertaintyNS: 1e-4},
		{Name: "NVSS J000002+450000", RA: 11, Decl: 45, UncertaintyEW: 1e-4, UncertaintyNS: 1e-4},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "stage_catalogedsource"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"stage_catalogedsource"},
		[]string{"catalog", "catsrcname", "zone", "ra", "decl", "uncertainty_ew", "uncertainty_ns", "x", "y", "z"}).
		WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("catalog", "catsrcname"\)`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.LoadCatalogSources(context.Background(), 1, srcs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadCatalogSources_RejectsZeroUncertainty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.LoadCatalogSources(context.Background(), 1, []model.CatalogSource{{Name: "bad", RA: 1, Decl: 1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sky.ErrInvalidGeometry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertCatalogAssociations(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	expectAssocMerge(mock, 2)

	n, err := s.InsertCatalogAssociations(context.Background(), 4, []match.CatalogMatch{
		{CatalogSourceID: 1, DistanceArcsec: 0.5, AssocR: 0.2},
		{CatalogSourceID: 2, DistanceArcsec: 0.9, AssocR: 0.4},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func expectAssocMerge(mock pgxmock.PgxPoolIface, inserted int64) {
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "stage_assoccatsource" \(LIKE "assoccatsource"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"stage_assoccatsource"}, []string{"runcat", "catsrc", "distance_arcsec", "r"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "assoccatsource" .* ON CONFLICT \("runcat", "catsrc"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", inserted))
	mock.ExpectCommit()
}

func TestPostgresStore_InsertCatalogAssociations_SavedTwice(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	matches := []match.CatalogMatch{
		{CatalogSourceID: 1, DistanceArcsec: 0.5, AssocR: 0.2},
		{CatalogSourceID: 2, DistanceArcsec: 0.9, AssocR: 0.4},
	}
	expectAssocMerge(mock, 2)
	expectAssocMerge(mock, 0)

	n, err := s.InsertCatalogAssociations(context.Background(), 4, matches)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.InsertCatalogAssociations(context.Background(), 4, matches)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Stats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT\s+\(SELECT count\(\*\) FROM dataset\)`).
		WillReturnRows(mock.NewRows([]string{"a", "b", "c", "d", "e", "f", "g", "h"}).
			AddRow(int64(1), int64(2), int64(30), int64(12), int64(1), int64(500), int64(30), int64(4)))

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(30), st.Detections)
	assert.Equal(t, int64(12), st.RunningSources)
	assert.Equal(t, int64(4), st.CatalogAssociations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
