package store

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/trap-cli/internal/db"
	"github.com/sells-group/trap-cli/internal/match"
	"github.com/sells-group/trap-cli/internal/model"
	"github.com/sells-group/trap-cli/internal/resilience"
	"github.com/sells-group/trap-cli/internal/sky"
	"github.com/sells-group/trap-cli/internal/zone"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	retry   resilience.RetryConfig
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, retry: resilience.DefaultRetryConfig()}, nil
}

// SetRetry overrides the retry policy for running-source updates.
func (s *PostgresStore) SetRetry(cfg resilience.RetryConfig) { s.retry = cfg }

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS dataset (
	id               BIGSERIAL PRIMARY KEY,
	description      TEXT NOT NULL DEFAULT '',
	process_start_ts TIMESTAMPTZ NOT NULL DEFAULT now(),
	process_end_ts   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS frequencyband (
	id           BIGSERIAL PRIMARY KEY,
	freq_central DOUBLE PRECISION NOT NULL,
	freq_low     DOUBLE PRECISION NOT NULL,
	freq_high    DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS image (
	id          BIGSERIAL PRIMARY KEY,
	dataset     BIGINT NOT NULL REFERENCES dataset(id),
	band        BIGINT NOT NULL REFERENCES frequencyband(id),
	stokes      TEXT NOT NULL DEFAULT 'I',
	taustart_ts TIMESTAMPTZ NOT NULL,
	tau_time    DOUBLE PRECISION NOT NULL DEFAULT 0,
	freq_eff    DOUBLE PRECISION NOT NULL,
	freq_bw     DOUBLE PRECISION NOT NULL DEFAULT 0,
	rb_smaj     DOUBLE PRECISION NOT NULL DEFAULT 0,
	rb_smin     DOUBLE PRECISION NOT NULL DEFAULT 0,
	rb_pa       DOUBLE PRECISION NOT NULL DEFAULT 0,
	deltax      DOUBLE PRECISION NOT NULL DEFAULT 0,
	deltay      DOUBLE PRECISION NOT NULL DEFAULT 0,
	url         TEXT NOT NULL DEFAULT '',
	centre_ra   DOUBLE PRECISION NOT NULL DEFAULT 0,
	centre_decl DOUBLE PRECISION NOT NULL DEFAULT 0,
	xtr_radius  DOUBLE PRECISION NOT NULL DEFAULT 0,
	rms         DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS extractedsource (
	id             BIGSERIAL PRIMARY KEY,
	image          BIGINT NOT NULL REFERENCES image(id),
	zone           INTEGER NOT NULL,
	ra             DOUBLE PRECISION NOT NULL,
	decl           DOUBLE PRECISION NOT NULL,
	ra_err         DOUBLE PRECISION NOT NULL,
	decl_err       DOUBLE PRECISION NOT NULL,
	x              DOUBLE PRECISION NOT NULL,
	y              DOUBLE PRECISION NOT NULL,
	z              DOUBLE PRECISION NOT NULL,
	racosdecl      DOUBLE PRECISION NOT NULL,
	ra_fit_err     DOUBLE PRECISION NOT NULL,
	decl_fit_err   DOUBLE PRECISION NOT NULL,
	uncertainty_ew DOUBLE PRECISION NOT NULL CHECK (uncertainty_ew > 0),
	uncertainty_ns DOUBLE PRECISION NOT NULL CHECK (uncertainty_ns > 0),
	f_peak         DOUBLE PRECISION NOT NULL,
	f_peak_err     DOUBLE PRECISION NOT NULL,
	f_int          DOUBLE PRECISION NOT NULL,
	f_int_err      DOUBLE PRECISION NOT NULL,
	det_sigma      DOUBLE PRECISION NOT NULL,
	semimajor      DOUBLE PRECISION NOT NULL,
	semiminor      DOUBLE PRECISION NOT NULL,
	pa             DOUBLE PRECISION NOT NULL,
	ew_sys_err     DOUBLE PRECISION NOT NULL,
	ns_sys_err     DOUBLE PRECISION NOT NULL,
	error_radius   DOUBLE PRECISION NOT NULL,
	extract_type   SMALLINT NOT NULL
);

CREATE TABLE IF NOT EXISTS runningcatalog (
	id                BIGSERIAL PRIMARY KEY,
	dataset           BIGINT NOT NULL REFERENCES dataset(id),
	datapoints        INTEGER NOT NULL,
	wm_ra             DOUBLE PRECISION NOT NULL,
	wm_decl           DOUBLE PRECISION NOT NULL,
	wm_uncertainty_ew DOUBLE PRECISION NOT NULL,
	wm_uncertainty_ns DOUBLE PRECISION NOT NULL,
	zone              INTEGER NOT NULL,
	x                 DOUBLE PRECISION NOT NULL,
	y                 DOUBLE PRECISION NOT NULL,
	z                 DOUBLE PRECISION NOT NULL,
	weight_ew         DOUBLE PRECISION NOT NULL,
	weight_ns         DOUBLE PRECISION NOT NULL,
	version           BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS catalog (
	id          BIGSERIAL PRIMARY KEY,
	catname     TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS catalogedsource (
	id             BIGSERIAL PRIMARY KEY,
	catalog        BIGINT NOT NULL REFERENCES catalog(id),
	catsrcname     TEXT NOT NULL,
	zone           INTEGER NOT NULL,
	ra             DOUBLE PRECISION NOT NULL,
	decl           DOUBLE PRECISION NOT NULL,
	uncertainty_ew DOUBLE PRECISION NOT NULL CHECK (uncertainty_ew > 0),
	uncertainty_ns DOUBLE PRECISION NOT NULL CHECK (uncertainty_ns > 0),
	x              DOUBLE PRECISION NOT NULL,
	y              DOUBLE PRECISION NOT NULL,
	z              DOUBLE PRECISION NOT NULL,
	UNIQUE (catalog, catsrcname)
);

CREATE TABLE IF NOT EXISTS assocxtrsource (
	runcat          BIGINT NOT NULL REFERENCES runningcatalog(id),
	xtrsrc          BIGINT NOT NULL REFERENCES extractedsource(id),
	type            TEXT NOT NULL,
	distance_arcsec DOUBLE PRECISION NOT NULL,
	r               DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (runcat, xtrsrc)
);

CREATE TABLE IF NOT EXISTS assoccatsource (
	runcat          BIGINT NOT NULL REFERENCES runningcatalog(id),
	catsrc          BIGINT NOT NULL REFERENCES catalogedsource(id),
	distance_arcsec DOUBLE PRECISION NOT NULL,
	r               DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (runcat, catsrc)
);

CREATE INDEX IF NOT EXISTS idx_extractedsource_image ON extractedsource(image);
CREATE INDEX IF NOT EXISTS idx_extractedsource_zone ON extractedsource(zone, decl, ra);
CREATE INDEX IF NOT EXISTS idx_runningcatalog_zone ON runningcatalog(dataset, zone, wm_decl, wm_ra);
CREATE INDEX IF NOT EXISTS idx_catalogedsource_zone ON catalogedsource(zone, decl, ra);
CREATE INDEX IF NOT EXISTS idx_assocxtrsource_xtrsrc ON assocxtrsource(xtrsrc);
CREATE INDEX IF NOT EXISTS idx_image_dataset ON image(dataset);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InsertDataset(ctx context.Context, description string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO dataset (description, process_start_ts) VALUES ($1, $2) RETURNING id`,
		description, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert dataset")
	}
	return id, nil
}

func (s *PostgresStore) UpdateDatasetProcessEnd(ctx context.Context, datasetID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dataset SET process_end_ts = $1 WHERE id = $2`,
		time.Now().UTC(), datasetID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: update dataset process end")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dataset %d", datasetID)
	}
	return nil
}

func (s *PostgresStore) InsertImage(ctx context.Context, img *model.Image) (int64, error) {
	img.DeriveBeam()
	band := img.Band()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert image: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var bandID int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM frequencyband WHERE freq_low = $1 AND freq_high = $2 ORDER BY id LIMIT 1`,
		band.FreqLow, band.FreqHigh,
	).Scan(&bandID)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx,
			`INSERT INTO frequencyband (freq_central, freq_low, freq_high) VALUES ($1, $2, $3) RETURNING id`,
			band.FreqCentral, band.FreqLow, band.FreqHigh,
		).Scan(&bandID)
	}
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert image: frequency band")
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO image (dataset, band, stokes, taustart_ts, tau_time, freq_eff, freq_bw,
			rb_smaj, rb_smin, rb_pa, deltax, deltay, url, centre_ra, centre_decl, xtr_radius, rms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id`,
		img.DatasetID, bandID, img.Stokes, img.TauStartTS.UTC(), img.TauTime, img.FreqEff, img.FreqBW,
		img.RBSmaj, img.RBSmin, img.RBPA, img.DeltaX, img.DeltaY, img.URL,
		img.CentreRA, img.CentreDecl, img.XtrRadius, img.RMS,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: insert image for dataset %d", img.DatasetID)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: insert image: commit")
	}
	img.ID, img.BandID = id, bandID
	return id, nil
}

// InsertExtractedSources copies the batch into extractedsource inside a
// single transaction.
func (s *PostgresStore) InsertExtractedSources(ctx context.Context, imageID int64, dets []sky.Detection) (InsertResult, error) {
	if len(dets) == 0 {
		return InsertResult{ImageID: imageID}, nil
	}
	et, err := prepareDetections(dets)
	if err != nil {
		return InsertResult{}, eris.Wrapf(err, "postgres: insert %d detections for image %d", len(dets), imageID)
	}

	rows := make([][]any, len(dets))
	for i, d := range dets {
		rows[i] = detectionRow(imageID, d)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return InsertResult{}, eris.Wrap(err, "postgres: insert detections: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n, err := db.CopyFrom(ctx, tx, "extractedsource", detectionColumns, rows)
	if err != nil {
		return InsertResult{}, eris.Wrapf(err, "postgres: insert %d %s detections for image %d", len(dets), et, imageID)
	}
	if err := tx.Commit(ctx); err != nil {
		return InsertResult{}, eris.Wrapf(err, "postgres: commit %d detections for image %d", len(dets), imageID)
	}
	return InsertResult{ImageID: imageID, ExtractType: et, Count: n}, nil
}

func (s *PostgresStore) queryDetections(ctx context.Context, query string, args ...any) ([]sky.Detection, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sky.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ImageDetections(ctx context.Context, imageID int64) ([]sky.Detection, error) {
	out, err := s.queryDetections(ctx,
		`SELECT `+detectionSelect+` FROM extractedsource WHERE image = $1 ORDER BY id`, imageID)
	return out, eris.Wrapf(err, "postgres: detections for image %d", imageID)
}

func (s *PostgresStore) UnassociatedDetections(ctx context.Context, imageID int64) ([]sky.Detection, error) {
	out, err := s.queryDetections(ctx,
		`SELECT `+detectionSelect+` FROM extractedsource e
		WHERE e.image = $1 AND NOT EXISTS (SELECT 1 FROM assocxtrsource a WHERE a.xtrsrc = e.id)
		ORDER BY e.id`, imageID)
	return out, eris.Wrapf(err, "postgres: unassociated detections for image %d", imageID)
}

func (s *PostgresStore) DeleteExtractedSources(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM extractedsource WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete %d detections", len(ids))
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RunningSourcesInBand(ctx context.Context, datasetID int64, b zone.Band) ([]model.RunningSource, error) {
	args := append([]any{datasetID}, bandArgs(b)...)
	rows, err := s.pool.Query(ctx,
		`SELECT `+runningSourceSelect+` FROM runningcatalog
		WHERE dataset = $1
		  AND zone BETWEEN $2 AND $3
		  AND wm_decl BETWEEN $4 AND $5
		  AND (wm_ra BETWEEN $6 AND $7 OR wm_ra BETWEEN $8 AND $9)
		ORDER BY id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: running sources in band")
	}
	defer rows.Close()

	var out []model.RunningSource
	for rows.Next() {
		r, err := scanRunningSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan running source")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: running sources in band")
}

func (s *PostgresStore) GetRunningSource(ctx context.Context, id int64) (*model.RunningSource, error) {
	r, err := scanRunningSource(s.pool.QueryRow(ctx,
		`SELECT `+runningSourceSelect+` FROM runningcatalog WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "running source %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get running source %d", id)
	}
	return &r, nil
}

// CreateRunningSource seeds a running source from det and records the "new"
// edge in the same transaction.
func (s *PostgresStore) CreateRunningSource(ctx context.Context, datasetID int64, det sky.Detection) (*model.RunningSource, error) {
	rc := model.NewRunningSource(datasetID, det)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create running source: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`INSERT INTO runningcatalog (dataset, datapoints, wm_ra, wm_decl, wm_uncertainty_ew, wm_uncertainty_ns,
			zone, x, y, z, weight_ew, weight_ns, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0)
		RETURNING id`,
		rc.DatasetID, rc.Datapoints, rc.WmRA, rc.WmDecl, rc.WmUncertaintyEW, rc.WmUncertaintyNS,
		rc.Zone, rc.X, rc.Y, rc.Z, rc.WeightEW, rc.WeightNS,
	).Scan(&rc.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert running source for detection %d", det.ID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO assocxtrsource (runcat, xtrsrc, type, distance_arcsec, r) VALUES ($1, $2, $3, $4, $5)`,
		rc.ID, det.ID, model.AssocNew, 0.0, 0.0,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: insert edge %d -> %d", det.ID, rc.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: create running source: commit")
	}
	return &rc, nil
}

// AppendDetection folds det into the weighted mean of runcatID and records
// the edge. The update is a version compare-and-swap, retried on conflict.
func (s *PostgresStore) AppendDetection(ctx context.Context, runcatID int64, det sky.Detection, distanceArcsec, r float64) error {
	err := appendWithRetry(ctx, s.retry, resilience.IsTransient, func(ctx context.Context) (bool, error) {
		return s.appendOnce(ctx, runcatID, det, distanceArcsec, r)
	})
	return eris.Wrapf(err, "postgres: append detection %d to running source %d", det.ID, runcatID)
}

func (s *PostgresStore) appendOnce(ctx context.Context, runcatID int64, det sky.Detection, distanceArcsec, r float64) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanRunningSource(tx.QueryRow(ctx,
		`SELECT `+runningSourceSelect+` FROM runningcatalog WHERE id = $1`, runcatID))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "running source %d", runcatID)
	}
	if err != nil {
		return false, eris.Wrap(err, "read running source")
	}

	next := cur.Fold(det)
	tag, err := tx.Exec(ctx,
		`UPDATE runningcatalog
		SET datapoints = $1, wm_ra = $2, wm_decl = $3, wm_uncertainty_ew = $4, wm_uncertainty_ns = $5,
			zone = $6, x = $7, y = $8, z = $9, weight_ew = $10, weight_ns = $11, version = version + 1
		WHERE id = $12 AND version = $13`,
		next.Datapoints, next.WmRA, next.WmDecl, next.WmUncertaintyEW, next.WmUncertaintyNS,
		next.Zone, next.X, next.Y, next.Z, next.WeightEW, next.WeightNS,
		runcatID, cur.Version,
	)
	if err != nil {
		return false, eris.Wrap(err, "update running source")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO assocxtrsource (runcat, xtrsrc, type, distance_arcsec, r) VALUES ($1, $2, $3, $4, $5)`,
		runcatID, det.ID, model.AssocExisting, distanceArcsec, r,
	); err != nil {
		return false, eris.Wrap(err, "insert edge")
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "commit")
	}
	return true, nil
}

func (s *PostgresStore) ListRunningSources(ctx context.Context, datasetID int64, limit int) ([]model.RunningSource, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runningSourceSelect+` FROM runningcatalog
		WHERE ($1 = 0 OR dataset = $1)
		ORDER BY id LIMIT $2`, datasetID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list running sources")
	}
	defer rows.Close()

	var out []model.RunningSource
	for rows.Next() {
		r, err := scanRunningSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan running source")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list running sources")
}

func (s *PostgresStore) InsertCatalog(ctx context.Context, name, description string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO catalog (catname, description) VALUES ($1, $2)
		ON CONFLICT (catname) DO UPDATE SET description = EXCLUDED.description
		RETURNING id`,
		name, description,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: insert catalog %q", name)
	}
	return id, nil
}

// LoadCatalogSources upserts reference sources keyed by (catalog, catsrcname).
func (s *PostgresStore) LoadCatalogSources(ctx context.Context, catalogID int64, srcs []model.CatalogSource) (int64, error) {
	rows := make([][]any, 0, len(srcs))
	for _, c := range srcs {
		c.Derive()
		if !(c.UncertaintyEW > 0 && c.UncertaintyNS > 0) {
			return 0, eris.Wrapf(sky.ErrInvalidGeometry, "postgres: catalog source %q has non-positive uncertainty", c.Name)
		}
		rows = append(rows, []any{catalogID, c.Name, c.Zone, c.RA, c.Decl, c.UncertaintyEW, c.UncertaintyNS, c.X, c.Y, c.Z})
	}
	n, err := db.Merge(ctx, s.pool, db.MergeSpec{
		Table:   "catalogedsource",
		Columns: []string{"catalog", "catsrcname", "zone", "ra", "decl", "uncertainty_ew", "uncertainty_ns", "x", "y", "z"},
		Keys:    []string{"catalog", "catsrcname"},
	}, rows)
	return n, eris.Wrapf(err, "postgres: load %d sources into catalog %d", len(srcs), catalogID)
}

func (s *PostgresStore) CatalogSourcesInBand(ctx context.Context, b zone.Band) ([]model.CatalogSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+catalogSourceSelect+`
		FROM catalogedsource c JOIN catalog k ON k.id = c.catalog
		WHERE c.zone BETWEEN $1 AND $2
		  AND c.decl BETWEEN $3 AND $4
		  AND (c.ra BETWEEN $5 AND $6 OR c.ra BETWEEN $7 AND $8)
		ORDER BY c.id`, bandArgs(b)...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: catalog sources in band")
	}
	defer rows.Close()

	var out []model.CatalogSource
	for rows.Next() {
		c, err := scanCatalogSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan catalog source")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: catalog sources in band")
}

func (s *PostgresStore) InsertCatalogAssociations(ctx context.Context, runcatID int64, matches []match.CatalogMatch) (int64, error) {
	rows := make([][]any, len(matches))
	for i, m := range matches {
		rows[i] = []any{runcatID, m.CatalogSourceID, m.DistanceArcsec, m.AssocR}
	}
	// Saving the same counterparts twice keeps the first edge.
	n, err := db.Merge(ctx, s.pool, db.MergeSpec{
		Table:      "assoccatsource",
		Columns:    []string{"runcat", "catsrc", "distance_arcsec", "r"},
		Keys:       []string{"runcat", "catsrc"},
		OnConflict: db.Skip,
	}, rows)
	return n, eris.Wrapf(err, "postgres: insert %d catalog associations for running source %d", len(matches), runcatID)
}

// Lightcurve returns every detection sharing a running source with xtrsrcID,
// ordered by image start time.
func (s *PostgresStore) Lightcurve(ctx context.Context, xtrsrcID int64) ([]model.LightcurvePoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT im.taustart_ts, im.tau_time, ex.f_int, ex.f_int_err, ex.id, im.band, im.stokes
		FROM assocxtrsource a1
		JOIN assocxtrsource a2 ON a2.runcat = a1.runcat
		JOIN extractedsource ex ON ex.id = a2.xtrsrc
		JOIN image im ON im.id = ex.image
		WHERE a1.xtrsrc = $1
		ORDER BY im.taustart_ts, ex.id`, xtrsrcID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lightcurve for %d", xtrsrcID)
	}
	defer rows.Close()

	out := []model.LightcurvePoint{}
	for rows.Next() {
		var p model.LightcurvePoint
		if err := rows.Scan(&p.TauStartTS, &p.TauTime, &p.FInt, &p.FIntErr, &p.XtrsrcID, &p.BandID, &p.Stokes); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lightcurve point")
		}
		out = append(out, p)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: lightcurve for %d", xtrsrcID)
}

const statsQuery = `SELECT
	(SELECT count(*) FROM dataset),
	(SELECT count(*) FROM image),
	(SELECT count(*) FROM extractedsource),
	(SELECT count(*) FROM runningcatalog),
	(SELECT count(*) FROM catalog),
	(SELECT count(*) FROM catalogedsource),
	(SELECT count(*) FROM assocxtrsource),
	(SELECT count(*) FROM assoccatsource)`

func scanStats(row scannable) (Stats, error) {
	var st Stats
	err := row.Scan(&st.Datasets, &st.Images, &st.Detections, &st.RunningSources,
		&st.Catalogs, &st.CatalogSources, &st.DetectionEdges, &st.CatalogAssociations)
	return st, err
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	st, err := scanStats(s.pool.QueryRow(ctx, statsQuery))
	return st, eris.Wrap(err, "postgres: stats")
}
