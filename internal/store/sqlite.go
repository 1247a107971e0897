package store

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/trap-cli/internal/match"
	"github.com/sells-group/trap-cli/internal/model"
	"github.com/sells-group/trap-cli/internal/resilience"
	"github.com/sells-group/trap-cli/internal/sky"
	"github.com/sells-group/trap-cli/internal/zone"
)

// sqliteTimeLayout is fixed-width so text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db    *sql.DB
	retry resilience.RetryConfig
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withConnPragmas(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, retry: resilience.DefaultRetryConfig()}, nil
}

// withConnPragmas adds the per-connection pragmas to the DSN so every pooled
// connection gets them, not only the first.
func withConnPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
}

// SetRetry overrides the retry policy for running-source updates.
func (s *SQLiteStore) SetRetry(cfg resilience.RetryConfig) { s.retry = cfg }

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS dataset (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	description      TEXT NOT NULL DEFAULT '',
	process_start_ts TEXT NOT NULL,
	process_end_ts   TEXT
);

CREATE TABLE IF NOT EXISTS frequencyband (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	freq_central REAL NOT NULL,
	freq_low     REAL NOT NULL,
	freq_high    REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS image (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	dataset     INTEGER NOT NULL REFERENCES dataset(id),
	band        INTEGER NOT NULL REFERENCES frequencyband(id),
	stokes      TEXT NOT NULL DEFAULT 'I',
	taustart_ts TEXT NOT NULL,
	tau_time    REAL NOT NULL DEFAULT 0,
	freq_eff    REAL NOT NULL,
	freq_bw     REAL NOT NULL DEFAULT 0,
	rb_smaj     REAL NOT NULL DEFAULT 0,
	rb_smin     REAL NOT NULL DEFAULT 0,
	rb_pa       REAL NOT NULL DEFAULT 0,
	deltax      REAL NOT NULL DEFAULT 0,
	deltay      REAL NOT NULL DEFAULT 0,
	url         TEXT NOT NULL DEFAULT '',
	centre_ra   REAL NOT NULL DEFAULT 0,
	centre_decl REAL NOT NULL DEFAULT 0,
	xtr_radius  REAL NOT NULL DEFAULT 0,
	rms         REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS extractedsource (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	image          INTEGER NOT NULL REFERENCES image(id),
	zone           INTEGER NOT NULL,
	ra             REAL NOT NULL,
	decl           REAL NOT NULL,
	ra_err         REAL NOT NULL,
	decl_err       REAL NOT NULL,
	x              REAL NOT NULL,
	y              REAL NOT NULL,
	z              REAL NOT NULL,
	racosdecl      REAL NOT NULL,
	ra_fit_err     REAL NOT NULL,
	decl_fit_err   REAL NOT NULL,
	uncertainty_ew REAL NOT NULL CHECK (uncertainty_ew > 0),
	uncertainty_ns REAL NOT NULL CHECK (uncertainty_ns > 0),
	f_peak         REAL NOT NULL,
	f_peak_err     REAL NOT NULL,
	f_int          REAL NOT NULL,
	f_int_err      REAL NOT NULL,
	det_sigma      REAL NOT NULL,
	semimajor      REAL NOT NULL,
	semiminor      REAL NOT NULL,
	pa             REAL NOT NULL,
	ew_sys_err     REAL NOT NULL,
	ns_sys_err     REAL NOT NULL,
	error_radius   REAL NOT NULL,
	extract_type   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runningcatalog (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	dataset           INTEGER NOT NULL REFERENCES dataset(id),
	datapoints        INTEGER NOT NULL,
	wm_ra             REAL NOT NULL,
	wm_decl           REAL NOT NULL,
	wm_uncertainty_ew REAL NOT NULL,
	wm_uncertainty_ns REAL NOT NULL,
	zone              INTEGER NOT NULL,
	x                 REAL NOT NULL,
	y                 REAL NOT NULL,
	z                 REAL NOT NULL,
	weight_ew         REAL NOT NULL,
	weight_ns         REAL NOT NULL,
	version           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS catalog (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	catname     TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS catalogedsource (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	catalog        INTEGER NOT NULL REFERENCES catalog(id),
	catsrcname     TEXT NOT NULL,
	zone           INTEGER NOT NULL,
	ra             REAL NOT NULL,
	decl           REAL NOT NULL,
	uncertainty_ew REAL NOT NULL CHECK (uncertainty_ew > 0),
	uncertainty_ns REAL NOT NULL CHECK (uncertainty_ns > 0),
	x              REAL NOT NULL,
	y              REAL NOT NULL,
	z              REAL NOT NULL,
	UNIQUE (catalog, catsrcname)
);

CREATE TABLE IF NOT EXISTS assocxtrsource (
	runcat          INTEGER NOT NULL REFERENCES runningcatalog(id),
	xtrsrc          INTEGER NOT NULL REFERENCES extractedsource(id),
	type            TEXT NOT NULL,
	distance_arcsec REAL NOT NULL,
	r               REAL NOT NULL,
	PRIMARY KEY (runcat, xtrsrc)
);

CREATE TABLE IF NOT EXISTS assoccatsource (
	runcat          INTEGER NOT NULL REFERENCES runningcatalog(id),
	catsrc          INTEGER NOT NULL REFERENCES catalogedsource(id),
	distance_arcsec REAL NOT NULL,
	r               REAL NOT NULL,
	PRIMARY KEY (runcat, catsrc)
);

CREATE INDEX IF NOT EXISTS idx_extractedsource_image ON extractedsource(image);
CREATE INDEX IF NOT EXISTS idx_extractedsource_zone ON extractedsource(zone, decl, ra);
CREATE INDEX IF NOT EXISTS idx_runningcatalog_zone ON runningcatalog(dataset, zone, wm_decl, wm_ra);
CREATE INDEX IF NOT EXISTS idx_catalogedsource_zone ON catalogedsource(zone, decl, ra);
CREATE INDEX IF NOT EXISTS idx_assocxtrsource_xtrsrc ON assocxtrsource(xtrsrc);
CREATE INDEX IF NOT EXISTS idx_image_dataset ON image(dataset);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// isBusy reports whether err is a SQLite lock or snapshot conflict.
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

func sqliteShouldRetry(err error) bool {
	return resilience.IsTransient(err) || isBusy(err)
}

func (s *SQLiteStore) InsertDataset(ctx context.Context, description string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dataset (description, process_start_ts) VALUES (?, ?)`,
		description, formatTime(time.Now()),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert dataset")
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "sqlite: insert dataset id")
}

func (s *SQLiteStore) UpdateDatasetProcessEnd(ctx context.Context, datasetID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dataset SET process_end_ts = ? WHERE id = ?`,
		formatTime(time.Now()), datasetID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: update dataset process end")
	}
	return checkRowsAffected(res, "dataset", datasetID)
}

func (s *SQLiteStore) InsertImage(ctx context.Context, img *model.Image) (int64, error) {
	img.DeriveBeam()
	band := img.Band()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert image: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var bandID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM frequencyband WHERE freq_low = ? AND freq_high = ? ORDER BY id LIMIT 1`,
		band.FreqLow, band.FreqHigh,
	).Scan(&bandID)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO frequencyband (freq_central, freq_low, freq_high) VALUES (?, ?, ?) RETURNING id`,
			band.FreqCentral, band.FreqLow, band.FreqHigh,
		).Scan(&bandID)
	}
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert image: frequency band")
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO image (dataset, band, stokes, taustart_ts, tau_time, freq_eff, freq_bw,
			rb_smaj, rb_smin, rb_pa, deltax, deltay, url, centre_ra, centre_decl, xtr_radius, rms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		img.DatasetID, bandID, img.Stokes, formatTime(img.TauStartTS), img.TauTime, img.FreqEff, img.FreqBW,
		img.RBSmaj, img.RBSmin, img.RBPA, img.DeltaX, img.DeltaY, img.URL,
		img.CentreRA, img.CentreDecl, img.XtrRadius, img.RMS,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: insert image for dataset %d", img.DatasetID)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert image: commit")
	}
	img.ID, img.BandID = id, bandID
	return id, nil
}

// InsertExtractedSources inserts the batch with one prepared statement inside
// a single transaction.
func (s *SQLiteStore) InsertExtractedSources(ctx context.Context, imageID int64, dets []sky.Detection) (InsertResult, error) {
	if len(dets) == 0 {
		return InsertResult{ImageID: imageID}, nil
	}
	et, err := prepareDetections(dets)
	if err != nil {
		return InsertResult{}, eris.Wrapf(err, "sqlite: insert %d detections for image %d", len(dets), imageID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, eris.Wrap(err, "sqlite: insert detections: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertSQL("extractedsource", detectionColumns))
	if err != nil {
		return InsertResult{}, eris.Wrap(err, "sqlite: prepare detection insert")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for i, d := range dets {
		if _, err := stmt.ExecContext(ctx, detectionRow(imageID, d)...); err != nil {
			return InsertResult{}, eris.Wrapf(err, "sqlite: insert %s detection %d of %d for image %d", et, i, len(dets), imageID)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return InsertResult{}, eris.Wrapf(err, "sqlite: commit %d detections for image %d", len(dets), imageID)
	}
	return InsertResult{ImageID: imageID, ExtractType: et, Count: n}, nil
}

func insertSQL(table string, cols []string) string {
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + ph + ")"
}

func (s *SQLiteStore) queryDetections(ctx context.Context, query string, args ...any) ([]sky.Detection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

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

func (s *SQLiteStore) ImageDetections(ctx context.Context, imageID int64) ([]sky.Detection, error) {
	out, err := s.queryDetections(ctx,
		`SELECT `+detectionSelect+` FROM extractedsource WHERE image = ? ORDER BY id`, imageID)
	return out, eris.Wrapf(err, "sqlite: detections for image %d", imageID)
}

func (s *SQLiteStore) UnassociatedDetections(ctx context.Context, imageID int64) ([]sky.Detection, error) {
	out, err := s.queryDetections(ctx,
		`SELECT `+detectionSelect+` FROM extractedsource e
		WHERE e.image = ? AND NOT EXISTS (SELECT 1 FROM assocxtrsource a WHERE a.xtrsrc = e.id)
		ORDER BY e.id`, imageID)
	return out, eris.Wrapf(err, "sqlite: unassociated detections for image %d", imageID)
}

func (s *SQLiteStore) DeleteExtractedSources(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete detections: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var n int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `DELETE FROM extractedsource WHERE id = ?`, id)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: delete detection %d", id)
		}
		k, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		n += k
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: delete detections: commit")
	}
	return n, nil
}

func (s *SQLiteStore) queryRunningSources(ctx context.Context, query string, args ...any) ([]model.RunningSource, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RunningSource
	for rows.Next() {
		r, err := scanRunningSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RunningSourcesInBand(ctx context.Context, datasetID int64, b zone.Band) ([]model.RunningSource, error) {
	args := append([]any{datasetID}, bandArgs(b)...)
	out, err := s.queryRunningSources(ctx,
		`SELECT `+runningSourceSelect+` FROM runningcatalog
		WHERE dataset = ?
		  AND zone BETWEEN ? AND ?
		  AND wm_decl BETWEEN ? AND ?
		  AND (wm_ra BETWEEN ? AND ? OR wm_ra BETWEEN ? AND ?)
		ORDER BY id`, args...)
	return out, eris.Wrap(err, "sqlite: running sources in band")
}

func (s *SQLiteStore) GetRunningSource(ctx context.Context, id int64) (*model.RunningSource, error) {
	r, err := scanRunningSource(s.db.QueryRowContext(ctx,
		`SELECT `+runningSourceSelect+` FROM runningcatalog WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "running source %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get running source %d", id)
	}
	return &r, nil
}

func (s *SQLiteStore) CreateRunningSource(ctx context.Context, datasetID int64, det sky.Detection) (*model.RunningSource, error) {
	rc := model.NewRunningSource(datasetID, det)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create running source: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO runningcatalog (dataset, datapoints, wm_ra, wm_decl, wm_uncertainty_ew, wm_uncertainty_ns,
			zone, x, y, z, weight_ew, weight_ns, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		RETURNING id`,
		rc.DatasetID, rc.Datapoints, rc.WmRA, rc.WmDecl, rc.WmUncertaintyEW, rc.WmUncertaintyNS,
		rc.Zone, rc.X, rc.Y, rc.Z, rc.WeightEW, rc.WeightNS,
	).Scan(&rc.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert running source for detection %d", det.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO assocxtrsource (runcat, xtrsrc, type, distance_arcsec, r) VALUES (?, ?, ?, ?, ?)`,
		rc.ID, det.ID, model.AssocNew, 0.0, 0.0,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert edge %d -> %d", det.ID, rc.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: create running source: commit")
	}
	return &rc, nil
}

// AppendDetection folds det into the weighted mean of runcatID and records
// the edge. Lost version races and SQLITE_BUSY are retried.
func (s *SQLiteStore) AppendDetection(ctx context.Context, runcatID int64, det sky.Detection, distanceArcsec, r float64) error {
	err := appendWithRetry(ctx, s.retry, sqliteShouldRetry, func(ctx context.Context) (bool, error) {
		return s.appendOnce(ctx, runcatID, det, distanceArcsec, r)
	})
	return eris.Wrapf(err, "sqlite: append detection %d to running source %d", det.ID, runcatID)
}

func (s *SQLiteStore) appendOnce(ctx context.Context, runcatID int64, det sky.Detection, distanceArcsec, r float64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanRunningSource(tx.QueryRowContext(ctx,
		`SELECT `+runningSourceSelect+` FROM runningcatalog WHERE id = ?`, runcatID))
	if errors.Is(err, sql.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "running source %d", runcatID)
	}
	if err != nil {
		return false, eris.Wrap(err, "read running source")
	}

	next := cur.Fold(det)
	res, err := tx.ExecContext(ctx,
		`UPDATE runningcatalog
		SET datapoints = ?, wm_ra = ?, wm_decl = ?, wm_uncertainty_ew = ?, wm_uncertainty_ns = ?,
			zone = ?, x = ?, y = ?, z = ?, weight_ew = ?, weight_ns = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		next.Datapoints, next.WmRA, next.WmDecl, next.WmUncertaintyEW, next.WmUncertaintyNS,
		next.Zone, next.X, next.Y, next.Z, next.WeightEW, next.WeightNS,
		runcatID, cur.Version,
	)
	if err != nil {
		return false, eris.Wrap(err, "update running source")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO assocxtrsource (runcat, xtrsrc, type, distance_arcsec, r) VALUES (?, ?, ?, ?, ?)`,
		runcatID, det.ID, model.AssocExisting, distanceArcsec, r,
	); err != nil {
		return false, eris.Wrap(err, "insert edge")
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "commit")
	}
	return true, nil
}

func (s *SQLiteStore) ListRunningSources(ctx context.Context, datasetID int64, limit int) ([]model.RunningSource, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	out, err := s.queryRunningSources(ctx,
		`SELECT `+runningSourceSelect+` FROM runningcatalog
		WHERE (? = 0 OR dataset = ?)
		ORDER BY id LIMIT ?`, datasetID, datasetID, limit)
	return out, eris.Wrap(err, "sqlite: list running sources")
}

func (s *SQLiteStore) InsertCatalog(ctx context.Context, name, description string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO catalog (catname, description) VALUES (?, ?)
		ON CONFLICT (catname) DO UPDATE SET description = excluded.description
		RETURNING id`,
		name, description,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: insert catalog %q", name)
	}
	return id, nil
}

func (s *SQLiteStore) LoadCatalogSources(ctx context.Context, catalogID int64, srcs []model.CatalogSource) (int64, error) {
	if len(srcs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: load catalog: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO catalogedsource (catalog, catsrcname, zone, ra, decl, uncertainty_ew, uncertainty_ns, x, y, z)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (catalog, catsrcname) DO UPDATE SET
			zone = excluded.zone, ra = excluded.ra, decl = excluded.decl,
			uncertainty_ew = excluded.uncertainty_ew, uncertainty_ns = excluded.uncertainty_ns,
			x = excluded.x, y = excluded.y, z = excluded.z`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare catalog upsert")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, c := range srcs {
		c.Derive()
		if !(c.UncertaintyEW > 0 && c.UncertaintyNS > 0) {
			return 0, eris.Wrapf(sky.ErrInvalidGeometry, "sqlite: catalog source %q has non-positive uncertainty", c.Name)
		}
		if _, err := stmt.ExecContext(ctx, catalogID, c.Name, c.Zone, c.RA, c.Decl,
			c.UncertaintyEW, c.UncertaintyNS, c.X, c.Y, c.Z); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert catalog source %q", c.Name)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: load catalog: commit")
	}
	return n, nil
}

func (s *SQLiteStore) CatalogSourcesInBand(ctx context.Context, b zone.Band) ([]model.CatalogSource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+catalogSourceSelect+`
		FROM catalogedsource c JOIN catalog k ON k.id = c.catalog
		WHERE c.zone BETWEEN ? AND ?
		  AND c.decl BETWEEN ? AND ?
		  AND (c.ra BETWEEN ? AND ? OR c.ra BETWEEN ? AND ?)
		ORDER BY c.id`, bandArgs(b)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: catalog sources in band")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CatalogSource
	for rows.Next() {
		c, err := scanCatalogSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan catalog source")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: catalog sources in band")
}

func (s *SQLiteStore) InsertCatalogAssociations(ctx context.Context, runcatID int64, matches []match.CatalogMatch) (int64, error) {
	if len(matches) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: catalog associations: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var n int64
	for _, m := range matches {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO assoccatsource (runcat, catsrc, distance_arcsec, r) VALUES (?, ?, ?, ?)
			ON CONFLICT (runcat, catsrc) DO NOTHING`,
			runcatID, m.CatalogSourceID, m.DistanceArcsec, m.AssocR,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert catalog association %d -> %d", runcatID, m.CatalogSourceID)
		}
		added, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: catalog associations: rows affected")
		}
		n += added
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: catalog associations: commit")
	}
	return n, nil
}

func (s *SQLiteStore) Lightcurve(ctx context.Context, xtrsrcID int64) ([]model.LightcurvePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT im.taustart_ts, im.tau_time, ex.f_int, ex.f_int_err, ex.id, im.band, im.stokes
		FROM assocxtrsource a1
		JOIN assocxtrsource a2 ON a2.runcat = a1.runcat
		JOIN extractedsource ex ON ex.id = a2.xtrsrc
		JOIN image im ON im.id = ex.image
		WHERE a1.xtrsrc = ?
		ORDER BY im.taustart_ts, ex.id`, xtrsrcID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: lightcurve for %d", xtrsrcID)
	}
	defer rows.Close() //nolint:errcheck

	out := []model.LightcurvePoint{}
	for rows.Next() {
		var p model.LightcurvePoint
		var ts string
		if err := rows.Scan(&ts, &p.TauTime, &p.FInt, &p.FIntErr, &p.XtrsrcID, &p.BandID, &p.Stokes); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lightcurve point")
		}
		if p.TauStartTS, err = parseTime(ts); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse taustart_ts %q", ts)
		}
		out = append(out, p)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: lightcurve for %d", xtrsrcID)
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st, err := scanStats(s.db.QueryRowContext(ctx, statsQuery))
	return st, eris.Wrap(err, "sqlite: stats")
}

// helpers

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %d", entity, id)
	}
	return nil
}
