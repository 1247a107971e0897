package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Conflict selects what Merge does with rows whose keys already exist.
type Conflict int

const (
	// Overwrite rewrites the update columns of the existing row.
	Overwrite Conflict = iota
	// Skip leaves the existing row untouched.
	Skip
)

// MergeSpec describes a staged bulk write into Table.
type MergeSpec struct {
	Table      string
	Columns    []string
	Keys       []string // unique constraint rows collide on
	Update     []string // columns rewritten by Overwrite; nil means every non-key column
	OnConflict Conflict
}

func (m MergeSpec) validate() error {
	if len(m.Columns) == 0 {
		return eris.Errorf("db: merge into %s: no columns", m.Table)
	}
	if len(m.Keys) == 0 {
		return eris.Errorf("db: merge into %s: no conflict keys", m.Table)
	}
	return nil
}

func (m MergeSpec) updateColumns() []string {
	if m.Update != nil {
		return m.Update
	}
	keys := make(map[string]bool, len(m.Keys))
	for _, k := range m.Keys {
		keys[k] = true
	}
	var cols []string
	for _, c := range m.Columns {
		if !keys[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

// stageName is the temp table rows are copied into before the merge.
func stageName(table string) string {
	return "stage_" + strings.ReplaceAll(table, ".", "_")
}

// mergeSQL builds the INSERT that moves staged rows into the target.
func mergeSQL(m MergeSpec) string {
	cols := identList(m.Columns)
	action := "DO NOTHING"
	if m.OnConflict == Overwrite {
		if upd := m.updateColumns(); len(upd) > 0 {
			sets := make([]string, len(upd))
			for i, c := range upd {
				id := pgx.Identifier{c}.Sanitize()
				sets[i] = id + " = EXCLUDED." + id
			}
			action = "DO UPDATE SET " + strings.Join(sets, ", ")
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		tableIdent(m.Table), cols, cols,
		pgx.Identifier{stageName(m.Table)}.Sanitize(),
		identList(m.Keys), action)
}

// Merge writes rows into spec.Table in one transaction: COPY into a temp
// table dropped on commit, then a single INSERT ... ON CONFLICT. It returns
// the number of rows inserted or rewritten; skipped rows are not counted.
func Merge(ctx context.Context, pool Pool, spec MergeSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := spec.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge into %s: begin tx", spec.Table)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stage := stageName(spec.Table)
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{stage}.Sanitize(), tableIdent(spec.Table))); err != nil {
		return 0, eris.Wrapf(err, "db: merge into %s: create stage", spec.Table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, spec.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: merge into %s: copy %d rows to stage", spec.Table, len(rows))
	}

	tag, err := tx.Exec(ctx, mergeSQL(spec))
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge into %s", spec.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "db: merge into %s: commit", spec.Table)
	}
	return tag.RowsAffected(), nil
}

// tableIdent quotes a table name, keeping an optional schema prefix.
func tableIdent(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func identList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
