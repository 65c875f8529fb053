// Package journal keeps a SQLite record of a training run: which checkpoint
// files exist and what each validation pass measured.
package journal

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Journal is a run record backed by a SQLite file
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Record is one checkpoint file
type Record struct {
	Epoch    int
	Name     string
	Path     string
	SavedAt  time.Time
	PrunedAt *time.Time
}

// Open opens or creates the journal at path
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	j := &Journal{db: db, now: time.Now}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate journal")
	}
	return j, nil
}

// Close releases the database
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`
CREATE TABLE IF NOT EXISTS checkpoints (
  epoch INTEGER NOT NULL,
  name TEXT NOT NULL,
  path TEXT NOT NULL,
  saved_at DATETIME NOT NULL,
  pruned_at DATETIME,
  PRIMARY KEY (epoch, name, path)
);

CREATE TABLE IF NOT EXISTS validations (
  epoch INTEGER NOT NULL,
  metric TEXT NOT NULL,
  value REAL NOT NULL,
  recorded_at DATETIME NOT NULL,
  PRIMARY KEY (epoch, metric)
);
`)
	return err
}

// CheckpointSaved records freshly written files
func (j *Journal) CheckpointSaved(epoch int, name string, paths []string) error {
	ctx := context.Background()
	now := j.now().UTC()
	for _, p := range paths {
		_, err := j.db.ExecContext(ctx, `
INSERT INTO checkpoints(epoch, name, path, saved_at, pruned_at)
VALUES(?, ?, ?, ?, NULL)
ON CONFLICT(epoch, name, path) DO UPDATE SET saved_at=excluded.saved_at, pruned_at=NULL;
`, epoch, name, p, now)
		if err != nil {
			return errors.Wrapf(err, "record checkpoint %s", p)
		}
	}
	return nil
}

// CheckpointPruned marks files removed by retention
func (j *Journal) CheckpointPruned(epoch int, name string, paths []string) error {
	ctx := context.Background()
	now := j.now().UTC()
	for _, p := range paths {
		_, err := j.db.ExecContext(ctx,
			"UPDATE checkpoints SET pruned_at=? WHERE epoch=? AND name=? AND path=?;",
			now, epoch, name, p)
		if err != nil {
			return errors.Wrapf(err, "record prune of %s", p)
		}
	}
	return nil
}

// Checkpoints lists every recorded file for name, oldest epoch first
func (j *Journal) Checkpoints(ctx context.Context, name string) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT epoch, name, path, saved_at, pruned_at FROM checkpoints
WHERE name=? ORDER BY epoch, path;
`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var pruned sql.NullTime
		if err := rows.Scan(&r.Epoch, &r.Name, &r.Path, &r.SavedAt, &pruned); err != nil {
			return nil, err
		}
		if pruned.Valid {
			t := pruned.Time
			r.PrunedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestEpoch returns the newest epoch with an unpruned file for name
func (j *Journal) LatestEpoch(ctx context.Context, name string) (int, bool, error) {
	var epoch sql.NullInt64
	err := j.db.QueryRowContext(ctx,
		"SELECT MAX(epoch) FROM checkpoints WHERE name=? AND pruned_at IS NULL;", name).Scan(&epoch)
	if err != nil {
		return 0, false, err
	}
	if !epoch.Valid {
		return 0, false, nil
	}
	return int(epoch.Int64), true, nil
}

// RecordValidation stores the averaged metrics of one validation pass
func (j *Journal) RecordValidation(ctx context.Context, epoch int, metrics map[string]float64) error {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := j.now().UTC()
	for _, k := range keys {
		_, err := tx.ExecContext(ctx, `
INSERT INTO validations(epoch, metric, value, recorded_at) VALUES(?, ?, ?, ?)
ON CONFLICT(epoch, metric) DO UPDATE SET value=excluded.value, recorded_at=excluded.recorded_at;
`, epoch, k, metrics[k], now)
		if err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "record metric %s", k)
		}
	}
	return tx.Commit()
}

// Validation returns the metrics recorded for epoch
func (j *Journal) Validation(ctx context.Context, epoch int) (map[string]float64, error) {
	rows, err := j.db.QueryContext(ctx, "SELECT metric, value FROM validations WHERE epoch=?;", epoch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Best returns the epoch with the lowest value of metric
func (j *Journal) Best(ctx context.Context, metric string) (int, float64, bool, error) {
	var epoch int
	var value float64
	err := j.db.QueryRowContext(ctx,
		"SELECT epoch, value FROM validations WHERE metric=? ORDER BY value ASC, epoch ASC LIMIT 1;", metric).Scan(&epoch, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return epoch, value, true, nil
}
