// Package store keeps walker auxiliary field histories in a SQLite database on disk.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/fumin/afqmc"
	"github.com/fumin/afqmc/mat"
)

const (
	tableHistory = "h"
)

// DB is a database of walker histories.
// The database file is removed when DB is closed.
type DB struct {
	Path string

	db     *sql.DB
	mu     sync.Mutex
	nextID int
}

func NewDB(dbPath string) (*DB, error) {
	db, err := newDB(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return &DB{Path: dbPath, db: db}, nil
}

func (d *DB) Close() error {
	var err error
	if err1 := d.db.Close(); err1 != nil && err == nil {
		err = err1
	}
	if err1 := os.Remove(d.Path); err1 != nil && err == nil {
		err = err1
	}
	return err
}

// NewHistory returns an empty history.
func (d *DB) NewHistory() (afqmc.History, error) {
	return d.newHistory(), nil
}

func (d *DB) newHistory() *History {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := &History{d: d, id: d.nextID}
	d.nextID++
	return h
}

// History is the history of one walker.
// Zero field values are not stored.
type History struct {
	d       *DB
	id      int
	n       int
	nfields int
}

func (h *History) Append(config []float64) error {
	if h.n > 0 && len(config) != h.nfields {
		return errors.Wrap(afqmc.ErrShapeMismatch, fmt.Sprintf("%d %d", len(config), h.nfields))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tx, err := h.d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer tx.Rollback()

	sqlStr := fmt.Sprintf(`INSERT INTO %s (w, step, l, x) VALUES (?, ?, ?, ?)`, tableHistory)
	for l, x := range config {
		if x == 0 {
			continue
		}
		args := []any{h.id, h.n, l, x}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return errors.Wrap(err, fmt.Sprintf("%s %#v", sqlStr, args))
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "")
	}

	h.n++
	h.nfields = len(config)
	return nil
}

func (h *History) Len() int { return h.n }

func (h *History) Configs() ([][]float64, error) {
	configs := make([][]float64, h.n)
	for i := range configs {
		configs[i] = make([]float64, h.nfields)
	}

	err := h.scan(func(step, l int, x float64) error {
		if step >= h.n || l >= h.nfields {
			return errors.Errorf("%d %d %d %d", step, l, h.n, h.nfields)
		}
		configs[step][l] = x
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return configs, nil
}

// COO returns the history as a sparse [steps, nfields] matrix.
func (h *History) COO() (*mat.COO, error) {
	m := mat.COOZeros(h.n, h.nfields)
	err := h.scan(func(step, l int, x float64) error {
		m.Push(step, l, complex(float32(x), 0))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return m, nil
}

func (h *History) scan(f func(step, l int, x float64) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 48*time.Hour)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT step, l, x FROM %s WHERE w=? ORDER BY step, l`, tableHistory)
	rows, err := h.d.db.QueryContext(ctx, sqlStr, h.id)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer rows.Close()

	for rows.Next() {
		var step, l int
		var x float64
		if err := rows.Scan(&step, &l, &x); err != nil {
			return errors.Wrap(err, "")
		}
		if err := f(step, l, x); err != nil {
			return errors.Wrap(err, "")
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Clone copies the rows of h under a new walker id.
func (h *History) Clone() (afqmc.History, error) {
	c := h.d.newHistory()
	c.n, c.nfields = h.n, h.nfields

	ctx, cancel := context.WithTimeout(context.Background(), 48*time.Hour)
	defer cancel()
	sqlStr := fmt.Sprintf(`INSERT INTO %s (w, step, l, x) SELECT ?, step, l, x FROM %s WHERE w=?`, tableHistory, tableHistory)
	if _, err := h.d.db.ExecContext(ctx, sqlStr, c.id, h.id); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("%d %d", h.id, c.id))
	}
	return c, nil
}

// Close deletes the rows of h.
func (h *History) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 48*time.Hour)
	defer cancel()
	sqlStr := fmt.Sprintf(`DELETE FROM %s WHERE w=?`, tableHistory)
	if _, err := h.d.db.ExecContext(ctx, sqlStr, h.id); err != nil {
		return errors.Wrap(err, fmt.Sprintf("%d", h.id))
	}
	h.n = 0
	return nil
}

// NumRows returns the number of stored field values of all walkers.
func (d *DB) NumRows() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf("SELECT count(1) FROM %s", tableHistory)
	var n int
	if err := d.db.QueryRowContext(ctx, sqlStr).Scan(&n); err != nil {
		return -1, errors.Wrap(err, "")
	}
	return n, nil
}

func newDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	// Walkers write concurrently; a single connection serializes them.
	db.SetMaxOpenConns(1)

	if err := prepareDB(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "")
	}

	return db, nil
}

func prepareDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableHistory)
	if _, err := db.ExecContext(ctx, sqlStr); err != nil {
		return errors.Wrap(err, "")
	}
	sqlStr = fmt.Sprintf(`CREATE TABLE %s (w INTEGER, step INTEGER, l INTEGER, x REAL, PRIMARY KEY (w, step, l)) STRICT`, tableHistory)
	if _, err := db.ExecContext(ctx, sqlStr); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}
