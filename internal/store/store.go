/*
Copyright © 2021 the WRFtamer authors.
This file is part of WRFtamer.

WRFtamer is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

WRFtamer is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with WRFtamer.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package store keeps WRFtamer projects and experiments in an SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wrftamer/wrftamer"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339Nano

// querier is implemented by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store implements wrftamer.Store.
type Store struct {
	db *sql.DB
	q  querier
	tx *sql.Tx
}

// Open opens the database at path, creating it and its directory
// if necessary, and brings the schema up to date.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, fmt.Errorf("store: creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	// A single connection serializes writers and keeps the pragmas in effect.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: opening database %s: %w", path, err)
	}
	s := &Store{db: db, q: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx implements wrftamer.Store. Calls on a Store that is already
// part of a transaction join that transaction.
func (s *Store) WithTx(ctx context.Context, fn func(wrftamer.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing transaction: %w", err)
	}
	return nil
}

// CreateProject implements wrftamer.Store.
func (s *Store) CreateProject(ctx context.Context, p *wrftamer.Project) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO projects (name, created_at, comment) VALUES (?, ?, ?)`,
		p.Name, formatTime(p.Created), p.Comment)
	if err != nil {
		return wrapErr(err, "project "+p.Name)
	}
	return nil
}

// GetProject implements wrftamer.Store.
func (s *Store) GetProject(ctx context.Context, name string) (*wrftamer.Project, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT name, created_at, comment FROM projects WHERE name = ?`, name)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: project %s: %w", name, wrftamer.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("store: project %s: %w", name, err)
	}
	return p, nil
}

// ListProjects implements wrftamer.Store.
func (s *Store) ListProjects(ctx context.Context) ([]*wrftamer.Project, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT name, created_at, comment FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: listing projects: %w", err)
	}
	defer rows.Close()
	var o []*wrftamer.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("store: listing projects: %w", err)
		}
		o = append(o, p)
	}
	return o, rows.Err()
}

// RenameProject implements wrftamer.Store. The experiments of the
// project follow through the foreign key.
func (s *Store) RenameProject(ctx context.Context, oldName, newName string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE projects SET name = ? WHERE name = ?`, newName, oldName)
	if err != nil {
		return wrapErr(err, "project "+newName)
	}
	return checkAffected(res, "project "+oldName)
}

// DeleteProject implements wrftamer.Store. The experiments of the
// project are deleted with it.
func (s *Store) DeleteProject(ctx context.Context, name string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("store: deleting project %s: %w", name, err)
	}
	return checkAffected(res, "project "+name)
}

const experimentColumns = `id, uuid, project, name, created_at, comment, sim_start, sim_end,
	disk_use, runtime, status, config_hash, job_id, updated_at`

// CreateExperiment implements wrftamer.Store.
func (s *Store) CreateExperiment(ctx context.Context, e *wrftamer.Experiment) error {
	res, err := s.q.ExecContext(ctx, `INSERT INTO experiments
		(uuid, project, name, created_at, comment, sim_start, sim_end,
		disk_use, runtime, status, config_hash, job_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UUID, nullString(e.Project), e.Name, formatTime(e.Created), e.Comment,
		formatTime(e.Start), formatTime(e.End), e.DiskUse, e.Runtime, string(e.Status),
		e.ConfigHash, e.JobID, formatTime(e.Updated))
	if err != nil {
		return wrapErr(err, "experiment "+e.Name)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: experiment %s: %w", e.Name, err)
	}
	return nil
}

// GetExperiment implements wrftamer.Store. An empty project selects
// experiments that do not belong to a project.
func (s *Store) GetExperiment(ctx context.Context, project, name string) (*wrftamer.Experiment, error) {
	var row *sql.Row
	if project == "" {
		row = s.q.QueryRowContext(ctx, `SELECT `+experimentColumns+
			` FROM experiments WHERE project IS NULL AND name = ?`, name)
	} else {
		row = s.q.QueryRowContext(ctx, `SELECT `+experimentColumns+
			` FROM experiments WHERE project = ? AND name = ?`, project, name)
	}
	e, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: experiment %s: %w", name, wrftamer.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("store: experiment %s: %w", name, err)
	}
	return e, nil
}

// ListExperiments implements wrftamer.Store.
func (s *Store) ListExperiments(ctx context.Context, f wrftamer.ExperimentFilter) ([]*wrftamer.Experiment, error) {
	var where []string
	var args []interface{}
	switch {
	case f.Unassigned:
		where = append(where, "project IS NULL")
	case f.Project != "":
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + experimentColumns + ` FROM experiments`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY COALESCE(project, ''), id"
	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing experiments: %w", err)
	}
	defer rows.Close()
	var o []*wrftamer.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("store: listing experiments: %w", err)
		}
		o = append(o, e)
	}
	return o, rows.Err()
}

// UpdateExperiment implements wrftamer.Store.
func (s *Store) UpdateExperiment(ctx context.Context, e *wrftamer.Experiment) error {
	res, err := s.q.ExecContext(ctx, `UPDATE experiments SET
		uuid = ?, project = ?, name = ?, created_at = ?, comment = ?, sim_start = ?,
		sim_end = ?, disk_use = ?, runtime = ?, status = ?, config_hash = ?, job_id = ?,
		updated_at = ? WHERE id = ?`,
		e.UUID, nullString(e.Project), e.Name, formatTime(e.Created), e.Comment,
		formatTime(e.Start), formatTime(e.End), e.DiskUse, e.Runtime, string(e.Status),
		e.ConfigHash, e.JobID, formatTime(e.Updated), e.ID)
	if err != nil {
		return wrapErr(err, "experiment "+e.Name)
	}
	return checkAffected(res, "experiment "+e.Name)
}

// DeleteExperiment implements wrftamer.Store.
func (s *Store) DeleteExperiment(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deleting experiment %d: %w", id, err)
	}
	return checkAffected(res, fmt.Sprintf("experiment %d", id))
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(r scanner) (*wrftamer.Project, error) {
	p := new(wrftamer.Project)
	var created string
	if err := r.Scan(&p.Name, &created, &p.Comment); err != nil {
		return nil, err
	}
	var err error
	if p.Created, err = parseTime(created); err != nil {
		return nil, err
	}
	return p, nil
}

func scanExperiment(r scanner) (*wrftamer.Experiment, error) {
	e := new(wrftamer.Experiment)
	var project sql.NullString
	var created, start, end, status, updated string
	err := r.Scan(&e.ID, &e.UUID, &project, &e.Name, &created, &e.Comment, &start, &end,
		&e.DiskUse, &e.Runtime, &status, &e.ConfigHash, &e.JobID, &updated)
	if err != nil {
		return nil, err
	}
	e.Project = project.String
	e.Status = wrftamer.Status(status)
	for _, t := range []struct {
		s string
		t *time.Time
	}{{created, &e.Created}, {start, &e.Start}, {end, &e.End}, {updated, &e.Updated}} {
		if *t.t, err = parseTime(t.s); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %v", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// wrapErr translates constraint violations into wrftamer errors.
func wrapErr(err error, what string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "PRIMARY KEY constraint failed"):
		return fmt.Errorf("store: %s: %w", what, wrftamer.ErrExists)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("store: %s: project %w", what, wrftamer.ErrNotFound)
	}
	return fmt.Errorf("store: %s: %w", what, err)
}

func checkAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("store: %s: %w", what, wrftamer.ErrNotFound)
	}
	return nil
}
