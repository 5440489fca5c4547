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

package store

import (
	"context"
	"fmt"
	"time"
)

// migrations holds the schema changes in order. Entry i brings
// the schema from version i to version i+1.
var migrations = []string{
	`CREATE TABLE projects (
		name       TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		comment    TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE experiments (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid       TEXT NOT NULL UNIQUE,
		project    TEXT REFERENCES projects(name) ON UPDATE CASCADE ON DELETE CASCADE,
		name       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		comment    TEXT NOT NULL DEFAULT '',
		sim_start  TEXT NOT NULL DEFAULT '',
		sim_end    TEXT NOT NULL DEFAULT '',
		disk_use   INTEGER NOT NULL DEFAULT 0,
		runtime    REAL NOT NULL DEFAULT 0,
		status     TEXT NOT NULL,
		UNIQUE (project, name)
	);
	CREATE UNIQUE INDEX experiments_unassigned_name ON experiments(name) WHERE project IS NULL;`,

	// Batch jobs and configuration fingerprints.
	`ALTER TABLE experiments ADD COLUMN config_hash TEXT NOT NULL DEFAULT '';
	ALTER TABLE experiments ADD COLUMN job_id TEXT NOT NULL DEFAULT '';
	ALTER TABLE experiments ADD COLUMN updated_at TEXT NOT NULL DEFAULT '';
	CREATE INDEX experiments_status ON experiments(status);`,
}

// SchemaVersion returns the schema version of the database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("checking schema version: %w", err)
	}
	return version, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported version %d",
			version, len(migrations))
	}
	for v := version; v < len(migrations); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrating to version %d: %w", v+1, err)
		}
		_, err = tx.ExecContext(ctx, "INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			v+1, time.Now().UTC().Format(timeFormat))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("migrating to version %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrating to version %d: %w", v+1, err)
		}
	}
	return nil
}
