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

package wrftamer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wrftamer/wrftamer/internal/table"
)

// projectDirs returns the run, tamer and archive directories of project.
func (t *Tamer) projectDirs(project string) []string {
	return []string{t.Paths.RunDir(project), t.Paths.TamerDir(project), t.Paths.ArchiveDir(project)}
}

// CreateProject creates a project and its directories.
func (t *Tamer) CreateProject(ctx context.Context, name, comment string) (*Project, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	for _, d := range t.projectDirs(name) {
		if exists(d) {
			return nil, fmt.Errorf("wrftamer: project %s: directory %s: %w", name, d, ErrExists)
		}
	}
	p := &Project{Name: name, Created: t.now(), Comment: comment}
	err := t.withFiles(ctx, func(s Store, undo func(func() error)) error {
		if err := s.CreateProject(ctx, p); err != nil {
			return err
		}
		for _, d := range t.projectDirs(name) {
			d := d
			undo(func() error { return os.RemoveAll(d) })
			if err := os.MkdirAll(d, os.ModePerm); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("wrftamer: creating project %s: %w", name, err)
	}
	t.Log.WithField("project", name).Info("created project")
	return p, nil
}

// RemoveProject deletes a project with all its experiments and directories.
func (t *Tamer) RemoveProject(ctx context.Context, name string) error {
	err := t.Store.WithTx(ctx, func(s Store) error {
		if err := s.DeleteProject(ctx, name); err != nil {
			return err
		}
		for _, d := range t.projectDirs(name) {
			if err := os.RemoveAll(d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("wrftamer: removing project %s: %w", name, err)
	}
	t.Log.WithField("project", name).Info("removed project")
	return nil
}

// RenameProject renames a project and its directories.
func (t *Tamer) RenameProject(ctx context.Context, oldName, newName string) error {
	if err := ValidateName(newName); err != nil {
		return err
	}
	oldDirs, newDirs := t.projectDirs(oldName), t.projectDirs(newName)
	for _, d := range newDirs {
		if exists(d) {
			return fmt.Errorf("wrftamer: renaming project %s: directory %s: %w", oldName, d, ErrExists)
		}
	}
	err := t.withFiles(ctx, func(s Store, undo func(func() error)) error {
		if err := s.RenameProject(ctx, oldName, newName); err != nil {
			return err
		}
		for i := range oldDirs {
			if !exists(oldDirs[i]) {
				continue
			}
			if err := os.Rename(oldDirs[i], newDirs[i]); err != nil {
				return err
			}
			from, to := oldDirs[i], newDirs[i]
			undo(func() error { return os.Rename(to, from) })
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("wrftamer: renaming project %s: %w", oldName, err)
	}
	t.Log.WithFields(logrus.Fields{"project": oldName, "new_name": newName}).Info("renamed project")
	return nil
}

// ListProjects returns all projects sorted by name.
func (t *Tamer) ListProjects(ctx context.Context) ([]*Project, error) {
	p, err := t.Store.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("wrftamer: %w", err)
	}
	return p, nil
}

// ProjectInfo summarizes the experiments of a project.
type ProjectInfo struct {
	Project     *Project
	Experiments int
	DiskUse     int64
	Statuses    map[Status]int
}

// ProjectInfo returns a summary of the project name. The empty
// name summarizes the experiments without a project.
func (t *Tamer) ProjectInfo(ctx context.Context, name string) (*ProjectInfo, error) {
	info := &ProjectInfo{
		Project:  &Project{Name: Unassigned},
		Statuses: make(map[Status]int),
	}
	if name != "" {
		p, err := t.Store.GetProject(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("wrftamer: %w", err)
		}
		info.Project = p
	}
	exps, err := t.Store.ListExperiments(ctx, ExperimentFilter{Project: name, Unassigned: name == ""})
	if err != nil {
		return nil, fmt.Errorf("wrftamer: %w", err)
	}
	for _, e := range exps {
		info.Experiments++
		info.DiskUse += e.DiskUse
		info.Statuses[e.Status]++
	}
	return info, nil
}

// CleanupReport lists the changes made by Cleanup.
type CleanupReport struct {
	// Removed holds experiments whose directory was missing
	// and whose rows were deleted.
	Removed []string

	// Orphans holds experiment directories without a row.
	Orphans []string

	// Adopted holds the orphans for which rows were created.
	Adopted []string
}

// Cleanup reconciles the database with the directories of a project.
// Rows of experiments without a directory are deleted. Directories
// without a row are reported and, if adopt is true, added as new
// experiments.
func (t *Tamer) Cleanup(ctx context.Context, project string, adopt bool) (*CleanupReport, error) {
	r := new(CleanupReport)
	err := t.Store.WithTx(ctx, func(s Store) error {
		if err := t.checkProject(ctx, s, project); err != nil {
			return err
		}
		exps, err := s.ListExperiments(ctx, ExperimentFilter{Project: project, Unassigned: project == ""})
		if err != nil {
			return err
		}
		known := make(map[string]bool)
		for _, e := range exps {
			if exists(t.ExperimentDir(e)) {
				known[e.Name] = true
				continue
			}
			if err := s.DeleteExperiment(ctx, e.ID); err != nil {
				return err
			}
			r.Removed = append(r.Removed, e.Name)
			t.log(e).Warn("removed experiment without directory")
		}

		for _, root := range []string{t.Paths.ArchiveDir(project), t.Paths.RunDir(project)} {
			entries, err := os.ReadDir(root)
			if errors.Is(err, os.ErrNotExist) {
				continue
			} else if err != nil {
				return err
			}
			archived := root == t.Paths.ArchiveDir(project)
			for _, d := range entries {
				if !d.IsDir() || known[d.Name()] || ValidateName(d.Name()) != nil {
					continue
				}
				known[d.Name()] = true
				r.Orphans = append(r.Orphans, d.Name())
				if !adopt {
					continue
				}
				e := t.adopt(project, d.Name(), filepath.Join(root, d.Name()), archived)
				if err := s.CreateExperiment(ctx, e); err != nil {
					return err
				}
				r.Adopted = append(r.Adopted, e.Name)
				t.log(e).Info("adopted experiment directory")
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("wrftamer: cleaning up: %w", err)
	}
	sort.Strings(r.Orphans)
	sort.Strings(r.Adopted)
	return r, nil
}

// adopt creates the row of an experiment directory that is not in
// the database, using the directory's configuration where possible.
func (t *Tamer) adopt(project, name, dir string, archived bool) *Experiment {
	now := t.now()
	e := &Experiment{
		UUID:    uuid.New().String(),
		Project: project,
		Name:    name,
		Created: now,
		Updated: now,
		Status:  StatusCreated,
	}
	if archived {
		e.Status = StatusArchived
	}
	if c, err := LoadConfig(filepath.Join(dir, ConfigFile)); err == nil {
		e.Start, e.End, _ = c.Period()
		e.ConfigHash = c.Hash()
	}
	if du, err := diskUse(dir); err == nil {
		e.DiskUse = du
	}
	return e
}

// ExportTable writes the experiments of project to a CSV or Excel file,
// depending on the extension of path. If path is empty, the table is
// written to <project>.csv in the project's tamer directory.
// It returns the path written to.
func (t *Tamer) ExportTable(ctx context.Context, project, path string) (string, error) {
	if err := t.checkProject(ctx, t.Store, project); err != nil {
		return "", err
	}
	if path == "" {
		path = filepath.Join(t.Paths.TamerDir(project), projectDir(project)+".csv")
		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			return "", fmt.Errorf("wrftamer: exporting: %w", err)
		}
	}
	exps, err := t.Store.ListExperiments(ctx, ExperimentFilter{Project: project, Unassigned: project == ""})
	if err != nil {
		return "", fmt.Errorf("wrftamer: exporting: %w", err)
	}
	rows := make([]table.Row, len(exps))
	for i, e := range exps {
		rows[i] = table.Row{
			Name:    e.Name,
			Created: e.Created,
			Comment: e.Comment,
			Start:   e.Start,
			End:     e.End,
			DiskUse: e.DiskUse,
			Runtime: e.Runtime,
			Status:  string(e.Status),
		}
	}
	if err := table.Write(path, rows); err != nil {
		return "", fmt.Errorf("wrftamer: exporting: %w", err)
	}
	return path, nil
}

// ImportTable adds the experiments listed in a CSV or Excel file to
// project. Rows with invalid names or names that already exist are
// skipped. Unknown statuses are imported as created. It returns the
// names of the imported experiments.
func (t *Tamer) ImportTable(ctx context.Context, project, path string) ([]string, error) {
	rows, err := table.Read(path)
	if err != nil {
		return nil, fmt.Errorf("wrftamer: importing: %w", err)
	}
	var imported []string
	err = t.Store.WithTx(ctx, func(s Store) error {
		if err := t.checkProject(ctx, s, project); err != nil {
			return err
		}
		for _, r := range rows {
			log := t.Log.WithFields(logrus.Fields{"project": project, "experiment": r.Name})
			if err := ValidateName(r.Name); err != nil {
				log.Warn("skipping row with invalid name")
				continue
			}
			_, err := s.GetExperiment(ctx, project, r.Name)
			if err == nil {
				log.Warn("skipping existing experiment")
				continue
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			status, err := ParseStatus(r.Status)
			if err != nil {
				status = StatusCreated
			}
			created := r.Created
			if created.IsZero() {
				created = t.now()
			}
			e := &Experiment{
				UUID:    uuid.New().String(),
				Project: project,
				Name:    r.Name,
				Created: created,
				Comment: r.Comment,
				Start:   r.Start,
				End:     r.End,
				DiskUse: r.DiskUse,
				Runtime: r.Runtime,
				Status:  status,
				Updated: t.now(),
			}
			if err := s.CreateExperiment(ctx, e); err != nil {
				return err
			}
			imported = append(imported, e.Name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("wrftamer: importing %s: %w", path, err)
	}
	return imported, nil
}
