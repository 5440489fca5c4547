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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"
)

// These environment variables configure where WRFtamer keeps its files.
const (
	EnvHome          = "WRFTAMER_HOME_PATH"
	EnvRun           = "WRFTAMER_RUN_PATH"
	EnvArchive       = "WRFTAMER_ARCHIVE_PATH"
	EnvArchiveBucket = "WRFTAMER_ARCHIVE_BUCKET"
	EnvMakeSubmit    = "WRFTAMER_MAKE_SUBMIT"
)

// Paths holds the base directories used by WRFtamer.
type Paths struct {
	// Home holds the database and per-project exports.
	Home string

	// Run holds the experiments that are being worked on.
	Run string

	// Archive holds experiments that have been archived.
	Archive string

	// ArchiveBucket optionally gives a blob storage location
	// ("file://", "s3://" or "gs://") that archived experiments
	// are copied to.
	ArchiveBucket string

	// MakeSubmit specifies whether a batch submission script is
	// written when an experiment is created.
	MakeSubmit bool
}

// ResolvePaths reads the WRFtamer paths from the environment.
// Unset variables fall back to directories below $HOME/wrftamer.
// Values may reference other environment variables, e.g. ${SCRATCH}.
// If getenv is nil, os.Getenv is used.
func ResolvePaths(getenv func(string) string) (*Paths, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	get := func(key string) string {
		return strings.TrimSpace(os.Expand(getenv(key), getenv))
	}
	p := &Paths{
		Home:          get(EnvHome),
		Run:           get(EnvRun),
		Archive:       get(EnvArchive),
		ArchiveBucket: get(EnvArchiveBucket),
	}
	if p.Home == "" {
		home := getenv("HOME")
		if home == "" {
			return nil, fmt.Errorf("wrftamer: neither %s nor HOME is set", EnvHome)
		}
		p.Home = filepath.Join(home, "wrftamer")
	}
	if p.Run == "" {
		p.Run = filepath.Join(p.Home, "run")
	}
	if p.Archive == "" {
		p.Archive = filepath.Join(p.Home, "archive")
	}
	submit := get(EnvMakeSubmit)
	if submit == "" {
		// Older installations use a lower-case suffix.
		submit = get("WRFTAMER_make_submit")
	}
	if submit != "" {
		b, err := cast.ToBoolE(submit)
		if err != nil {
			return nil, fmt.Errorf("wrftamer: %s: %v", EnvMakeSubmit, err)
		}
		p.MakeSubmit = b
	}
	for _, d := range []*string{&p.Home, &p.Run, &p.Archive} {
		abs, err := filepath.Abs(*d)
		if err != nil {
			return nil, fmt.Errorf("wrftamer: resolving path %s: %v", *d, err)
		}
		*d = abs
	}
	return p, nil
}

func projectDir(project string) string {
	if project == "" {
		return Unassigned
	}
	return project
}

// RunDir returns the directory that holds the active experiments of project.
func (p *Paths) RunDir(project string) string {
	return filepath.Join(p.Run, projectDir(project))
}

// TamerDir returns the directory that holds the exports of project.
func (p *Paths) TamerDir(project string) string {
	return filepath.Join(p.Home, "db", projectDir(project))
}

// ArchiveDir returns the directory that holds the archived experiments of project.
func (p *Paths) ArchiveDir(project string) string {
	return filepath.Join(p.Archive, projectDir(project))
}

// ActiveExperimentDir returns the run location of an experiment.
func (p *Paths) ActiveExperimentDir(project, name string) string {
	return filepath.Join(p.RunDir(project), name)
}

// ArchivedExperimentDir returns the archive location of an experiment.
func (p *Paths) ArchivedExperimentDir(project, name string) string {
	return filepath.Join(p.ArchiveDir(project), name)
}

// ExperimentDir returns the working directory of an experiment.
// An archived copy takes precedence over the active one.
func (p *Paths) ExperimentDir(project, name string) string {
	archived := p.ArchivedExperimentDir(project, name)
	if exists(archived) {
		return archived
	}
	return p.ActiveExperimentDir(project, name)
}

// DatabasePath returns the location of the experiment database.
func (p *Paths) DatabasePath() string {
	return filepath.Join(p.Home, "db", "wrftamer.sqlite")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
