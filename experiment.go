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
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wrftamer/wrftamer/namelist"
	"github.com/wrftamer/wrftamer/runner"
)

// Subdirectories of an experiment directory.
const (
	WPSDir  = "wps"
	WRFDir  = "wrf"
	OutDir  = "out"
	LogDir  = "log"
	PlotDir = "plot"
)

// SubmitScript is the name of the batch submission script.
const SubmitScript = "submit_wrf.sh"

// These are linked from the WPS installation. The table
// directories are optional.
var (
	wpsExecutables = []string{"geogrid.exe", "ungrib.exe", "metgrid.exe", "link_grib.csh"}
	wpsTables      = []string{"geogrid", "metgrid"}
)

// CreateExperiment creates an experiment from the configuration file
// configPath. The experiment directory is set up with links to the
// executables and the rendered namelists, and a row with status
// created is added. On failure nothing is left behind.
func (t *Tamer) CreateExperiment(ctx context.Context, project, name, configPath, comment string) (*Experiment, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("wrftamer: reading configuration: %w", err)
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("wrftamer: %s: %w", configPath, err)
	}
	dir := t.Paths.ActiveExperimentDir(project, name)
	for _, d := range []string{dir, t.Paths.ArchivedExperimentDir(project, name)} {
		if exists(d) {
			return nil, fmt.Errorf("wrftamer: experiment %s: directory %s: %w", name, d, ErrExists)
		}
	}
	start, end, _ := cfg.Period()
	now := t.now()
	e := &Experiment{
		UUID:       uuid.New().String(),
		Project:    project,
		Name:       name,
		Created:    now,
		Comment:    comment,
		Start:      start,
		End:        end,
		Status:     StatusCreated,
		ConfigHash: cfg.Hash(),
		Updated:    now,
	}
	err = t.withFiles(ctx, func(s Store, undo func(func() error)) error {
		if err := t.checkProject(ctx, s, project); err != nil {
			return err
		}
		if err := s.CreateExperiment(ctx, e); err != nil {
			return err
		}
		undo(func() error { return os.RemoveAll(dir) })
		if err := t.setup(dir, raw, cfg, e); err != nil {
			return err
		}
		du, err := diskUse(dir)
		if err != nil {
			return err
		}
		e.DiskUse = du
		return s.UpdateExperiment(ctx, e)
	})
	if err != nil {
		return nil, fmt.Errorf("wrftamer: creating experiment %s: %w", name, err)
	}
	t.log(e).Info("created experiment")
	return e, nil
}

// setup creates the directory of a new experiment.
func (t *Tamer) setup(dir string, raw []byte, cfg *Config, e *Experiment) error {
	for _, sub := range []string{WPSDir, WRFDir, OutDir, LogDir, PlotDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), os.ModePerm); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), raw, 0644); err != nil {
		return err
	}
	wrf, wps := filepath.Join(dir, WRFDir), filepath.Join(dir, WPSDir)
	p := cfg.Paths

	if p.WRFEssentials != "" {
		entries, err := os.ReadDir(p.WRFEssentials)
		if err != nil {
			return fmt.Errorf("wrf_essentials: %w", err)
		}
		for _, d := range entries {
			if d.IsDir() || strings.HasPrefix(d.Name(), "namelist") {
				continue
			}
			if err := link(filepath.Join(p.WRFEssentials, d.Name()), wrf); err != nil {
				return err
			}
		}
	}
	n, err := linkGlob(filepath.Join(p.WRFExecutables, "*.exe"), wrf)
	if err != nil {
		return fmt.Errorf("wrf_executables: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("wrf_executables: no executables in %s", p.WRFExecutables)
	}

	if p.WPSExecutables != "" {
		for _, f := range wpsExecutables {
			src := filepath.Join(p.WPSExecutables, f)
			if !exists(src) {
				return fmt.Errorf("wps_executables: %s missing", src)
			}
			if err := link(src, wps); err != nil {
				return err
			}
		}
		for _, f := range wpsTables {
			if src := filepath.Join(p.WPSExecutables, f); exists(src) {
				if err := link(src, wps); err != nil {
					return err
				}
			}
		}
	}
	if p.Vtable != "" {
		if err := link(p.Vtable, wps, "Vtable"); err != nil {
			return fmt.Errorf("vtable: %w", err)
		}
	}
	if p.TSList != "" {
		if err := link(p.TSList, wrf, "tslist"); err != nil {
			return fmt.Errorf("tslist: %w", err)
		}
	}

	if err := renderFile(p.WRFNamelist, filepath.Join(wrf, "namelist.input"), cfg.NamelistVars); err != nil {
		return err
	}
	if p.WPSNamelist != "" {
		if err := renderFile(p.WPSNamelist, filepath.Join(wps, "namelist.wps"), cfg.NamelistVars); err != nil {
			return err
		}
	}
	if t.Paths.MakeSubmit {
		if err := t.writeSubmitScript(dir, cfg, e); err != nil {
			return err
		}
	}
	return nil
}

// renderFile renders the namelist template src into dst.
func renderFile(src, dst string, vars map[string]interface{}) error {
	tmpl, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading namelist template: %w", err)
	}
	b, err := namelist.Render(filepath.Base(src), tmpl, vars)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	return os.WriteFile(dst, b, 0644)
}

// loadConfig reads the configuration kept in the experiment directory.
func (t *Tamer) loadConfig(e *Experiment) (*Config, error) {
	return LoadConfig(filepath.Join(t.ExperimentDir(e), ConfigFile))
}

// CopyExperiment creates the experiment dst from the configuration of
// src. If configPath is not empty, it is used instead.
func (t *Tamer) CopyExperiment(ctx context.Context, project, src, dst, configPath string) (*Experiment, error) {
	e, err := t.GetExperiment(ctx, project, src)
	if err != nil {
		return nil, err
	}
	if configPath == "" {
		configPath = filepath.Join(t.ExperimentDir(e), ConfigFile)
	}
	return t.CreateExperiment(ctx, project, dst, configPath, "copy of "+src)
}

// RemoveExperiment deletes an experiment, including its active
// and archived directories. A batch job of a running experiment is
// cancelled first and the copy in the archive bucket is deleted.
func (t *Tamer) RemoveExperiment(ctx context.Context, project, name string) error {
	e, err := t.GetExperiment(ctx, project, name)
	if err != nil {
		return err
	}
	if e.Status == StatusRunning && e.JobID != "" && t.Batch != nil {
		if err := t.Batch.Cancel(ctx, e.JobID); err != nil {
			if !t.Force {
				return fmt.Errorf("wrftamer: removing experiment %s: %w", name, err)
			}
			t.log(e).Warnf("cancelling batch job %s: %v", e.JobID, err)
		} else {
			t.log(e).WithField("job", e.JobID).Info("cancelled batch job")
		}
	}
	err = t.Store.WithTx(ctx, func(s Store) error {
		if err := s.DeleteExperiment(ctx, e.ID); err != nil {
			return err
		}
		for _, d := range []string{t.Paths.ActiveExperimentDir(project, name),
			t.Paths.ArchivedExperimentDir(project, name)} {
			if err := os.RemoveAll(d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("wrftamer: removing experiment %s: %w", name, err)
	}
	t.log(e).Info("removed experiment")
	if t.Bucket != nil && e.Status == StatusArchived {
		if err := t.Bucket.Delete(ctx, projectDir(project), name); err != nil {
			return fmt.Errorf("wrftamer: deleting archived copy of %s: %w", name, err)
		}
	}
	return nil
}

// relocate renames the active and archived directories of an experiment
// and registers the reverse renames with undo.
func (t *Tamer) relocate(fromProject, fromName, toProject, toName string, undo func(func() error)) error {
	pairs := [][2]string{
		{t.Paths.ActiveExperimentDir(fromProject, fromName), t.Paths.ActiveExperimentDir(toProject, toName)},
		{t.Paths.ArchivedExperimentDir(fromProject, fromName), t.Paths.ArchivedExperimentDir(toProject, toName)},
	}
	for _, p := range pairs {
		if exists(p[1]) {
			return fmt.Errorf("directory %s: %w", p[1], ErrExists)
		}
	}
	for _, p := range pairs {
		if !exists(p[0]) {
			continue
		}
		if err := moveDir(p[0], p[1]); err != nil {
			return err
		}
		from, to := p[0], p[1]
		undo(func() error { return moveDir(to, from) })
	}
	return nil
}

// RenameExperiment renames an experiment and its directories.
func (t *Tamer) RenameExperiment(ctx context.Context, project, oldName, newName string) error {
	if err := ValidateName(newName); err != nil {
		return err
	}
	err := t.withFiles(ctx, func(s Store, undo func(func() error)) error {
		e, err := s.GetExperiment(ctx, project, oldName)
		if err != nil {
			return err
		}
		e.Name = newName
		e.Updated = t.now()
		if err := s.UpdateExperiment(ctx, e); err != nil {
			return err
		}
		return t.relocate(project, oldName, project, newName, undo)
	})
	if err != nil {
		return fmt.Errorf("wrftamer: renaming experiment %s: %w", oldName, err)
	}
	t.Log.WithFields(logrus.Fields{"experiment": oldName, "new_name": newName}).Info("renamed experiment")
	return nil
}

// Reassociate moves an experiment from one project to another.
// The empty project name denotes experiments without a project.
func (t *Tamer) Reassociate(ctx context.Context, name, fromProject, toProject string) error {
	if fromProject == toProject {
		return nil
	}
	err := t.withFiles(ctx, func(s Store, undo func(func() error)) error {
		if err := t.checkProject(ctx, s, toProject); err != nil {
			return err
		}
		e, err := s.GetExperiment(ctx, fromProject, name)
		if err != nil {
			return err
		}
		e.Project = toProject
		e.Updated = t.now()
		if err := s.UpdateExperiment(ctx, e); err != nil {
			return err
		}
		return t.relocate(fromProject, name, toProject, name, undo)
	})
	if err != nil {
		return fmt.Errorf("wrftamer: moving experiment %s to project %q: %w", name, toProject, err)
	}
	return nil
}

// ListExperiments returns the experiments selected by f.
func (t *Tamer) ListExperiments(ctx context.Context, f ExperimentFilter) ([]*Experiment, error) {
	exps, err := t.Store.ListExperiments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("wrftamer: %w", err)
	}
	return exps, nil
}

// SetComment replaces the comment of an experiment.
func (t *Tamer) SetComment(ctx context.Context, project, name, comment string) error {
	return t.update(ctx, project, name, func(e *Experiment) error {
		e.Comment = comment
		return nil
	})
}

// update applies fn to an experiment and stores the result.
func (t *Tamer) update(ctx context.Context, project, name string, fn func(*Experiment) error) error {
	err := t.Store.WithTx(ctx, func(s Store) error {
		e, err := s.GetExperiment(ctx, project, name)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
		e.Updated = t.now()
		return s.UpdateExperiment(ctx, e)
	})
	if err != nil {
		return fmt.Errorf("wrftamer: updating experiment %s: %w", name, err)
	}
	return nil
}

// UpdateDiskUse recomputes and stores the disk use of an experiment.
func (t *Tamer) UpdateDiskUse(ctx context.Context, project, name string) (int64, error) {
	var du int64
	err := t.update(ctx, project, name, func(e *Experiment) error {
		var err error
		if du, err = diskUse(t.ExperimentDir(e)); err != nil {
			return err
		}
		e.DiskUse = du
		return nil
	})
	return du, err
}

// RuntimeStats summarizes the model timing of a run on domain 1.
type RuntimeStats struct {
	// Steps is the number of time steps.
	Steps int

	// Total is the summed time in seconds.
	Total float64

	// Mean is the mean time in seconds per time step.
	Mean float64
}

var timingRegexp = regexp.MustCompile(`Timing for main.*on domain\s+(\d+):\s+([-+.\deE]+)\s+elapsed seconds`)

// ReadRuntime parses the "Timing for main" lines of an rsl file.
func ReadRuntime(path string) (*RuntimeStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := new(RuntimeStats)
	s := bufio.NewScanner(f)
	for s.Scan() {
		m := timingRegexp.FindStringSubmatch(s.Text())
		if m == nil || m[1] != "1" {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", path, err)
		}
		r.Steps++
		r.Total += v
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if r.Steps == 0 {
		return nil, fmt.Errorf("%s: no timing information for domain 1", path)
	}
	r.Mean = r.Total / float64(r.Steps)
	return r, nil
}

// rslFile returns the first existing rsl file of e, looked up in
// wrf/ before log/.
func (t *Tamer) rslFile(e *Experiment, names ...string) (string, error) {
	dir := t.ExperimentDir(e)
	for _, sub := range []string{WRFDir, LogDir} {
		for _, n := range names {
			if p := filepath.Join(dir, sub, n); exists(p) {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("%s of %s: %w", strings.Join(names, " or "), e.Name, ErrNotFound)
}

// UpdateRuntime reads the model timing of an experiment and stores
// the mean time per step.
func (t *Tamer) UpdateRuntime(ctx context.Context, project, name string) (*RuntimeStats, error) {
	var stats *RuntimeStats
	err := t.update(ctx, project, name, func(e *Experiment) error {
		path, err := t.rslFile(e, "rsl.error.0000")
		if err != nil {
			return err
		}
		if stats, err = ReadRuntime(path); err != nil {
			return err
		}
		e.Runtime = stats.Mean
		return nil
	})
	return stats, err
}

// wrfOutcome inspects the log files of a run. It returns finished if
// WRF completed, failed if it stopped with an error and running otherwise.
func (t *Tamer) wrfOutcome(e *Experiment) Status {
	path, err := t.rslFile(e, "rsl.error.0000", "rsl.out.0000", "wrf.log")
	if err != nil {
		return StatusRunning
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return StatusRunning
	}
	switch {
	case strings.Contains(string(b), "SUCCESS COMPLETE WRF"):
		return StatusFinished
	case strings.Contains(string(b), "FATAL CALLED"):
		return StatusFailed
	}
	return StatusRunning
}

// RefreshStatus updates the status of a running experiment from the
// state of its batch job and its log files.
func (t *Tamer) RefreshStatus(ctx context.Context, project, name string) (*Experiment, error) {
	e, err := t.GetExperiment(ctx, project, name)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusRunning {
		return e, nil
	}
	status := t.wrfOutcome(e)
	if e.JobID != "" && t.Batch != nil && status == StatusRunning {
		js, err := t.Batch.Status(ctx, e.JobID)
		if err != nil {
			return nil, fmt.Errorf("wrftamer: %w", err)
		}
		t.log(e).WithField("job", e.JobID).Debugf("batch job state %s (%s)", js.State, js.Message)
		switch js.State {
		case runner.StateComplete, runner.StateFailed, runner.StateMissing:
			// The job ended without WRF reporting success.
			status = StatusFailed
		}
	}
	if status == e.Status {
		return e, nil
	}
	if err := t.setStatus(ctx, t.Store, e, status); err != nil {
		return nil, err
	}
	return e, nil
}

// experimentForOp returns the experiment if op may be applied to it.
func (t *Tamer) experimentForOp(ctx context.Context, op Operation, project, name string) (*Experiment, error) {
	e, err := t.GetExperiment(ctx, project, name)
	if err != nil {
		return nil, err
	}
	if err := t.checkTransition(op, e); err != nil {
		return nil, err
	}
	if !exists(t.ExperimentDir(e)) {
		return nil, fmt.Errorf("wrftamer: directory of %s: %w", name, ErrNotFound)
	}
	return e, nil
}

var errNoFiles = errors.New("no matching files")
