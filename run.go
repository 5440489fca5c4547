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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wrftamer/wrftamer/namelist"
	"github.com/wrftamer/wrftamer/runner"
	"github.com/wrftamer/wrftamer/tslist"
)

// DefaultSubmitTemplate is the batch script template used when the
// configuration does not name one. Shell variables are written as $${NAME}.
const DefaultSubmitTemplate = `#!/bin/bash
${directives}

${module_loads}
cd ${wrf_dir}
${mpirun} -n $${SLURM_NTASKS:-${ntasks}} ./wrf.exe
`

// submitVars returns the variables available in submit script templates:
// the namelist variables, the slurm settings and the experiment paths.
func (t *Tamer) submitVars(dir string, cfg *Config, e *Experiment) map[string]interface{} {
	vars := make(map[string]interface{}, len(cfg.NamelistVars)+16)
	for k, v := range cfg.NamelistVars {
		vars[k] = v
	}
	sl := cfg.Slurm
	jobName := sl.JobName
	if jobName == "" {
		jobName = e.Name
	}
	ntasks := sl.Tasks
	if ntasks == 0 {
		ntasks = cfg.Run.Procs
	}
	d := []string{"#SBATCH --job-name=" + jobName}
	if sl.Partition != "" {
		d = append(d, "#SBATCH --partition="+sl.Partition)
	}
	if sl.Account != "" {
		d = append(d, "#SBATCH --account="+sl.Account)
	}
	if sl.Nodes > 0 {
		d = append(d, "#SBATCH --nodes="+strconv.Itoa(sl.Nodes))
	}
	d = append(d, "#SBATCH --ntasks="+strconv.Itoa(ntasks))
	if sl.Time != "" {
		d = append(d, "#SBATCH --time="+sl.Time)
	}
	d = append(d, "#SBATCH --output="+filepath.Join(dir, LogDir, "slurm-%j.out"))
	for _, x := range sl.Extra {
		d = append(d, "#SBATCH "+x)
	}
	var modules []string
	for _, m := range sl.Modules {
		modules = append(modules, "module load "+m)
	}

	vars["directives"] = strings.Join(d, "\n")
	vars["module_loads"] = strings.Join(modules, "\n")
	vars["job_name"] = jobName
	vars["partition"] = sl.Partition
	vars["account"] = sl.Account
	vars["nodes"] = sl.Nodes
	vars["ntasks"] = ntasks
	vars["time"] = sl.Time
	vars["mpirun"] = cfg.Run.MPIRun
	vars["experiment"] = e.Name
	vars["project"] = projectDir(e.Project)
	vars["exp_dir"] = dir
	vars["wrf_dir"] = filepath.Join(dir, WRFDir)
	return vars
}

// writeSubmitScript renders the batch script of an experiment.
func (t *Tamer) writeSubmitScript(dir string, cfg *Config, e *Experiment) error {
	src := []byte(DefaultSubmitTemplate)
	name := SubmitScript
	if cfg.Paths.SubmitTemplate != "" {
		var err error
		if src, err = os.ReadFile(cfg.Paths.SubmitTemplate); err != nil {
			return fmt.Errorf("reading submit template: %w", err)
		}
		name = filepath.Base(cfg.Paths.SubmitTemplate)
	}
	b, err := namelist.Render(name, src, t.submitVars(dir, cfg, e))
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, SubmitScript), b, 0755)
}

// fail marks e as failed after err occurred and returns err.
func (t *Tamer) fail(ctx context.Context, e *Experiment, err error) error {
	if serr := t.setStatus(ctx, t.Store, e, StatusFailed); serr != nil {
		t.log(e).Errorf("%v", serr)
	}
	return fmt.Errorf("wrftamer: %s: %w", e.Name, err)
}

// RunWPS runs the WRF preprocessing of an experiment: geogrid, ungrib
// and metgrid in wps/, followed by real.exe in wrf/. The experiment
// is prepared afterwards.
func (t *Tamer) RunWPS(ctx context.Context, project, name string) error {
	e, err := t.experimentForOp(ctx, OpRunWPS, project, name)
	if err != nil {
		return err
	}
	cfg, err := t.loadConfig(e)
	if err != nil {
		return err
	}
	if cfg.Paths.WPSExecutables == "" {
		return fmt.Errorf("wrftamer: %s: paths.wps_executables is not set", name)
	}
	dir := t.ExperimentDir(e)
	wps, wrf := filepath.Join(dir, WPSDir), filepath.Join(dir, WRFDir)
	run := cfg.Run

	grib, err := filepath.Glob(filepath.Join(cfg.Paths.DrivingData, cfg.Paths.DrivingDataPattern))
	if err != nil {
		return fmt.Errorf("wrftamer: driving data: %w", err)
	}
	if len(grib) == 0 {
		return fmt.Errorf("wrftamer: driving data %s: %w", filepath.Join(cfg.Paths.DrivingData,
			cfg.Paths.DrivingDataPattern), errNoFiles)
	}

	steps := []*runner.Job{
		{Name: "geogrid", Dir: wps, Command: "./geogrid.exe", Procs: run.WPSProcs, MPIRun: run.MPIRun, LogFile: "geogrid.log"},
		{Name: "link_grib", Dir: wps, Command: "./link_grib.csh", Args: grib, LogFile: "link_grib.log"},
		{Name: "ungrib", Dir: wps, Command: "./ungrib.exe", LogFile: "ungrib.log"},
		{Name: "metgrid", Dir: wps, Command: "./metgrid.exe", Procs: run.WPSProcs, MPIRun: run.MPIRun, LogFile: "metgrid.log"},
	}
	for _, j := range steps {
		if err := t.Runner.Run(ctx, j); err != nil {
			return t.fail(ctx, e, err)
		}
	}
	n, err := linkGlob(filepath.Join(wps, "met_em.d*"), wrf)
	if err != nil {
		return t.fail(ctx, e, err)
	}
	if n == 0 {
		return t.fail(ctx, e, fmt.Errorf("metgrid output: %w", errNoFiles))
	}
	realJob := &runner.Job{Name: "real", Dir: wrf, Command: "./real.exe", Procs: run.Procs,
		MPIRun: run.MPIRun, LogFile: "real.log"}
	if err := t.Runner.Run(ctx, realJob); err != nil {
		return t.fail(ctx, e, err)
	}
	return t.setStatus(ctx, t.Store, e, StatusPrepared)
}

// RunWRF starts WRF for a prepared experiment. Without submit, WRF runs
// locally and the status is set from its log files once it returns.
// With submit, the batch script is submitted and the experiment stays
// running until RefreshStatus finds it ended.
func (t *Tamer) RunWRF(ctx context.Context, project, name string, submit bool) error {
	e, err := t.experimentForOp(ctx, OpRunWRF, project, name)
	if err != nil {
		return err
	}
	cfg, err := t.loadConfig(e)
	if err != nil {
		return err
	}
	dir := t.ExperimentDir(e)

	if submit {
		if t.Batch == nil {
			return fmt.Errorf("wrftamer: no batch scheduler configured")
		}
		if err := t.writeSubmitScript(dir, cfg, e); err != nil {
			return fmt.Errorf("wrftamer: %s: %w", name, err)
		}
		id, err := t.Batch.Submit(ctx, dir, SubmitScript)
		if err != nil {
			return fmt.Errorf("wrftamer: %w", err)
		}
		e.JobID = id
		return t.setStatus(ctx, t.Store, e, StatusRunning)
	}

	e.JobID = ""
	if err := t.setStatus(ctx, t.Store, e, StatusRunning); err != nil {
		return err
	}
	j := &runner.Job{Name: "wrf", Dir: filepath.Join(dir, WRFDir), Command: "./wrf.exe",
		Procs: cfg.Run.Procs, MPIRun: cfg.Run.MPIRun, LogFile: "wrf.log"}
	if err := t.Runner.Run(ctx, j); err != nil {
		return t.fail(ctx, e, err)
	}
	status := t.wrfOutcome(e)
	if status == StatusRunning {
		// WRF returned without reporting success.
		status = StatusFailed
	}
	if err := t.setStatus(ctx, t.Store, e, status); err != nil {
		return err
	}
	if status == StatusFailed {
		return fmt.Errorf("wrftamer: %s: WRF did not complete", name)
	}
	return nil
}

// restartFile is a restart file of domain 1 and its date.
type restartFile struct {
	path string
	date time.Time
}

// latestRestart returns the newest restart file of domain 1 in wrf/ or out/.
func latestRestart(dir string) (*restartFile, error) {
	var files []restartFile
	for _, sub := range []string{WRFDir, OutDir} {
		matches, err := filepath.Glob(filepath.Join(dir, sub, "wrfrst_d01_*"))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			d, err := time.Parse(namelist.DateFormat, strings.TrimPrefix(filepath.Base(m), "wrfrst_d01_"))
			if err != nil {
				continue
			}
			files = append(files, restartFile{path: m, date: d})
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("restart files: %w", errNoFiles)
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].date.Before(files[j].date) })
	return &files[len(files)-1], nil
}

// Restart prepares an experiment to continue from its newest restart
// file. The start date of all domains is set to the date of the restart
// file, the run length to the remaining period, and restart is enabled.
func (t *Tamer) Restart(ctx context.Context, project, name string) error {
	e, err := t.experimentForOp(ctx, OpRestart, project, name)
	if err != nil {
		return err
	}
	dir := t.ExperimentDir(e)
	wrf := filepath.Join(dir, WRFDir)
	rst, err := latestRestart(dir)
	if err != nil {
		return fmt.Errorf("wrftamer: %s: %w", name, err)
	}
	nmlPath := filepath.Join(wrf, "namelist.input")
	src, err := os.ReadFile(nmlPath)
	if err != nil {
		return fmt.Errorf("wrftamer: %s: %w", name, err)
	}
	nml, err := namelist.Read(bytes.NewReader(src))
	if err != nil {
		return fmt.Errorf("wrftamer: %s: %w", name, err)
	}
	maxDom, err := nml.MaxDom()
	if err != nil {
		return fmt.Errorf("wrftamer: %s: %w", name, err)
	}
	_, end, err := nml.Period()
	if err != nil {
		return fmt.Errorf("wrftamer: %s: %w", name, err)
	}
	if !end.After(rst.date) {
		return fmt.Errorf("wrftamer: %s: restart file %s is not before the end of the run",
			name, filepath.Base(rst.path))
	}

	// Restart files that were moved to out/ are linked back.
	if filepath.Dir(rst.path) != wrf {
		date := strings.TrimPrefix(filepath.Base(rst.path), "wrfrst_d01_")
		if _, err := linkGlob(filepath.Join(filepath.Dir(rst.path), "wrfrst_d*_"+date), wrf); err != nil {
			return fmt.Errorf("wrftamer: %s: %w", name, err)
		}
	}

	d := rst.date
	left := int64(end.Sub(d) / time.Second)
	values := map[string]string{
		"time_control.start_year":   namelist.Repeat(fmt.Sprintf("%04d", d.Year()), maxDom),
		"time_control.start_month":  namelist.Repeat(fmt.Sprintf("%02d", d.Month()), maxDom),
		"time_control.start_day":    namelist.Repeat(fmt.Sprintf("%02d", d.Day()), maxDom),
		"time_control.start_hour":   namelist.Repeat(fmt.Sprintf("%02d", d.Hour()), maxDom),
		"time_control.start_minute": namelist.Repeat(fmt.Sprintf("%02d", d.Minute()), maxDom),
		"time_control.start_second": namelist.Repeat(fmt.Sprintf("%02d", d.Second()), maxDom),
		"time_control.run_days":     strconv.FormatInt(left/86400, 10),
		"time_control.run_hours":    strconv.FormatInt(left%86400/3600, 10),
		"time_control.run_minutes":  strconv.FormatInt(left%3600/60, 10),
		"time_control.run_seconds":  strconv.FormatInt(left%60, 10),
		"time_control.restart":      ".true.",
	}
	patched, err := namelist.Patch(src, values)
	if err != nil {
		return fmt.Errorf("wrftamer: %s: %w", name, err)
	}
	if err := os.WriteFile(nmlPath, patched, 0644); err != nil {
		return fmt.Errorf("wrftamer: %s: %w", name, err)
	}
	t.log(e).WithField("restart", d.Format(namelist.DateFormat)).Info("prepared restart")
	e.JobID = ""
	return t.setStatus(ctx, t.Store, e, StatusPrepared)
}

// Reuse prepares the experiment dst with the initial and boundary
// conditions of src, which must be in the same project.
func (t *Tamer) Reuse(ctx context.Context, project, src, dst string) error {
	from, err := t.GetExperiment(ctx, project, src)
	if err != nil {
		return err
	}
	e, err := t.experimentForOp(ctx, OpReuse, project, dst)
	if err != nil {
		return err
	}
	srcWRF := filepath.Join(t.ExperimentDir(from), WRFDir)
	dstWRF := filepath.Join(t.ExperimentDir(e), WRFDir)
	total := 0
	for _, pattern := range []string{"met_em*", "wrfinput_d*", "wrfbdy_d01"} {
		n, err := linkGlob(filepath.Join(srcWRF, pattern), dstWRF)
		if err != nil {
			return fmt.Errorf("wrftamer: reusing %s: %w", src, err)
		}
		total += n
	}
	if !exists(filepath.Join(dstWRF, "wrfinput_d01")) || !exists(filepath.Join(dstWRF, "wrfbdy_d01")) {
		return fmt.Errorf("wrftamer: reusing %s: initial or boundary conditions: %w", src, errNoFiles)
	}
	t.log(e).WithField("source", src).Infof("linked %d files", total)
	return t.setStatus(ctx, t.Store, e, StatusPrepared)
}

// moveTarget returns the directory a file in wrf/ is moved to,
// or "" if it stays.
func moveTarget(name string) string {
	switch {
	case strings.HasPrefix(name, "wrfout"), strings.HasPrefix(name, "wrfrst"),
		strings.HasPrefix(name, "wrfxtrm"), tslist.IsOutput(name):
		return OutDir
	case strings.HasPrefix(name, "rsl."), strings.HasSuffix(name, ".log"):
		return LogDir
	}
	return ""
}

// Move moves the model output of a finished experiment from wrf/ to
// out/ and the log files to log/.
func (t *Tamer) Move(ctx context.Context, project, name string) error {
	e, err := t.experimentForOp(ctx, OpMove, project, name)
	if err != nil {
		return err
	}
	if err := t.moveOutput(e); err != nil {
		return err
	}
	return t.setStatus(ctx, t.Store, e, StatusMoved)
}

func (t *Tamer) moveOutput(e *Experiment) error {
	dir := t.ExperimentDir(e)
	entries, err := os.ReadDir(filepath.Join(dir, WRFDir))
	if err != nil {
		return fmt.Errorf("wrftamer: %s: %w", e.Name, err)
	}
	n := 0
	for _, d := range entries {
		target := moveTarget(d.Name())
		if target == "" || d.IsDir() || d.Type()&os.ModeSymlink != 0 {
			continue
		}
		if err := os.MkdirAll(filepath.Join(dir, target), os.ModePerm); err != nil {
			return fmt.Errorf("wrftamer: %s: %w", e.Name, err)
		}
		if err := os.Rename(filepath.Join(dir, WRFDir, d.Name()), filepath.Join(dir, target, d.Name())); err != nil {
			return fmt.Errorf("wrftamer: %s: %w", e.Name, err)
		}
		n++
	}
	t.log(e).Infof("moved %d files", n)
	return nil
}
