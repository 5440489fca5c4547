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

package tamerutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/wrftamer/wrftamer"
	"github.com/wrftamer/wrftamer/cloud"
	"github.com/wrftamer/wrftamer/namelist"
	"github.com/wrftamer/wrftamer/tslist"
)

const timeFormat = "2006-01-02 15:04"

func (cfg *Cfg) create(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	e, err := t.CreateExperiment(cmd.Context(), cfg.project(), args[0], args[1], cfg.GetString("comment"))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.ExperimentDir(e))
	return nil
}

func (cfg *Cfg) copy(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	var config string
	if len(args) > 2 {
		config = args[2]
	}
	e, err := t.CopyExperiment(cmd.Context(), cfg.project(), args[0], args[1], config)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.ExperimentDir(e))
	return nil
}

func (cfg *Cfg) remove(cmd *cobra.Command, args []string) error {
	if !cfg.confirm(cmd, fmt.Sprintf("Remove experiment %s and its directories?", args[0])) {
		fmt.Fprintln(cmd.OutOrStdout(), "aborted")
		return nil
	}
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	return t.RemoveExperiment(cmd.Context(), cfg.project(), args[0])
}

func (cfg *Cfg) rename(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	return t.RenameExperiment(cmd.Context(), cfg.project(), args[0], args[1])
}

func (cfg *Cfg) reassociate(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	to := args[1]
	if to == wrftamer.Unassigned {
		to = ""
	}
	return t.Reassociate(cmd.Context(), args[0], cfg.project(), to)
}

func (cfg *Cfg) list(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	f := wrftamer.ExperimentFilter{}
	if !cfg.GetBool("all") {
		f.Project = cfg.project()
		f.Unassigned = f.Project == ""
	}
	if s := cfg.GetString("status"); s != "" {
		if f.Status, err = wrftamer.ParseStatus(s); err != nil {
			return err
		}
	}
	exps, err := t.ListExperiments(cmd.Context(), f)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "Project\tName\tStatus\tStart\tEnd\tDisk use\tRuntime\tComment")
	for _, e := range exps {
		project := e.Project
		if project == "" {
			project = wrftamer.Unassigned
		}
		runtime := "-"
		if e.Runtime > 0 {
			runtime = fmt.Sprintf("%.2fs", e.Runtime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", project, e.Name, e.Status,
			e.Start.Format(timeFormat), e.End.Format(timeFormat),
			humanize.Bytes(uint64(e.DiskUse)), runtime, e.Comment)
	}
	return w.Flush()
}

func (cfg *Cfg) status(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	e, err := t.RefreshStatus(cmd.Context(), cfg.project(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, e.Status)
	if e.JobID != "" {
		fmt.Fprintf(out, "batch job %s\n", e.JobID)
	}
	return nil
}

func (cfg *Cfg) comment(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	return t.SetComment(cmd.Context(), cfg.project(), args[0], strings.Join(args[1:], " "))
}

func (cfg *Cfg) du(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	du, err := t.UpdateDiskUse(cmd.Context(), cfg.project(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), humanize.Bytes(uint64(du)))
	return nil
}

func (cfg *Cfg) rt(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	r, err := t.UpdateRuntime(cmd.Context(), cfg.project(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d steps, %.2fs in total, %.3fs per step\n", r.Steps, r.Total, r.Mean)
	return nil
}

func (cfg *Cfg) runWPS(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	return t.RunWPS(cmd.Context(), cfg.project(), args[0])
}

func (cfg *Cfg) runWRF(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	return t.RunWRF(cmd.Context(), cfg.project(), args[0], cfg.GetBool("submit"))
}

func (cfg *Cfg) restart(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	return t.Restart(cmd.Context(), cfg.project(), args[0])
}

func (cfg *Cfg) reuse(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	return t.Reuse(cmd.Context(), cfg.project(), args[0], args[1])
}

func (cfg *Cfg) move(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	return t.Move(cmd.Context(), cfg.project(), args[0])
}

func (cfg *Cfg) postprocess(cmd *cobra.Command, args []string) error {
	var p *wrftamer.Protocol
	if path := os.ExpandEnv(cfg.GetString("protocol")); path != "" {
		var err error
		if p, err = wrftamer.LoadProtocol(path); err != nil {
			return err
		}
	}
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	return t.Postprocess(cmd.Context(), cfg.project(), args[0], p)
}

func (cfg *Cfg) archive(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	if b := cfg.GetString("bucket"); b != "" {
		a := cloud.NewArchive(b)
		a.Log = cfg.log
		t.Bucket = a
	}
	return t.Archive(cmd.Context(), cfg.project(), args[0])
}

func (cfg *Cfg) tslist(cmd *cobra.Command, args []string) error {
	dir, outDir := args[0], args[1]
	start, err := tslistStart(cfg.GetString("start"), dir)
	if err != nil {
		return err
	}
	name := cfg.GetString("name")
	if name == "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		name = filepath.Base(abs)
	}
	domains, err := cast.ToIntSliceE(cfg.Get("domains"))
	if err != nil {
		return fmt.Errorf("wrftamer: reading 'domains': %v", err)
	}
	files, err := tslist.Process(dir, outDir, tslist.Options{
		Name:     name,
		Start:    start,
		Interval: time.Duration(cfg.GetInt("interval")) * time.Minute,
		Raw:      cfg.GetBool("raw"),
		Stations: cfg.GetStringSlice("prefix"),
		Domains:  domains,
		Log:      cfg.log,
	})
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintln(cmd.OutOrStdout(), f)
	}
	return nil
}

// tslistStart returns the simulation start given with --start or,
// without it, the start date in namelist.input in dir or dir/wrf.
func tslistStart(start, dir string) (time.Time, error) {
	if start != "" {
		t, err := time.Parse(namelist.DateFormat, start)
		if err != nil {
			return time.Time{}, fmt.Errorf("wrftamer: --start: %v", err)
		}
		return t, nil
	}
	for _, path := range []string{filepath.Join(dir, "namelist.input"),
		filepath.Join(dir, wrftamer.WRFDir, "namelist.input")} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()
		nml, err := namelist.Read(f)
		if err != nil {
			return time.Time{}, err
		}
		t, _, err := nml.Period()
		return t, err
	}
	return time.Time{}, fmt.Errorf("wrftamer: --start is required without namelist.input in %s", dir)
}
