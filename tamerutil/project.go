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
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/wrftamer/wrftamer"
)

func (cfg *Cfg) printPaths(cmd *cobra.Command, args []string) error {
	p, err := cfg.Paths()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "home\t%s\n", p.Home)
	fmt.Fprintf(w, "run\t%s\n", p.Run)
	fmt.Fprintf(w, "archive\t%s\n", p.Archive)
	fmt.Fprintf(w, "database\t%s\n", p.DatabasePath())
	if p.ArchiveBucket != "" {
		fmt.Fprintf(w, "bucket\t%s\n", p.ArchiveBucket)
	}
	fmt.Fprintf(w, "make_submit\t%t\n", p.MakeSubmit)
	return w.Flush()
}

func (cfg *Cfg) projectCreate(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	_, err = t.CreateProject(cmd.Context(), args[0], cfg.GetString("comment"))
	return err
}

func (cfg *Cfg) projectRemove(cmd *cobra.Command, args []string) error {
	if !cfg.confirm(cmd, fmt.Sprintf("Remove project %s and all of its experiments?", args[0])) {
		fmt.Fprintln(cmd.OutOrStdout(), "aborted")
		return nil
	}
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	return t.RemoveProject(cmd.Context(), args[0])
}

func (cfg *Cfg) projectRename(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	return t.RenameProject(cmd.Context(), args[0], args[1])
}

func (cfg *Cfg) projectList(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	projects, err := t.ListProjects(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "Name\tCreated\tComment")
	for _, p := range projects {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Created.Format(timeFormat), p.Comment)
	}
	return w.Flush()
}

// projectArg returns the project given as optional argument,
// falling back to --project.
func (cfg *Cfg) projectArg(args []string) string {
	if len(args) > 0 {
		if args[0] == wrftamer.Unassigned {
			return ""
		}
		return args[0]
	}
	return cfg.project()
}

func (cfg *Cfg) projectInfo(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	info, err := t.ProjectInfo(cmd.Context(), cfg.projectArg(args))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "project\t%s\n", info.Project.Name)
	if info.Project.Comment != "" {
		fmt.Fprintf(w, "comment\t%s\n", info.Project.Comment)
	}
	fmt.Fprintf(w, "experiments\t%d\n", info.Experiments)
	fmt.Fprintf(w, "disk use\t%s\n", humanize.Bytes(uint64(info.DiskUse)))
	for _, s := range wrftamer.Statuses {
		if n := info.Statuses[s]; n > 0 {
			fmt.Fprintf(w, "%s\t%d\n", s, n)
		}
	}
	return w.Flush()
}

func (cfg *Cfg) projectCleanup(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	r, err := t.Cleanup(cmd.Context(), cfg.projectArg(args), cfg.GetBool("adopt"))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, l := range []struct {
		label string
		names []string
	}{
		{"removed", r.Removed},
		{"orphaned", r.Orphans},
		{"adopted", r.Adopted},
	} {
		if len(l.names) > 0 {
			fmt.Fprintf(out, "%s: %s\n", l.label, strings.Join(l.names, ", "))
		}
	}
	return nil
}

func (cfg *Cfg) projectExport(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	var path string
	if len(args) > 1 {
		path = args[1]
	}
	path, err = t.ExportTable(cmd.Context(), cfg.projectArg(args), path)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func (cfg *Cfg) projectImport(cmd *cobra.Command, args []string) error {
	t, done, err := cfg.tamer(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	names, err := t.ImportTable(cmd.Context(), cfg.projectArg(args), args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d experiments\n", len(names))
	return nil
}
