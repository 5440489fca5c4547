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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wrftamer/wrftamer"
	"github.com/wrftamer/wrftamer/cloud"
	"github.com/wrftamer/wrftamer/runner"
)

// wt runs the command line with the given arguments and standard input
// and returns what was written to standard output.
func wt(t *testing.T, home, stdin string, args ...string) (string, error) {
	t.Helper()
	cfg := InitializeConfig()
	var out bytes.Buffer
	cfg.Root.SetOut(&out)
	cfg.Root.SetErr(io.Discard)
	cfg.Root.SetIn(strings.NewReader(stdin))
	cfg.Root.SetArgs(append([]string{"--home_path", home,
		"--run_path", filepath.Join(home, "run"),
		"--archive_path", filepath.Join(home, "archive")}, args...))
	err := cfg.Root.Execute()
	return out.String(), err
}

func mustWT(t *testing.T, home string, args ...string) string {
	t.Helper()
	out, err := wt(t, home, "", args...)
	if err != nil {
		t.Fatalf("wt %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatal(err)
	}
}

// experimentConfig writes a minimal WRF installation and an experiment
// configuration and returns the path of the configuration.
func experimentConfig(t *testing.T, dir string) string {
	t.Helper()
	writeFile(t, filepath.Join(dir, "WRF", "wrf.exe"), "")
	writeFile(t, filepath.Join(dir, "WRF", "real.exe"), "")
	writeFile(t, filepath.Join(dir, "namelist.input"), `&time_control
 run_days = ${run_days},
 start_year = ${per_domain(start_year)},
/
&domains
 max_dom = ${max_dom},
/
`)
	path := filepath.Join(dir, "configure.yaml")
	writeFile(t, path, fmt.Sprintf(`paths:
  wrf_executables: %[1]s/WRF
  wrf_nmlpath: %[1]s/namelist.input
namelist_vars:
  start_date: "2020-05-17_00:00:00"
  end_date: "2020-05-19_00:00:00"
  max_dom: 1
`, dir))
	return path
}

func TestVersion(t *testing.T) {
	out := mustWT(t, t.TempDir(), "version")
	if want := "WRFtamer v" + wrftamer.Version + "\n"; out != want {
		t.Errorf("have %q, want %q", out, want)
	}
}

func TestPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WRFTAMER_MAKE_SUBMIT", "true")
	t.Setenv("WRFTAMER_ARCHIVE_BUCKET", "file://"+filepath.Join(home, "bucket"))
	out := mustWT(t, home, "paths")
	for _, want := range []string{home, filepath.Join(home, "run"), filepath.Join(home, "archive"),
		"file://" + filepath.Join(home, "bucket"), "true"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestTamerLogger(t *testing.T) {
	home := t.TempDir()
	cfg := InitializeConfig()
	cfg.Set("home_path", home)
	cfg.Set("archive_bucket", "file://"+filepath.Join(home, "bucket"))
	tm, done, err := cfg.tamer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer done()
	if l, ok := tm.Runner.(*runner.Local); !ok || l.Log != cfg.log {
		t.Error("local runner does not use the command logger")
	}
	if b, ok := tm.Batch.(*runner.Slurm); !ok || b.Log != cfg.log {
		t.Error("batch scheduler does not use the command logger")
	}
	if a, ok := tm.Bucket.(*cloud.Archive); !ok || a.Log != cfg.log {
		t.Error("archive bucket does not use the command logger")
	}
}

func TestProjectCommands(t *testing.T) {
	home := t.TempDir()
	mustWT(t, home, "project", "create", "alpha", "--comment", "first project")
	if _, err := wt(t, home, "", "project", "create", "alpha"); !errors.Is(err, wrftamer.ErrExists) {
		t.Errorf("creating a project twice: %v", err)
	}
	out := mustWT(t, home, "project", "list")
	if !strings.Contains(out, "alpha") || !strings.Contains(out, "first project") {
		t.Errorf("project list:\n%s", out)
	}

	mustWT(t, home, "project", "rename", "alpha", "beta")
	out = mustWT(t, home, "project", "info", "beta")
	if !strings.Contains(out, "beta") || !strings.Contains(out, "first project") {
		t.Errorf("project info:\n%s", out)
	}

	out, err := wt(t, home, "n\n", "project", "remove", "beta")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "aborted") {
		t.Errorf("remove without confirmation:\n%s", out)
	}
	if out := mustWT(t, home, "project", "list"); !strings.Contains(out, "beta") {
		t.Error("project removed without confirmation")
	}
	if _, err := wt(t, home, "yes\n", "project", "remove", "beta"); err != nil {
		t.Fatal(err)
	}
	if out := mustWT(t, home, "project", "list"); strings.Contains(out, "beta") {
		t.Errorf("project not removed:\n%s", out)
	}
}

func TestExperimentCommands(t *testing.T) {
	home := t.TempDir()
	config := experimentConfig(t, t.TempDir())
	mustWT(t, home, "project", "create", "p")

	out := mustWT(t, home, "create", "exp1", config, "-p", "p", "--comment", "hello")
	if want := filepath.Join(home, "run", "p", "exp1") + "\n"; out != want {
		t.Errorf("create: have %q, want %q", out, want)
	}
	out = mustWT(t, home, "list", "-p", "p")
	for _, want := range []string{"exp1", "hello", "created", "2020-05-17 00:00", "2020-05-19 00:00"} {
		if !strings.Contains(out, want) {
			t.Errorf("list lacks %q:\n%s", want, out)
		}
	}
	if out := mustWT(t, home, "status", "exp1", "-p", "p"); out != "created\n" {
		t.Errorf("status: %q", out)
	}
	if out := mustWT(t, home, "list"); strings.Contains(out, "exp1") {
		t.Errorf("experiments without a project should not include exp1:\n%s", out)
	}

	mustWT(t, home, "comment", "exp1", "a", "new", "comment", "-p", "p")
	if out := mustWT(t, home, "list", "--all"); !strings.Contains(out, "a new comment") {
		t.Errorf("comment not changed:\n%s", out)
	}
	if out := mustWT(t, home, "du", "exp1", "-p", "p"); !strings.HasSuffix(out, "B\n") {
		t.Errorf("du: %q", out)
	}
	if _, err := wt(t, home, "", "rt", "exp1", "-p", "p"); !errors.Is(err, wrftamer.ErrNotFound) {
		t.Errorf("rt without rsl file: %v", err)
	}
	if _, err := wt(t, home, "", "run-wrf", "exp1", "-p", "p"); !errors.Is(err, wrftamer.ErrInvalidTransition) {
		t.Errorf("run-wrf before run-wps: %v", err)
	}

	mustWT(t, home, "copy", "exp1", "exp2", "-p", "p")
	if out := mustWT(t, home, "list", "-p", "p", "--status", "created"); !strings.Contains(out, "copy of exp1") {
		t.Errorf("copy not listed:\n%s", out)
	}
	if _, err := wt(t, home, "", "list", "--status", "bogus"); err == nil {
		t.Error("invalid status should fail")
	}

	mustWT(t, home, "rename", "exp2", "exp3", "-p", "p")
	mustWT(t, home, "reassociate", "exp3", wrftamer.Unassigned, "-p", "p")
	if out := mustWT(t, home, "list"); !strings.Contains(out, "exp3") {
		t.Errorf("reassociated experiment not listed:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(home, "run", wrftamer.Unassigned, "exp3")); err != nil {
		t.Error(err)
	}

	csv := filepath.Join(home, "p.csv")
	if out := mustWT(t, home, "project", "export", "p", csv); out != csv+"\n" {
		t.Errorf("export: %q", out)
	}
	mustWT(t, home, "project", "create", "q")
	if out := mustWT(t, home, "project", "import", "q", csv); out != "imported 1 experiments\n" {
		t.Errorf("import: %q", out)
	}

	mustWT(t, home, "remove", "exp3", "--yes")
	if out := mustWT(t, home, "list", "--all"); strings.Contains(out, "exp3") {
		t.Errorf("experiment not removed:\n%s", out)
	}

	if err := os.RemoveAll(filepath.Join(home, "run", "p", "exp1")); err != nil {
		t.Fatal(err)
	}
	if out := mustWT(t, home, "project", "cleanup", "p"); out != "removed: exp1\n" {
		t.Errorf("cleanup: %q", out)
	}
}

func TestTSList(t *testing.T) {
	dir, out := t.TempDir(), t.TempDir()
	var b strings.Builder
	fmt.Fprintf(&b, "%-26s%2d%3d%6s (%7.3f,%8.3f) (%4d,%4d) (%7.3f,%8.3f) %6.1f meters\n",
		"Mast Alpha", 1, 1, "MASTA", 54.0, 10.5, 12, 34, 53.99, 10.48, 12.5)
	for _, h := range []float64{0.25, 0.5, 0.75, 1} {
		fmt.Fprintf(&b, " 1 %10.6f    1   12   34", h)
		for _, v := range []float64{290, 0.005, 3, 4, 101300, 300, 200, 10, 50, 291, 289, 0, 0.5, 0} {
			fmt.Fprintf(&b, " %12.6f", v)
		}
		b.WriteString("\n")
	}
	writeFile(t, filepath.Join(dir, "MASTA.d01.TS"), b.String())

	if _, err := wt(t, t.TempDir(), "", "tslist", dir, out); err == nil {
		t.Error("tslist without start date should fail")
	}
	files := mustWT(t, t.TempDir(), "tslist", dir, out, "--start", "2020-05-17_00:00:00",
		"--interval", "30", "--raw", "--name", "run1", "--prefix", "MASTA")
	want := filepath.Join(out, "run1_MASTA_d01_raw.nc") + "\n" + filepath.Join(out, "run1_MASTA_d01_30min.nc") + "\n"
	if files != want {
		t.Errorf("have %q, want %q", files, want)
	}
	for _, f := range strings.Fields(files) {
		if _, err := os.Stat(f); err != nil {
			t.Error(err)
		}
	}
}
