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

package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestArgv(t *testing.T) {
	j := &Job{Command: "./wrf.exe", Procs: 4, MPIRun: "srun"}
	want := []string{"srun", "-n", "4", "./wrf.exe"}
	if have := j.Argv(); !reflect.DeepEqual(have, want) {
		t.Errorf("have %v, want %v", have, want)
	}
	j = &Job{Command: "./link_grib.csh", Args: []string{"/data/gfs*"}, Procs: 1}
	want = []string{"./link_grib.csh", "/data/gfs*"}
	if have := j.Argv(); !reflect.DeepEqual(have, want) {
		t.Errorf("have %v, want %v", have, want)
	}
	j = &Job{Command: "./geogrid.exe", Procs: 2}
	if have := j.Argv()[0]; have != "mpirun" {
		t.Errorf("default mpirun: have %s", have)
	}
}

func TestLocal(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal()
	err := l.Run(context.Background(), &Job{
		Name:    "echo",
		Dir:     dir,
		Command: "sh",
		Args:    []string{"-c", "echo $GREETING; touch marker"},
		LogFile: "echo.log",
		Env:     []string{"GREETING=hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "echo.log"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hello\n" {
		t.Errorf("wrong output %q", b)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker")); err != nil {
		t.Errorf("job did not run in its directory: %v", err)
	}
}

func TestLocalFailure(t *testing.T) {
	l := &Local{Log: logrus.New()}
	err := l.Run(context.Background(), &Job{
		Name:    "fail",
		Dir:     t.TempDir(),
		Command: "sh",
		Args:    []string{"-c", "echo FATAL CALLED; exit 3"},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "FATAL CALLED") {
		t.Errorf("output missing from error: %v", err)
	}
}

func TestTailBuffer(t *testing.T) {
	var tb tailBuffer
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&tb, "line %04d\n", i)
	}
	s := tb.String()
	if len(s) != tailSize {
		t.Errorf("tail length %d", len(s))
	}
	if !strings.HasSuffix(s, "line 0999\n") {
		t.Errorf("tail ends with %q", s[len(s)-20:])
	}
}

type fakeScheduler struct {
	calls   [][]string
	outputs map[string][]string
	fail    map[string]int
	errs    map[string]error
}

func (f *fakeScheduler) exec(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.fail[name] > 0 {
		f.fail[name]--
		if err, ok := f.errs[name]; ok {
			return nil, err
		}
		return nil, errors.New("slurm_load_jobs error: Socket timed out")
	}
	outs := f.outputs[name]
	if len(outs) == 0 {
		return nil, nil
	}
	out := outs[0]
	f.outputs[name] = outs[1:]
	return []byte(out), nil
}

func TestSlurm(t *testing.T) {
	ctx := context.Background()
	f := &fakeScheduler{
		outputs: map[string][]string{
			"sbatch": {"4242;cluster\n"},
			"squeue": {"RUNNING\n", "", ""},
			"sacct":  {"COMPLETED\n", ""},
		},
		fail: map[string]int{"squeue": 1},
	}
	s := &Slurm{Log: logrus.New(), Exec: f.exec, MaxRetries: 3}

	id, err := s.Submit(ctx, "/run/exp", "submit_wrf.sh")
	if err != nil {
		t.Fatal(err)
	}
	if id != "4242" {
		t.Errorf("job id %q", id)
	}

	wantStates := []State{StateRunning, StateComplete, StateMissing}
	for _, want := range wantStates {
		st, err := s.Status(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if st.State != want {
			t.Errorf("have state %s, want %s", st.State, want)
		}
	}
	wantFirst := []string{"sbatch", "--parsable", "submit_wrf.sh"}
	if !reflect.DeepEqual(f.calls[0], wantFirst) {
		t.Errorf("first call %v", f.calls[0])
	}
}

func TestSlurmPurgedJob(t *testing.T) {
	f := &fakeScheduler{
		outputs: map[string][]string{"sacct": {"COMPLETED\n"}},
		fail:    map[string]int{"squeue": 1},
		errs: map[string]error{
			"squeue": errors.New("squeue: exit status 1: slurm_load_jobs error: Invalid job id specified"),
		},
	}
	s := &Slurm{Log: logrus.New(), Exec: f.exec, MaxRetries: 3}
	st, err := s.Status(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateComplete {
		t.Errorf("have state %s, want %s", st.State, StateComplete)
	}
	want := [][]string{
		{"squeue", "-h", "-j", "42", "-o", "%T"},
		{"sacct", "-n", "-X", "-P", "-j", "42", "-o", "State"},
	}
	if !reflect.DeepEqual(f.calls, want) {
		t.Errorf("calls: %v", f.calls)
	}
}

func TestSlurmQueueUnavailable(t *testing.T) {
	f := &fakeScheduler{
		outputs: map[string][]string{"sacct": {"FAILED\n"}},
		fail:    map[string]int{"squeue": 10},
	}
	s := &Slurm{Log: logrus.New(), Exec: f.exec, MaxRetries: 0}
	st, err := s.Status(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateFailed {
		t.Errorf("have state %s, want %s", st.State, StateFailed)
	}
}

func TestSlurmSubmitFailure(t *testing.T) {
	f := &fakeScheduler{fail: map[string]int{"sbatch": 1}}
	s := &Slurm{Log: logrus.New(), Exec: f.exec}
	if _, err := s.Submit(context.Background(), "", "x.sh"); err == nil {
		t.Error("expected an error")
	}
	if len(f.calls) != 1 {
		t.Errorf("submission was retried: %v", f.calls)
	}
}

func TestSlurmStatusMapping(t *testing.T) {
	tests := map[string]State{
		"PENDING":           StateWaiting,
		"COMPLETING":        StateRunning,
		"COMPLETED":         StateComplete,
		"TIMEOUT":           StateFailed,
		"CANCELLED by 1000": StateFailed,
		"NODE_FAIL":         StateFailed,
	}
	for in, want := range tests {
		if have := slurmStatus(in).State; have != want {
			t.Errorf("%s: have %s, want %s", in, have, want)
		}
	}
}
