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

// Package runner starts the WPS and WRF executables, either directly
// or through a batch scheduler.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Job is a single program execution.
type Job struct {
	// Name identifies the job in log messages.
	Name string

	// Dir is the working directory.
	Dir string

	// Command is the program to run. Relative paths starting
	// with "./" are relative to Dir.
	Command string
	Args    []string

	// Procs is the number of MPI processes. With more than one
	// process the command is started through MPIRun.
	Procs  int
	MPIRun string

	// LogFile receives the standard output and error of the command.
	// It is relative to Dir unless it is absolute. If it is empty,
	// the output is only returned within errors.
	LogFile string

	// Env holds additional environment variables in the form key=value.
	Env []string
}

// Argv returns the full command line of the job.
func (j *Job) Argv() []string {
	if j.Procs > 1 {
		mpirun := j.MPIRun
		if mpirun == "" {
			mpirun = "mpirun"
		}
		return append([]string{mpirun, "-n", strconv.Itoa(j.Procs), j.Command}, j.Args...)
	}
	return append([]string{j.Command}, j.Args...)
}

func (j *Job) logPath() string {
	if j.LogFile == "" || filepath.IsAbs(j.LogFile) {
		return j.LogFile
	}
	return filepath.Join(j.Dir, j.LogFile)
}

// Runner runs jobs and waits for them to finish.
type Runner interface {
	Run(ctx context.Context, j *Job) error
}

// Local runs jobs on the local machine.
type Local struct {
	Log logrus.FieldLogger
}

// NewLocal returns a runner that logs to the standard logger.
func NewLocal() *Local {
	return &Local{Log: logrus.StandardLogger()}
}

// Run implements Runner.
func (l *Local) Run(ctx context.Context, j *Job) error {
	argv := j.Argv()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = j.Dir
	cmd.Env = append(os.Environ(), j.Env...)

	var tail tailBuffer
	var w io.Writer = &tail
	if p := j.logPath(); p != "" {
		f, err := os.Create(p)
		if err != nil {
			return fmt.Errorf("runner: %s: creating log file: %w", j.Name, err)
		}
		defer f.Close()
		w = io.MultiWriter(f, &tail)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	log := l.Log.WithFields(logrus.Fields{"job": j.Name, "dir": j.Dir})
	log.Infof("running %s", strings.Join(argv, " "))
	start := time.Now()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("runner: %s failed: %w\n%s", j.Name, err, tail.String())
	}
	log.WithField("elapsed", time.Since(start).Round(time.Second)).Info("finished")
	return nil
}

// tailBuffer keeps the last lines of the output for error messages.
type tailBuffer struct {
	b bytes.Buffer
}

const tailSize = 4096

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.b.Write(p)
	if t.b.Len() > 2*tailSize {
		keep := t.b.Bytes()[t.b.Len()-tailSize:]
		var nb bytes.Buffer
		nb.Write(keep)
		t.b = nb
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	b := t.b.Bytes()
	if len(b) > tailSize {
		b = b[len(b)-tailSize:]
	}
	return string(b)
}
