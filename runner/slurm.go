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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

// State is the state of a batch job.
type State string

// These are the states a batch job can be in.
const (
	StateMissing  State = "missing"
	StateWaiting  State = "waiting"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// JobStatus is the status of a batch job.
type JobStatus struct {
	State   State
	Message string
}

// ExecFunc runs a command in dir and returns its standard output.
type ExecFunc func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Slurm submits jobs to the SLURM batch scheduler.
type Slurm struct {
	Log logrus.FieldLogger

	// Exec runs the scheduler commands. It can be replaced for testing.
	Exec ExecFunc

	// MaxRetries is the number of times failed scheduler
	// commands are retried.
	MaxRetries uint64
}

// NewSlurm returns a Slurm client that calls the scheduler commands
// on the local machine.
func NewSlurm() *Slurm {
	return &Slurm{
		Log:        logrus.StandardLogger(),
		Exec:       execCommand,
		MaxRetries: 5,
	}
}

// retry runs the scheduler command until it succeeds, backing off
// exponentially between attempts.
func (s *Slurm) retry(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return s.retryUnless(ctx, nil, dir, name, args...)
}

// retryUnless is like retry but stops without an error and with empty
// output when final reports a failure as final.
func (s *Slurm) retryUnless(ctx context.Context, final func(error) bool, dir, name string, args ...string) ([]byte, error) {
	var out []byte
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	err := backoff.RetryNotify(
		func() error {
			var err error
			out, err = s.Exec(ctx, dir, name, args...)
			if err != nil && final != nil && final(err) {
				out = nil
				return nil
			}
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(b, s.MaxRetries), ctx),
		func(err error, d time.Duration) {
			s.Log.Warnf("%v: retrying in %v", err, d)
		},
	)
	return out, err
}

// Submit submits the batch script in dir and returns the job ID.
func (s *Slurm) Submit(ctx context.Context, dir, script string) (string, error) {
	// Submission is not retried so that a job is not queued twice.
	out, err := s.Exec(ctx, dir, "sbatch", "--parsable", script)
	if err != nil {
		return "", fmt.Errorf("runner: submitting %s: %w", script, err)
	}
	// The output is "jobid" or "jobid;cluster".
	id := strings.TrimSpace(strings.SplitN(string(out), ";", 2)[0])
	if id == "" {
		return "", fmt.Errorf("runner: submitting %s: sbatch returned no job id", script)
	}
	s.Log.WithFields(logrus.Fields{"job": id, "dir": dir}).Info("submitted batch job")
	return id, nil
}

// Status returns the status of the job with the given ID. Jobs that
// have left the queue are looked up in the accounting database.
func (s *Slurm) Status(ctx context.Context, id string) (*JobStatus, error) {
	out, err := s.retryUnless(ctx, jobPurged, "", "squeue", "-h", "-j", id, "-o", "%T")
	if err != nil {
		s.Log.WithField("job", id).Warnf("squeue failed, checking accounting: %v", err)
	} else if state := strings.TrimSpace(string(out)); state != "" {
		return slurmStatus(state), nil
	}
	out, err = s.retry(ctx, "", "sacct", "-n", "-X", "-P", "-j", id, "-o", "State")
	if err != nil {
		return nil, fmt.Errorf("runner: job %s status: %w", id, err)
	}
	var lines []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return &JobStatus{State: StateMissing, Message: fmt.Sprintf("job %s not found", id)}, nil
	}
	return slurmStatus(lines[len(lines)-1]), nil
}

// Cancel cancels the job with the given ID.
func (s *Slurm) Cancel(ctx context.Context, id string) error {
	if _, err := s.retry(ctx, "", "scancel", id); err != nil {
		return fmt.Errorf("runner: cancelling job %s: %w", id, err)
	}
	return nil
}

// jobPurged reports whether squeue failed because the job is no longer
// known to the controller.
func jobPurged(err error) bool {
	return strings.Contains(err.Error(), "Invalid job id")
}

// slurmStatus converts a SLURM job state. sacct may append the user
// that cancelled the job, e.g. "CANCELLED by 1000".
func slurmStatus(state string) *JobStatus {
	state = strings.ToUpper(strings.Fields(state)[0])
	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED", "RESIZING", "SUSPENDED":
		return &JobStatus{State: StateWaiting, Message: state}
	case "RUNNING", "COMPLETING", "STAGE_OUT":
		return &JobStatus{State: StateRunning, Message: state}
	case "COMPLETED":
		return &JobStatus{State: StateComplete, Message: state}
	default:
		return &JobStatus{State: StateFailed, Message: state}
	}
}
