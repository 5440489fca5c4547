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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wrftamer/wrftamer/cloud"
	"github.com/wrftamer/wrftamer/runner"
)

// Batch submits jobs to a batch scheduler, reports their status
// and cancels them.
type Batch interface {
	Submit(ctx context.Context, dir, script string) (string, error)
	Status(ctx context.Context, id string) (*runner.JobStatus, error)
	Cancel(ctx context.Context, id string) error
}

// Bucket holds remote copies of archived experiment directories.
type Bucket interface {
	Upload(ctx context.Context, project, name, dir string) (int, error)
	Delete(ctx context.Context, project, name string) error
}

// Tamer manages the projects and experiments below a set of paths.
// Every change is made to the file system and the Store together:
// a database change is only committed if the corresponding file
// system change succeeded.
type Tamer struct {
	Paths *Paths
	Store Store

	// Runner runs the WPS and WRF executables.
	Runner runner.Runner

	// Batch is used when WRF runs are submitted to a scheduler.
	Batch Batch

	// Bucket receives a copy of archived experiments. It may be nil.
	Bucket Bucket

	// Force disables the status checks of the run operations.
	Force bool

	Log logrus.FieldLogger

	// Now returns the current time.
	Now func() time.Time
}

// New returns a Tamer that runs executables locally, submits batch jobs
// to SLURM and uploads archives to the bucket configured in p, if any.
func New(p *Paths, s Store) *Tamer {
	t := &Tamer{
		Paths:  p,
		Store:  s,
		Runner: runner.NewLocal(),
		Batch:  runner.NewSlurm(),
		Log:    logrus.StandardLogger(),
		Now:    time.Now,
	}
	if p.ArchiveBucket != "" {
		t.Bucket = cloud.NewArchive(p.ArchiveBucket)
	}
	return t
}

func (t *Tamer) now() time.Time {
	if t.Now == nil {
		return time.Now().UTC()
	}
	return t.Now().UTC()
}

func (t *Tamer) log(e *Experiment) logrus.FieldLogger {
	project := e.Project
	if project == "" {
		project = Unassigned
	}
	return t.Log.WithFields(logrus.Fields{"project": project, "experiment": e.Name})
}

// checkTransition is CheckTransition unless t.Force is set.
func (t *Tamer) checkTransition(op Operation, e *Experiment) error {
	if t.Force {
		return nil
	}
	if err := CheckTransition(op, e.Status); err != nil {
		return fmt.Errorf("%w (experiment %s)", err, e.Name)
	}
	return nil
}

// setStatus stores the new status of e.
func (t *Tamer) setStatus(ctx context.Context, s Store, e *Experiment, status Status) error {
	old := e.Status
	e.Status = status
	e.Updated = t.now()
	if err := s.UpdateExperiment(ctx, e); err != nil {
		e.Status = old
		return fmt.Errorf("wrftamer: updating status of %s: %w", e.Name, err)
	}
	t.log(e).WithField("status", status).Info("status changed")
	return nil
}

// withFiles runs fn in a transaction of t.Store. fn registers an undo
// step for each file system change it makes. If the transaction is not
// committed, whether fn or the commit failed, the undo steps run in
// reverse order.
func (t *Tamer) withFiles(ctx context.Context, fn func(s Store, undo func(func() error)) error) error {
	var undos []func() error
	err := t.Store.WithTx(ctx, func(s Store) error {
		return fn(s, func(u func() error) { undos = append(undos, u) })
	})
	if err != nil {
		for i := len(undos) - 1; i >= 0; i-- {
			if uerr := undos[i](); uerr != nil {
				t.Log.Errorf("undoing file system change: %v", uerr)
			}
		}
	}
	return err
}

// checkProject returns an error if project is not empty
// and does not exist.
func (t *Tamer) checkProject(ctx context.Context, s Store, project string) error {
	if project == "" {
		return nil
	}
	if _, err := s.GetProject(ctx, project); err != nil {
		return fmt.Errorf("wrftamer: %w", err)
	}
	return nil
}

// GetExperiment returns the experiment name of project.
func (t *Tamer) GetExperiment(ctx context.Context, project, name string) (*Experiment, error) {
	e, err := t.Store.GetExperiment(ctx, project, name)
	if err != nil {
		return nil, fmt.Errorf("wrftamer: %w", err)
	}
	return e, nil
}

// ExperimentDir returns the working directory of e.
func (t *Tamer) ExperimentDir(e *Experiment) string {
	return t.Paths.ExperimentDir(e.Project, e.Name)
}
