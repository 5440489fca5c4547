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

// Package wrftamer manages projects and experiments of the Weather Research
// and Forecasting (WRF) model. It keeps a directory tree for every
// experiment together with a database row that tracks the experiment's
// metadata and lifecycle status, and it drives the external WPS and WRF
// executables.
package wrftamer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Version gives the version number.
const Version = "1.2.0"

// Unassigned is the directory that holds experiments that do not
// belong to any project. It cannot be used as a project name.
const Unassigned = "unassigned"

var (
	// ErrNotFound is returned when a project or experiment does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when a project or experiment already exists.
	ErrExists = errors.New("already exists")

	// ErrInvalidName is returned for project and experiment names that
	// contain characters other than letters, digits, '-' and '_'.
	ErrInvalidName = errors.New("invalid name")

	// ErrInvalidTransition is returned when an operation is not allowed
	// in the experiment's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

var nameRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName checks that name can be used as a project or experiment name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("wrftamer: %q: %w: only letters, digits, '-' and '_' are allowed", name, ErrInvalidName)
	}
	if name == Unassigned {
		return fmt.Errorf("wrftamer: %q: %w: the name is reserved", name, ErrInvalidName)
	}
	return nil
}

// Status is the lifecycle status of an experiment.
type Status string

// These are the statuses an experiment can be in.
const (
	StatusCreated       Status = "created"
	StatusPrepared      Status = "prepared"
	StatusRunning       Status = "running"
	StatusFinished      Status = "finished"
	StatusFailed        Status = "failed"
	StatusMoved         Status = "moved"
	StatusPostprocessed Status = "postprocessed"
	StatusArchived      Status = "archived"
)

// Statuses lists all valid statuses in lifecycle order.
var Statuses = []Status{StatusCreated, StatusPrepared, StatusRunning, StatusFinished,
	StatusFailed, StatusMoved, StatusPostprocessed, StatusArchived}

// ParseStatus returns the Status matching s.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("wrftamer: invalid status %q", s)
}

// Operation names an action that changes an experiment's status.
type Operation string

// These are the operations that are subject to status checks.
const (
	OpRunWPS      Operation = "run-wps"
	OpReuse       Operation = "reuse"
	OpRestart     Operation = "restart"
	OpRunWRF      Operation = "run-wrf"
	OpMove        Operation = "move"
	OpPostprocess Operation = "postprocess"
	OpArchive     Operation = "archive"
)

// allowedFrom holds the statuses each operation may start from.
var allowedFrom = map[Operation][]Status{
	OpRunWPS:      {StatusCreated, StatusPrepared, StatusFailed},
	OpReuse:       {StatusCreated, StatusPrepared, StatusFailed},
	OpRestart:     {StatusFinished, StatusFailed, StatusRunning, StatusMoved},
	OpRunWRF:      {StatusPrepared},
	OpMove:        {StatusFinished},
	OpPostprocess: {StatusFinished, StatusMoved, StatusPostprocessed},
	OpArchive:     {StatusFinished, StatusMoved, StatusPostprocessed},
}

// CheckTransition returns an error wrapping ErrInvalidTransition
// if op cannot be carried out on an experiment with status s.
func CheckTransition(op Operation, s Status) error {
	from, ok := allowedFrom[op]
	if !ok {
		return fmt.Errorf("wrftamer: unknown operation %q", op)
	}
	for _, f := range from {
		if f == s {
			return nil
		}
	}
	return fmt.Errorf("wrftamer: cannot %s an experiment with status %q: %w", op, s, ErrInvalidTransition)
}

// Project is a named collection of experiments.
type Project struct {
	Name    string
	Created time.Time
	Comment string
}

// Experiment holds the tracked metadata of a single WRF run.
type Experiment struct {
	ID      int64
	UUID    string
	Project string // Empty for experiments without a project.
	Name    string
	Created time.Time
	Comment string

	// Start and End give the simulated period.
	Start, End time.Time

	// DiskUse is the size of the experiment directory in bytes.
	DiskUse int64

	// Runtime is the mean wall-clock time in seconds the model
	// needed per time step on the outermost domain.
	Runtime float64

	Status     Status
	ConfigHash string
	JobID      string
	Updated    time.Time
}

// ExperimentFilter selects experiments in a listing.
type ExperimentFilter struct {
	// Project limits the listing to a single project.
	Project string

	// Unassigned limits the listing to experiments without a project.
	// It takes precedence over Project.
	Unassigned bool

	// Status limits the listing to experiments with the given status.
	Status Status
}

// Store persists projects and experiments. Implementations return errors
// wrapping ErrNotFound and ErrExists where applicable.
type Store interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, name string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	RenameProject(ctx context.Context, oldName, newName string) error
	DeleteProject(ctx context.Context, name string) error

	// CreateExperiment inserts e and sets its ID.
	CreateExperiment(ctx context.Context, e *Experiment) error
	GetExperiment(ctx context.Context, project, name string) (*Experiment, error)
	ListExperiments(ctx context.Context, f ExperimentFilter) ([]*Experiment, error)

	// UpdateExperiment writes all fields of e to the row with e.ID.
	UpdateExperiment(ctx context.Context, e *Experiment) error
	DeleteExperiment(ctx context.Context, id int64) error

	// WithTx runs fn within a transaction. The transaction is
	// committed if fn returns nil and rolled back otherwise.
	WithTx(ctx context.Context, fn func(Store) error) error
}
