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
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wrftamer/wrftamer/tslist"
	"gopkg.in/yaml.v3"
)

// PostprocessedDir holds the processed time series of an experiment.
const PostprocessedDir = "postprocessed"

// Protocol lists the postprocessing actions for an experiment.
// The actions run in the order move, tslist processing, map creation
// and archiving.
type Protocol struct {
	// Move moves the model output out of wrf/ first.
	Move bool `yaml:"move"`

	TSList *TSListProtocol `yaml:"tslist_processing,omitempty"`

	// CreateMaps is accepted for compatibility. Map creation is
	// not supported and skipped with a warning.
	CreateMaps interface{} `yaml:"create_maps,omitempty"`

	// Archive archives the experiment last.
	Archive bool `yaml:"archive"`
}

// TSListProtocol configures the time series processing.
type TSListProtocol struct {
	// AvgInterval is the averaging interval in minutes.
	// Zero disables averaging.
	AvgInterval int `yaml:"avg_interval"`

	// Raw requests the merged time series without averaging.
	Raw bool `yaml:"raw"`

	Stations []string `yaml:"stations,omitempty"`
	Domains  []int    `yaml:"domains,omitempty"`

	// Derived maps variable names to expressions. If it is empty,
	// wind speed and direction are derived.
	Derived map[string]string `yaml:"derived,omitempty"`
}

// LoadProtocol reads a postprocessing protocol from a YAML file.
func LoadProtocol(path string) (*Protocol, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wrftamer: reading protocol: %w", err)
	}
	p := new(Protocol)
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(p); err != nil {
		return nil, fmt.Errorf("wrftamer: protocol %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("wrftamer: protocol %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the protocol settings.
func (p *Protocol) Validate() error {
	if p.TSList == nil {
		return nil
	}
	if p.TSList.AvgInterval < 0 {
		return fmt.Errorf("tslist_processing.avg_interval must not be negative")
	}
	if p.TSList.AvgInterval == 0 && !p.TSList.Raw {
		return fmt.Errorf("tslist_processing needs avg_interval or raw")
	}
	return nil
}

// Postprocess runs the postprocessing protocol of an experiment. If p is
// nil, the protocol in the experiment's configuration is used.
func (t *Tamer) Postprocess(ctx context.Context, project, name string, p *Protocol) error {
	e, err := t.GetExperiment(ctx, project, name)
	if err != nil {
		return err
	}
	if p == nil {
		cfg, err := t.loadConfig(e)
		if err != nil {
			return err
		}
		if cfg.Postprocessing == nil {
			return fmt.Errorf("wrftamer: %s: no postprocessing protocol", name)
		}
		p = cfg.Postprocessing
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("wrftamer: %s: %w", name, err)
	}
	log := t.log(e)

	if p.Move && e.Status == StatusFinished {
		if err := t.Move(ctx, project, name); err != nil {
			return err
		}
		e.Status = StatusMoved
	}
	if err := t.checkTransition(OpPostprocess, e); err != nil {
		return err
	}
	if p.TSList != nil {
		files, err := t.processTSList(e, p.TSList, log)
		if err != nil {
			return fmt.Errorf("wrftamer: %s: %w", name, err)
		}
		log.Infof("wrote %d time series files", len(files))
	}
	if p.CreateMaps != nil {
		log.Warn("map creation is not supported; skipping")
	}
	e, err = t.GetExperiment(ctx, project, name)
	if err != nil {
		return err
	}
	if err := t.setStatus(ctx, t.Store, e, StatusPostprocessed); err != nil {
		return err
	}
	if p.Archive {
		return t.Archive(ctx, project, name)
	}
	return nil
}

func (t *Tamer) processTSList(e *Experiment, p *TSListProtocol, log logrus.FieldLogger) ([]string, error) {
	dir := t.ExperimentDir(e)
	derived := p.Derived
	if len(derived) == 0 {
		derived = nil
	}
	return tslist.Process(dir, filepath.Join(dir, PostprocessedDir), tslist.Options{
		Name:     e.Name,
		Start:    e.Start,
		Interval: time.Duration(p.AvgInterval) * time.Minute,
		Raw:      p.Raw,
		Stations: p.Stations,
		Domains:  p.Domains,
		Derived:  derived,
		Log:      log,
	})
}
