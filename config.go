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
	"fmt"
	"os"
	"time"

	"github.com/wrftamer/wrftamer/internal/hash"
	"github.com/wrftamer/wrftamer/namelist"
	"gopkg.in/yaml.v3"
)

// ConfigFile is the name of the copy of the configuration that is kept
// in every experiment directory.
const ConfigFile = "configure.yaml"

// Config is the configuration of a single experiment.
type Config struct {
	Paths PathConfig `yaml:"paths"`

	// NamelistVars holds the variables that are substituted into the
	// namelist templates. start_date and end_date are required and use
	// the WRF date format, e.g. 2020-05-17_00:00:00.
	NamelistVars map[string]interface{} `yaml:"namelist_vars"`

	Run RunConfig `yaml:"run"`

	Slurm SlurmConfig `yaml:"slurm"`

	// Postprocessing is the protocol used when no other protocol
	// is given to the postprocess operation.
	Postprocessing *Protocol `yaml:"postprocessing,omitempty"`
}

// PathConfig gives the locations of the WRF and WPS installation and the
// input data. Paths may contain environment variables.
type PathConfig struct {
	// WRFExecutables is the directory holding real.exe and wrf.exe.
	WRFExecutables string `yaml:"wrf_executables"`

	// WRFEssentials is the directory holding the lookup tables
	// needed to run WRF, typically WRF/run.
	WRFEssentials string `yaml:"wrf_essentials"`

	// WRFNamelist is the template for namelist.input.
	WRFNamelist string `yaml:"wrf_nmlpath"`

	// WPSExecutables is the WPS installation directory.
	WPSExecutables string `yaml:"wps_executables"`

	// WPSNamelist is the template for namelist.wps.
	WPSNamelist string `yaml:"wps_nmlpath"`

	// DrivingData is the directory holding the GRIB input files
	// and DrivingDataPattern selects the files in it.
	DrivingData        string `yaml:"driving_data"`
	DrivingDataPattern string `yaml:"driving_data_pattern"`

	// Vtable is the variable table used by ungrib.exe.
	Vtable string `yaml:"vtable"`

	// TSList is the station list for time series output.
	TSList string `yaml:"tslist"`

	// SubmitTemplate replaces the default batch submission script template.
	SubmitTemplate string `yaml:"submit_template"`
}

// RunConfig configures how the executables are started.
type RunConfig struct {
	MPIRun   string `yaml:"mpirun"`
	Procs    int    `yaml:"procs"`
	WPSProcs int    `yaml:"wps_procs"`
}

// SlurmConfig holds the settings of the batch submission script.
type SlurmConfig struct {
	JobName   string   `yaml:"job_name"`
	Partition string   `yaml:"partition"`
	Account   string   `yaml:"account"`
	Nodes     int      `yaml:"nodes"`
	Tasks     int      `yaml:"ntasks"`
	Time      string   `yaml:"time"`
	Modules   []string `yaml:"modules"`
	Extra     []string `yaml:"extra"`
}

// LoadConfig reads an experiment configuration from the given file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wrftamer: reading configuration: %w", err)
	}
	c, err := ParseConfig(b)
	if err != nil {
		return nil, fmt.Errorf("wrftamer: %s: %w", path, err)
	}
	return c, nil
}

// ParseConfig parses an experiment configuration, expands environment
// variables in its paths and fills in defaults.
func ParseConfig(b []byte) (*Config, error) {
	c := new(Config)
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(c); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	for _, p := range []*string{&c.Paths.WRFExecutables, &c.Paths.WRFEssentials,
		&c.Paths.WRFNamelist, &c.Paths.WPSExecutables, &c.Paths.WPSNamelist,
		&c.Paths.DrivingData, &c.Paths.Vtable, &c.Paths.TSList, &c.Paths.SubmitTemplate} {
		*p = os.ExpandEnv(*p)
	}
	if c.Paths.DrivingDataPattern == "" {
		c.Paths.DrivingDataPattern = "*"
	}
	if c.Run.MPIRun == "" {
		c.Run.MPIRun = "mpirun"
	}
	if c.Run.Procs == 0 {
		c.Run.Procs = 1
	}
	if c.Run.WPSProcs == 0 {
		c.Run.WPSProcs = 1
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the required settings are present.
func (c *Config) Validate() error {
	if c.Paths.WRFExecutables == "" {
		return fmt.Errorf("paths.wrf_executables must be set")
	}
	if c.Paths.WRFNamelist == "" {
		return fmt.Errorf("paths.wrf_nmlpath must be set")
	}
	if _, _, err := c.Period(); err != nil {
		return err
	}
	if c.Run.Procs < 1 || c.Run.WPSProcs < 1 {
		return fmt.Errorf("run.procs and run.wps_procs must be positive")
	}
	return nil
}

// Period returns the simulated period given by the start_date and
// end_date namelist variables.
func (c *Config) Period() (start, end time.Time, err error) {
	get := func(key string) (time.Time, error) {
		v, ok := c.NamelistVars[key]
		if !ok {
			return time.Time{}, fmt.Errorf("namelist_vars.%s must be set", key)
		}
		s, ok := v.(string)
		if !ok {
			return time.Time{}, fmt.Errorf("namelist_vars.%s must be a string", key)
		}
		t, err := time.Parse(namelist.DateFormat, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("namelist_vars.%s: %v", key, err)
		}
		return t, nil
	}
	if start, err = get("start_date"); err != nil {
		return
	}
	if end, err = get("end_date"); err != nil {
		return
	}
	if !end.After(start) {
		err = fmt.Errorf("namelist_vars.end_date must be after start_date")
	}
	return
}

// Hash returns a fingerprint of the configuration.
func (c *Config) Hash() string {
	return hash.Hash(c)
}
