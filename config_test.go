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
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kr/pretty"
)

const testConfig = `paths:
  wrf_executables: $WRFTAMER_TEST_ROOT/WRF/main
  wrf_nmlpath: /templates/namelist.input
namelist_vars:
  start_date: "2020-05-17_00:00:00"
  end_date: "2020-05-17_06:00:00"
  max_dom: 1
slurm:
  partition: compute
postprocessing:
  archive: true
  tslist_processing:
    avg_interval: 10
`

func TestParseConfig(t *testing.T) {
	os.Setenv("WRFTAMER_TEST_ROOT", "/opt")
	defer os.Unsetenv("WRFTAMER_TEST_ROOT")

	c, err := ParseConfig([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Paths: PathConfig{
			WRFExecutables:     "/opt/WRF/main",
			WRFNamelist:        "/templates/namelist.input",
			DrivingDataPattern: "*",
		},
		NamelistVars: map[string]interface{}{
			"start_date": "2020-05-17_00:00:00",
			"end_date":   "2020-05-17_06:00:00",
			"max_dom":    1,
		},
		Run:   RunConfig{MPIRun: "mpirun", Procs: 1, WPSProcs: 1},
		Slurm: SlurmConfig{Partition: "compute"},
		Postprocessing: &Protocol{
			Archive: true,
			TSList:  &TSListProtocol{AvgInterval: 10},
		},
	}
	if !reflect.DeepEqual(c, want) {
		t.Errorf("have %# v, want %# v", pretty.Formatter(c), pretty.Formatter(want))
	}

	start, end, err := c.Period()
	if err != nil {
		t.Fatal(err)
	}
	if !start.Equal(time.Date(2020, 5, 17, 0, 0, 0, 0, time.UTC)) || end.Sub(start) != 6*time.Hour {
		t.Errorf("period %v to %v", start, end)
	}

	c2, err := ParseConfig([]byte(strings.Replace(testConfig, "partition: compute", "partition: large", 1)))
	if err != nil {
		t.Fatal(err)
	}
	if c.Hash() == c2.Hash() {
		t.Error("different configurations should have different hashes")
	}
	c3, err := ParseConfig([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if c.Hash() != c3.Hash() {
		t.Error("hash is not deterministic")
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name, old, new, err string
	}{
		{name: "unknown field", old: "slurm:", new: "slurmm:", err: "field slurmm not found"},
		{name: "no executables", old: "  wrf_executables: $WRFTAMER_TEST_ROOT/WRF/main\n", new: "",
			err: "paths.wrf_executables must be set"},
		{name: "no start", old: "  start_date: \"2020-05-17_00:00:00\"\n", new: "",
			err: "namelist_vars.start_date must be set"},
		{name: "bad date", old: "2020-05-17_06:00:00", new: "2020-05-17 06:00",
			err: "namelist_vars.end_date"},
		{name: "reversed", old: "2020-05-17_06:00:00", new: "2020-05-16_06:00:00",
			err: "end_date must be after start_date"},
		{name: "negative procs", old: "slurm:", new: "run:\n  procs: -2\nslurm:",
			err: "must be positive"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(strings.Replace(testConfig, test.old, test.new, 1)))
			if err == nil || !strings.Contains(err.Error(), test.err) {
				t.Errorf("have error %v, want %q", err, test.err)
			}
		})
	}
}

func TestLoadProtocol(t *testing.T) {
	dir := t.TempDir()
	write := func(content string) string {
		path := filepath.Join(dir, "protocol.yaml")
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	p, err := LoadProtocol(write(`move: true
tslist_processing:
  raw: true
  stations: [MASTA]
  domains: [1]
  derived:
    ws10: sqrt(u*u + v*v)
create_maps:
  variables: [T2]
`))
	if err != nil {
		t.Fatal(err)
	}
	want := &Protocol{
		Move: true,
		TSList: &TSListProtocol{
			Raw:      true,
			Stations: []string{"MASTA"},
			Domains:  []int{1},
			Derived:  map[string]string{"ws10": "sqrt(u*u + v*v)"},
		},
		CreateMaps: map[string]interface{}{"variables": []interface{}{"T2"}},
	}
	if !reflect.DeepEqual(p, want) {
		t.Errorf("have %# v, want %# v", pretty.Formatter(p), pretty.Formatter(want))
	}

	for content, msg := range map[string]string{
		"tslist_processing:\n  avg_interval: -5\n": "must not be negative",
		"tslist_processing:\n  stations: [A]\n":    "needs avg_interval or raw",
		"moove: true\n":                            "field moove not found",
	} {
		if _, err := LoadProtocol(write(content)); err == nil || !strings.Contains(err.Error(), msg) {
			t.Errorf("%q: have error %v, want %q", content, err, msg)
		}
	}
}
