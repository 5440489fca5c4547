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

// Package tslist processes the time series that WRF writes for the
// stations listed in a tslist file. Files of restarted runs are merged,
// averaged over fixed intervals and written as netCDF.
package tslist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// TSColumns are the columns of the surface (.TS) files.
var TSColumns = []string{"id", "ts_hour", "id_tsloc", "ix", "iy", "t", "q", "u", "v",
	"psfc", "glw", "gsw", "hfx", "lh", "tsk", "tslb1", "rainc", "rainnc", "clw"}

// ProfileExts are the extensions of the vertical profile files.
var ProfileExts = []string{"UU", "VV", "WW", "TH", "QV", "PH", "PR"}

// Station describes a time series location, as given in the file header.
type Station struct {
	Name   string
	GridID int
	Index  int
	Prefix string

	// Lat and Lon are the requested location.
	Lat, Lon float64

	// I and J are the grid indices of the nearest grid point,
	// and GridLat and GridLon its location.
	I, J             int
	GridLat, GridLon float64

	// Elevation is the model terrain height in meters.
	Elevation float64
}

var headerRegexp = regexp.MustCompile(`\(\s*([-+\d.]+)\s*,\s*([-+\d.]+)\s*\)\s*\(\s*(\d+)\s*,\s*(\d+)\s*\)\s*\(\s*([-+\d.]+)\s*,\s*([-+\d.]+)\s*\)\s*([-+\d.]+)\s*meters`)

// ParseHeader parses the first line of a time series file. The station
// name, grid id, station index and prefix are in fixed-width columns.
func ParseHeader(line string) (*Station, error) {
	if len(line) < 37 {
		return nil, fmt.Errorf("tslist: header too short: %q", line)
	}
	s := &Station{
		Name:   strings.TrimSpace(line[:26]),
		Prefix: strings.TrimSpace(line[31:37]),
	}
	var err error
	if s.GridID, err = strconv.Atoi(strings.TrimSpace(line[26:28])); err != nil {
		return nil, fmt.Errorf("tslist: header grid id: %v", err)
	}
	if s.Index, err = strconv.Atoi(strings.TrimSpace(line[28:31])); err != nil {
		return nil, fmt.Errorf("tslist: header station index: %v", err)
	}
	m := headerRegexp.FindStringSubmatch(line[37:])
	if m == nil {
		return nil, fmt.Errorf("tslist: invalid header: %q", line)
	}
	floats := []*float64{&s.Lat, &s.Lon, nil, nil, &s.GridLat, &s.GridLon, &s.Elevation}
	for i, f := range floats {
		if f == nil {
			continue
		}
		if *f, err = strconv.ParseFloat(m[i+1], 64); err != nil {
			return nil, fmt.Errorf("tslist: header: %v", err)
		}
	}
	if s.I, err = strconv.Atoi(m[3]); err != nil {
		return nil, fmt.Errorf("tslist: header: %v", err)
	}
	if s.J, err = strconv.Atoi(m[4]); err != nil {
		return nil, fmt.Errorf("tslist: header: %v", err)
	}
	return s, nil
}

// Table is the content of a single time series file.
type Table struct {
	Station *Station

	// Hours gives the model time of each record in hours
	// since the start of the simulation.
	Hours []float64

	// Columns holds the named columns of a .TS file.
	Columns map[string][]float64

	// Levels holds the values of a profile file by record and level.
	Levels [][]float64
}

// Len returns the number of records.
func (t *Table) Len() int { return len(t.Hours) }

// ReadTS reads a surface time series (.TS) file.
func ReadTS(r io.Reader) (*Table, error) {
	t := &Table{Columns: make(map[string][]float64)}
	err := readTable(r, t, func(fields []float64) error {
		if len(fields) < len(TSColumns) {
			return fmt.Errorf("%d columns, want at least %d", len(fields), len(TSColumns))
		}
		t.Hours = append(t.Hours, fields[1])
		for i, v := range fields {
			name := extraColumn(i)
			if i < len(TSColumns) {
				name = TSColumns[i]
			}
			t.Columns[name] = append(t.Columns[name], v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func extraColumn(i int) string { return fmt.Sprintf("col%02d", i) }

// ReadProfile reads a vertical profile file (.UU, .VV, ...).
func ReadProfile(r io.Reader) (*Table, error) {
	t := new(Table)
	err := readTable(r, t, func(fields []float64) error {
		if len(fields) < 2 {
			return fmt.Errorf("profile record without levels")
		}
		if len(t.Levels) > 0 && len(fields)-1 != len(t.Levels[0]) {
			return fmt.Errorf("%d levels, want %d", len(fields)-1, len(t.Levels[0]))
		}
		t.Hours = append(t.Hours, fields[0])
		t.Levels = append(t.Levels, fields[1:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ReadFile reads a time series file, choosing the format by extension.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tslist: %w", err)
	}
	defer f.Close()
	var t *Table
	if strings.HasSuffix(path, ".TS") {
		t, err = ReadTS(f)
	} else {
		t, err = ReadProfile(f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func readTable(r io.Reader, t *Table, record func([]float64) error) error {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for s.Scan() {
		line++
		text := s.Text()
		if line == 1 {
			var err error
			if t.Station, err = ParseHeader(text); err != nil {
				return err
			}
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		parts := strings.Fields(text)
		fields := make([]float64, len(parts))
		for i, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return fmt.Errorf("tslist: line %d: %v", line, err)
			}
			fields[i] = v
		}
		if err := record(fields); err != nil {
			return fmt.Errorf("tslist: line %d: %v", line, err)
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("tslist: %w", err)
	}
	if t.Station == nil {
		return fmt.Errorf("tslist: empty file")
	}
	return nil
}
