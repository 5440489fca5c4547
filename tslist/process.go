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

package tslist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Options configures Process.
type Options struct {
	// Name is the file name prefix of the output, usually the experiment name.
	Name string

	// Start is the start of the simulation.
	Start time.Time

	// Interval is the averaging interval. Zero disables averaging.
	Interval time.Duration

	// Raw requests the merged data without averaging.
	Raw bool

	// Stations and Domains restrict the processing to the given station
	// prefixes and domains. Empty means all.
	Stations []string
	Domains  []int

	// Derived holds the derived variables. Nil means DefaultDerived.
	Derived map[string]string

	Log logrus.FieldLogger
}

func (o *Options) wants(k Key) bool {
	if len(o.Stations) > 0 && !contains(o.Stations, k.Prefix) {
		return false
	}
	if len(o.Domains) > 0 {
		found := false
		for _, d := range o.Domains {
			if d == k.Domain {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// OutputName returns the file name of the processed series of k.
// An interval of zero denotes the raw series.
func OutputName(name string, k Key, interval time.Duration) string {
	suffix := "raw"
	if interval > 0 {
		suffix = fmt.Sprintf("%dmin", int(interval.Minutes()))
	}
	return fmt.Sprintf("%s_%s_%s.nc", name, k, suffix)
}

// Process merges the time series files found below dir and writes a
// netCDF file per station and domain into outDir. It returns the paths
// of the files written.
func Process(dir, outDir string, o Options) ([]string, error) {
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	if !o.Raw && o.Interval <= 0 {
		return nil, fmt.Errorf("tslist: neither raw output nor an averaging interval requested")
	}
	derived := o.Derived
	if derived == nil {
		derived = DefaultDerived
	}
	files, err := Discover(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("tslist: no time series files in %s", dir)
	}
	if err := os.MkdirAll(outDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("tslist: %w", err)
	}

	keys := make([]Key, 0, len(files))
	for k := range files {
		if o.wants(k) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Prefix != keys[j].Prefix {
			return keys[i].Prefix < keys[j].Prefix
		}
		return keys[i].Domain < keys[j].Domain
	})
	if len(keys) == 0 {
		return nil, fmt.Errorf("tslist: none of the requested stations found in %s", dir)
	}

	var written []string
	for _, k := range keys {
		s, err := loadSeries(k, files[k], o.Start)
		if err != nil {
			return written, err
		}
		// Default variables may need profiles that were not written.
		if err := s.Derive(derived, o.Derived == nil); err != nil {
			return written, err
		}
		if o.Raw {
			p := filepath.Join(outDir, OutputName(o.Name, k, 0))
			if err := WriteNetCDF(p, s); err != nil {
				return written, err
			}
			written = append(written, p)
		}
		if o.Interval > 0 {
			avg, err := s.Average(o.Interval)
			if err != nil {
				return written, err
			}
			p := filepath.Join(outDir, OutputName(o.Name, k, o.Interval))
			if err := WriteNetCDF(p, avg); err != nil {
				return written, err
			}
			written = append(written, p)
		}
		o.Log.WithFields(logrus.Fields{"station": k.Prefix, "domain": k.Domain,
			"records": len(s.Times)}).Info("processed time series")
	}
	return written, nil
}

func loadSeries(k Key, files map[string][]string, start time.Time) (*Series, error) {
	merged := func(paths []string) (*Table, error) {
		tables := make([]*Table, len(paths))
		for i, p := range paths {
			t, err := ReadFile(p)
			if err != nil {
				return nil, err
			}
			tables[i] = t
		}
		return Merge(tables)
	}
	var ts *Table
	var err error
	if paths, ok := files["TS"]; ok {
		if ts, err = merged(paths); err != nil {
			return nil, err
		}
	}
	profiles := make(map[string]*Table)
	for _, ext := range ProfileExts {
		paths, ok := files[ext]
		if !ok {
			continue
		}
		if profiles[ext], err = merged(paths); err != nil {
			return nil, err
		}
	}
	return NewSeries(k, start, ts, profiles)
}
