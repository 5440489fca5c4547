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
	"io/fs"
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Key identifies the time series of one station on one domain.
type Key struct {
	Prefix string
	Domain int
}

func (k Key) String() string { return fmt.Sprintf("%s_d%02d", k.Prefix, k.Domain) }

var fileRegexp = regexp.MustCompile(`^(.+)\.d(\d{2})\.(TS|UU|VV|WW|TH|QV|PH|PR)$`)

// IsOutput reports whether name is the name of a time series file.
func IsOutput(name string) bool { return fileRegexp.MatchString(name) }

// Discover finds the time series files below dir. The result maps each
// station and domain to its files by extension. A station has several
// files per extension when the run was restarted in a different directory.
// The file lists are sorted by path.
func Discover(dir string) (map[Key]map[string][]string, error) {
	o := make(map[Key]map[string][]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		m := fileRegexp.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		dom, _ := strconv.Atoi(m[2])
		k := Key{Prefix: m[1], Domain: dom}
		if o[k] == nil {
			o[k] = make(map[string][]string)
		}
		o[k][m[3]] = append(o[k][m[3]], path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tslist: searching %s: %w", dir, err)
	}
	for _, exts := range o {
		for _, paths := range exts {
			sort.Strings(paths)
		}
	}
	return o, nil
}

// hourKey converts model hours into whole seconds for comparisons.
func hourKey(h float64) int64 { return int64(math.Round(h * 3600)) }

// Merge joins the tables of the run segments of a station into one
// time-sorted table. Segments are ordered by their first record. Where
// several records share a time, the record of the earlier segment is kept.
func Merge(tables []*Table) (*Table, error) {
	var segs []*Table
	for _, t := range tables {
		if t.Len() > 0 {
			segs = append(segs, t)
		}
	}
	if len(segs) == 0 {
		if len(tables) > 0 {
			return tables[0], nil
		}
		return nil, fmt.Errorf("tslist: nothing to merge")
	}
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Hours[0] < segs[j].Hours[0] })

	first := segs[0]
	type record struct {
		seg *Table
		i   int
		key int64
	}
	var recs []record
	for _, seg := range segs {
		if seg.Station.Prefix != first.Station.Prefix || seg.Station.GridID != first.Station.GridID {
			return nil, fmt.Errorf("tslist: cannot merge station %s d%02d with %s d%02d",
				seg.Station.Prefix, seg.Station.GridID, first.Station.Prefix, first.Station.GridID)
		}
		for name := range first.Columns {
			if _, ok := seg.Columns[name]; !ok {
				return nil, fmt.Errorf("tslist: column %s missing in a segment of %s", name, first.Station.Prefix)
			}
		}
		for i, h := range seg.Hours {
			recs = append(recs, record{seg: seg, i: i, key: hourKey(h)})
		}
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].key < recs[j].key })

	o := &Table{Station: first.Station}
	if first.Columns != nil {
		o.Columns = make(map[string][]float64, len(first.Columns))
	}
	for n, r := range recs {
		if n > 0 && r.key == recs[n-1].key {
			continue
		}
		o.Hours = append(o.Hours, r.seg.Hours[r.i])
		for name := range first.Columns {
			o.Columns[name] = append(o.Columns[name], r.seg.Columns[name][r.i])
		}
		if r.seg.Levels != nil {
			o.Levels = append(o.Levels, r.seg.Levels[r.i])
		}
	}
	return o, nil
}

// Series holds all time series of a station on one domain.
type Series struct {
	Station *Station
	Domain  int

	// Start is the start of the simulation.
	Start time.Time
	Times []time.Time

	// Vars holds the surface variables.
	Vars map[string][]float64

	// Profiles holds the vertical profiles by time and level.
	Profiles map[string][][]float64
}

// metaColumns are surface columns that describe the station rather than the weather.
var metaColumns = map[string]bool{"id": true, "ts_hour": true, "id_tsloc": true, "ix": true, "iy": true}

// NewSeries combines a merged surface table and merged profile tables.
// Either may be missing. The time axis is taken from the surface table
// if present; profile records without a matching surface record are
// dropped and missing ones are filled with NaN.
func NewSeries(k Key, start time.Time, ts *Table, profiles map[string]*Table) (*Series, error) {
	s := &Series{
		Domain:   k.Domain,
		Start:    start,
		Vars:     make(map[string][]float64),
		Profiles: make(map[string][][]float64),
	}
	var axis *Table
	if ts != nil {
		axis = ts
	} else {
		exts := make([]string, 0, len(profiles))
		for ext := range profiles {
			exts = append(exts, ext)
		}
		sort.Strings(exts)
		if len(exts) > 0 {
			axis = profiles[exts[0]]
		}
	}
	if axis == nil {
		return nil, fmt.Errorf("tslist: no data for %s", k)
	}
	s.Station = axis.Station
	index := make(map[int64]int, axis.Len())
	for i, h := range axis.Hours {
		index[hourKey(h)] = i
		s.Times = append(s.Times, start.Add(time.Duration(hourKey(h))*time.Second))
	}
	if ts != nil {
		for name, col := range ts.Columns {
			if !metaColumns[name] {
				s.Vars[name] = col
			}
		}
	}
	for ext, p := range profiles {
		if p.Len() == 0 {
			continue
		}
		nz := len(p.Levels[0])
		levels := make([][]float64, len(s.Times))
		for i := range levels {
			levels[i] = nanSlice(nz)
		}
		for j, h := range p.Hours {
			if i, ok := index[hourKey(h)]; ok {
				levels[i] = p.Levels[j]
			}
		}
		s.Profiles[ext] = levels
	}
	return s, nil
}

func nanSlice(n int) []float64 {
	o := make([]float64, n)
	for i := range o {
		o[i] = math.NaN()
	}
	return o
}

// Levels returns the number of vertical levels of the profiles.
func (s *Series) Levels() int {
	for _, p := range s.Profiles {
		if len(p) > 0 {
			return len(p[0])
		}
	}
	return 0
}
