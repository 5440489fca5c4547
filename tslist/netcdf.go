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
	"sort"
	"time"

	"github.com/ctessum/cdf"
)

// units of the variables WRF writes and the default derived variables.
var units = map[string]string{
	"t": "K", "q": "kg kg-1", "u": "m s-1", "v": "m s-1", "psfc": "Pa",
	"glw": "W m-2", "gsw": "W m-2", "hfx": "W m-2", "lh": "W m-2",
	"tsk": "K", "tslb1": "K", "rainc": "mm", "rainnc": "mm", "clw": "kg m-2",
	"UU": "m s-1", "VV": "m s-1", "WW": "m s-1", "TH": "K", "QV": "kg kg-1",
	"PH": "m", "PR": "hPa",
	"ws": "m s-1", "wd": "degree", "WS": "m s-1", "WD": "degree",
}

// TimeUnits returns the CF units of the time variable of a file
// whose times are given relative to start.
func TimeUnits(start time.Time) string {
	return "hours since " + start.UTC().Format("2006-01-02 15:04:05")
}

// WriteNetCDF writes s to a netCDF file at path. The time axis is stored
// in hours since the start of the simulation, the data in single precision.
func WriteNetCDF(path string, s *Series) error {
	nt := len(s.Times)
	if nt == 0 {
		return fmt.Errorf("tslist: %s has no records", path)
	}
	nz := s.Levels()
	dims := []string{"time"}
	lengths := []int{nt}
	if nz > 0 {
		dims = append(dims, "level")
		lengths = append(lengths, nz)
	}
	h := cdf.NewHeader(dims, lengths)

	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddAttribute("time", "units", TimeUnits(s.Start))
	h.AddAttribute("time", "calendar", "standard")

	surface := sortedKeys(s.Vars)
	for _, name := range surface {
		h.AddVariable(name, []string{"time"}, []float32{0})
		if u, ok := units[name]; ok {
			h.AddAttribute(name, "units", u)
		}
	}
	profiles := sortedProfileKeys(s.Profiles)
	for _, name := range profiles {
		h.AddVariable(name, []string{"time", "level"}, []float32{0})
		if u, ok := units[name]; ok {
			h.AddAttribute(name, "units", u)
		}
	}

	st := s.Station
	h.AddAttribute("", "station_name", st.Name)
	h.AddAttribute("", "station_prefix", st.Prefix)
	h.AddAttribute("", "domain", []int32{int32(s.Domain)})
	h.AddAttribute("", "lat", []float64{st.Lat})
	h.AddAttribute("", "lon", []float64{st.Lon})
	h.AddAttribute("", "grid_lat", []float64{st.GridLat})
	h.AddAttribute("", "grid_lon", []float64{st.GridLon})
	h.AddAttribute("", "grid_i", []int32{int32(st.I)})
	h.AddAttribute("", "grid_j", []int32{int32(st.J)})
	h.AddAttribute("", "elevation", []float64{st.Elevation})
	h.AddAttribute("", "simulation_start", s.Start.UTC().Format(time.RFC3339))
	h.Define()

	ff, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tslist: %w", err)
	}
	f, err := cdf.Create(ff, h)
	if err != nil {
		ff.Close()
		return fmt.Errorf("tslist: creating %s: %v", path, err)
	}

	hours := make([]float64, nt)
	for i, t := range s.Times {
		hours[i] = t.Sub(s.Start).Hours()
	}
	if err := writeVar(f, "time", hours); err != nil {
		ff.Close()
		return fmt.Errorf("tslist: writing %s: %v", path, err)
	}
	for _, name := range surface {
		if err := writeVar(f, name, toFloat32(s.Vars[name])); err != nil {
			ff.Close()
			return fmt.Errorf("tslist: writing %s to %s: %v", name, path, err)
		}
	}
	for _, name := range profiles {
		flat := make([]float32, 0, nt*nz)
		for _, rec := range s.Profiles[name] {
			flat = append(flat, toFloat32(rec)...)
		}
		if err := writeVar(f, name, flat); err != nil {
			ff.Close()
			return fmt.Errorf("tslist: writing %s to %s: %v", name, path, err)
		}
	}
	if err := cdf.UpdateNumRecs(ff); err != nil {
		ff.Close()
		return fmt.Errorf("tslist: %s: %v", path, err)
	}
	return ff.Close()
}

func writeVar(f *cdf.File, name string, data interface{}) error {
	end := f.Header.Lengths(name)
	start := make([]int, len(end))
	w := f.Writer(name, start, end)
	_, err := w.Write(data)
	return err
}

func toFloat32(x []float64) []float32 {
	o := make([]float32, len(x))
	for i, v := range x {
		o[i] = float32(v)
	}
	return o
}

func sortedKeys(m map[string][]float64) []string {
	o := make([]string, 0, len(m))
	for k := range m {
		o = append(o, k)
	}
	sort.Strings(o)
	return o
}

func sortedProfileKeys(m map[string][][]float64) []string {
	o := make([]string, 0, len(m))
	for k := range m {
		o = append(o, k)
	}
	sort.Strings(o)
	return o
}
