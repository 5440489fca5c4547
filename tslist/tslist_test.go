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
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ctessum/cdf"
	"github.com/kr/pretty"
)

var testStation = Station{
	Name:      "Mast Alpha",
	GridID:    1,
	Index:     1,
	Prefix:    "MASTA",
	Lat:       54.0,
	Lon:       10.5,
	I:         12,
	J:         34,
	GridLat:   53.99,
	GridLon:   10.48,
	Elevation: 12.5,
}

func header(s Station) string {
	return fmt.Sprintf("%-26s%2d%3d%6s (%7.3f,%8.3f) (%4d,%4d) (%7.3f,%8.3f) %6.1f meters",
		s.Name, s.GridID, s.Index, s.Prefix, s.Lat, s.Lon, s.I, s.J, s.GridLat, s.GridLon, s.Elevation)
}

// tsFile returns the content of a .TS file with records at the given
// hours. The wind components are u = hour and v = 2*hour.
func tsFile(s Station, hours ...float64) string {
	var b strings.Builder
	b.WriteString(header(s) + "\n")
	for _, h := range hours {
		fmt.Fprintf(&b, "%2d %12.6f %4d %4d %4d", s.GridID, h, s.Index, s.I, s.J)
		vals := []float64{290, 0.005, h, 2 * h, 101300, 300, 200, 10, 50, 291, 289, 0, 0.5, 0}
		for _, v := range vals {
			fmt.Fprintf(&b, " %14.6f", v)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// profileFile returns the content of a profile file with three levels.
func profileFile(s Station, base float64, hours ...float64) string {
	var b strings.Builder
	b.WriteString(header(s) + "\n")
	for _, h := range hours {
		fmt.Fprintf(&b, "%12.6f %10.4f %10.4f %10.4f\n", h, base, base+1, base+2)
	}
	return b.String()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestParseHeader(t *testing.T) {
	s, err := ParseHeader(header(testStation))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*s, testStation) {
		t.Errorf("have %#v, want %#v; diff: %v", *s, testStation, pretty.Diff(*s, testStation))
	}

	for _, bad := range []string{
		"short",
		"Mast Alpha                 x  1 MASTA (54.0, 10.5) (1, 2) (54.0, 10.5) 1.0 meters",
		fmt.Sprintf("%-26s%2d%3d%6s no location", "Mast", 1, 1, "M"),
	} {
		if _, err := ParseHeader(bad); err == nil {
			t.Errorf("%q should fail", bad)
		}
	}
}

func TestReadTS(t *testing.T) {
	tab, err := ReadTS(strings.NewReader(tsFile(testStation, 0.5, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tab.Hours, []float64{0.5, 1}) {
		t.Errorf("hours: %v", tab.Hours)
	}
	if len(tab.Columns) != len(TSColumns) {
		t.Errorf("%d columns, want %d", len(tab.Columns), len(TSColumns))
	}
	if !reflect.DeepEqual(tab.Columns["v"], []float64{1, 2}) {
		t.Errorf("v: %v", tab.Columns["v"])
	}
	if _, err := ReadTS(strings.NewReader(header(testStation) + "\n1 2 3\n")); err == nil {
		t.Error("short record should fail")
	}
	if _, err := ReadTS(strings.NewReader("")); err == nil {
		t.Error("empty file should fail")
	}
}

func TestReadProfile(t *testing.T) {
	tab, err := ReadProfile(strings.NewReader(profileFile(testStation, 5, 0.5, 1)))
	if err != nil {
		t.Fatal(err)
	}
	want := [][]float64{{5, 6, 7}, {5, 6, 7}}
	if !reflect.DeepEqual(tab.Levels, want) {
		t.Errorf("have %v, want %v", tab.Levels, want)
	}
	in := header(testStation) + "\n0.5 1 2 3\n1.0 1 2\n"
	if _, err := ReadProfile(strings.NewReader(in)); err == nil {
		t.Error("inconsistent levels should fail")
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"out/MASTA.d01.TS", "out/MASTA.d01.UU", "out/MASTA.d02.TS",
		"restart/out/MASTA.d01.TS", "out/wrfout_d01_2020-05-17_00:00:00", "out/tslist",
	} {
		writeFile(t, filepath.Join(dir, name), "")
	}
	files, err := Discover(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := map[Key]map[string][]string{
		{"MASTA", 1}: {
			"TS": {filepath.Join(dir, "out/MASTA.d01.TS"), filepath.Join(dir, "restart/out/MASTA.d01.TS")},
			"UU": {filepath.Join(dir, "out/MASTA.d01.UU")},
		},
		{"MASTA", 2}: {"TS": {filepath.Join(dir, "out/MASTA.d02.TS")}},
	}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("diff: %v", pretty.Diff(files, want))
	}
	if have := (Key{"MASTA", 2}).String(); have != "MASTA_d02" {
		t.Errorf("key: %s", have)
	}
	for name, want := range map[string]bool{
		"MASTA.d01.TS": true,
		"MASTA.d10.PR": true,
		"MASTA.d1.TS":  false,
		"MASTA.d01.nc": false,
		"tslist":       false,
	} {
		if have := IsOutput(name); have != want {
			t.Errorf("IsOutput(%s) = %t", name, have)
		}
	}
}

func TestMerge(t *testing.T) {
	first, err := ReadTS(strings.NewReader(tsFile(testStation, 0.5, 1, 1.5)))
	if err != nil {
		t.Fatal(err)
	}
	second, err := ReadTS(strings.NewReader(tsFile(testStation, 1.5, 2)))
	if err != nil {
		t.Fatal(err)
	}
	second.Columns["t"][0] = 999

	// Segment order in the input does not matter.
	m, err := Merge([]*Table{second, first})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(m.Hours, []float64{0.5, 1, 1.5, 2}) {
		t.Errorf("hours: %v", m.Hours)
	}
	if !reflect.DeepEqual(m.Columns["t"], []float64{290, 290, 290, 290}) {
		t.Errorf("overlap should keep the earlier segment: %v", m.Columns["t"])
	}

	// Records of a later segment that fall into gaps of an earlier one are kept.
	sparse, err := ReadTS(strings.NewReader(tsFile(testStation, 0.5, 1.5)))
	if err != nil {
		t.Fatal(err)
	}
	dense, err := ReadTS(strings.NewReader(tsFile(testStation, 1, 1.5, 2)))
	if err != nil {
		t.Fatal(err)
	}
	dense.Columns["t"] = []float64{280, 281, 282}
	m, err = Merge([]*Table{dense, sparse})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(m.Hours, []float64{0.5, 1, 1.5, 2}) {
		t.Errorf("interleaved hours: %v", m.Hours)
	}
	if !reflect.DeepEqual(m.Columns["t"], []float64{290, 280, 290, 282}) {
		t.Errorf("interleaved values: %v", m.Columns["t"])
	}

	other := testStation
	other.Prefix = "MASTB"
	third, err := ReadTS(strings.NewReader(tsFile(other, 3)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Merge([]*Table{first, third}); err == nil {
		t.Error("merging different stations should fail")
	}
	if _, err := Merge(nil); err == nil {
		t.Error("merging nothing should fail")
	}
}

func TestNewSeries(t *testing.T) {
	start := time.Date(2020, 5, 17, 0, 0, 0, 0, time.UTC)
	ts, err := ReadTS(strings.NewReader(tsFile(testStation, 0.5, 1)))
	if err != nil {
		t.Fatal(err)
	}
	uu, err := ReadProfile(strings.NewReader(profileFile(testStation, 5, 1, 1.5)))
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSeries(Key{"MASTA", 1}, start, ts, map[string]*Table{"UU": uu})
	if err != nil {
		t.Fatal(err)
	}
	wantTimes := []time.Time{start.Add(30 * time.Minute), start.Add(time.Hour)}
	if !reflect.DeepEqual(s.Times, wantTimes) {
		t.Errorf("times: %v", s.Times)
	}
	if _, ok := s.Vars["ts_hour"]; ok {
		t.Error("meta columns should be dropped")
	}
	if _, ok := s.Vars["psfc"]; !ok {
		t.Error("missing psfc")
	}
	if !math.IsNaN(s.Profiles["UU"][0][0]) {
		t.Errorf("missing profile record should be NaN: %v", s.Profiles["UU"][0])
	}
	if !reflect.DeepEqual(s.Profiles["UU"][1], []float64{5, 6, 7}) {
		t.Errorf("profile: %v", s.Profiles["UU"][1])
	}
	if s.Levels() != 3 {
		t.Errorf("levels: %d", s.Levels())
	}

	// Profiles alone provide the time axis.
	s, err = NewSeries(Key{"MASTA", 1}, start, nil, map[string]*Table{"UU": uu})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Times) != 2 || !s.Times[1].Equal(start.Add(90*time.Minute)) {
		t.Errorf("times: %v", s.Times)
	}
	if _, err := NewSeries(Key{"MASTA", 1}, start, nil, nil); err == nil {
		t.Error("no data should fail")
	}
}

func TestAverage(t *testing.T) {
	start := time.Date(2020, 5, 17, 0, 0, 0, 0, time.UTC)
	s := &Series{
		Station:  &testStation,
		Domain:   1,
		Start:    start,
		Vars:     map[string][]float64{"t": {1, 2, 3, math.NaN(), 5, 6}},
		Profiles: map[string][][]float64{"UU": {{1, 1}, {3, 3}, {1, 2}, {2, 3}, {3, 4}, {6, 6}}},
	}
	for i := 1; i <= 6; i++ {
		s.Times = append(s.Times, start.Add(time.Duration(i*10)*time.Minute))
	}
	avg, err := s.Average(30 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	wantTimes := []time.Time{start, start.Add(30 * time.Minute), start.Add(time.Hour)}
	if !reflect.DeepEqual(avg.Times, wantTimes) {
		t.Errorf("times: %v", avg.Times)
	}
	if want := []float64{1.5, 4, 6}; !reflect.DeepEqual(avg.Vars["t"], want) {
		t.Errorf("t: have %v, want %v", avg.Vars["t"], want)
	}
	if want := [][]float64{{2, 2}, {2, 3}, {6, 6}}; !reflect.DeepEqual(avg.Profiles["UU"], want) {
		t.Errorf("UU: have %v, want %v", avg.Profiles["UU"], want)
	}
	if _, err := s.Average(0); err == nil {
		t.Error("zero interval should fail")
	}

	// Bins are counted from midnight of the start day.
	start = time.Date(2020, 5, 17, 6, 0, 0, 0, time.UTC)
	day := time.Date(2020, 5, 17, 0, 0, 0, 0, time.UTC)
	s = &Series{Station: &testStation, Domain: 1, Start: start,
		Vars: map[string][]float64{"t": {1, 2, 4, 8}}}
	for _, m := range []int{3, 5, 10, 12} {
		s.Times = append(s.Times, start.Add(time.Duration(m)*time.Minute))
	}
	avg, err = s.Average(7 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	wantTimes = []time.Time{day.Add(357 * time.Minute), day.Add(364 * time.Minute), day.Add(371 * time.Minute)}
	if !reflect.DeepEqual(avg.Times, wantTimes) {
		t.Errorf("7 minute bins: %v", avg.Times)
	}
	if want := []float64{1, 3, 8}; !reflect.DeepEqual(avg.Vars["t"], want) {
		t.Errorf("7 minute means: have %v, want %v", avg.Vars["t"], want)
	}
}

func TestDerive(t *testing.T) {
	s := &Series{
		Times: make([]time.Time, 3),
		Vars: map[string][]float64{
			"u": {3, 0, -1},
			"v": {4, -1, 0},
		},
		Profiles: map[string][][]float64{
			"UU": {{3, 0}, {3, 0}, {3, 0}},
			"VV": {{4, 2}, {4, 2}, {4, 2}},
		},
	}
	exprs := map[string]string{
		"ws2": "ws * 2",
		"ws":  "sqrt(u*u + v*v)",
		"wd":  "(270 - atan2(v, u) * 180 / pi) % 360",
		"WS":  "sqrt(UU*UU + VV*VV)",
	}
	if err := s.Derive(exprs, false); err != nil {
		t.Fatal(err)
	}
	if want := []float64{5, 1, 1}; !reflect.DeepEqual(s.Vars["ws"], want) {
		t.Errorf("ws: have %v, want %v", s.Vars["ws"], want)
	}
	if want := []float64{10, 2, 2}; !reflect.DeepEqual(s.Vars["ws2"], want) {
		t.Errorf("ws2: have %v, want %v", s.Vars["ws2"], want)
	}
	// Wind from the north and from the east.
	for i, want := range map[int]float64{1: 0, 2: 90} {
		if have := s.Vars["wd"][i]; math.Abs(have-want) > 1e-9 && math.Abs(have-want-360) > 1e-9 {
			t.Errorf("wd[%d]: have %g, want %g", i, have, want)
		}
	}
	if want := [][]float64{{5, 2}, {5, 2}, {5, 2}}; !reflect.DeepEqual(s.Profiles["WS"], want) {
		t.Errorf("WS: have %v, want %v", s.Profiles["WS"], want)
	}

	if err := s.Derive(map[string]string{"x": "u + UU"}, false); err == nil {
		t.Error("mixing surface and profile variables should fail")
	}
	if err := s.Derive(map[string]string{"x": "unknown * 2"}, false); err == nil {
		t.Error("unknown variable should fail")
	}
	if err := s.Derive(map[string]string{"x": "unknown * 2"}, true); err != nil {
		t.Errorf("unknown variable should be skipped: %v", err)
	}
	if err := s.Derive(map[string]string{"x": "sqrt(("}, true); err == nil {
		t.Error("invalid expression should fail")
	}
}

func TestWriteNetCDF(t *testing.T) {
	start := time.Date(2020, 5, 17, 0, 0, 0, 0, time.UTC)
	s := &Series{
		Station:  &testStation,
		Domain:   2,
		Start:    start,
		Times:    []time.Time{start.Add(30 * time.Minute), start.Add(time.Hour)},
		Vars:     map[string][]float64{"t": {290, 291}, "u": {1, 2}},
		Profiles: map[string][][]float64{"UU": {{1, 2, 3}, {4, 5, 6}}},
	}
	path := filepath.Join(t.TempDir(), "out.nc")
	if err := WriteNetCDF(path, s); err != nil {
		t.Fatal(err)
	}

	ff, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	f, err := cdf.Open(ff)
	if err != nil {
		t.Fatal(err)
	}
	vars := f.Header.Variables()
	sort.Strings(vars)
	if want := []string{"UU", "t", "time", "u"}; !reflect.DeepEqual(vars, want) {
		t.Errorf("variables: have %v, want %v", vars, want)
	}
	read := func(name string, n int) interface{} {
		r := f.Reader(name, nil, nil)
		buf := r.Zero(n)
		if _, err := r.Read(buf); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		return buf
	}
	if have := read("time", 2).([]float64); !reflect.DeepEqual(have, []float64{0.5, 1}) {
		t.Errorf("time: %v", have)
	}
	if have := read("t", 2).([]float32); !reflect.DeepEqual(have, []float32{290, 291}) {
		t.Errorf("t: %v", have)
	}
	if have := read("UU", 6).([]float32); !reflect.DeepEqual(have, []float32{1, 2, 3, 4, 5, 6}) {
		t.Errorf("UU: %v", have)
	}
	if have := f.Header.GetAttribute("time", "units"); have != "hours since 2020-05-17 00:00:00" {
		t.Errorf("time units: %v", have)
	}
	if have := f.Header.GetAttribute("", "station_prefix"); have != "MASTA" {
		t.Errorf("prefix: %v", have)
	}
	if have := f.Header.GetAttribute("", "domain"); !reflect.DeepEqual(have, []int32{2}) {
		t.Errorf("domain: %v", have)
	}

	if err := WriteNetCDF(path, &Series{Station: &testStation}); err == nil {
		t.Error("empty series should fail")
	}
}

func TestProcess(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2020, 5, 17, 0, 0, 0, 0, time.UTC)
	// A restarted run: the second segment overlaps the first by one record.
	writeFile(t, filepath.Join(dir, "out/MASTA.d01.TS"), tsFile(testStation, 0.25, 0.5, 0.75, 1))
	writeFile(t, filepath.Join(dir, "restart/out/MASTA.d01.TS"), tsFile(testStation, 1, 1.25, 1.5))
	writeFile(t, filepath.Join(dir, "out/MASTA.d01.UU"), profileFile(testStation, 3, 0.25, 0.5, 0.75, 1))
	writeFile(t, filepath.Join(dir, "out/MASTA.d01.VV"), profileFile(testStation, 4, 0.25, 0.5, 0.75, 1))
	other := testStation
	other.Prefix = "MASTB"
	writeFile(t, filepath.Join(dir, "out/MASTB.d01.TS"), tsFile(other, 0.5, 1))

	outDir := filepath.Join(dir, "ts")
	files, err := Process(dir, outDir, Options{
		Name:     "exp1",
		Start:    start,
		Interval: time.Hour,
		Raw:      true,
		Stations: []string{"MASTA"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(outDir, "exp1_MASTA_d01_raw.nc"),
		filepath.Join(outDir, "exp1_MASTA_d01_60min.nc"),
	}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("have %v, want %v", files, want)
	}

	ff, err := os.Open(want[1])
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	f, err := cdf.Open(ff)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []string{"ws", "wd", "WS", "WD"} {
		if f.Header.Lengths(v) == nil {
			t.Errorf("missing derived variable %s", v)
		}
	}
	// Hours 0.25 to 0.75 fall in the first hour, 1 to 1.5 in the second.
	r := f.Reader("u", nil, nil)
	u := r.Zero(2)
	if _, err := r.Read(u); err != nil {
		t.Fatal(err)
	}
	if want := []float32{0.5, 1.25}; !reflect.DeepEqual(u, want) {
		t.Errorf("u: have %v, want %v", u, want)
	}

	if _, err := Process(dir, outDir, Options{Name: "exp1", Start: start}); err == nil {
		t.Error("no output requested should fail")
	}
	if _, err := Process(dir, outDir, Options{Name: "exp1", Raw: true, Stations: []string{"NONE"}}); err == nil {
		t.Error("unknown station should fail")
	}
	if _, err := Process(t.TempDir(), outDir, Options{Name: "exp1", Raw: true}); err == nil {
		t.Error("empty directory should fail")
	}
}
