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
	"time"

	"gonum.org/v1/gonum/stat"
)

// Average returns the means of s over intervals of the given length.
// Intervals are aligned to multiples of interval since midnight of the
// simulation start day, include their start and are labelled with it. Intervals without records are left out. NaN values are
// ignored; an interval with only NaN values for a variable has a NaN mean.
func (s *Series) Average(interval time.Duration) (*Series, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("tslist: averaging interval must be positive, is %v", interval)
	}
	o := &Series{
		Station:  s.Station,
		Domain:   s.Domain,
		Start:    s.Start,
		Vars:     make(map[string][]float64, len(s.Vars)),
		Profiles: make(map[string][][]float64, len(s.Profiles)),
	}

	// Bin boundaries as index ranges; times are sorted.
	type bin struct{ begin, end int }
	var bins []bin
	y, mo, d := s.Start.Date()
	day := time.Date(y, mo, d, 0, 0, 0, 0, s.Start.Location())
	for i, t := range s.Times {
		n := t.Sub(day) / interval
		if t.Before(day) && t.Sub(day)%interval != 0 {
			n--
		}
		label := day.Add(n * interval)
		if len(bins) == 0 || !label.Equal(o.Times[len(o.Times)-1]) {
			bins = append(bins, bin{begin: i, end: i + 1})
			o.Times = append(o.Times, label)
			continue
		}
		bins[len(bins)-1].end = i + 1
	}

	buf := make([]float64, 0, 64)
	for name, col := range s.Vars {
		means := make([]float64, len(bins))
		for b, bb := range bins {
			means[b] = nanMean(col[bb.begin:bb.end], buf)
		}
		o.Vars[name] = means
	}
	nz := s.Levels()
	for name, prof := range s.Profiles {
		means := make([][]float64, len(bins))
		for b, bb := range bins {
			means[b] = make([]float64, nz)
			vals := make([]float64, bb.end-bb.begin)
			for k := 0; k < nz; k++ {
				for i := bb.begin; i < bb.end; i++ {
					vals[i-bb.begin] = prof[i][k]
				}
				means[b][k] = nanMean(vals, buf)
			}
		}
		o.Profiles[name] = means
	}
	return o, nil
}

// nanMean returns the mean of the non-NaN values in x,
// using buf as scratch space.
func nanMean(x, buf []float64) float64 {
	buf = buf[:0]
	for _, v := range x {
		if !math.IsNaN(v) {
			buf = append(buf, v)
		}
	}
	if len(buf) == 0 {
		return math.NaN()
	}
	return stat.Mean(buf, nil)
}
