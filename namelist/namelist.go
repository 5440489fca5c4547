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

// Package namelist renders, reads and modifies the Fortran namelists
// that configure WPS and WRF.
package namelist

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DateFormat is the layout of dates in WRF namelists and file names.
const DateFormat = "2006-01-02_15:04:05"

// Namelist holds the values of a namelist file by group and key.
// Group names and keys are lower case.
type Namelist map[string]map[string][]string

// Read parses a namelist. Values are split at commas that are not
// within quotes; surrounding whitespace is removed but quotes are kept.
// Lines without '=' continue the values of the previous key.
func Read(r io.Reader) (Namelist, error) {
	n := make(Namelist)
	var group, key string
	s := bufio.NewScanner(r)
	lineNum := 0
	for s.Scan() {
		lineNum++
		line := strings.TrimSpace(stripComment(s.Text()))
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "&"):
			group = strings.ToLower(strings.TrimSpace(line[1:]))
			key = ""
			if _, ok := n[group]; !ok {
				n[group] = make(map[string][]string)
			}
			continue
		case line == "/":
			group, key = "", ""
			continue
		}
		if group == "" {
			return nil, fmt.Errorf("namelist: line %d: value outside of a group", lineNum)
		}
		i := indexOutsideQuotes(line, '=')
		if i == -1 {
			if key == "" {
				return nil, fmt.Errorf("namelist: line %d: missing '='", lineNum)
			}
			n[group][key] = append(n[group][key], splitValues(line)...)
			continue
		}
		key = strings.ToLower(strings.Trim(line[:i], " ,"))
		n[group][key] = splitValues(line[i+1:])
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("namelist: %w", err)
	}
	return n, nil
}

// Get returns the values of key, searching all groups in alphabetical
// order. The key may also be given as "group.key".
func (n Namelist) Get(key string) ([]string, bool) {
	key = strings.ToLower(key)
	if i := strings.Index(key, "."); i != -1 {
		v, ok := n[key[:i]][key[i+1:]]
		return v, ok
	}
	groups := make([]string, 0, len(n))
	for g := range n {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		if v, ok := n[g][key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Int returns the first value of key as an integer.
func (n Namelist) Int(key string) (int, error) {
	v, err := n.first(key)
	if err != nil {
		return 0, err
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("namelist: %s: %v", key, err)
	}
	return i, nil
}

// Ints returns all values of key as integers.
func (n Namelist) Ints(key string) ([]int, error) {
	vals, ok := n.Get(key)
	if !ok {
		return nil, fmt.Errorf("namelist: %s is not set", key)
	}
	o := make([]int, len(vals))
	for i, v := range vals {
		var err error
		if o[i], err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("namelist: %s: %v", key, err)
		}
	}
	return o, nil
}

// Float returns the first value of key as a floating point number.
func (n Namelist) Float(key string) (float64, error) {
	v, err := n.first(key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.Replace(strings.ToLower(v), "d", "e", 1), 64)
	if err != nil {
		return 0, fmt.Errorf("namelist: %s: %v", key, err)
	}
	return f, nil
}

// Bool returns the first value of key as a boolean.
func (n Namelist) Bool(key string) (bool, error) {
	v, err := n.first(key)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.Trim(v, ".")) {
	case "true", "t":
		return true, nil
	case "false", "f":
		return false, nil
	}
	return false, fmt.Errorf("namelist: %s: invalid logical %q", key, v)
}

// String returns the first value of key without quotes.
func (n Namelist) String(key string) (string, error) {
	v, err := n.first(key)
	if err != nil {
		return "", err
	}
	return strings.Trim(v, `'"`), nil
}

func (n Namelist) first(key string) (string, error) {
	vals, ok := n.Get(key)
	if !ok || len(vals) == 0 {
		return "", fmt.Errorf("namelist: %s is not set", key)
	}
	return vals[0], nil
}

// MaxDom returns the number of domains. It is 1 if max_dom is not set.
func (n Namelist) MaxDom() (int, error) {
	if _, ok := n.Get("max_dom"); !ok {
		return 1, nil
	}
	return n.Int("max_dom")
}

// Period returns the simulated period of the outermost domain. WPS
// namelists give it with start_date and end_date, WRF namelists with
// the start_year ... end_second variables.
func (n Namelist) Period() (start, end time.Time, err error) {
	if s, ok := n.Get("start_date"); ok && len(s) > 0 {
		if start, err = time.Parse(DateFormat, strings.Trim(s[0], `'"`)); err != nil {
			return start, end, fmt.Errorf("namelist: start_date: %v", err)
		}
		e, ok := n.Get("end_date")
		if !ok || len(e) == 0 {
			return start, end, fmt.Errorf("namelist: end_date is not set")
		}
		if end, err = time.Parse(DateFormat, strings.Trim(e[0], `'"`)); err != nil {
			return start, end, fmt.Errorf("namelist: end_date: %v", err)
		}
		return start, end, nil
	}
	date := func(prefix string) (time.Time, error) {
		var v [6]int
		for i, part := range []string{"year", "month", "day", "hour", "minute", "second"} {
			var err error
			if v[i], err = n.Int(prefix + "_" + part); err != nil {
				return time.Time{}, err
			}
		}
		return time.Date(v[0], time.Month(v[1]), v[2], v[3], v[4], v[5], 0, time.UTC), nil
	}
	if start, err = date("start"); err != nil {
		return
	}
	end, err = date("end")
	return
}

// Patch replaces the values of the keys in values within the namelist
// src. Keys are given as "group.key". Keys that are not present are
// appended to their group; missing groups are an error. The values are
// written as given, so strings must carry their quotes.
func Patch(src []byte, values map[string]string) ([]byte, error) {
	pending := make(map[string]string, len(values))
	for k, v := range values {
		k = strings.ToLower(k)
		if !strings.Contains(k, ".") {
			return nil, fmt.Errorf("namelist: patch key %q must have the form group.key", k)
		}
		pending[k] = v
	}
	var out bytes.Buffer
	var group string
	skipping := false // Dropping continuation lines of a replaced key.
	s := bufio.NewScanner(bytes.NewReader(src))
	for s.Scan() {
		raw := s.Text()
		line := strings.TrimSpace(stripComment(raw))
		switch {
		case strings.HasPrefix(line, "&"):
			group = strings.ToLower(strings.TrimSpace(line[1:]))
			skipping = false
		case line == "/":
			for _, k := range sortedKeys(pending) {
				if strings.HasPrefix(k, group+".") {
					fmt.Fprintf(&out, " %s = %s,\n", k[len(group)+1:], pending[k])
					delete(pending, k)
				}
			}
			group = ""
			skipping = false
		case line != "" && group != "":
			i := indexOutsideQuotes(line, '=')
			if i == -1 {
				if skipping {
					continue
				}
				break
			}
			skipping = false
			name := strings.ToLower(strings.Trim(line[:i], " ,"))
			if v, ok := pending[group+"."+name]; ok {
				// Keep the original alignment of the '='.
				fmt.Fprintf(&out, "%s= %s,\n", raw[:indexOutsideQuotes(raw, '=')], v)
				delete(pending, group+"."+name)
				skipping = true
				continue
			}
		}
		out.WriteString(raw)
		out.WriteByte('\n')
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("namelist: %w", err)
	}
	if len(pending) > 0 {
		return nil, fmt.Errorf("namelist: groups for %s not found", strings.Join(sortedKeys(pending), ", "))
	}
	return out.Bytes(), nil
}

// FormatList joins values for use in a namelist, e.g. "1, 2, 3".
func FormatList(values []string) string {
	return strings.Join(values, ", ")
}

// Repeat returns v repeated n times as a namelist list.
func Repeat(v string, n int) string {
	vals := make([]string, n)
	for i := range vals {
		vals[i] = v
	}
	return FormatList(vals)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stripComment removes everything after a '!' that is not within quotes.
func stripComment(line string) string {
	if i := indexOutsideQuotes(line, '!'); i != -1 {
		return line[:i]
	}
	return line
}

func indexOutsideQuotes(s string, c byte) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		switch {
		case quote != 0:
			if s[i] == quote {
				quote = 0
			}
		case s[i] == '\'' || s[i] == '"':
			quote = s[i]
		case s[i] == c:
			return i
		}
	}
	return -1
}

func splitValues(s string) []string {
	var o []string
	for {
		i := indexOutsideQuotes(s, ',')
		part := s
		if i != -1 {
			part = s[:i]
		}
		if v := strings.TrimSpace(part); v != "" {
			o = append(o, v)
		}
		if i == -1 {
			return o
		}
		s = s[i+1:]
	}
}
