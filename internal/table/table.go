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

// Package table reads and writes experiment lists as CSV or Excel
// tables, in the column layout of the original wrftamer list files.
package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tealeg/xlsx"
)

// Header is the column layout written by Write.
var Header = []string{"Name", "Time", "Comment", "Start", "End", "Disk use", "Runtime", "Status"}

// TimeFormat is the format of the time columns.
const TimeFormat = "2006-01-02 15:04:05"

// timeFormats are accepted when reading.
var timeFormats = []string{TimeFormat, time.RFC3339Nano, "2006-01-02_15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

// SheetName is the name of the worksheet in Excel files.
const SheetName = "experiments"

// Row is one experiment.
type Row struct {
	Name       string
	Created    time.Time
	Comment    string
	Start, End time.Time

	// DiskUse is in bytes.
	DiskUse int64

	// Runtime is in seconds per time step.
	Runtime float64
	Status  string
}

func (r Row) record() []string {
	return []string{
		r.Name,
		formatTime(r.Created),
		r.Comment,
		formatTime(r.Start),
		formatTime(r.End),
		strconv.FormatInt(r.DiskUse, 10),
		strconv.FormatFloat(r.Runtime, 'g', -1, 64),
		r.Status,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, f := range timeFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

// parseDiskUse accepts plain byte counts as well as sizes like "1.5 GB".
func parseDiskUse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(v), nil
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

// Write writes rows to path. The format is chosen by the extension,
// which must be .csv or .xlsx.
func Write(path string, rows []Row) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("table: %w", err)
		}
		if err := WriteCSV(f, rows); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case ".xlsx":
		return WriteXLSX(path, rows)
	}
	return fmt.Errorf("table: unsupported file type %q", filepath.Ext(path))
}

// Read reads rows from a .csv or .xlsx file.
func Read(path string) ([]Row, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("table: %w", err)
		}
		defer f.Close()
		return ReadCSV(f)
	case ".xlsx":
		return ReadXLSX(path)
	}
	return nil, fmt.Errorf("table: unsupported file type %q", filepath.Ext(path))
}

// WriteCSV writes rows as CSV with a header line.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("table: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write(r.record()); err != nil {
			return fmt.Errorf("table: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("table: %w", err)
	}
	return nil
}

// ReadCSV reads rows from CSV data whose first line is a header.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("table: %w", err)
	}
	return parseRecords(records)
}

// WriteXLSX writes rows to an Excel workbook at path.
func WriteXLSX(path string, rows []Row) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return fmt.Errorf("table: %v", err)
	}
	row := sheet.AddRow()
	for _, h := range Header {
		row.AddCell().SetString(h)
	}
	for _, r := range rows {
		row := sheet.AddRow()
		for i, v := range r.record() {
			c := row.AddCell()
			switch {
			case i == 5:
				c.SetInt(int(r.DiskUse))
			case i == 6:
				c.SetFloat(r.Runtime)
			default:
				c.SetString(v)
			}
		}
	}
	if err := f.Save(path); err != nil {
		return fmt.Errorf("table: %v", err)
	}
	return nil
}

// ReadXLSX reads rows from the first worksheet of an Excel workbook.
func ReadXLSX(path string) ([]Row, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("table: %v", err)
	}
	if len(f.Sheets) == 0 {
		return nil, fmt.Errorf("table: %s has no worksheets", path)
	}
	var records [][]string
	for _, row := range f.Sheets[0].Rows {
		if row == nil {
			continue
		}
		rec := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			if c != nil {
				rec[i] = c.Value
			}
		}
		records = append(records, rec)
	}
	return parseRecords(records)
}

// parseRecords converts a header line and data records into rows.
// Columns are matched by name, ignoring case; unknown columns
// are ignored and a Name column is required.
func parseRecords(records [][]string) ([]Row, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("table: missing header")
	}
	col := make(map[string]int)
	for i, h := range records[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := col["name"]; !ok {
		return nil, fmt.Errorf("table: missing column Name")
	}
	get := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []Row
	for n, rec := range records[1:] {
		line := n + 2
		r := Row{
			Name:    get(rec, "name"),
			Comment: get(rec, "comment"),
			Status:  strings.ToLower(get(rec, "status")),
		}
		if r.Name == "" {
			continue
		}
		var err error
		if r.Created, err = parseTime(get(rec, "time")); err != nil {
			return nil, fmt.Errorf("table: row %d: %v", line, err)
		}
		if r.Start, err = parseTime(get(rec, "start")); err != nil {
			return nil, fmt.Errorf("table: row %d: %v", line, err)
		}
		if r.End, err = parseTime(get(rec, "end")); err != nil {
			return nil, fmt.Errorf("table: row %d: %v", line, err)
		}
		if r.DiskUse, err = parseDiskUse(get(rec, "disk use")); err != nil {
			return nil, fmt.Errorf("table: row %d: disk use: %v", line, err)
		}
		if rt := get(rec, "runtime"); rt != "" {
			if r.Runtime, err = strconv.ParseFloat(rt, 64); err != nil {
				return nil, fmt.Errorf("table: row %d: runtime: %v", line, err)
			}
		}
		rows = append(rows, r)
	}
	return rows, nil
}
