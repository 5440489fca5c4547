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
	"errors"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{name: "exp1", ok: true},
		{name: "My_Project-2", ok: true},
		{name: "", ok: false},
		{name: "with space", ok: false},
		{name: "a/b", ok: false},
		{name: "ümlaut", ok: false},
		{name: "unassigned", ok: false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := ValidateName(test.name)
			if test.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.ok && !errors.Is(err, ErrInvalidName) {
				t.Errorf("want ErrInvalidName, have %v", err)
			}
		})
	}
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		op     Operation
		status Status
		ok     bool
	}{
		{op: OpRunWPS, status: StatusCreated, ok: true},
		{op: OpRunWPS, status: StatusRunning, ok: false},
		{op: OpRunWRF, status: StatusCreated, ok: false},
		{op: OpRunWRF, status: StatusPrepared, ok: true},
		{op: OpRestart, status: StatusFailed, ok: true},
		{op: OpMove, status: StatusRunning, ok: false},
		{op: OpPostprocess, status: StatusMoved, ok: true},
		{op: OpArchive, status: StatusArchived, ok: false},
	}
	for _, test := range tests {
		err := CheckTransition(test.op, test.status)
		if test.ok && err != nil {
			t.Errorf("%s from %s: %v", test.op, test.status, err)
		}
		if !test.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s from %s: want ErrInvalidTransition, have %v", test.op, test.status, err)
		}
	}
	if err := CheckTransition("fly", StatusCreated); err == nil {
		t.Error("unknown operation should fail")
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses {
		have, err := ParseStatus(string(s))
		if err != nil {
			t.Fatal(err)
		}
		if have != s {
			t.Errorf("%s != %s", have, s)
		}
	}
	if _, err := ParseStatus("done"); err == nil {
		t.Error("invalid status should fail")
	}
}
