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

package hash

import (
	"testing"
)

type cfg struct {
	Vars map[string]interface{}
	N    int
}

func TestHashStable(t *testing.T) {
	a := cfg{Vars: map[string]interface{}{"max_dom": 2, "dx": 3000.0, "start_date": "2020"}, N: 1}
	b := cfg{Vars: map[string]interface{}{"start_date": "2020", "dx": 3000.0, "max_dom": 2}, N: 1}
	for i := 0; i < 10; i++ {
		if Hash(a) != Hash(b) {
			t.Fatal("equal objects have different hashes")
		}
	}
	b.N = 2
	if Hash(a) == Hash(b) {
		t.Error("different objects have equal hashes")
	}
}
