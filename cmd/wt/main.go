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

// Command wt is a command-line interface for managing WRF experiments.
package main

import (
	"fmt"
	"os"

	"github.com/wrftamer/wrftamer/tamerutil"
)

func main() {
	cfg := tamerutil.InitializeConfig()
	if err := cfg.Root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
