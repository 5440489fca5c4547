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
	"sort"
	"strings"

	"github.com/Knetic/govaluate"
)

// DefaultDerived are the variables computed when no others are requested:
// wind speed and meteorological wind direction at the surface and, when
// the profiles are present, along the profile.
var DefaultDerived = map[string]string{
	"ws": "sqrt(u*u + v*v)",
	"wd": "(270 - atan2(v, u) * 180 / pi) % 360",
	"WS": "sqrt(UU*UU + VV*VV)",
	"WD": "(270 - atan2(VV, UU) * 180 / pi) % 360",
}

var functions = map[string]govaluate.ExpressionFunction{
	"sqrt":  mathFunc1(math.Sqrt),
	"abs":   mathFunc1(math.Abs),
	"log":   mathFunc1(math.Log),
	"exp":   mathFunc1(math.Exp),
	"atan2": mathFunc2(math.Atan2),
	"pow":   mathFunc2(math.Pow),
}

func mathFunc1(f func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("want 1 argument, have %d", len(args))
		}
		x, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("invalid argument %v", args[0])
		}
		return f(x), nil
	}
}

func mathFunc2(f func(float64, float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("want 2 arguments, have %d", len(args))
		}
		x, ok1 := args[0].(float64)
		y, ok2 := args[1].(float64)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("invalid arguments %v", args)
		}
		return f(x, y), nil
	}
}

// constants can be used in every expression.
var constants = map[string]float64{"pi": math.Pi}

// Derive adds the variables defined by exprs to s. Expressions refer
// either only to surface variables or only to profile variables, and
// may use variables derived by other expressions. Expressions that
// refer to variables s does not have are skipped when skipMissing is
// true and are an error otherwise.
func (s *Series) Derive(exprs map[string]string, skipMissing bool) error {
	pending := make(map[string]*govaluate.EvaluableExpression, len(exprs))
	for name, src := range exprs {
		e, err := govaluate.NewEvaluableExpressionWithFunctions(src, functions)
		if err != nil {
			return fmt.Errorf("tslist: derived variable %s: %v", name, err)
		}
		pending[name] = e
	}
	for len(pending) > 0 {
		progress := false
		for _, name := range sortedNames(pending) {
			e := pending[name]
			surface, profile := s.classify(e.Vars())
			var err error
			switch {
			case surface && !profile:
				err = s.deriveSurface(name, e)
			case profile && !surface:
				err = s.deriveProfile(name, e)
			default:
				continue
			}
			if err != nil {
				return fmt.Errorf("tslist: derived variable %s: %v", name, err)
			}
			delete(pending, name)
			progress = true
		}
		if !progress {
			break
		}
	}
	if len(pending) > 0 && !skipMissing {
		var msgs []string
		for _, name := range sortedNames(pending) {
			msgs = append(msgs, fmt.Sprintf("%s (%s)", name, pending[name].String()))
		}
		return fmt.Errorf("tslist: cannot derive %s: unknown or mixed surface and profile variables",
			strings.Join(msgs, ", "))
	}
	return nil
}

// classify reports whether all non-constant variables are surface
// variables or profile variables, respectively.
func (s *Series) classify(vars []string) (surface, profile bool) {
	surface, profile = true, true
	n := 0
	for _, v := range vars {
		if _, ok := constants[v]; ok {
			continue
		}
		n++
		if _, ok := s.Vars[v]; !ok {
			surface = false
		}
		if _, ok := s.Profiles[v]; !ok {
			profile = false
		}
	}
	if n == 0 {
		// Constant expressions are treated as surface variables.
		return true, false
	}
	return surface, profile
}

func (s *Series) deriveSurface(name string, e *govaluate.EvaluableExpression) error {
	out := make([]float64, len(s.Times))
	params := make(map[string]interface{}, len(e.Vars())+len(constants))
	for i := range out {
		for _, v := range e.Vars() {
			if c, ok := constants[v]; ok {
				params[v] = c
			} else {
				params[v] = s.Vars[v][i]
			}
		}
		val, err := evaluate(e, params)
		if err != nil {
			return err
		}
		out[i] = val
	}
	s.Vars[name] = out
	return nil
}

func (s *Series) deriveProfile(name string, e *govaluate.EvaluableExpression) error {
	nz := s.Levels()
	out := make([][]float64, len(s.Times))
	params := make(map[string]interface{}, len(e.Vars())+len(constants))
	for i := range out {
		out[i] = make([]float64, nz)
		for k := 0; k < nz; k++ {
			for _, v := range e.Vars() {
				if c, ok := constants[v]; ok {
					params[v] = c
				} else {
					params[v] = s.Profiles[v][i][k]
				}
			}
			val, err := evaluate(e, params)
			if err != nil {
				return err
			}
			out[i][k] = val
		}
	}
	s.Profiles[name] = out
	return nil
}

func evaluate(e *govaluate.EvaluableExpression, params map[string]interface{}) (float64, error) {
	r, err := e.Evaluate(params)
	if err != nil {
		return 0, err
	}
	switch v := r.(type) {
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("expression result %v is not a number", r)
}

func sortedNames(m map[string]*govaluate.EvaluableExpression) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
