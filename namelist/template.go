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

package namelist

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/spf13/cast"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Render fills in the template src with vars. Templates use the HCL
// template syntax: ${name} inserts a variable, and %{ if } and
// %{ for } directives are available. A literal "${" is written as "$${".
//
// Variable values are converted to their namelist representation:
// booleans become .true. or .false. and lists become comma-separated
// values. When start_date and end_date are given in the WRF date format,
// the variables start_year, start_month, start_day, start_hour,
// start_minute and start_second (and the same for end_), as well as
// run_days, run_hours, run_minutes and run_seconds are added unless
// they are already set.
//
// The functions join, format, upper, lower, split and per_domain are
// available. per_domain(v) repeats v once for each of the max_dom domains.
func Render(name string, src []byte, vars map[string]interface{}) ([]byte, error) {
	all, err := Derive(vars)
	if err != nil {
		return nil, err
	}
	ctyVars := make(map[string]cty.Value, len(all))
	for k, v := range all {
		if ctyVars[k], err = toCty(v); err != nil {
			return nil, fmt.Errorf("namelist: variable %s: %v", k, err)
		}
	}
	maxDom := 1
	if md, ok := all["max_dom"]; ok {
		if maxDom, err = cast.ToIntE(md); err != nil {
			return nil, fmt.Errorf("namelist: max_dom: %v", err)
		}
	}

	expr, diags := hclsyntax.ParseTemplate(src, name, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("namelist: parsing template: %v", diags)
	}
	val, diags := expr.Value(&hcl.EvalContext{
		Variables: ctyVars,
		Functions: map[string]function.Function{
			"join":       stdlib.JoinFunc,
			"format":     stdlib.FormatFunc,
			"upper":      stdlib.UpperFunc,
			"lower":      stdlib.LowerFunc,
			"split":      stdlib.SplitFunc,
			"per_domain": perDomainFunc(maxDom),
		},
	})
	if diags.HasErrors() {
		return nil, fmt.Errorf("namelist: rendering template: %v", diags)
	}
	val, err = convert.Convert(val, cty.String)
	if err != nil {
		return nil, fmt.Errorf("namelist: rendering template: %v", err)
	}
	if val.IsNull() || !val.IsKnown() {
		return nil, fmt.Errorf("namelist: template %s rendered to no value", name)
	}
	return []byte(val.AsString()), nil
}

// Derive returns a copy of vars with the date variables that can be
// derived from start_date and end_date added.
func Derive(vars map[string]interface{}) (map[string]interface{}, error) {
	o := make(map[string]interface{}, len(vars)+16)
	for k, v := range vars {
		o[k] = v
	}
	var dates [2]time.Time
	for i, prefix := range []string{"start", "end"} {
		v, ok := vars[prefix+"_date"]
		if !ok {
			return o, nil
		}
		t, err := parseDate(v)
		if err != nil {
			return nil, fmt.Errorf("namelist: %s_date: %v", prefix, err)
		}
		dates[i] = t
		setDefault(o, prefix+"_year", fmt.Sprintf("%04d", t.Year()))
		setDefault(o, prefix+"_month", fmt.Sprintf("%02d", t.Month()))
		setDefault(o, prefix+"_day", fmt.Sprintf("%02d", t.Day()))
		setDefault(o, prefix+"_hour", fmt.Sprintf("%02d", t.Hour()))
		setDefault(o, prefix+"_minute", fmt.Sprintf("%02d", t.Minute()))
		setDefault(o, prefix+"_second", fmt.Sprintf("%02d", t.Second()))
	}
	d := dates[1].Sub(dates[0])
	if d < 0 {
		return nil, fmt.Errorf("namelist: end_date is before start_date")
	}
	secs := int64(d / time.Second)
	setDefault(o, "run_days", secs/86400)
	setDefault(o, "run_hours", secs%86400/3600)
	setDefault(o, "run_minutes", secs%3600/60)
	setDefault(o, "run_seconds", secs%60)
	return o, nil
}

func setDefault(m map[string]interface{}, k string, v interface{}) {
	if _, ok := m[k]; !ok {
		m[k] = v
	}
}

func parseDate(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse(DateFormat, strings.Trim(t, `'"`))
	}
	return time.Time{}, fmt.Errorf("invalid date %v", v)
}

// toCty converts a configuration value into its namelist form.
func toCty(v interface{}) (cty.Value, error) {
	switch t := v.(type) {
	case []interface{}:
		parts := make([]string, len(t))
		for i, e := range t {
			s, err := scalarString(e)
			if err != nil {
				return cty.NilVal, err
			}
			parts[i] = s
		}
		return cty.StringVal(FormatList(parts)), nil
	case []string:
		return cty.StringVal(FormatList(t)), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs := make(map[string]cty.Value, len(t))
		for _, k := range keys {
			a, err := toCty(t[k])
			if err != nil {
				return cty.NilVal, err
			}
			attrs[k] = a
		}
		return cty.ObjectVal(attrs), nil
	case int:
		return cty.NumberIntVal(int64(t)), nil
	case int64:
		return cty.NumberIntVal(t), nil
	case float64:
		return cty.NumberFloatVal(t), nil
	}
	s, err := scalarString(v)
	if err != nil {
		return cty.NilVal, err
	}
	return cty.StringVal(s), nil
}

func scalarString(v interface{}) (string, error) {
	switch t := v.(type) {
	case bool:
		if t {
			return ".true.", nil
		}
		return ".false.", nil
	case string:
		return t, nil
	case time.Time:
		return t.Format(DateFormat), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case nil:
		return "", fmt.Errorf("value is empty")
	}
	return "", fmt.Errorf("unsupported value %v of type %T", v, v)
}

// perDomainFunc returns a function that repeats its argument maxDom times.
func perDomainFunc(maxDom int) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "value", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			return cty.StringVal(Repeat(args[0].AsString(), maxDom)), nil
		},
	})
}
