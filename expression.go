/*
Copyright © 2019 the EC-CAS diagnostics authors.
This file is part of EC-CAS-diags.

EC-CAS-diags is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

EC-CAS-diags is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with EC-CAS-diags.  If not, see <http://www.gnu.org/licenses/>.
*/

package diags

import (
	"fmt"
	"math"
	"sort"

	"github.com/Knetic/govaluate"
	"github.com/ctessum/sparse"
)

// ExpressionFuncs are the functions available to expressions, in
// addition to the arithmetic and comparison operators.
var ExpressionFuncs = map[string]govaluate.ExpressionFunction{
	"exp":  mathFunc("exp", math.Exp),
	"log":  mathFunc("log", math.Log),
	"sqrt": mathFunc("sqrt", math.Sqrt),
	"abs":  mathFunc("abs", math.Abs),
}

func mathFunc(name string, f func(float64) float64) govaluate.ExpressionFunction {
	return func(arg ...interface{}) (interface{}, error) {
		if len(arg) != 1 {
			return nil, fmt.Errorf("diags: got %d arguments for function '%s', but needs 1", len(arg), name)
		}
		x, ok := arg[0].(float64)
		if !ok {
			return nil, fmt.Errorf("diags: invalid argument %v for function '%s'", arg[0], name)
		}
		return f(x), nil
	}
}

// Expression adds a variable out computed element by element from the
// variables named in expr, for example "CO2 - CO2_BG" or
// "exp(-age / 24)". The new variable has the axes of the input with the
// most axes, and every other input must have a subset of those axes; it
// is broadcast along the axes it lacks. Datasets missing any of the inputs
// are returned unchanged.
func Expression(out, expr, units string) DecodeStep {
	e, err := govaluate.NewEvaluableExpressionWithFunctions(expr, ExpressionFuncs)
	return func(ds *Dataset) (*Dataset, error) {
		if err != nil {
			return nil, fmt.Errorf("diags: expression for %s: %v", out, err)
		}
		names := uniqueStrings(e.Vars())
		if len(names) == 0 {
			return nil, fmt.Errorf("diags: expression for %s (%q) uses no variables", out, expr)
		}
		inputs := make([]*Var, len(names))
		for i, n := range names {
			if inputs[i] = ds.Var(n); inputs[i] == nil {
				return ds, nil
			}
		}
		widest := inputs[0]
		for _, v := range inputs[1:] {
			if len(v.Axes) > len(widest.Axes) {
				widest = v
			}
		}
		axes := widest.Axes
		// pos[k][j] is the output dimension of axis j of input k.
		pos := make([][]int, len(inputs))
		for k, v := range inputs {
			pos[k] = make([]int, len(v.Axes))
			for j, a := range v.Axes {
				if pos[k][j] = widest.AxisIndex(a.Name); pos[k][j] < 0 {
					return nil, fmt.Errorf("diags: expression for %s: axis %s of %s is not an axis of %s",
						out, a.Name, v.Name, widest.Name)
				}
			}
		}

		v := NewDerivedVar(out, axes, map[string]string{"units": units}, inputs,
			func(o *sparse.DenseArray, _ []*Axis, in []*sparse.DenseArray) error {
				params := make(map[string]interface{}, len(names))
				sub := make([][]int, len(in))
				for k := range in {
					sub[k] = make([]int, len(pos[k]))
				}
				for i := range o.Elements {
					idx := o.IndexNd(i)
					for k, n := range names {
						for j, p := range pos[k] {
							sub[k][j] = idx[p]
						}
						params[n] = in[k].Get(sub[k]...)
					}
					r, err := e.Evaluate(params)
					if err != nil {
						return err
					}
					f, ok := r.(float64)
					if !ok {
						return fmt.Errorf("expression %q gave %v, not a number", expr, r)
					}
					o.Elements[i] = f
				}
				return nil
			})
		o := &Dataset{Vars: append(append([]*Var(nil), ds.Vars...), v)}
		return o, nil
	}
}

func uniqueStrings(s []string) []string {
	m := make(map[string]bool, len(s))
	var o []string
	for _, v := range s {
		if !m[v] {
			m[v] = true
			o = append(o, v)
		}
	}
	sort.Strings(o)
	return o
}
