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

	"github.com/ctessum/sparse"
)

// DecodeStep is one composable transformation applied by an adapter's
// Decode method.
type DecodeStep func(*Dataset) (*Dataset, error)

// ApplySteps applies steps in order.
func ApplySteps(ds *Dataset, steps ...DecodeStep) (*Dataset, error) {
	var err error
	for _, s := range steps {
		if ds, err = s(ds); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// mapVars returns a new dataset with f applied to every variable.
func mapVars(ds *Dataset, f func(*Var) *Var) *Dataset {
	o := &Dataset{Vars: make([]*Var, 0, len(ds.Vars))}
	for _, v := range ds.Vars {
		if nv := f(v); nv != nil {
			o.Vars = append(o.Vars, nv)
		}
	}
	return o
}

// Rename maps source field names to standard names.
func Rename(names map[string]string) DecodeStep {
	return func(ds *Dataset) (*Dataset, error) {
		return mapVars(ds, func(v *Var) *Var {
			n, ok := names[v.Name]
			if !ok {
				return v
			}
			c := v.copy()
			c.Name = n
			return c
		}), nil
	}
}

// SetUnits tags variables with units.
func SetUnits(units map[string]string) DecodeStep {
	return func(ds *Dataset) (*Dataset, error) {
		return mapVars(ds, func(v *Var) *Var {
			u, ok := units[v.Name]
			if !ok {
				return v
			}
			c := v.copy()
			c.Attrs["units"] = u
			return c
		}), nil
	}
}

// Drop removes the named variables.
func Drop(names ...string) DecodeStep {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	return func(ds *Dataset) (*Dataset, error) {
		return mapVars(ds, func(v *Var) *Var {
			if drop[v.Name] {
				return nil
			}
			return v
		}), nil
	}
}

// Scale multiplies a variable by factor and sets its units.
func Scale(name string, factor float64, units string) DecodeStep {
	return func(ds *Dataset) (*Dataset, error) {
		return mapVars(ds, func(v *Var) *Var {
			if v.Name != name {
				return v
			}
			attrs := copyAttrs(v.Attrs)
			attrs["units"] = units
			return NewDerivedVar(v.Name, v.Axes, attrs, []*Var{v},
				func(out *sparse.DenseArray, _ []*Axis, in []*sparse.DenseArray) error {
					for i, e := range in[0].Elements {
						out.Elements[i] = e * factor
					}
					return nil
				})
		}), nil
	}
}

// HybridPressure adds a variable out holding the pressure on hybrid
// vertical levels, p = (a + b*ps) * factor, where a and b are
// one-dimensional coefficient variables along the level axis and ps is
// the surface pressure. The new variable has the axes of ps with the level
// axis inserted after the time axis (or first, if ps has no time axis).
// Datasets missing any of the inputs are returned unchanged.
func HybridPressure(a, b, ps, out string, factor float64, units string) DecodeStep {
	return func(ds *Dataset) (*Dataset, error) {
		av, bv, pv := ds.Var(a), ds.Var(b), ds.Var(ps)
		if av == nil || bv == nil || pv == nil {
			return ds, nil
		}
		if len(av.Axes) != 1 || len(bv.Axes) != 1 || av.Axes[0].Name != bv.Axes[0].Name {
			return nil, fmt.Errorf("diags: hybrid coefficients %s and %s must share a single level axis", a, b)
		}
		lev := av.Axes[0]
		pos := 0
		if i := pv.AxisIndex("time"); i >= 0 {
			pos = i + 1
		}
		axes := make([]*Axis, 0, len(pv.Axes)+1)
		axes = append(axes, pv.Axes[:pos]...)
		axes = append(axes, lev)
		axes = append(axes, pv.Axes[pos:]...)

		v := NewDerivedVar(out, axes, map[string]string{"units": units}, []*Var{av, bv, pv},
			func(o *sparse.DenseArray, axes []*Axis, in []*sparse.DenseArray) error {
				if len(in[0].Elements) != axes[pos].Len() || len(in[1].Elements) != axes[pos].Len() {
					return fmt.Errorf("hybrid coefficient length mismatch")
				}
				psIdx := make([]int, len(axes)-1)
				for i := range o.Elements {
					idx := o.IndexNd(i)
					copy(psIdx, idx[:pos])
					copy(psIdx[pos:], idx[pos+1:])
					k := idx[pos]
					o.Elements[i] = (in[0].Elements[k] + in[1].Elements[k]*in[2].Get(psIdx...)) * factor
				}
				return nil
			})
		o := &Dataset{Vars: append(append([]*Var(nil), ds.Vars...), v)}
		return o, nil
	}
}
