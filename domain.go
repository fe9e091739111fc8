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
	"sort"
	"strings"
)

// Domain is the coordinate extent of a group of variables: one sample
// axis per dimension, used to rebuild concrete axes, and one value set
// per dimension. A nil value set masks the dimension. Domains are values;
// every operation returns a new Domain.
type Domain struct {
	Samples []*Axis
	Values  []*ValueSet
}

// NewDomain returns the domain spanned by axes.
func NewDomain(m *AxisManager, axes ...*Axis) *Domain {
	d := &Domain{
		Samples: make([]*Axis, len(axes)),
		Values:  make([]*ValueSet, len(axes)),
	}
	for i, a := range axes {
		d.Samples[i] = m.Lookup(a)
		d.Values[i] = m.Settify(a)
	}
	return d
}

// EntryDomain returns the domain of a single manifest entry: the variable
// name pseudo-axis followed by the entry's axes.
func EntryDomain(m *AxisManager, e *Entry) *Domain {
	axes := append([]*Axis{NewCategoricalAxis(VarAxisName, e.Name)}, e.Axes...)
	return NewDomain(m, axes...)
}

// Names returns the axis names in domain order.
func (d *Domain) Names() []string {
	o := make([]string, len(d.Samples))
	for i, a := range d.Samples {
		o[i] = a.Name
	}
	return o
}

// Index returns the position of the named axis, or -1.
func (d *Domain) Index(name string) int {
	for i, a := range d.Samples {
		if a.Name == name {
			return i
		}
	}
	return -1
}

// Set returns the value set of the named axis, or nil.
func (d *Domain) Set(name string) *ValueSet {
	if i := d.Index(name); i >= 0 {
		return d.Values[i]
	}
	return nil
}

// Key identifies the domain content independent of axis order.
func (d *Domain) Key() string {
	parts := make([]string, len(d.Samples))
	for i, a := range d.Samples {
		if d.Values[i] == nil {
			parts[i] = a.Name + "=-"
		} else {
			parts[i] = fmt.Sprintf("%s=%d", a.Name, d.Values[i].id)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// nameKey identifies the set of axis names of d.
func (d *Domain) nameKey() string {
	n := d.Names()
	sort.Strings(n)
	return strings.Join(n, ";")
}

// with returns a copy of d with the value set of axis i replaced.
func (d *Domain) with(i int, s *ValueSet) *Domain {
	o := &Domain{
		Samples: append([]*Axis(nil), d.Samples...),
		Values:  append([]*ValueSet(nil), d.Values...),
	}
	o.Values[i] = s
	return o
}

// Axes rebuilds the concrete axes of the domain. Masked axes are omitted.
func (d *Domain) Axes(m *AxisManager) []*Axis {
	o := make([]*Axis, 0, len(d.Samples))
	for i, a := range d.Samples {
		if d.Values[i] != nil {
			o = append(o, m.Unsettify(a, d.Values[i]))
		}
	}
	return o
}

// Size returns the number of points in the domain.
func (d *Domain) Size() int {
	n := 1
	for _, v := range d.Values {
		if v != nil {
			n *= v.Len()
		}
	}
	return n
}

func (d *Domain) String() string {
	parts := make([]string, len(d.Samples))
	for i, a := range d.Samples {
		parts[i] = fmt.Sprintf("%s:%d", a.Name, d.Values[i].Len())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// axisOrder returns the axis names of ds with "time" first and the
// remaining names in order of first appearance.
func axisOrder(ds []*Domain) []string {
	var names []string
	seen := make(map[string]bool)
	for _, d := range ds {
		for _, a := range d.Samples {
			if a.Kind == TemporalAxis && a.Name == "time" && !seen[a.Name] {
				names = append([]string{a.Name}, names...)
				seen[a.Name] = true
			}
		}
	}
	for _, d := range ds {
		for _, a := range d.Samples {
			if !seen[a.Name] {
				names = append(names, a.Name)
				seen[a.Name] = true
			}
		}
	}
	return names
}

// dedup removes repeated domains, keeping first occurrences.
func dedup(ds []*Domain) []*Domain {
	seen := make(map[string]bool, len(ds))
	o := make([]*Domain, 0, len(ds))
	for _, d := range ds {
		k := d.Key()
		if !seen[k] {
			seen[k] = true
			o = append(o, d)
		}
	}
	return o
}

// PrimeDomains aggregates domains one axis at a time: domains that agree
// on every other axis are combined by taking the union along that axis.
// The result covers exactly the same points as the input.
func PrimeDomains(m *AxisManager, domains []*Domain) []*Domain {
	ds := dedup(domains)
	for _, name := range axisOrder(ds) {
		var keys []string
		groups := make(map[string]*Domain)
		for _, d := range ds {
			i := d.Index(name)
			var k string
			if i < 0 {
				k = d.Key()
			} else {
				k = d.with(i, nil).Key()
			}
			g, ok := groups[k]
			if !ok {
				keys = append(keys, k)
				groups[k] = d
				continue
			}
			if i >= 0 {
				gi := g.Index(name)
				groups[k] = g.with(gi, m.Union(g.Values[gi], d.Values[i]))
			}
		}
		ds = ds[:0:0]
		for _, k := range keys {
			ds = append(ds, groups[k])
		}
	}
	return ds
}

// axesCompatible reports whether one axis-name set contains the other, and
// returns the domain with the larger set first.
func axesCompatible(d1, d2 *Domain) (big, small *Domain, ok bool) {
	if len(d1.Samples) < len(d2.Samples) {
		d1, d2 = d2, d1
	}
	for _, a := range d2.Samples {
		if d1.Index(a.Name) < 0 {
			return nil, nil, false
		}
	}
	return d1, d2, true
}

// mergeDomains returns the domains that can be formed by concatenating d1
// and d2 along one axis while intersecting all the others.
func mergeDomains(m *AxisManager, d1, d2 *Domain) []*Domain {
	big, small, ok := axesCompatible(d1, d2)
	if !ok {
		return nil
	}
	n := len(big.Samples)
	inter := make([]*ValueSet, n)
	union := make([]*ValueSet, n)
	var candidates []int
	empty := 0
	for i, a := range big.Samples {
		v1 := big.Values[i]
		v2 := v1
		if j := small.Index(a.Name); j >= 0 {
			v2 = small.Values[j]
		}
		inter[i] = m.Intersect(v1, v2)
		union[i] = m.Union(v1, v2)
		if inter[i].Len() == 0 {
			empty++
		}
		if union[i].Len() > v1.Len() && union[i].Len() > v2.Len() {
			candidates = append(candidates, i)
		}
	}
	if empty > 1 {
		return nil
	}
	var out []*Domain
	for _, c := range candidates {
		values := make([]*ValueSet, n)
		ok := true
		for i := range values {
			if i == c {
				values[i] = union[i]
			} else {
				values[i] = inter[i]
			}
			if values[i].Len() == 0 {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, &Domain{
				Samples: append([]*Axis(nil), big.Samples...),
				Values:  values,
			})
		}
	}
	return out
}

// MergeAllDomains repeatedly merges pairs of domains until no new domain
// can be produced. The input domains are retained in the output.
func MergeAllDomains(m *AxisManager, domains []*Domain) []*Domain {
	ds := dedup(domains)
	seen := make(map[string]bool, len(ds))
	for _, d := range ds {
		seen[d.Key()] = true
	}
	tried := make(map[[2]string]bool)
	for {
		var added []*Domain
		for i := 0; i < len(ds); i++ {
			for j := i + 1; j < len(ds); j++ {
				ki, kj := ds[i].Key(), ds[j].Key()
				if kj < ki {
					ki, kj = kj, ki
				}
				if tried[[2]string{ki, kj}] {
					continue
				}
				tried[[2]string{ki, kj}] = true
				for _, d := range mergeDomains(m, ds[i], ds[j]) {
					if k := d.Key(); !seen[k] {
						seen[k] = true
						added = append(added, d)
					}
				}
			}
		}
		if len(added) == 0 {
			return ds
		}
		ds = append(ds, added...)
	}
}

// subdomainOf reports whether every axis of d is a subset of the same axis of o.
// Both domains must have the same axis names.
func (d *Domain) subdomainOf(o *Domain) bool {
	for i, a := range d.Samples {
		j := o.Index(a.Name)
		if j < 0 || !d.Values[i].SubsetOf(o.Values[j]) {
			return false
		}
	}
	return true
}

// CleanupSubdomains drops every domain that is contained in another domain
// with the same axis names.
func CleanupSubdomains(domains []*Domain) []*Domain {
	ds := dedup(domains)
	var out []*Domain
	for i, d := range ds {
		redundant := false
		for j, o := range ds {
			if i != j && d.nameKey() == o.nameKey() && d.subdomainOf(o) {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, d)
		}
	}
	return out
}

// CoveringDomains reduces per-entry domains to a minimal covering set,
// sorted by Key.
func CoveringDomains(m *AxisManager, domains []*Domain) []*Domain {
	out := CleanupSubdomains(MergeAllDomains(m, PrimeDomains(m, domains)))
	keys := make(map[*Domain]string, len(out))
	for _, d := range out {
		keys[d] = d.Key()
	}
	sort.SliceStable(out, func(i, j int) bool { return keys[out[i]] < keys[out[j]] })
	return out
}
