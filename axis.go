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
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"time"
)

// AxisKind is the immutable type tag of an Axis.
type AxisKind int

// Axis kinds.
const (
	SpatialAxis AxisKind = iota
	TemporalAxis
	CategoricalAxis
)

func (k AxisKind) String() string {
	switch k {
	case SpatialAxis:
		return "spatial"
	case TemporalAxis:
		return "time"
	case CategoricalAxis:
		return "categorical"
	default:
		return fmt.Sprintf("AxisKind(%d)", int(k))
	}
}

// ParseAxisKind is the inverse of AxisKind.String.
func ParseAxisKind(s string) (AxisKind, error) {
	switch s {
	case "spatial":
		return SpatialAxis, nil
	case "time":
		return TemporalAxis, nil
	case "categorical":
		return CategoricalAxis, nil
	}
	return 0, fmt.Errorf("diags: invalid axis kind %q", s)
}

// Calendar field names used as auxiliary arrays of time axes, in datestamp order.
var CalendarFields = []string{"year", "month", "day", "hour", "minute"}

// VarAxisName is the name of the categorical pseudo-axis holding variable
// names in every per-variable Domain.
const VarAxisName = "var"

// Axis is a named coordinate dimension. Categorical axes hold their
// coordinates in Labels; all other kinds use Values. Aux holds optional
// per-value arrays (for example the calendar components of a time axis).
// Axes should be treated as immutable once they have been passed to an
// AxisManager.
type Axis struct {
	Name   string
	Kind   AxisKind
	Units  string
	Values []float64
	Labels []string
	Aux    map[string][]float64
	Attrs  map[string]string
}

// NewAxis returns a spatial axis.
func NewAxis(name, units string, values ...float64) *Axis {
	return &Axis{Name: name, Kind: SpatialAxis, Units: units, Values: values}
}

// NewCategoricalAxis returns an axis of names, such as stations or variables.
func NewCategoricalAxis(name string, labels ...string) *Axis {
	return &Axis{Name: name, Kind: CategoricalAxis, Labels: labels}
}

var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// TimeUnits are the units of the values of axes created by NewTimeAxis.
const TimeUnits = "hours since 1970-01-01 00:00:00"

// NewTimeAxis returns a temporal axis whose values are hours since
// 1970-01-01 UTC. The requested calendar fields (default: all of
// CalendarFields) are stored as auxiliary arrays.
func NewTimeAxis(name string, times []time.Time, fields ...string) *Axis {
	if len(fields) == 0 {
		fields = CalendarFields
	}
	a := &Axis{
		Name:   name,
		Kind:   TemporalAxis,
		Units:  TimeUnits,
		Values: make([]float64, len(times)),
		Aux:    make(map[string][]float64, len(fields)),
	}
	for _, f := range fields {
		a.Aux[f] = make([]float64, len(times))
	}
	for i, t := range times {
		t = t.UTC()
		a.Values[i] = t.Sub(epoch).Hours()
		for _, f := range fields {
			a.Aux[f][i] = calendarField(t, f)
		}
	}
	return a
}

func calendarField(t time.Time, field string) float64 {
	switch field {
	case "year":
		return float64(t.Year())
	case "month":
		return float64(t.Month())
	case "day":
		return float64(t.Day())
	case "hour":
		return float64(t.Hour())
	case "minute":
		return float64(t.Minute())
	}
	panic(fmt.Errorf("diags: invalid calendar field %q", field))
}

// Times returns the times represented by a temporal axis.
func (a *Axis) Times() []time.Time {
	o := make([]time.Time, len(a.Values))
	for i, v := range a.Values {
		o[i] = epoch.Add(time.Duration(math.Round(v*3600)) * time.Second)
	}
	return o
}

// Datestamp returns the zero-padded concatenation of whichever calendar
// fields are present for element i, e.g. "2009010100" for an axis with
// year, month, day and hour.
func (a *Axis) Datestamp(i int) string {
	var b strings.Builder
	for _, f := range CalendarFields {
		v, ok := a.Aux[f]
		if !ok {
			continue
		}
		if f == "year" {
			fmt.Fprintf(&b, "%04d", int(v[i]))
		} else {
			fmt.Fprintf(&b, "%02d", int(v[i]))
		}
	}
	return b.String()
}

// Len returns the number of coordinates along the axis.
func (a *Axis) Len() int {
	if a.Kind == CategoricalAxis {
		return len(a.Labels)
	}
	return len(a.Values)
}

// AuxNames returns the names of the auxiliary arrays in sorted order.
func (a *Axis) AuxNames() []string {
	names := make([]string, 0, len(a.Aux))
	for n := range a.Aux {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether a and b are structurally identical.
func (a *Axis) Equal(b *Axis) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Name != b.Name || a.Kind != b.Kind || a.Units != b.Units {
		return false
	}
	if !floatsEqual(a.Values, b.Values) || !stringsEqual(a.Labels, b.Labels) {
		return false
	}
	if len(a.Aux) != len(b.Aux) || len(a.Attrs) != len(b.Attrs) {
		return false
	}
	for k, v := range a.Aux {
		w, ok := b.Aux[k]
		if !ok || !floatsEqual(v, w) {
			return false
		}
	}
	for k, v := range a.Attrs {
		if w, ok := b.Attrs[k]; !ok || v != w {
			return false
		}
	}
	return true
}

// floatsEqual compares bit patterns so that NaN coordinates compare
// consistently with structHash.
func floatsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			return false
		}
	}
	return true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// structHash hashes everything Equal compares.
func (a *Axis) structHash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	writeString := func(s string) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	writeFloats := func(v []float64) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(v)))
		h.Write(buf[:])
		for _, f := range v {
			binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
			h.Write(buf[:])
		}
	}
	writeString(a.Name)
	writeString(a.Kind.String())
	writeString(a.Units)
	writeFloats(a.Values)
	for _, l := range a.Labels {
		writeString(l)
	}
	for _, n := range a.AuxNames() {
		writeString(n)
		writeFloats(a.Aux[n])
	}
	attrs := make([]string, 0, len(a.Attrs))
	for k := range a.Attrs {
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)
	for _, k := range attrs {
		writeString(k)
		writeString(a.Attrs[k])
	}
	return h.Sum64()
}

// prototype identifies everything about an axis except its coordinates.
// Axes reconstructed from rows copy these properties from a sample axis.
func (a *Axis) prototype() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s", a.Name, a.Kind, a.Units, strings.Join(a.AuxNames(), ","))
	keys := make([]string, 0, len(a.Attrs))
	for k := range a.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, a.Attrs[k])
	}
	return b.String()
}

func (a *Axis) String() string {
	return fmt.Sprintf("%s(%s, n=%d)", a.Name, a.Kind, a.Len())
}

// Row is one flattened axis element: its coordinate plus its auxiliary
// values, packed in the order of the axis' sorted auxiliary names.
// Rows are comparable and can be used as map keys.
type Row struct {
	Value float64
	Label string
	aux   string
}

// Aux unpacks the auxiliary values of the row.
func (r Row) Aux() []float64 {
	o := make([]float64, len(r.aux)/8)
	for i := range o {
		o[i] = math.Float64frombits(binary.BigEndian.Uint64([]byte(r.aux[i*8 : i*8+8])))
	}
	return o
}

func packAux(v []float64) string {
	if len(v) == 0 {
		return ""
	}
	b := make([]byte, 8*len(v))
	for i, f := range v {
		binary.BigEndian.PutUint64(b[i*8:], math.Float64bits(f))
	}
	return string(b)
}

func (r Row) String() string {
	if r.Label != "" {
		return r.Label
	}
	return fmt.Sprint(r.Value)
}

// rowLess orders rows by coordinate, then label, then auxiliary values.
func rowLess(a, b Row) bool {
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	if a.Label != b.Label {
		return a.Label < b.Label
	}
	return a.aux < b.aux
}

// rows flattens an axis without memoization.
func (a *Axis) rows() []Row {
	names := a.AuxNames()
	o := make([]Row, a.Len())
	aux := make([]float64, len(names))
	for i := range o {
		if a.Kind == CategoricalAxis {
			o[i].Label = a.Labels[i]
		} else {
			o[i].Value = a.Values[i]
		}
		for j, n := range names {
			aux[j] = a.Aux[n][i]
		}
		o[i].aux = packAux(aux)
	}
	return o
}

// fromRows builds a new axis shaped like sample from rows, in the order given.
func fromRows(sample *Axis, rows []Row) *Axis {
	a := &Axis{
		Name:  sample.Name,
		Kind:  sample.Kind,
		Units: sample.Units,
	}
	if len(sample.Attrs) > 0 {
		a.Attrs = make(map[string]string, len(sample.Attrs))
		for k, v := range sample.Attrs {
			a.Attrs[k] = v
		}
	}
	if sample.Kind == CategoricalAxis {
		a.Labels = make([]string, len(rows))
	} else {
		a.Values = make([]float64, len(rows))
	}
	names := sample.AuxNames()
	if len(names) > 0 {
		a.Aux = make(map[string][]float64, len(names))
		for _, n := range names {
			a.Aux[n] = make([]float64, len(rows))
		}
	}
	for i, r := range rows {
		if sample.Kind == CategoricalAxis {
			a.Labels[i] = r.Label
		} else {
			a.Values[i] = r.Value
		}
		for j, v := range r.Aux() {
			if j < len(names) {
				a.Aux[names[j]][i] = v
			}
		}
	}
	return a
}
