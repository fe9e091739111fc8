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
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// Attribute names used to describe axes in netCDF files written by WriteNetCDF.
const (
	attrAxisKind  = "axis_kind"
	attrAuxiliary = "auxiliary"
	attrAuxOf     = "aux_of"
)

// NetCDF is an adapter for netCDF classic files. Each dimension becomes an
// axis built from the coordinate variable of the same name, if there is
// one. Files written by WriteNetCDF round-trip exactly, including
// auxiliary arrays and categorical axes.
type NetCDF struct {
	// Label is the name the adapter is registered under. The default is "netcdf".
	Label string

	// Pattern is the file name pattern FindFiles matches. The default is "*.nc".
	Pattern string

	// DataNameAttr is the global attribute holding the name of the data
	// in a directory. If empty, or if no file has the attribute, the
	// directory name is used.
	DataNameAttr string

	// Steps are applied by Decode.
	Steps []DecodeStep
}

// Name implements Adapter.
func (n *NetCDF) Name() string {
	if n.Label == "" {
		return "netcdf"
	}
	return n.Label
}

// FindFiles implements Adapter.
func (n *NetCDF) FindFiles(dir string) ([]string, error) {
	if err := checkDir(dir); err != nil {
		return nil, err
	}
	pattern := n.Pattern
	if pattern == "" {
		pattern = "*.nc"
	}
	return Glob(filepath.Join(dir, pattern))
}

// DataName implements DataNamer.
func (n *NetCDF) DataName(dir string) string {
	if n.DataNameAttr != "" {
		if files, err := n.FindFiles(dir); err == nil {
			if name := n.globalAttr(files[0], n.DataNameAttr); name != "" {
				return name
			}
		}
	}
	return filepath.Base(filepath.Clean(dir))
}

func (n *NetCDF) globalAttr(path, attr string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	cf, err := cdf.Open(f)
	if err != nil {
		return ""
	}
	return attrString(cf.Header.GetAttribute("", attr))
}

// Decode implements Adapter.
func (n *NetCDF) Decode(ds *Dataset) (*Dataset, error) {
	return ApplySteps(ds, n.Steps...)
}

// OpenFile implements Adapter.
func (n *NetCDF) OpenFile(path string) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cf, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("diags: opening netCDF file %s: %v", path, err)
	}
	h := cf.Header

	axes := make(map[string]*Axis)
	skip := make(map[string]bool)
	for _, d := range h.Dimensions("") {
		a, used, err := readAxis(f, cf, d)
		if err != nil {
			return nil, fmt.Errorf("diags: reading axis %s of %s: %v", d, path, err)
		}
		axes[d] = a
		for _, u := range used {
			skip[u] = true
		}
	}

	var entries []*Entry
	for _, v := range h.Variables() {
		if skip[v] || h.GetAttribute(v, attrAuxOf) != nil {
			continue
		}
		dtype := dtypeName(h.ZeroValue(v, 0))
		if dtype == "char" {
			continue
		}
		e := &Entry{Name: v, DType: dtype, Attrs: make(map[string]string)}
		for _, d := range h.Dimensions(v) {
			e.Axes = append(e.Axes, axes[d])
		}
		for _, a := range h.Attributes(v) {
			e.Attrs[a] = attrString(h.GetAttribute(v, a))
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ReadFile implements Adapter.
func (n *NetCDF) ReadFile(path, name string) (*sparse.DenseArray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cf, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("diags: opening netCDF file %s: %v", path, err)
	}
	shape, err := varShape(f, cf, name)
	if err != nil {
		return nil, err
	}
	vals, err := readVar(cf, name, shape)
	if err != nil {
		return nil, fmt.Errorf("diags: reading %s from %s: %v", name, path, err)
	}
	o := sparse.ZerosDense(shape...)
	copy(o.Elements, vals)
	return o, nil
}

// varShape returns the dimension lengths of v, with the record dimension
// replaced by the number of records.
func varShape(f *os.File, cf *cdf.File, v string) ([]int, error) {
	lengths := cf.Header.Lengths(v)
	if lengths == nil {
		return nil, fmt.Errorf("diags: no variable %s in %s", v, f.Name())
	}
	shape := append([]int(nil), lengths...)
	if cf.Header.IsRecordVariable(v) {
		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}
		shape[0] = int(cf.Header.NumRecs(fi.Size()))
	}
	return shape, nil
}

func product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// readVar reads all values of a numeric variable as float64.
func readVar(cf *cdf.File, v string, shape []int) ([]float64, error) {
	n := product(shape)
	if n == 0 {
		return nil, nil
	}
	begin := make([]int, len(shape))
	end := make([]int, len(shape))
	for i, s := range shape {
		end[i] = s - 1
	}
	buf := cf.Header.ZeroValue(v, n)
	if _, err := cf.Reader(v, begin, end).Read(buf); err != nil && err != io.EOF {
		return nil, err
	}
	o := make([]float64, n)
	switch b := buf.(type) {
	case []float64:
		copy(o, b)
	case []float32:
		for i, x := range b {
			o[i] = float64(x)
		}
	case []int32:
		for i, x := range b {
			o[i] = float64(x)
		}
	case []int16:
		for i, x := range b {
			o[i] = float64(x)
		}
	case []uint8:
		for i, x := range b {
			o[i] = float64(x)
		}
	default:
		return nil, fmt.Errorf("unsupported type %T", buf)
	}
	return o, nil
}

// readLabels reads a two-dimensional character variable as strings.
func readLabels(cf *cdf.File, v string, shape []int) ([]string, error) {
	if len(shape) != 2 {
		return nil, fmt.Errorf("character coordinate %s must have 2 dimensions", v)
	}
	buf := make([]uint8, product(shape))
	if len(buf) > 0 {
		if _, err := cf.Reader(v, nil, nil).Read(buf); err != nil && err != io.EOF {
			return nil, err
		}
	}
	o := make([]string, shape[0])
	for i := range o {
		o[i] = strings.TrimRight(string(buf[i*shape[1]:(i+1)*shape[1]]), "\x00 ")
	}
	return o, nil
}

// readAxis builds the axis of dimension d and returns the names of the
// variables that it consumed.
func readAxis(f *os.File, cf *cdf.File, d string) (*Axis, []string, error) {
	h := cf.Header
	if h.Lengths(d) == nil {
		// No coordinate variable: use positions.
		var length int
		dims, lengths := h.Dimensions(""), h.Lengths("")
		for i := range dims {
			if dims[i] == d {
				length = lengths[i]
			}
		}
		a := &Axis{Name: d, Kind: SpatialAxis, Values: make([]float64, length)}
		for i := range a.Values {
			a.Values[i] = float64(i)
		}
		return a, nil, nil
	}
	shape, err := varShape(f, cf, d)
	if err != nil {
		return nil, nil, err
	}
	used := []string{d}
	a := &Axis{Name: d, Units: attrString(h.GetAttribute(d, "units"))}

	if _, ok := h.ZeroValue(d, 0).(string); ok {
		a.Kind = CategoricalAxis
		if a.Labels, err = readLabels(cf, d, shape); err != nil {
			return nil, nil, err
		}
		return a, used, nil
	}
	if a.Values, err = readVar(cf, d, shape); err != nil {
		return nil, nil, err
	}

	kind := attrString(h.GetAttribute(d, attrAxisKind))
	if kind == "" {
		// A file from elsewhere: classify by name and units.
		if d == "time" || strings.Contains(a.Units, " since ") {
			times, err := parseTimes(a.Values, a.Units)
			if err != nil {
				return nil, nil, err
			}
			return NewTimeAxis(d, times), used, nil
		}
		a.Kind = SpatialAxis
		return a, used, nil
	}
	if a.Kind, err = ParseAxisKind(kind); err != nil {
		return nil, nil, err
	}
	for _, attr := range h.Attributes(d) {
		switch attr {
		case "units", attrAxisKind, attrAuxiliary:
		default:
			if a.Attrs == nil {
				a.Attrs = make(map[string]string)
			}
			a.Attrs[attr] = attrString(h.GetAttribute(d, attr))
		}
	}
	if aux := attrString(h.GetAttribute(d, attrAuxiliary)); aux != "" {
		a.Aux = make(map[string][]float64)
		for _, name := range strings.Fields(aux) {
			v := d + "_" + name
			s, err := varShape(f, cf, v)
			if err != nil {
				return nil, nil, err
			}
			if a.Aux[name], err = readVar(cf, v, s); err != nil {
				return nil, nil, err
			}
			used = append(used, v)
		}
	}
	return a, used, nil
}

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05.0",
	"2006-01-02",
}

// parseTimes converts CF-style "<unit> since <date>" values to times.
func parseTimes(values []float64, units string) ([]time.Time, error) {
	parts := strings.SplitN(units, " since ", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid time units %q", units)
	}
	var step time.Duration
	switch strings.TrimSpace(parts[0]) {
	case "days", "day":
		step = 24 * time.Hour
	case "hours", "hour":
		step = time.Hour
	case "minutes", "minute":
		step = time.Minute
	case "seconds", "second", "s":
		step = time.Second
	default:
		return nil, fmt.Errorf("invalid time units %q", units)
	}
	ref := strings.TrimSpace(parts[1])
	var t0 time.Time
	var err error
	for _, l := range timeLayouts {
		if t0, err = time.Parse(l, ref); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("invalid reference time in %q", units)
	}
	o := make([]time.Time, len(values))
	for i, v := range values {
		o[i] = t0.Add(time.Duration(math.Round(v * float64(step))))
	}
	return o, nil
}

func dtypeName(zero interface{}) string {
	switch zero.(type) {
	case string:
		return "char"
	case []uint8:
		return "uint8"
	case []int16:
		return "int16"
	case []int32:
		return "int32"
	case []float32:
		return "float32"
	case []float64:
		return "float64"
	}
	return "unknown"
}

// attrString formats an attribute value read by cdf.
func attrString(v interface{}) string {
	switch a := v.(type) {
	case nil:
		return ""
	case string:
		return a
	case []uint8:
		return string(a)
	case []float64:
		if len(a) == 1 {
			return strconv.FormatFloat(a[0], 'g', -1, 64)
		}
	case []float32:
		if len(a) == 1 {
			return strconv.FormatFloat(float64(a[0]), 'g', -1, 32)
		}
	case []int32:
		if len(a) == 1 {
			return strconv.Itoa(int(a[0]))
		}
	case []int16:
		if len(a) == 1 {
			return strconv.Itoa(int(a[0]))
		}
	}
	return fmt.Sprint(v)
}

// Field is a loaded variable ready to be written.
type Field struct {
	Name  string
	Axes  []*Axis
	Attrs map[string]string
	Data  *sparse.DenseArray

	// Floats holds numeric attributes.
	Floats map[string]float64
}

// WriteNetCDF writes fields and their axes to w. Axes with the same name
// must be identical.
func WriteNetCDF(w *os.File, global map[string]string, fields ...*Field) error {
	var axes []*Axis
	byName := make(map[string]*Axis)
	for _, fld := range fields {
		if len(fld.Data.Elements) != product(fld.Data.Shape) || len(fld.Data.Shape) != len(fld.Axes) {
			return fmt.Errorf("diags: writing %s: data shape %v does not match %d axes", fld.Name, fld.Data.Shape, len(fld.Axes))
		}
		for i, a := range fld.Axes {
			if a.Len() == 0 {
				return fmt.Errorf("diags: writing %s: axis %s is empty", fld.Name, a.Name)
			}
			if fld.Data.Shape[i] != a.Len() {
				return fmt.Errorf("diags: writing %s: axis %s has length %d but data has %d", fld.Name, a.Name, a.Len(), fld.Data.Shape[i])
			}
			if b, ok := byName[a.Name]; ok {
				if !b.Equal(a) {
					return fmt.Errorf("diags: writing %s: conflicting definitions of axis %s", fld.Name, a.Name)
				}
				continue
			}
			byName[a.Name] = a
			axes = append(axes, a)
		}
	}

	var dims []string
	var lengths []int
	for _, a := range axes {
		dims = append(dims, a.Name)
		lengths = append(lengths, a.Len())
		if a.Kind == CategoricalAxis {
			dims = append(dims, a.Name+"_strlen")
			lengths = append(lengths, maxLen(a.Labels))
		}
	}
	h := cdf.NewHeader(dims, lengths)
	for _, k := range sortedKeys(global) {
		if global[k] != "" {
			h.AddAttribute("", k, global[k])
		}
	}
	for _, a := range axes {
		if a.Kind == CategoricalAxis {
			h.AddVariable(a.Name, []string{a.Name, a.Name + "_strlen"}, "")
		} else {
			h.AddVariable(a.Name, []string{a.Name}, []float64{0})
		}
		h.AddAttribute(a.Name, attrAxisKind, a.Kind.String())
		if a.Units != "" {
			h.AddAttribute(a.Name, "units", a.Units)
		}
		for _, k := range sortedKeys(a.Attrs) {
			if a.Attrs[k] != "" {
				h.AddAttribute(a.Name, k, a.Attrs[k])
			}
		}
		if aux := a.AuxNames(); len(aux) > 0 {
			h.AddAttribute(a.Name, attrAuxiliary, strings.Join(aux, " "))
			for _, n := range aux {
				h.AddVariable(a.Name+"_"+n, []string{a.Name}, []float64{0})
				h.AddAttribute(a.Name+"_"+n, attrAuxOf, a.Name)
			}
		}
	}
	for _, fld := range fields {
		names := make([]string, len(fld.Axes))
		for i, a := range fld.Axes {
			names[i] = a.Name
		}
		h.AddVariable(fld.Name, names, []float64{0})
		for _, k := range sortedKeys(fld.Attrs) {
			if _, ok := fld.Floats[k]; !ok && fld.Attrs[k] != "" {
				h.AddAttribute(fld.Name, k, fld.Attrs[k])
			}
		}
		fk := make([]string, 0, len(fld.Floats))
		for k := range fld.Floats {
			fk = append(fk, k)
		}
		sort.Strings(fk)
		for _, k := range fk {
			h.AddAttribute(fld.Name, k, []float64{fld.Floats[k]})
		}
	}
	h.Define()

	f, err := cdf.Create(w, h)
	if err != nil {
		return fmt.Errorf("diags: creating netCDF file: %v", err)
	}
	for _, a := range axes {
		if a.Kind == CategoricalAxis {
			n := maxLen(a.Labels)
			buf := make([]uint8, n*len(a.Labels))
			for i, l := range a.Labels {
				copy(buf[i*n:], l)
			}
			if err := write(f, a.Name, buf); err != nil {
				return err
			}
			continue
		}
		if err := write(f, a.Name, a.Values); err != nil {
			return err
		}
		for _, n := range a.AuxNames() {
			if err := write(f, a.Name+"_"+n, a.Aux[n]); err != nil {
				return err
			}
		}
	}
	for _, fld := range fields {
		if err := write(f, fld.Name, fld.Data.Elements); err != nil {
			return err
		}
	}
	if err := cdf.UpdateNumRecs(w); err != nil {
		return fmt.Errorf("diags: writing netCDF file: %v", err)
	}
	return nil
}

func write(f *cdf.File, v string, data interface{}) error {
	if _, err := f.Writer(v, nil, nil).Write(data); err != nil && err != io.EOF {
		return fmt.Errorf("diags: writing variable %s to netCDF file: %v", v, err)
	}
	return nil
}

func maxLen(s []string) int {
	n := 1
	for _, l := range s {
		if len(l) > n {
			n = len(l)
		}
	}
	return n
}

func sortedKeys(m map[string]string) []string {
	o := make([]string, 0, len(m))
	for k := range m {
		o = append(o, k)
	}
	sort.Strings(o)
	return o
}
