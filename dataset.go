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
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ctessum/requestcache"
	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// Overlap chooses what happens when several source files supply the
// same output position.
type Overlap int

const (
	// LastWins processes sources in sorted path order and keeps the
	// value from the last one.
	LastWins Overlap = iota

	// RejectOverlap makes Load return an *OverlapError.
	RejectOverlap
)

// Options configure FromFiles.
type Options struct {
	// Manifest is the path of the file manifest. If empty, the manifest
	// is kept in memory only.
	Manifest string

	// CommonAxis, if set, names an axis (typically "time") that is
	// unified across all files before domains are computed, so that all
	// variables sharing it get a single axis with the union of all values.
	CommonAxis string

	// Manager is the axis manager for this load. If nil a new one is used.
	Manager *AxisManager

	// Reader reads and memoizes variable data for the returned
	// variables. If nil, a reader shared by all loads is used.
	Reader *FileReader

	Overlap Overlap

	Log logrus.FieldLogger
}

// Dataset is a group of variables sharing a covering domain.
type Dataset struct {
	Vars []*Var
}

// Var returns the named variable, or nil.
func (d *Dataset) Var(name string) *Var {
	for _, v := range d.Vars {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// Names returns the names of the variables in the dataset.
func (d *Dataset) Names() []string {
	o := make([]string, len(d.Vars))
	for i, v := range d.Vars {
		o[i] = v.Name
	}
	return o
}

// FindVar returns every variable called name across datasets.
func FindVar(datasets []*Dataset, name string) []*Var {
	var o []*Var
	for _, d := range datasets {
		if v := d.Var(name); v != nil {
			o = append(o, v)
		}
	}
	return o
}

// FromFiles scans files with adapter a and returns one decoded Dataset
// per covering domain. No variable data is read.
func FromFiles(files []string, a Adapter, o *Options) ([]*Dataset, error) {
	if o == nil {
		o = new(Options)
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	if o.Manager == nil {
		o.Manager = NewAxisManager()
	}
	s := &Scanner{Adapter: a, Manifest: o.Manifest, Manager: o.Manager, Log: o.Log}
	table, err := s.Scan(files)
	if err != nil {
		return nil, err
	}
	return fromTable(table, a, o)
}

type tableEntry struct {
	path  string
	entry *Entry
	axes  []*Axis // entry.Axes, with the common axis substituted
}

func fromTable(table Table, a Adapter, o *Options) ([]*Dataset, error) {
	m := o.Manager
	var entries []tableEntry
	for _, p := range table.Paths() {
		for _, e := range table[p].Vars {
			entries = append(entries, tableEntry{path: p, entry: e, axes: e.Axes})
		}
	}

	if o.CommonAxis != "" {
		var sample *Axis
		var union *ValueSet
		for _, te := range entries {
			for _, ax := range te.axes {
				if ax.Name != o.CommonAxis {
					continue
				}
				if sample == nil {
					sample, union = ax, m.Settify(ax)
				} else {
					union = m.Union(union, m.Settify(ax))
				}
			}
		}
		if sample != nil {
			common := m.Unsettify(sample, union)
			for i, te := range entries {
				axes := make([]*Axis, len(te.axes))
				for j, ax := range te.axes {
					if ax.Name == o.CommonAxis {
						ax = common
					}
					axes[j] = ax
				}
				entries[i].axes = axes
			}
		}
	}

	domains := make([]*Domain, len(entries))
	for i, te := range entries {
		domains[i] = NewDomain(m, append([]*Axis{NewCategoricalAxis(VarAxisName, te.entry.Name)}, te.axes...)...)
	}
	covering := CoveringDomains(m, domains)
	o.Log.WithFields(logrus.Fields{
		"entries": len(entries),
		"domains": len(covering),
	}).Debug("diags: computed covering domains")

	reader := o.Reader
	if reader == nil {
		reader = sharedReader()
	}
	gen := atomic.AddUint64(&loads, 1)

	var out []*Dataset
	for _, d := range covering {
		names := d.Set(VarAxisName)
		if names == nil {
			continue
		}
		ds := new(Dataset)
		for _, r := range names.Rows() {
			var srcs []source
			used := make(map[string]bool)
			for _, te := range entries {
				if te.entry.Name != r.Label || !overlaps(m, d, te.axes) {
					continue
				}
				srcs = append(srcs, source{path: te.path, adapter: a, entry: te.entry, gen: gen})
				for _, ax := range te.axes {
					used[ax.Name] = true
				}
			}
			if len(srcs) == 0 {
				continue
			}
			var axes []*Axis
			for i, s := range d.Samples {
				if s.Name != VarAxisName && used[s.Name] {
					axes = append(axes, m.Unsettify(s, d.Values[i]))
				}
			}
			first := srcs[0].entry
			ds.Vars = append(ds.Vars, &Var{
				Name:    r.Label,
				Axes:    axes,
				Attrs:   copyAttrs(first.Attrs),
				DType:   first.DType,
				m:       m,
				sources: srcs,
				reader:  reader,
				overlap: o.Overlap,
				log:     o.Log,
			})
		}
		if len(ds.Vars) == 0 {
			continue
		}
		decoded, err := a.Decode(ds)
		if err != nil {
			return nil, fmt.Errorf("diags: decoding %v: %v", ds.Names(), err)
		}
		out = append(out, decoded)
	}
	return out, nil
}

// overlaps reports whether every axis is part of d and shares at least one
// value with it.
func overlaps(m *AxisManager, d *Domain, axes []*Axis) bool {
	for _, ax := range axes {
		s := d.Set(ax.Name)
		if s == nil || m.Intersect(m.Settify(ax), s).Len() == 0 {
			return false
		}
	}
	return true
}

func copyAttrs(a map[string]string) map[string]string {
	o := make(map[string]string, len(a))
	for k, v := range a {
		o[k] = v
	}
	return o
}

// source is a file that can supply data for a variable.
type source struct {
	path    string
	adapter Adapter
	entry   *Entry
	gen     uint64
}

// Var is a lazily evaluated variable. Views created by Select, Between
// and WithAxis share the sources of the original variable.
type Var struct {
	Name  string
	Axes  []*Axis
	Attrs map[string]string
	DType string

	m       *AxisManager
	sources []source
	reader  *FileReader
	overlap Overlap
	log     logrus.FieldLogger

	inputs  []*Var
	compute ComputeFunc
}

// ComputeFunc fills out, whose dimensions correspond to axes, from the
// data of the inputs of a derived variable. The inputs have been loaded
// over the same axes wherever they share an axis name with out.
type ComputeFunc func(out *sparse.DenseArray, axes []*Axis, inputs []*sparse.DenseArray) error

// NewDerivedVar returns a variable computed from other variables when it
// is loaded. inputs must be non-empty.
func NewDerivedVar(name string, axes []*Axis, attrs map[string]string, inputs []*Var, f ComputeFunc) *Var {
	return &Var{
		Name:    name,
		Axes:    axes,
		Attrs:   attrs,
		DType:   "float64",
		m:       inputs[0].m,
		log:     inputs[0].log,
		inputs:  inputs,
		compute: f,
	}
}

// Shape returns the length of each axis.
func (v *Var) Shape() []int {
	o := make([]int, len(v.Axes))
	for i, a := range v.Axes {
		o[i] = a.Len()
	}
	return o
}

// AxisIndex returns the position of the named axis, or -1.
func (v *Var) AxisIndex(name string) int {
	for i, a := range v.Axes {
		if a.Name == name {
			return i
		}
	}
	return -1
}

// Axis returns the named axis, or nil.
func (v *Var) Axis(name string) *Axis {
	if i := v.AxisIndex(name); i >= 0 {
		return v.Axes[i]
	}
	return nil
}

// TimeAxis returns the first temporal axis, or nil.
func (v *Var) TimeAxis() *Axis {
	for _, a := range v.Axes {
		if a.Kind == TemporalAxis {
			return a
		}
	}
	return nil
}

// Files returns the source files of v and of any variables it is derived from.
func (v *Var) Files() []string {
	seen := make(map[string]bool)
	var o []string
	var walk func(*Var)
	walk = func(v *Var) {
		for _, s := range v.sources {
			if !seen[s.path] {
				seen[s.path] = true
				o = append(o, s.path)
			}
		}
		for _, in := range v.inputs {
			walk(in)
		}
	}
	walk(v)
	sort.Strings(o)
	return o
}

// Manager returns the axis manager v was created with.
func (v *Var) Manager() *AxisManager { return v.m }

func (v *Var) copy() *Var {
	c := *v
	c.Axes = append([]*Axis(nil), v.Axes...)
	c.Attrs = copyAttrs(v.Attrs)
	return &c
}

// Select returns a view of v restricted to the elements of the named axis
// for which keep returns true, in their original order.
func (v *Var) Select(name string, keep func(i int, r Row) bool) *Var {
	i := v.AxisIndex(name)
	if i < 0 {
		return v
	}
	a := v.Axes[i]
	var rows []Row
	for j, r := range v.m.Flatten(a) {
		if keep(j, r) {
			rows = append(rows, r)
		}
	}
	c := v.copy()
	c.Axes[i] = v.m.Lookup(fromRows(a, rows))
	return c
}

// Between returns a view of v restricted to lo <= value <= hi along the
// named axis.
func (v *Var) Between(name string, lo, hi float64) *Var {
	return v.Select(name, func(_ int, r Row) bool { return r.Value >= lo && r.Value <= hi })
}

// WithAxis returns a view of v with the axis of the same name replaced by
// a. Output positions are matched to source data by exact coordinate.
func (v *Var) WithAxis(a *Axis) *Var {
	i := v.AxisIndex(a.Name)
	if i < 0 {
		return v
	}
	c := v.copy()
	c.Axes[i] = v.m.Lookup(a)
	return c
}

// restrict replaces the axes of v with the same-named axes in axes.
func (v *Var) restrict(axes []*Axis) *Var {
	c := v.copy()
	for i, a := range c.Axes {
		for _, b := range axes {
			if b.Name == a.Name {
				c.Axes[i] = b
			}
		}
	}
	return c
}

// Load reads the data of v. Positions that no source file covers are NaN.
func (v *Var) Load(ctx context.Context) (*sparse.DenseArray, error) {
	out := sparse.ZerosDense(v.Shape()...)
	for i := range out.Elements {
		out.Elements[i] = math.NaN()
	}
	if v.compute != nil {
		ins := make([]*sparse.DenseArray, len(v.inputs))
		for i, in := range v.inputs {
			d, err := in.restrict(v.Axes).Load(ctx)
			if err != nil {
				return nil, err
			}
			ins[i] = d
		}
		if err := v.compute(out, v.Axes, ins); err != nil {
			return nil, fmt.Errorf("diags: computing %s: %v", v.Name, err)
		}
		return out, nil
	}

	plans, err := v.plan()
	if err != nil {
		return nil, err
	}
	var owner []int32
	if v.overlap == RejectOverlap {
		owner = make([]int32, len(out.Elements))
		for i := range owner {
			owner[i] = -1
		}
	}
	for pi, p := range plans {
		data, err := v.reader.read(ctx, p.src)
		if err != nil {
			return nil, err
		}
		if err := v.scatter(out, data, p, plans, int32(pi), owner); err != nil {
			return nil, err
		}
	}

	missing := 0
	for _, e := range out.Elements {
		if math.IsNaN(e) {
			missing++
		}
	}
	if missing > 0 && v.log != nil {
		w := &DataGapWarning{Var: v.Name, Missing: missing, Total: len(out.Elements)}
		v.log.WithFields(logrus.Fields{
			"var":     w.Var,
			"missing": w.Missing,
			"total":   w.Total,
		}).Warn(w.Error())
	}
	return out, nil
}

// readPlan maps the positions of one source file into the output.
type readPlan struct {
	src source
	// dim[i] is the source dimension of output axis i.
	dim []int
	// from[i] and to[i] are matching positions along output axis i in
	// the source and the output.
	from, to [][]int
}

func (v *Var) plan() ([]readPlan, error) {
	outPos := make([]map[Row]int, len(v.Axes))
	for i, a := range v.Axes {
		outPos[i] = make(map[Row]int, a.Len())
		for j, r := range v.m.Flatten(a) {
			outPos[i][r] = j
		}
	}
	var plans []readPlan
	for _, s := range v.sources {
		p := readPlan{
			src:  s,
			dim:  make([]int, len(v.Axes)),
			from: make([][]int, len(v.Axes)),
			to:   make([][]int, len(v.Axes)),
		}
		usable := true
		adv := make(map[string]bool)
		matched := make([]bool, len(s.entry.Axes))
		for i, a := range v.Axes {
			d := -1
			for j, sa := range s.entry.Axes {
				if sa.Name == a.Name {
					d = j
				}
			}
			if d < 0 {
				usable = false
				break
			}
			matched[d] = true
			p.dim[i] = d
			last := -1
			for k, r := range v.m.Flatten(s.entry.Axes[d]) {
				if o, ok := outPos[i][r]; ok {
					p.from[i] = append(p.from[i], k)
					p.to[i] = append(p.to[i], o)
					if o < last {
						adv[a.Name] = true
					}
					last = o
				}
			}
			if len(p.from[i]) == 0 {
				usable = false
				break
			}
		}
		for j, ok := range matched {
			if !ok && s.entry.Axes[j].Len() != 1 {
				usable = false
			}
		}
		if !usable {
			continue
		}
		if len(adv) > 1 {
			e := &UnsupportedIndexingError{Var: v.Name}
			for n := range adv {
				e.Axes = append(e.Axes, n)
			}
			sort.Strings(e.Axes)
			return nil, e
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// scatter copies the planned source positions into out.
func (v *Var) scatter(out, data *sparse.DenseArray, p readPlan, plans []readPlan, pi int32, owner []int32) error {
	if len(data.Shape) != len(p.src.entry.Axes) {
		return fmt.Errorf("diags: %s in %s has %d dimensions; expected %d",
			p.src.entry.Name, p.src.path, len(data.Shape), len(p.src.entry.Axes))
	}
	for j, a := range p.src.entry.Axes {
		if data.Shape[j] != a.Len() {
			return fmt.Errorf("diags: %s in %s has shape %v; axis %s has length %d",
				p.src.entry.Name, p.src.path, data.Shape, a.Name, a.Len())
		}
	}
	n := len(v.Axes)
	counter := make([]int, n)
	srcIdx := make([]int, len(data.Shape))
	outIdx := make([]int, n)
	for {
		for i := 0; i < n; i++ {
			srcIdx[p.dim[i]] = p.from[i][counter[i]]
			outIdx[i] = p.to[i][counter[i]]
		}
		k := out.Index1d(outIdx...)
		if owner != nil {
			if prev := owner[k]; prev >= 0 && prev != pi {
				return &OverlapError{Var: v.Name, First: plans[prev].src.path, Second: p.src.path}
			}
			owner[k] = pi
		}
		out.Elements[k] = data.Get(srcIdx...)

		i := n - 1
		for ; i >= 0; i-- {
			counter[i]++
			if counter[i] < len(p.from[i]) {
				break
			}
			counter[i] = 0
		}
		if i < 0 {
			return nil
		}
	}
}

// FileReader memoizes whole-variable reads. Its workers live as long as
// the program, so create one per long-lived owner and share it.
type FileReader struct {
	cache *requestcache.Cache
}

// NewFileReader returns a reader that keeps the last size reads in memory.
func NewFileReader(size int) *FileReader {
	return &FileReader{
		cache: requestcache.NewCache(func(ctx context.Context, req interface{}) (interface{}, error) {
			s := req.(source)
			return s.adapter.ReadFile(s.path, s.entry.Name)
		}, runtime.GOMAXPROCS(-1), requestcache.Deduplicate(), requestcache.Memory(size)),
	}
}

var (
	defaultReader     *FileReader
	defaultReaderOnce sync.Once

	// loads numbers each call to FromFiles.
	loads uint64
)

func sharedReader() *FileReader {
	defaultReaderOnce.Do(func() { defaultReader = NewFileReader(16) })
	return defaultReader
}

func (r *FileReader) read(ctx context.Context, s source) (*sparse.DenseArray, error) {
	// Reads are shared within one load only, so a rewritten file is
	// read again by the next load.
	key := fmt.Sprintf("%s\x00%s\x00%s\x00%d", s.adapter.Name(), s.path, s.entry.Name, s.gen)
	res, err := r.cache.NewRequest(ctx, s, key).Result()
	if err != nil {
		return nil, fmt.Errorf("diags: reading %s from %s: %v", s.entry.Name, s.path, err)
	}
	return res.(*sparse.DenseArray), nil
}
