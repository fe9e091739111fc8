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
	"hash/fnv"
	"math"
	"sort"
)

// ValueSet is an immutable, sorted set of axis rows. ValueSets are
// created by an AxisManager, which guarantees that two sets with the same
// content are the same object, so sets can be compared by identity.
// A nil *ValueSet marks an axis that is masked out of a Domain.
type ValueSet struct {
	id   int
	rows []Row
}

// Len returns the number of rows in the set.
func (s *ValueSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rows)
}

// Rows returns the sorted rows of the set. The returned slice must not be modified.
func (s *ValueSet) Rows() []Row { return s.rows }

// Contains reports whether r is in the set.
func (s *ValueSet) Contains(r Row) bool {
	i := sort.Search(len(s.rows), func(i int) bool { return !rowLess(s.rows[i], r) })
	return i < len(s.rows) && s.rows[i] == r
}

// SubsetOf reports whether every row of s is in o.
func (s *ValueSet) SubsetOf(o *ValueSet) bool {
	if s == o {
		return true
	}
	if s.Len() > o.Len() {
		return false
	}
	j := 0
	for _, r := range s.rows {
		for j < len(o.rows) && rowLess(o.rows[j], r) {
			j++
		}
		if j == len(o.rows) || o.rows[j] != r {
			return false
		}
		j++
	}
	return true
}

type unflatKey struct {
	proto string
	set   int
}

// AxisManager interns axes and the set representations derived from them.
// Create one manager per top-level load operation and discard it
// afterwards; managers are not safe for concurrent use.
type AxisManager struct {
	axes      map[uint64][]*Axis
	sets      map[uint64][]*ValueSet
	nextSet   int
	flat      map[*Axis][]Row
	settified map[*Axis]*ValueSet
	unflat    map[unflatKey]*Axis
	unions    map[[2]int]*ValueSet
	inters    map[[2]int]*ValueSet
}

// NewAxisManager returns an empty manager.
func NewAxisManager() *AxisManager {
	return &AxisManager{
		axes:      make(map[uint64][]*Axis),
		sets:      make(map[uint64][]*ValueSet),
		flat:      make(map[*Axis][]Row),
		settified: make(map[*Axis]*ValueSet),
		unflat:    make(map[unflatKey]*Axis),
		unions:    make(map[[2]int]*ValueSet),
		inters:    make(map[[2]int]*ValueSet),
	}
}

// Lookup returns the canonical instance of a, registering a if no
// structurally identical axis has been seen.
func (m *AxisManager) Lookup(a *Axis) *Axis {
	h := a.structHash()
	for _, c := range m.axes[h] {
		if c == a || c.Equal(a) {
			return c
		}
	}
	m.axes[h] = append(m.axes[h], a)
	return a
}

// Flatten returns the rows of a in axis order.
func (m *AxisManager) Flatten(a *Axis) []Row {
	a = m.Lookup(a)
	if r, ok := m.flat[a]; ok {
		return r
	}
	r := a.rows()
	m.flat[a] = r
	return r
}

// Settify returns the rows of a as an unordered set.
func (m *AxisManager) Settify(a *Axis) *ValueSet {
	a = m.Lookup(a)
	if s, ok := m.settified[a]; ok {
		return s
	}
	s := m.Set(m.Flatten(a))
	m.settified[a] = s
	return s
}

// Unflatten reconstructs an axis of the same kind as sample from rows.
// The result does not depend on the order of rows: coordinates are sorted.
func (m *AxisManager) Unflatten(sample *Axis, rows []Row) *Axis {
	return m.Unsettify(sample, m.Set(rows))
}

// Unsettify reconstructs an axis of the same kind as sample from a set of rows.
func (m *AxisManager) Unsettify(sample *Axis, s *ValueSet) *Axis {
	k := unflatKey{proto: sample.prototype(), set: s.id}
	if a, ok := m.unflat[k]; ok {
		return a
	}
	a := m.Lookup(fromRows(sample, s.rows))
	m.unflat[k] = a
	m.settified[a] = s
	return a
}

// Set returns the interned set containing rows. Duplicate rows are dropped.
func (m *AxisManager) Set(rows []Row) *ValueSet {
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return rowLess(sorted[i], sorted[j]) })
	// Remove duplicates in place.
	n := 0
	for i, r := range sorted {
		if i == 0 || r != sorted[n-1] {
			sorted[n] = r
			n++
		}
	}
	return m.intern(sorted[:n])
}

func (m *AxisManager) intern(rows []Row) *ValueSet {
	h := hashRows(rows)
	for _, s := range m.sets[h] {
		if rowsEqual(s.rows, rows) {
			return s
		}
	}
	s := &ValueSet{id: m.nextSet, rows: rows}
	m.nextSet++
	m.sets[h] = append(m.sets[h], s)
	return s
}

// Union returns the union of a and b.
func (m *AxisManager) Union(a, b *ValueSet) *ValueSet {
	if a == b {
		return a
	}
	k := pairKey(a, b)
	if s, ok := m.unions[k]; ok {
		return s
	}
	rows := make([]Row, 0, len(a.rows)+len(b.rows))
	i, j := 0, 0
	for i < len(a.rows) || j < len(b.rows) {
		switch {
		case j == len(b.rows) || (i < len(a.rows) && rowLess(a.rows[i], b.rows[j])):
			rows = append(rows, a.rows[i])
			i++
		case i == len(a.rows) || rowLess(b.rows[j], a.rows[i]):
			rows = append(rows, b.rows[j])
			j++
		default:
			rows = append(rows, a.rows[i])
			i++
			j++
		}
	}
	s := m.intern(rows)
	m.unions[k] = s
	return s
}

// Intersect returns the intersection of a and b.
func (m *AxisManager) Intersect(a, b *ValueSet) *ValueSet {
	if a == b {
		return a
	}
	k := pairKey(a, b)
	if s, ok := m.inters[k]; ok {
		return s
	}
	var rows []Row
	i, j := 0, 0
	for i < len(a.rows) && j < len(b.rows) {
		switch {
		case rowLess(a.rows[i], b.rows[j]):
			i++
		case rowLess(b.rows[j], a.rows[i]):
			j++
		default:
			rows = append(rows, a.rows[i])
			i++
			j++
		}
	}
	s := m.intern(rows)
	m.inters[k] = s
	return s
}

func pairKey(a, b *ValueSet) [2]int {
	if a.id < b.id {
		return [2]int{a.id, b.id}
	}
	return [2]int{b.id, a.id}
}

func hashRows(rows []Row) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, r := range rows {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(r.Value))
		h.Write(buf[:])
		h.Write([]byte(r.Label))
		h.Write([]byte{0})
		h.Write([]byte(r.aux))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

func rowsEqual(a, b []Row) bool {
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
