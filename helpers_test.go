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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctessum/sparse"
)

// memAdapter serves entries and data from memory for files that exist on
// disk (so they have modification times), and counts file opens.
type memAdapter struct {
	entries map[string][]*Entry
	data    map[string]map[string]*sparse.DenseArray
	opens   map[string]int
	reads   int
}

func newMemAdapter() *memAdapter {
	return &memAdapter{
		entries: make(map[string][]*Entry),
		data:    make(map[string]map[string]*sparse.DenseArray),
		opens:   make(map[string]int),
	}
}

// add creates an empty file at path and registers a variable for it.
func (a *memAdapter) add(t *testing.T, path string, e *Entry, data *sparse.DenseArray) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	path = filepath.Clean(path)
	a.entries[path] = append(a.entries[path], e)
	if a.data[path] == nil {
		a.data[path] = make(map[string]*sparse.DenseArray)
	}
	a.data[path][e.Name] = data
}

func (a *memAdapter) Name() string { return "mem" }

func (a *memAdapter) FindFiles(dir string) ([]string, error) {
	return Glob(filepath.Join(dir, "*"))
}

func (a *memAdapter) OpenFile(path string) ([]*Entry, error) {
	a.opens[path]++
	es, ok := a.entries[path]
	if !ok {
		return nil, fmt.Errorf("no such file %s", path)
	}
	// Return copies so the scanner cannot alias our fixtures.
	o := make([]*Entry, len(es))
	for i, e := range es {
		c := *e
		c.Axes = append([]*Axis(nil), e.Axes...)
		o[i] = &c
	}
	return o, nil
}

func (a *memAdapter) ReadFile(path, name string) (*sparse.DenseArray, error) {
	a.reads++
	d, ok := a.data[path][name]
	if !ok {
		return nil, fmt.Errorf("no variable %s in %s", name, path)
	}
	return d, nil
}

func (a *memAdapter) Decode(ds *Dataset) (*Dataset, error) { return ds, nil }

// hourly returns n hourly times starting at t0.
func hourly(t0 time.Time, n int) []time.Time {
	o := make([]time.Time, n)
	for i := range o {
		o[i] = t0.Add(time.Duration(i) * time.Hour)
	}
	return o
}

// fill returns an array of the given shape whose elements are f(index).
func fill(f func(idx []int) float64, shape ...int) *sparse.DenseArray {
	a := sparse.ZerosDense(shape...)
	for i := range a.Elements {
		a.Elements[i] = f(a.IndexNd(i))
	}
	return a
}

// writeTestFile writes fields to a new netCDF file at path.
func writeTestFile(t *testing.T, path string, fields ...*Field) {
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := WriteNetCDF(f, map[string]string{"title": "test"}, fields...); err != nil {
		t.Fatal(err)
	}
}

// vector returns a one-dimensional array holding values.
func vector(values ...float64) *sparse.DenseArray {
	a := sparse.ZerosDense(len(values))
	copy(a.Elements, values)
	return a
}
