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
	"math"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/ctessum/sparse"
)

// stepAdapter is a memAdapter that decodes with steps.
type stepAdapter struct {
	*memAdapter
	steps []DecodeStep
}

func (a *stepAdapter) Decode(ds *Dataset) (*Dataset, error) {
	return ApplySteps(ds, a.steps...)
}

func TestDecodeSteps(t *testing.T) {
	dir := t.TempDir()
	m := newMemAdapter()
	path := filepath.Join(dir, "model")
	lat := NewAxis("lat", "", 0, 1)
	m.add(t, path, &Entry{Name: "CO2_VMR", Axes: []*Axis{lat}, Attrs: map[string]string{"units": "mol/mol"}},
		vector(4e-4, 4.1e-4))
	m.add(t, path, &Entry{Name: "junk", Axes: []*Axis{lat}}, sparse.ZerosDense(2))
	m.add(t, path, &Entry{Name: "GZ", Axes: []*Axis{lat}}, sparse.ZerosDense(2))

	a := &stepAdapter{memAdapter: m, steps: []DecodeStep{
		Rename(map[string]string{"CO2_VMR": "CO2"}),
		Scale("CO2", 1e6, "ppm"),
		Drop("junk"),
		SetUnits(map[string]string{"GZ": "dam"}),
	}}
	datasets, err := FromFiles([]string{path}, a, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(datasets) != 1 {
		t.Fatalf("have %d datasets", len(datasets))
	}
	ds := datasets[0]
	names := ds.Names()
	if !reflect.DeepEqual(names, []string{"CO2", "GZ"}) {
		t.Errorf("have names %v", names)
	}
	if u := ds.Var("GZ").Attrs["units"]; u != "dam" {
		t.Errorf("GZ units %q", u)
	}
	co2 := ds.Var("CO2")
	if u := co2.Attrs["units"]; u != "ppm" {
		t.Errorf("CO2 units %q", u)
	}
	if !reflect.DeepEqual(co2.Files(), []string{path}) {
		t.Errorf("have files %v", co2.Files())
	}
	have, err := co2.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []float64{400, 410} {
		if math.Abs(have.Elements[i]-want) > 1e-9 {
			t.Errorf("element %d: have %g, want %g", i, have.Elements[i], want)
		}
	}
	// Selections of derived variables restrict their inputs.
	have, err = co2.Between("lat", 1, 1).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(have.Elements) != 1 || math.Abs(have.Elements[0]-410) > 1e-9 {
		t.Errorf("have %v", have.Elements)
	}
}

func TestHybridPressure(t *testing.T) {
	dir := t.TempDir()
	m := newMemAdapter()
	path := filepath.Join(dir, "model")
	lev := NewAxis("lev", "", 1, 2, 3)
	lat := NewAxis("lat", "", 0, 1)
	times := tAxis(0, 1)
	m.add(t, path, &Entry{Name: "A", Axes: []*Axis{lev}}, vector(0, 10, 20))
	m.add(t, path, &Entry{Name: "B", Axes: []*Axis{lev}}, vector(1, 0.5, 0))
	m.add(t, path, &Entry{Name: "P0", Axes: []*Axis{times, lat}},
		fill(func(idx []int) float64 { return 1000 + 10*float64(idx[0]) + float64(idx[1]) }, 2, 2))
	m.add(t, path, &Entry{Name: "TT", Axes: []*Axis{times, lev, lat}}, sparse.ZerosDense(2, 3, 2))

	a := &stepAdapter{memAdapter: m, steps: []DecodeStep{
		HybridPressure("A", "B", "P0", "air_pressure", 0.01, "hPa"),
	}}
	datasets, err := FromFiles([]string{path}, a, nil)
	if err != nil {
		t.Fatal(err)
	}
	ps := FindVar(datasets, "air_pressure")
	if len(ps) != 1 {
		t.Fatalf("have %d pressure variables, want 1", len(ps))
	}
	p := ps[0]
	var axisNames []string
	for _, ax := range p.Axes {
		axisNames = append(axisNames, ax.Name)
	}
	if !reflect.DeepEqual(axisNames, []string{"time", "lev", "lat"}) {
		t.Fatalf("have axes %v", axisNames)
	}
	if p.Attrs["units"] != "hPa" {
		t.Errorf("have units %q", p.Attrs["units"])
	}
	data, err := p.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := (10 + 0.5*1011) * 0.01; math.Abs(data.Get(1, 1, 1)-want) > 1e-9 {
		t.Errorf("have %g, want %g", data.Get(1, 1, 1), want)
	}
	if want := 1000 * 0.01; math.Abs(data.Get(0, 0, 0)-want) > 1e-9 {
		t.Errorf("have %g, want %g", data.Get(0, 0, 0), want)
	}

	// A view of one level and one time reads the matching inputs.
	view := p.Between("lev", 3, 3).Between("time", 1, 1)
	data, err = view.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(data.Shape, []int{1, 1, 2}) || math.Abs(data.Elements[0]-0.2) > 1e-12 {
		t.Errorf("have %v %v", data.Shape, data.Elements)
	}
}
