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
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/vmihailenco/msgpack/v5"
)

func setTime(t *testing.T, path string, sec int64) {
	tt := time.Unix(sec, 0)
	if err := os.Chtimes(path, tt, tt); err != nil {
		t.Fatal(err)
	}
}

// scanFixture creates n files with one hourly CO2 variable each.
func scanFixture(t *testing.T, dir string, n int) (*memAdapter, []string) {
	a := newMemAdapter()
	t0 := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	var files []string
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, string(rune('a'+i))+".nc")
		e := &Entry{
			Name:  "CO2",
			DType: "float64",
			Attrs: map[string]string{"units": "ppm"},
			Axes: []*Axis{
				NewTimeAxis("time", hourly(t0.Add(time.Duration(24*i)*time.Hour), 24)),
				NewAxis("lat", "degrees_north", -45, 0, 45),
			},
		}
		a.add(t, path, e, fill(func(idx []int) float64 { return float64(idx[0]) }, 24, 3))
		setTime(t, path, 1500000000)
		files = append(files, path)
	}
	return a, files
}

func totalOpens(a *memAdapter) int {
	n := 0
	for _, v := range a.opens {
		n += v
	}
	return n
}

func TestScanIncremental(t *testing.T) {
	dir := t.TempDir()
	a, files := scanFixture(t, dir, 3)
	manifest := filepath.Join(dir, "manifest")

	t1, err := Scan(files, a, manifest, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n := totalOpens(a); n != 3 {
		t.Errorf("first scan: %d opens, want 3", n)
	}
	if _, err := os.Stat(manifest); err != nil {
		t.Fatalf("manifest was not written: %v", err)
	}

	t.Run("unchanged", func(t *testing.T) {
		a.opens = make(map[string]int)
		t2, err := Scan(files, a, manifest, nil)
		if err != nil {
			t.Fatal(err)
		}
		if n := totalOpens(a); n != 0 {
			t.Errorf("rescan opened %d files", n)
		}
		compareTables(t, t1, t2)
	})
	t.Run("touched", func(t *testing.T) {
		a.opens = make(map[string]int)
		setTime(t, files[1], 1500000100)
		if _, err := Scan(files, a, manifest, nil); err != nil {
			t.Fatal(err)
		}
		if n := totalOpens(a); n != 1 || a.opens[files[1]] != 1 {
			t.Errorf("have opens %v, want only %s", a.opens, files[1])
		}
		// The manifest is now as new as the touched file.
		a.opens = make(map[string]int)
		if _, err := Scan(files, a, manifest, nil); err != nil {
			t.Fatal(err)
		}
		if n := totalOpens(a); n != 0 {
			t.Errorf("rescan after update opened %d files", n)
		}
	})
	t.Run("new file", func(t *testing.T) {
		a.opens = make(map[string]int)
		path := filepath.Join(dir, "z.nc")
		a.add(t, path, a.entries[files[0]][0], a.data[files[0]]["CO2"])
		setTime(t, path, 1400000000)
		if _, err := Scan(append(files, path), a, manifest, nil); err != nil {
			t.Fatal(err)
		}
		if n := totalOpens(a); n != 1 || a.opens[path] != 1 {
			t.Errorf("have opens %v, want only %s", a.opens, path)
		}
	})
}

func compareTables(t *testing.T, want, have Table) {
	t.Helper()
	if len(have) != len(want) {
		t.Fatalf("have %d files, want %d", len(have), len(want))
	}
	for p, wf := range want {
		hf, ok := have[p]
		if !ok {
			t.Errorf("missing %s", p)
			continue
		}
		if hf.Adapter != wf.Adapter || len(hf.Vars) != len(wf.Vars) {
			t.Errorf("%s: have %+v, want %+v", p, hf, wf)
			continue
		}
		for i, we := range wf.Vars {
			he := hf.Vars[i]
			if he.Name != we.Name || he.DType != we.DType || he.Attrs["units"] != we.Attrs["units"] {
				t.Errorf("%s: have entry %+v, want %+v", p, he, we)
			}
			if len(he.Axes) != len(we.Axes) {
				t.Errorf("%s %s: have %d axes, want %d", p, we.Name, len(he.Axes), len(we.Axes))
				continue
			}
			for j := range we.Axes {
				if !he.Axes[j].Equal(we.Axes[j]) {
					t.Errorf("%s %s: axis %d differs: %v != %v", p, we.Name, j, he.Axes[j], we.Axes[j])
				}
			}
		}
	}
}

func writeRawManifest(t *testing.T, path string, v interface{}) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(b)
	gz.Close()
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestScanProgress(t *testing.T) {
	a, files := scanFixture(t, t.TempDir(), 2)
	log, hook := test.NewNullLogger()
	s := &Scanner{Adapter: a, Log: log}
	if _, err := s.Scan(files); err != nil {
		t.Fatal(err)
	}
	var percent []interface{}
	for _, e := range hook.Entries {
		if e.Message == "diags: scanned file" && e.Level == logrus.InfoLevel {
			percent = append(percent, e.Data["percent"])
		}
	}
	if len(percent) != 2 || percent[0] != 50.0 || percent[1] != 100.0 {
		t.Errorf("have progress %v, want [50 100]", percent)
	}
}

func TestScanStaleManifest(t *testing.T) {
	for _, test := range []struct {
		name  string
		write func(t *testing.T, path string)
	}{
		{
			name: "old version",
			write: func(t *testing.T, path string) {
				writeRawManifest(t, path, manifestRecord{Version: ManifestVersion - 1, MTime: time.Now().UnixNano()})
			},
		},
		{
			name: "newer version",
			write: func(t *testing.T, path string) {
				writeRawManifest(t, path, map[string]interface{}{"version": ManifestVersion + 1, "other": "layout"})
			},
		},
		{
			name: "not gzip",
			write: func(t *testing.T, path string) {
				os.WriteFile(path, []byte("garbage"), 0644)
			},
		},
		{
			name: "not msgpack",
			write: func(t *testing.T, path string) {
				var buf bytes.Buffer
				gz := gzip.NewWriter(&buf)
				gz.Write([]byte{0xc1, 0xc1, 0xc1})
				gz.Close()
				os.WriteFile(path, buf.Bytes(), 0644)
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			dir := t.TempDir()
			a, files := scanFixture(t, dir, 2)
			manifest := filepath.Join(dir, "manifest")
			test.write(t, manifest)
			table, err := Scan(files, a, manifest, nil)
			if err != nil {
				t.Fatal(err)
			}
			if n := totalOpens(a); n != 2 {
				t.Errorf("have %d opens, want 2", n)
			}
			if len(table) != 2 {
				t.Errorf("have %d files, want 2", len(table))
			}
			// The rebuilt manifest is current.
			a.opens = make(map[string]int)
			if _, err := Scan(files, a, manifest, nil); err != nil {
				t.Fatal(err)
			}
			if n := totalOpens(a); n != 0 {
				t.Errorf("rebuilt manifest was not used: %d opens", n)
			}
		})
	}
}

func TestScanSubset(t *testing.T) {
	dir := t.TempDir()
	a, files := scanFixture(t, dir, 3)
	manifest := filepath.Join(dir, "manifest")
	if _, err := Scan(files, a, manifest, nil); err != nil {
		t.Fatal(err)
	}
	table, err := Scan(files[2:], a, manifest, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p := table.Paths(); len(p) != 1 || p[0] != files[2] {
		t.Errorf("have %v, want [%s]", p, files[2])
	}
	// Entries for the other files are kept on disk.
	a.opens = make(map[string]int)
	table, err = Scan(files, a, manifest, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(table) != 3 || totalOpens(a) != 0 {
		t.Errorf("have %d files and %d opens", len(table), totalOpens(a))
	}
}

func TestScanPaths(t *testing.T) {
	dir := t.TempDir()
	a, files := scanFixture(t, dir, 2)
	messy := []string{
		files[1],
		filepath.Join(dir, ".", filepath.Base(files[0])),
		dir + string(filepath.Separator) + "sub" + string(filepath.Separator) + ".." + string(filepath.Separator) + filepath.Base(files[1]),
	}
	table, err := Scan(messy, a, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p := table.Paths(); len(p) != 2 || p[0] != files[0] || p[1] != files[1] {
		t.Errorf("have %v, want %v", p, files)
	}
	if n := totalOpens(a); n != 2 {
		t.Errorf("have %d opens, want 2", n)
	}
}

func TestScanMissingFile(t *testing.T) {
	dir := t.TempDir()
	a, files := scanFixture(t, dir, 1)
	_, err := Scan(append(files, filepath.Join(dir, "missing.nc")), a, "", nil)
	if err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestScanAdapterChange(t *testing.T) {
	dir := t.TempDir()
	a, files := scanFixture(t, dir, 1)
	manifest := filepath.Join(dir, "manifest")
	if _, err := Scan(files, a, manifest, nil); err != nil {
		t.Fatal(err)
	}
	b := &renamedAdapter{memAdapter: a}
	a.opens = make(map[string]int)
	table, err := Scan(files, b, manifest, nil)
	if err != nil {
		t.Fatal(err)
	}
	if totalOpens(a) != 1 || table[files[0]].Adapter != "other" {
		t.Errorf("entry scanned by another adapter was reused: %+v", table[files[0]])
	}
}

type renamedAdapter struct{ *memAdapter }

func (renamedAdapter) Name() string { return "other" }
