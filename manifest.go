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
	"compress/gzip"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// ManifestVersion is the version of the on-disk manifest format. Manifests
// with any other version are ignored and rebuilt.
const ManifestVersion = 2

// Entry describes one variable in a source file.
type Entry struct {
	Name  string
	Axes  []*Axis
	Attrs map[string]string
	DType string
}

// FileEntry holds the variables found in one source file.
type FileEntry struct {
	Adapter string
	Vars    []*Entry
}

// Table maps cleaned file paths to their contents.
type Table map[string]*FileEntry

// Paths returns the files in the table in sorted order.
func (t Table) Paths() []string {
	o := make([]string, 0, len(t))
	for p := range t {
		o = append(o, p)
	}
	sort.Strings(o)
	return o
}

// The records below are the on-disk schema of the manifest.

type manifestHeader struct {
	Version int `msgpack:"version"`
}

type manifestRecord struct {
	Version int          `msgpack:"version"`
	MTime   int64        `msgpack:"mtime"`
	Files   []fileRecord `msgpack:"files"`
}

type fileRecord struct {
	Path    string        `msgpack:"path"`
	Adapter string        `msgpack:"adapter"`
	Vars    []entryRecord `msgpack:"vars"`
}

type entryRecord struct {
	Name  string            `msgpack:"name"`
	DType string            `msgpack:"dtype"`
	Attrs map[string]string `msgpack:"attrs,omitempty"`
	Axes  []axisRecord      `msgpack:"axes"`
}

type axisRecord struct {
	Name   string               `msgpack:"name"`
	Kind   string               `msgpack:"kind"`
	Units  string               `msgpack:"units,omitempty"`
	Values []float64            `msgpack:"values,omitempty"`
	Labels []string             `msgpack:"labels,omitempty"`
	Aux    map[string][]float64 `msgpack:"aux,omitempty"`
	Attrs  map[string]string    `msgpack:"attrs,omitempty"`
}

// Scanner builds and maintains a manifest of source files.
type Scanner struct {
	// Adapter opens source files.
	Adapter Adapter

	// Manifest is the path of the persisted manifest. If it is empty,
	// nothing is read from or written to disk.
	Manifest string

	// Manager interns the axes of scanned entries. If nil, a new
	// manager is created for each scan.
	Manager *AxisManager

	Log logrus.FieldLogger
}

// Scan is shorthand for a Scanner scan.
func Scan(files []string, a Adapter, manifest string, m *AxisManager) (Table, error) {
	s := &Scanner{Adapter: a, Manifest: manifest, Manager: m}
	return s.Scan(files)
}

// Scan returns the manifest entries of files, opening only files that are
// missing from the persisted manifest or have been modified after it was
// written. The manifest is rewritten if anything changed.
func (s *Scanner) Scan(files []string) (Table, error) {
	if s.Log == nil {
		s.Log = logrus.StandardLogger()
	}
	if s.Manager == nil {
		s.Manager = NewAxisManager()
	}
	paths := cleanPaths(files)

	table, stored := s.load()
	newest := stored
	changed := false
	for i, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("diags: scanning %s: %v", p, err)
		}
		mtime := fi.ModTime().UnixNano()
		if mtime > newest {
			newest = mtime
		}
		if e, ok := table[p]; ok && e.Adapter == s.Adapter.Name() && mtime <= stored {
			continue
		}
		vars, err := s.Adapter.OpenFile(p)
		if err != nil {
			return nil, fmt.Errorf("diags: scanning %s: %v", p, err)
		}
		for _, v := range vars {
			for j, a := range v.Axes {
				v.Axes[j] = s.Manager.Lookup(a)
			}
		}
		table[p] = &FileEntry{Adapter: s.Adapter.Name(), Vars: vars}
		changed = true
		s.Log.WithFields(logrus.Fields{
			"file":    p,
			"vars":    len(vars),
			"percent": math.Round(float64(i+1) / float64(len(paths)) * 100),
		}).Info("diags: scanned file")
	}
	if changed && s.Manifest != "" {
		if err := s.save(table, newest); err != nil {
			return nil, err
		}
		s.Log.WithFields(logrus.Fields{
			"manifest": s.Manifest,
			"files":    len(table),
		}).Info("diags: updated manifest")
	}

	o := make(Table, len(paths))
	for _, p := range paths {
		o[p] = table[p]
	}
	return o, nil
}

// cleanPaths normalizes and deduplicates file names.
func cleanPaths(files []string) []string {
	seen := make(map[string]bool, len(files))
	o := make([]string, 0, len(files))
	for _, f := range files {
		f = filepath.Clean(f)
		if !seen[f] {
			seen[f] = true
			o = append(o, f)
		}
	}
	sort.Strings(o)
	return o
}

// load reads the persisted manifest. Any problem with the manifest results
// in an empty table, which causes every file to be rescanned.
func (s *Scanner) load() (Table, int64) {
	empty := make(Table)
	if s.Manifest == "" {
		return empty, math.MinInt64
	}
	log := s.Log.WithField("manifest", s.Manifest)
	f, err := os.Open(s.Manifest)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("diags: ignoring unreadable manifest")
		}
		return empty, math.MinInt64
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		log.WithError(err).Warn("diags: ignoring corrupt manifest")
		return empty, math.MinInt64
	}
	b, err := io.ReadAll(gz)
	if err != nil {
		log.WithError(err).Warn("diags: ignoring corrupt manifest")
		return empty, math.MinInt64
	}
	var h manifestHeader
	if err := msgpack.Unmarshal(b, &h); err != nil {
		log.WithError(err).Warn("diags: ignoring corrupt manifest")
		return empty, math.MinInt64
	}
	if h.Version != ManifestVersion {
		log.WithFields(logrus.Fields{
			"have": h.Version,
			"want": ManifestVersion,
		}).Debug("diags: manifest version mismatch; rescanning")
		return empty, math.MinInt64
	}
	var r manifestRecord
	if err := msgpack.Unmarshal(b, &r); err != nil {
		log.WithError(err).Warn("diags: ignoring corrupt manifest")
		return empty, math.MinInt64
	}
	t := make(Table, len(r.Files))
	for _, fr := range r.Files {
		fe := &FileEntry{Adapter: fr.Adapter, Vars: make([]*Entry, len(fr.Vars))}
		for i, er := range fr.Vars {
			e := &Entry{Name: er.Name, DType: er.DType, Attrs: er.Attrs, Axes: make([]*Axis, len(er.Axes))}
			for j, ar := range er.Axes {
				kind, err := ParseAxisKind(ar.Kind)
				if err != nil {
					log.WithError(err).Warn("diags: ignoring corrupt manifest")
					return empty, math.MinInt64
				}
				e.Axes[j] = s.Manager.Lookup(&Axis{
					Name:   ar.Name,
					Kind:   kind,
					Units:  ar.Units,
					Values: ar.Values,
					Labels: ar.Labels,
					Aux:    ar.Aux,
					Attrs:  ar.Attrs,
				})
			}
			fe.Vars[i] = e
		}
		t[fr.Path] = fe
	}
	return t, r.MTime
}

// save atomically replaces the manifest and sets its modification time to
// that of the newest scanned file.
func (s *Scanner) save(t Table, mtime int64) error {
	r := manifestRecord{Version: ManifestVersion, MTime: mtime}
	for _, p := range t.Paths() {
		fe := t[p]
		fr := fileRecord{Path: p, Adapter: fe.Adapter}
		for _, e := range fe.Vars {
			er := entryRecord{Name: e.Name, DType: e.DType, Attrs: e.Attrs}
			for _, a := range e.Axes {
				er.Axes = append(er.Axes, axisRecord{
					Name:   a.Name,
					Kind:   a.Kind.String(),
					Units:  a.Units,
					Values: a.Values,
					Labels: a.Labels,
					Aux:    a.Aux,
					Attrs:  a.Attrs,
				})
			}
			fr.Vars = append(fr.Vars, er)
		}
		r.Files = append(r.Files, fr)
	}
	b, err := msgpack.Marshal(&r)
	if err != nil {
		return fmt.Errorf("diags: encoding manifest: %v", err)
	}

	dir := filepath.Dir(s.Manifest)
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("diags: writing manifest: %v", err)
	}
	defer os.Remove(tmp.Name())
	gz := gzip.NewWriter(tmp)
	if _, err := gz.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("diags: writing manifest: %v", err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("diags: writing manifest: %v", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("diags: writing manifest: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("diags: writing manifest: %v", err)
	}
	if err := os.Rename(tmp.Name(), s.Manifest); err != nil {
		return fmt.Errorf("diags: writing manifest: %v", err)
	}
	t0 := time.Unix(0, mtime)
	if err := os.Chtimes(s.Manifest, t0, t0); err != nil {
		return fmt.Errorf("diags: setting manifest time: %v", err)
	}
	return nil
}
