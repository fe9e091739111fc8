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

// Package cache stores derived variables as netCDF artifacts so that
// expensive diagnostics are computed once. Artifacts are named by a hash
// of the variable's non-time domain and, for time-varying data, by the
// date range they cover.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ctessum/requestcache"
	"github.com/sirupsen/logrus"

	diags "github.com/neishm/EC-CAS-diags-sub001"
	"github.com/neishm/EC-CAS-diags-sub001/cloud"
	"github.com/neishm/EC-CAS-diags-sub001/internal/hash"
)

// ReadError is returned when a cache file that must exist cannot be found.
type ReadError struct {
	Name  string
	Roots []string
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("cache: %s not found in %s", e.Name, strings.Join(e.Roots, ", "))
}

// WriteError is returned when there is no writable location for a cache file.
type WriteError struct {
	Name string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cache: no writable location for %s: %v", e.Name, e.Err)
}

// Cache is a set of cache roots: one writable directory and any number of
// read-only fallbacks, which may be local directories or blob storage
// locations (see package cloud). A Cache is not safe for concurrent use,
// and only one process should write to a cache root at a time.
type Cache struct {
	WriteDir string
	ReadDirs []string

	// SplitTime makes Write compute and store one file per time step
	// before consolidating them, so that an interrupted computation can
	// be resumed and extended.
	SplitTime bool

	// Hooks are applied to every variable opened from the cache.
	Hooks []diags.DecodeStep

	Log logrus.FieldLogger

	adapter *diags.NetCDF
	reader  *diags.FileReader
	opened  *requestcache.Cache

	// beforeRename, if set, is called after an artifact has been written
	// to its temporary name and before it is renamed into place.
	beforeRename func(tmp, dst string) error
}

// New returns a cache that writes to writeDir and also reads from readDirs.
// writeDir may be empty for a read-only cache.
func New(writeDir string, readDirs ...string) *Cache {
	c := &Cache{
		WriteDir: writeDir,
		ReadDirs: readDirs,
		Log:      logrus.StandardLogger(),
		adapter:  &diags.NetCDF{Label: "cache"},
		reader:   diags.NewFileReader(16),
	}
	c.opened = requestcache.NewCache(c.open, 1, requestcache.Deduplicate(), requestcache.Memory(32))
	return c
}

func (c *Cache) roots() []string {
	var o []string
	if c.WriteDir != "" {
		o = append(o, c.WriteDir)
	}
	return append(o, c.ReadDirs...)
}

// FullPath returns the location of the cache file name, which may contain
// one leading subdirectory. If writable is false, the writable root is
// checked first and then each fallback; files found in blob storage are
// downloaded into the writable root. If the file is not found and
// mustExist is true a *ReadError is returned, otherwise the path where
// the file should be written is returned. A *WriteError is returned if
// there is no writable location. At most one missing directory is created.
func (c *Cache) FullPath(ctx context.Context, name string, mustExist, writable bool) (string, error) {
	if c.WriteDir != "" {
		p := filepath.Join(c.WriteDir, name)
		if exists(p) {
			return p, nil
		}
	}
	if writable {
		if mustExist {
			return "", &ReadError{Name: name, Roots: []string{c.WriteDir}}
		}
		return c.writablePath(name)
	}
	for _, root := range c.ReadDirs {
		if cloud.IsBlob(root) {
			if p, ok := c.fetch(ctx, root, name); ok {
				return p, nil
			}
			continue
		}
		p := filepath.Join(root, name)
		if exists(p) {
			return p, nil
		}
	}
	if mustExist {
		return "", &ReadError{Name: name, Roots: c.roots()}
	}
	return c.writablePath(name)
}

// fetch downloads name from a remote root into the writable root. No
// local directory is created unless the remote file exists.
func (c *Cache) fetch(ctx context.Context, root, name string) (string, bool) {
	log := c.Log.WithFields(logrus.Fields{"root": root, "name": name})
	if c.WriteDir == "" {
		log.Debug("cache: no writable directory to download into")
		return "", false
	}
	ok, err := cloud.Exists(ctx, root, filepath.ToSlash(name))
	if err != nil {
		log.WithError(err).Warn("cache: cannot reach remote cache")
		return "", false
	}
	if !ok {
		log.Debug("cache: not in remote cache")
		return "", false
	}
	dst, err := c.writablePath(name)
	if err != nil {
		log.WithError(err).Debug("cache: cannot download")
		return "", false
	}
	if err := cloud.Download(ctx, root, filepath.ToSlash(name), dst, c.Log); err != nil {
		if _, ok := err.(*cloud.NotFoundError); ok {
			log.Debug("cache: not in remote cache")
		} else {
			log.WithError(err).Warn("cache: download failed")
		}
		return "", false
	}
	log.Info("cache: downloaded")
	return dst, true
}

func (c *Cache) writablePath(name string) (string, error) {
	if c.WriteDir == "" {
		return "", &WriteError{Name: name, Err: errors.New("no writable cache directory")}
	}
	p := filepath.Join(c.WriteDir, name)
	dir := filepath.Dir(p)
	if err := ensureDir(dir); err != nil {
		return "", &WriteError{Name: name, Err: err}
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return "", &WriteError{Name: name, Err: err}
	}
	probe.Close()
	os.Remove(probe.Name())
	return p, nil
}

// ensureDir creates dir if it is missing and its parent exists.
func ensureDir(dir string) error {
	fi, err := os.Stat(dir)
	if err == nil {
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	if fi, err := os.Stat(filepath.Dir(dir)); err != nil || !fi.IsDir() {
		return fmt.Errorf("parent of %s does not exist", dir)
	}
	return os.Mkdir(dir, 0755)
}

func exists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

type hashAxis struct {
	Name   string
	Kind   string
	Units  string
	Values []float64
	Labels []string
	Aux    [][]float64
}

type hashDomain struct {
	Axes    []hashAxis
	Units   string
	Species string
}

// DomainHash returns a short printable fingerprint of the non-time axes of
// v and its units and species attributes. It does not depend on the order
// of the axes or of their coordinates.
func DomainHash(v *diags.Var) string {
	m := v.Manager()
	if m == nil {
		m = diags.NewAxisManager()
	}
	var axes []*diags.Axis
	for _, a := range v.Axes {
		if a.Kind != diags.TemporalAxis {
			axes = append(axes, a)
		}
	}
	sort.Slice(axes, func(i, j int) bool { return axes[i].Name < axes[j].Name })
	d := hashDomain{Units: v.Attrs["units"], Species: v.Attrs["species"]}
	for _, a := range axes {
		ha := hashAxis{Name: a.Name, Kind: a.Kind.String(), Units: a.Units}
		for _, r := range m.Settify(a).Rows() {
			ha.Values = append(ha.Values, r.Value)
			ha.Labels = append(ha.Labels, r.Label)
			ha.Aux = append(ha.Aux, r.Aux())
		}
		d.Axes = append(d.Axes, ha)
	}
	return hash.Short(d, 8)
}

type options struct {
	suffix string
}

// Option configures Write.
type Option func(*options)

// Suffix adds a label to the artifact name.
func Suffix(s string) Option {
	return func(o *options) { o.suffix = s }
}

type openRequest struct {
	path, name string
}

func (c *Cache) open(ctx context.Context, req interface{}) (interface{}, error) {
	r := req.(openRequest)
	ds, err := diags.FromFiles([]string{r.path}, c.adapter, &diags.Options{Reader: c.reader, Log: c.Log})
	if err != nil {
		return nil, err
	}
	vs := diags.FindVar(ds, r.name)
	if len(vs) == 0 {
		return nil, fmt.Errorf("cache: no variable %s in %s", r.name, r.path)
	}
	return vs[0], nil
}

// finish opens the artifact at path, applies the hooks and restores the
// original time axis.
func (c *Cache) finish(ctx context.Context, path, name string, ta *diags.Axis) (*diags.Var, error) {
	res, err := c.opened.NewRequest(ctx, openRequest{path: path, name: name}, path+"\x00"+name).Result()
	if err != nil {
		return nil, err
	}
	v := res.(*diags.Var)
	if len(c.Hooks) > 0 {
		ds, err := diags.ApplySteps(&diags.Dataset{Vars: []*diags.Var{v}}, c.Hooks...)
		if err != nil {
			return nil, err
		}
		if len(ds.Vars) == 0 {
			return nil, fmt.Errorf("cache: hooks removed %s", name)
		}
		v = ds.Vars[0]
	}
	if ta != nil {
		if i := v.AxisIndex(ta.Name); i >= 0 {
			v = v.WithAxis(ta)
			v.Axes[i] = ta
		}
	}
	return v, nil
}
