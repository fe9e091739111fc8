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
	"sort"

	"github.com/ctessum/sparse"
)

// Adapter gives access to the files of one data source.
type Adapter interface {
	// Name is the source type tag the adapter is registered under.
	Name() string

	// FindFiles returns the data files in dir.
	FindFiles(dir string) ([]string, error)

	// OpenFile describes the variables in a file without reading their data.
	OpenFile(path string) ([]*Entry, error)

	// ReadFile reads all of the data of a variable, with dimensions in
	// the order of the Entry axes returned by OpenFile.
	ReadFile(path, name string) (*sparse.DenseArray, error)

	// Decode converts a dataset to standard field names and units and
	// adds derived fields.
	Decode(ds *Dataset) (*Dataset, error)
}

// DataNamer is implemented by adapters that can name the data in a directory.
type DataNamer interface {
	DataName(dir string) string
}

// Registry maps source type tags to adapters.
type Registry map[string]Adapter

// NewRegistry returns a registry holding adapters.
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry)
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds a to the registry, replacing any adapter with the same name.
func (r Registry) Register(a Adapter) {
	r[a.Name()] = a
}

// Lookup returns the adapter registered under name.
func (r Registry) Lookup(name string) (Adapter, error) {
	a, ok := r[name]
	if !ok {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("unknown adapter %q (valid options are %v)", name, r.Names())}
	}
	return a, nil
}

// Names returns the registered type tags in sorted order.
func (r Registry) Names() []string {
	o := make([]string, 0, len(r))
	for n := range r {
		o = append(o, n)
	}
	sort.Strings(o)
	return o
}

// Glob returns the files matching pattern, which must match at least one file.
func Glob(pattern string) ([]string, error) {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("invalid file pattern %q: %v", pattern, err)}
	}
	if len(files) == 0 {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("no files match %q", pattern)}
	}
	sort.Strings(files)
	return files, nil
}

// checkDir returns a ConfigurationError if dir is not a directory.
func checkDir(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return &ConfigurationError{Msg: fmt.Sprintf("missing directory %s", dir)}
	}
	if !fi.IsDir() {
		return &ConfigurationError{Msg: fmt.Sprintf("%s is not a directory", dir)}
	}
	return nil
}
