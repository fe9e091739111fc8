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

package diagsutil

import (
	"context"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"

	diags "github.com/neishm/EC-CAS-diags-sub001"
	"github.com/neishm/EC-CAS-diags-sub001/cache"
	"github.com/neishm/EC-CAS-diags-sub001/cloud"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// describe returns a one-line description of v such as
// "CO2(time=24, station=3) [ppm]".
func describe(v *diags.Var) string {
	return describeAxes(v.Name, v.Axes, v.Attrs)
}

func describeAxes(name string, axes []*diags.Axis, attrs map[string]string) string {
	dims := make([]string, len(axes))
	for i, a := range axes {
		dims[i] = fmt.Sprintf("%s=%d", a.Name, a.Len())
	}
	s := fmt.Sprintf("%s(%s)", name, strings.Join(dims, ", "))
	if u := attrs["units"]; u != "" {
		s += " [" + u + "]"
	}
	return s
}

// PrintTable writes the variables of each scanned file to w.
func PrintTable(w io.Writer, t diags.Table) error {
	for _, p := range t.Paths() {
		f := t[p]
		if _, err := fmt.Fprintf(w, "%s (%s)\n", p, f.Adapter); err != nil {
			return err
		}
		for _, e := range f.Vars {
			if _, err := fmt.Fprintf(w, "\t%s %s\n", describeAxes(e.Name, e.Axes, e.Attrs), e.DType); err != nil {
				return err
			}
		}
	}
	return nil
}

// PrintDatasets writes the variables of each dataset to w.
func PrintDatasets(w io.Writer, datasets []*diags.Dataset) {
	for i, d := range datasets {
		fmt.Fprintf(w, "dataset %d:\n", i)
		for _, v := range d.Vars {
			fmt.Fprintf(w, "\t%s\n", describe(v))
		}
	}
}

// Summarize loads v and writes a description of its values to w.
func Summarize(ctx context.Context, w io.Writer, v *diags.Var) error {
	fmt.Fprintln(w, describe(v))
	for _, a := range v.Axes {
		if a.Kind == diags.TemporalAxis && a.Len() > 0 {
			t := a.Times()
			fmt.Fprintf(w, "\t%s: %s to %s\n", a.Name, t[0].Format("2006-01-02 15:04"), t[len(t)-1].Format("2006-01-02 15:04"))
		}
	}
	data, err := v.Load(ctx)
	if err != nil {
		return err
	}
	var finite []float64
	for _, x := range data.Elements {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			finite = append(finite, x)
		}
	}
	fmt.Fprintf(w, "\tvalues: %d, missing: %d\n", len(data.Elements), len(data.Elements)-len(finite))
	if len(finite) > 0 {
		fmt.Fprintf(w, "\tmin: %g, max: %g, mean: %g\n", floats.Min(finite), floats.Max(finite), stat.Mean(finite, nil))
	}
	return nil
}

// CacheVar saves v to c with names beginning with prefix, which defaults
// to the variable name.
func CacheVar(ctx context.Context, c *cache.Cache, v *diags.Var, prefix, suffix string) (*diags.Var, error) {
	if prefix == "" {
		prefix = v.Name
	}
	var opts []cache.Option
	if suffix != "" {
		opts = append(opts, cache.Suffix(suffix))
	}
	return c.Write(ctx, v, prefix, opts...)
}

// Push uploads the named files in the cache directory dir to the blob
// storage location remote and returns the names that were uploaded.
// If names is empty, every cache file in dir is uploaded.
func Push(ctx context.Context, dir, remote string, names []string) ([]string, error) {
	if !cloud.IsBlob(remote) {
		return nil, &diags.ConfigurationError{Msg: fmt.Sprintf("Remote %q is not a blob storage location", remote)}
	}
	if len(names) == 0 {
		files, err := diags.Glob(filepath.Join(dir, "*.nc"))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			names = append(names, filepath.Base(f))
		}
	}
	var uploaded []string
	for _, name := range names {
		if err := cloud.Upload(ctx, filepath.Join(dir, name), remote, name); err != nil {
			return uploaded, err
		}
		logrus.WithFields(logrus.Fields{"file": name, "remote": remote}).Info("uploaded cache file")
		uploaded = append(uploaded, name)
	}
	return uploaded, nil
}
