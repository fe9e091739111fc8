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

package cache

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	diags "github.com/neishm/EC-CAS-diags-sub001"
)

// Write computes v, stores it in the cache as prefix_hash[_suffix][_start-end].nc,
// and returns the stored variable. If the artifact already exists it is
// opened instead of recomputed. The returned variable has the same time
// axis object as v.
func (c *Cache) Write(ctx context.Context, v *diags.Var, prefix string, opts ...Option) (*diags.Var, error) {
	o := new(options)
	for _, opt := range opts {
		opt(o)
	}
	for _, a := range v.Axes {
		if a.Len() == 0 {
			return nil, fmt.Errorf("cache: %s is empty along %s", v.Name, a.Name)
		}
	}
	base := prefix + "_" + DomainHash(v)
	if o.suffix != "" {
		base += "_" + o.suffix
	}
	log := c.Log.WithFields(logrus.Fields{"var": v.Name, "artifact": base})

	ta := v.TimeAxis()
	if ta == nil {
		name := base + ".nc"
		if p, err := c.FullPath(ctx, name, true, false); err == nil {
			log.Debug("cache: hit")
			return c.finish(ctx, p, v.Name, nil)
		} else if _, ok := err.(*ReadError); !ok {
			return nil, err
		}
		if err := c.consolidate(ctx, v, v, name, log); err != nil {
			return nil, err
		}
		p, err := c.FullPath(ctx, name, true, true)
		if err != nil {
			return nil, err
		}
		return c.finish(ctx, p, v.Name, nil)
	}

	canon := canonicalTime(ta)
	name := fmt.Sprintf("%s_%s-%s.nc", base, canon.Datestamp(0), canon.Datestamp(canon.Len()-1))
	if p, err := c.FullPath(ctx, name, true, false); err == nil {
		log.Debug("cache: hit")
		return c.finish(ctx, p, v.Name, ta)
	} else if _, ok := err.(*ReadError); !ok {
		return nil, err
	}

	full := v
	if c.SplitTime {
		files, err := c.writeSteps(ctx, v, ta, canon, base, log)
		if err != nil {
			return nil, err
		}
		if full, err = c.reassemble(files, v, ta, canon); err != nil {
			return nil, err
		}
	}
	if err := c.consolidate(ctx, v, full, name, log); err != nil {
		return nil, err
	}
	p, err := c.FullPath(ctx, name, true, true)
	if err != nil {
		return nil, err
	}
	return c.finish(ctx, p, v.Name, ta)
}

// consolidate loads full and writes it with the axes of v to the artifact name.
func (c *Cache) consolidate(ctx context.Context, v, full *diags.Var, name string, log logrus.FieldLogger) error {
	data, err := full.Load(ctx)
	if err != nil {
		return err
	}
	dst, err := c.FullPath(ctx, name, false, true)
	if err != nil {
		return err
	}
	f := &diags.Field{
		Name:   v.Name,
		Axes:   v.Axes,
		Attrs:  v.Attrs,
		Data:   data,
		Floats: stats(data),
	}
	if err := c.writeAtomic(dst, f); err != nil {
		return err
	}
	log.WithField("file", dst).Info("cache: wrote artifact")
	return nil
}

// writeSteps writes one file per time step of v into the subdirectory
// base, skipping steps that are already cached, and returns the files.
func (c *Cache) writeSteps(ctx context.Context, v *diags.Var, ta, canon *diags.Axis, base string, log logrus.FieldLogger) ([]string, error) {
	ti := v.AxisIndex(ta.Name)
	times := ta.Times()
	fields := canon.AuxNames()
	files := make([]string, 0, len(times))
	for i := range times {
		name := filepath.Join(base, base+"_"+canon.Datestamp(i)+".nc")
		if p, err := c.FullPath(ctx, name, true, false); err == nil {
			files = append(files, p)
			continue
		} else if _, ok := err.(*ReadError); !ok {
			return nil, err
		}
		step := v.Select(ta.Name, func(j int, _ diags.Row) bool { return j == i })
		data, err := step.Load(ctx)
		if err != nil {
			return nil, err
		}
		dst, err := c.FullPath(ctx, name, false, true)
		if err != nil {
			return nil, err
		}
		axes := append([]*diags.Axis(nil), v.Axes...)
		axes[ti] = diags.NewTimeAxis(ta.Name, times[i:i+1], fields...)
		if err := c.writeAtomic(dst, &diags.Field{Name: v.Name, Axes: axes, Attrs: v.Attrs, Data: data}); err != nil {
			return nil, err
		}
		files = append(files, dst)
		log.WithFields(logrus.Fields{
			"step":    canon.Datestamp(i),
			"percent": math.Round(float64(i+1) / float64(len(times)) * 100),
		}).Info("cache: computed time step")
	}
	return files, nil
}

// reassemble opens the per-step files as one variable with the time axis
// canon and the other axes of v.
func (c *Cache) reassemble(files []string, v *diags.Var, ta, canon *diags.Axis) (*diags.Var, error) {
	ds, err := diags.FromFiles(files, c.adapter, &diags.Options{
		CommonAxis: ta.Name,
		Reader:     c.reader,
		Log:        c.Log,
	})
	if err != nil {
		return nil, err
	}
	vs := diags.FindVar(ds, v.Name)
	if len(vs) != 1 {
		return nil, fmt.Errorf("cache: reassembling %s: found %d variables", v.Name, len(vs))
	}
	full := vs[0]
	if len(full.Axes) != len(v.Axes) {
		return nil, fmt.Errorf("cache: reassembling %s: have %d axes, want %d", v.Name, len(full.Axes), len(v.Axes))
	}
	for i, a := range v.Axes {
		if full.Axes[i].Name != a.Name {
			return nil, fmt.Errorf("cache: reassembling %s: axis %d is %s, want %s", v.Name, i, full.Axes[i].Name, a.Name)
		}
		if a == ta {
			full = full.WithAxis(canon)
		} else {
			full = full.WithAxis(a)
		}
	}
	return full, nil
}

// canonicalTime returns a time axis with the times of ta and calendar
// fields for naming. The fields of ta are kept if it has any.
func canonicalTime(ta *diags.Axis) *diags.Axis {
	var fields []string
	for _, f := range diags.CalendarFields {
		if _, ok := ta.Aux[f]; ok {
			fields = append(fields, f)
		}
	}
	return diags.NewTimeAxis(ta.Name, ta.Times(), fields...)
}

// writeAtomic writes f to a temporary file beside dst and renames it into
// place, so dst is never partially written.
func (c *Cache) writeAtomic(dst string, f *diags.Field) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return &WriteError{Name: dst, Err: err}
	}
	defer os.Remove(tmp.Name())
	global := map[string]string{
		"history": "diags " + diags.Version,
		"title":   f.Name,
	}
	if err := diags.WriteNetCDF(tmp, global, f); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cache: writing %s: %v", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache: writing %s: %v", dst, err)
	}
	if c.beforeRename != nil {
		if err := c.beforeRename(tmp.Name(), dst); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("cache: writing %s: %v", dst, err)
	}
	return nil
}

// stats returns the low and high (1st and 99th percentile) values of the
// finite elements of data. Min and max are used when there are too few
// values for percentiles.
func stats(data *sparse.DenseArray) map[string]float64 {
	var x []float64
	for _, e := range data.Elements {
		if !math.IsNaN(e) && !math.IsInf(e, 0) {
			x = append(x, e)
		}
	}
	if len(x) == 0 {
		return nil
	}
	var low, high float64
	if len(x) >= 2 {
		sort.Float64s(x)
		low = stat.Quantile(0.01, stat.Empirical, x, nil)
		high = stat.Quantile(0.99, stat.Empirical, x, nil)
	}
	if len(x) < 2 || math.IsNaN(low) || math.IsNaN(high) {
		low, high = floats.Min(x), floats.Max(x)
	}
	return map[string]float64{"low": low, "high": high}
}
