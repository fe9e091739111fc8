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
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/lnashier/viper"
	diags "github.com/neishm/EC-CAS-diags-sub001"
	"github.com/neishm/EC-CAS-diags-sub001/cache"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

// Registry holds the adapters that can be chosen with the Adapter option.
var Registry = diags.NewRegistry(&diags.NetCDF{})

// expand expands the environment variables in s.
func expand(s string) string {
	return os.ExpandEnv(s)
}

// expandStringSlice expands the environment variables in a slice of strings.
func expandStringSlice(s []string) []string {
	o := make([]string, len(s))
	for i, v := range s {
		o[i] = os.ExpandEnv(v)
	}
	return o
}

// sourceFiles returns the configured adapter and the model output files
// it should read.
func sourceFiles(cfg *viper.Viper) (diags.Adapter, []string, error) {
	a, err := Registry.Lookup(cfg.GetString("Adapter"))
	if err != nil {
		return nil, nil, err
	}
	if pattern := expand(cfg.GetString("Files")); pattern != "" {
		files, err := diags.Glob(pattern)
		return a, files, err
	}
	dir := expand(cfg.GetString("DataDir"))
	if dir == "" {
		return nil, nil, &diags.ConfigurationError{Msg: "one of Files or DataDir must be set"}
	}
	files, err := a.FindFiles(dir)
	return a, files, err
}

// Datasets returns the datasets formed from the configured model output.
func Datasets(cfg *viper.Viper) ([]*diags.Dataset, error) {
	a, files, err := sourceFiles(cfg)
	if err != nil {
		return nil, err
	}
	o := &diags.Options{
		Manifest:   expand(cfg.GetString("Manifest")),
		CommonAxis: cfg.GetString("CommonAxis"),
		Log:        logrus.StandardLogger(),
	}
	if cfg.GetBool("RejectOverlap") {
		o.Overlap = diags.RejectOverlap
	}
	datasets, err := diags.FromFiles(files, a, o)
	if err != nil {
		return nil, err
	}
	exprs, err := getStringMapString("Expressions", cfg)
	if err != nil {
		return nil, err
	}
	if len(exprs) == 0 {
		return datasets, nil
	}
	names := make([]string, 0, len(exprs))
	for n := range exprs {
		names = append(names, n)
	}
	sort.Strings(names)
	steps := make([]diags.DecodeStep, len(names))
	for i, n := range names {
		steps[i] = diags.Expression(n, exprs[n], "")
	}
	for i, d := range datasets {
		if datasets[i], err = diags.ApplySteps(d, steps...); err != nil {
			return nil, err
		}
	}
	return datasets, nil
}

// getStringMapString returns a map[string]string from a viper configuration,
// accounting for the fact that it might be a json object if it was set
// from a command line argument.
func getStringMapString(varName string, cfg *viper.Viper) (map[string]string, error) {
	i := cfg.Get(varName)
	switch i.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		return i.(map[string]string), nil
	case map[string]interface{}:
		return cast.ToStringMapStringE(i)
	case string:
		o := make(map[string]string)
		if i.(string) == "" {
			return o, nil
		}
		d := json.NewDecoder(strings.NewReader(i.(string)))
		if err := d.Decode(&o); err != nil {
			return nil, &diags.ConfigurationError{Msg: fmt.Sprintf("invalid %s %q: %v", varName, i, err)}
		}
		return o, nil
	default:
		return nil, &diags.ConfigurationError{Msg: fmt.Sprintf("invalid type for %s: %#v", varName, i)}
	}
}

// SelectVar finds the variable called name in datasets and applies the
// selections to it. If more than one dataset holds the variable, the
// largest one is used.
func SelectVar(datasets []*diags.Dataset, name string, selections []string) (*diags.Var, error) {
	if name == "" {
		return nil, &diags.ConfigurationError{Msg: "Var must be set"}
	}
	vars := diags.FindVar(datasets, name)
	if len(vars) == 0 {
		var names []string
		for _, d := range datasets {
			names = append(names, d.Names()...)
		}
		return nil, &diags.ConfigurationError{Msg: fmt.Sprintf("no variable %q (available variables are %v)", name, names)}
	}
	v := vars[0]
	for _, c := range vars[1:] {
		if size(c) > size(v) {
			v = c
		}
	}
	if len(vars) > 1 {
		logrus.WithFields(logrus.Fields{"var": name, "candidates": len(vars)}).Debug("variable found in more than one dataset")
	}
	for _, s := range selections {
		sel, err := parseSelection(s)
		if err != nil {
			return nil, err
		}
		if v, err = sel.apply(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func size(v *diags.Var) int {
	n := 1
	for _, l := range v.Shape() {
		n *= l
	}
	return n
}

// selection restricts a variable along one axis, either to a closed
// range of values or to a set of labels.
type selection struct {
	axis   string
	lo, hi string
	labels []string
}

// parseSelection parses a selection of the form axis=lo:hi or
// axis=label|label.
func parseSelection(s string) (*selection, error) {
	i := strings.Index(s, "=")
	if i <= 0 {
		return nil, &diags.ConfigurationError{Msg: fmt.Sprintf("invalid selection %q: expected axis=lo:hi or axis=label", s)}
	}
	sel := &selection{axis: strings.TrimSpace(s[:i])}
	rng := strings.TrimSpace(s[i+1:])
	// Dates contain colons, so the range separator is the colon that
	// splits the bounds into two parsable halves.
	if j := splitRange(rng); j >= 0 {
		sel.lo, sel.hi = strings.TrimSpace(rng[:j]), strings.TrimSpace(rng[j+1:])
		return sel, nil
	}
	if rng == "" {
		return nil, &diags.ConfigurationError{Msg: fmt.Sprintf("invalid selection %q: empty selection", s)}
	}
	sel.labels = strings.Split(rng, "|")
	return sel, nil
}

// splitRange returns the index of the colon separating the bounds of a
// range, or -1 if rng is not a range.
func splitRange(rng string) int {
	if !strings.Contains(rng, ":") {
		return -1
	}
	for j := 0; j < len(rng); j++ {
		if rng[j] != ':' {
			continue
		}
		if validBound(rng[:j]) && validBound(rng[j+1:]) {
			return j
		}
	}
	return strings.Index(rng, ":")
}

func validBound(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	_, err := cast.ToTimeE(s)
	return err == nil
}

func (sel *selection) apply(v *diags.Var) (*diags.Var, error) {
	a := v.Axis(sel.axis)
	if a == nil {
		return nil, &diags.ConfigurationError{Msg: fmt.Sprintf("variable %s has no axis %q", v.Name, sel.axis)}
	}
	if sel.labels != nil {
		keep := make(map[string]bool, len(sel.labels))
		for _, l := range sel.labels {
			keep[l] = true
		}
		return v.Select(sel.axis, func(_ int, r diags.Row) bool { return keep[r.String()] }), nil
	}
	lo, err := bound(a, sel.lo, math.Inf(-1))
	if err != nil {
		return nil, err
	}
	hi, err := bound(a, sel.hi, math.Inf(1))
	if err != nil {
		return nil, err
	}
	return v.Between(sel.axis, lo, hi), nil
}

// bound converts s to a coordinate value of a. Time axes also accept dates.
func bound(a *diags.Axis, s string, def float64) (float64, error) {
	if s == "" {
		return def, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	if a.Kind == diags.TemporalAxis {
		if t, err := cast.ToTimeE(s); err == nil {
			return float64(t.UTC().Unix()) / 3600, nil
		}
	}
	return 0, &diags.ConfigurationError{Msg: fmt.Sprintf("invalid bound %q for axis %s", s, a.Name)}
}

// NewCache returns the cache described by the configuration.
func NewCache(cfg *viper.Viper) *cache.Cache {
	c := cache.New(expand(cfg.GetString("Cache.WriteDir")), expandStringSlice(cfg.GetStringSlice("Cache.ReadDirs"))...)
	c.SplitTime = cfg.GetBool("Cache.SplitTime")
	return c
}
