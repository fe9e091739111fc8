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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/ctessum/sparse"
	"github.com/kr/pretty"
	diags "github.com/neishm/EC-CAS-diags-sub001"
	"github.com/neishm/EC-CAS-diags-sub001/cloud"
)

var t0 = time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)

// writeDays writes one file per day of hourly CO2 at two stations into a
// new directory. The value at hour h and station s is 10*h+s.
func writeDays(t *testing.T, days int) string {
	dir := t.TempDir()
	station := diags.NewCategoricalAxis("station", "A", "B")
	for d := 0; d < days; d++ {
		times := make([]time.Time, 24)
		for i := range times {
			times[i] = t0.Add(time.Duration(24*d+i) * time.Hour)
		}
		data := sparse.ZerosDense(24, 2)
		for i := 0; i < 24; i++ {
			for s := 0; s < 2; s++ {
				data.Set(float64(10*(24*d+i)+s), i, s)
			}
		}
		f, err := os.Create(filepath.Join(dir, "day"+string(rune('0'+d))+".nc"))
		if err != nil {
			t.Fatal(err)
		}
		err = diags.WriteNetCDF(f, nil, &diags.Field{
			Name:  "CO2",
			Axes:  []*diags.Axis{diags.NewTimeAxis("time", times), station},
			Attrs: map[string]string{"units": "ppm"},
			Data:  data,
		})
		f.Close()
		if err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// configure resets the configuration to its defaults and then applies
// settings.
func configure(settings map[string]interface{}) {
	for _, option := range options {
		Cfg.Set(option.name, option.defaultVal)
	}
	for k, v := range settings {
		Cfg.Set(k, v)
	}
}

func run(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	Root.SetOutput(buf)
	Root.SetArgs(args)
	err := Root.Execute()
	return buf.String(), err
}

func TestVersion(t *testing.T) {
	configure(nil)
	out, err := run("version")
	if err != nil {
		t.Fatal(err)
	}
	if want := "diags v" + diags.Version + "\n"; out != want {
		t.Errorf("have %q, want %q", out, want)
	}
}

func TestScan(t *testing.T) {
	dir := writeDays(t, 2)
	manifest := filepath.Join(t.TempDir(), "manifest")
	configure(map[string]interface{}{"DataDir": dir, "Manifest": manifest})
	out, err := run("scan")
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"day0.nc", "day1.nc"} {
		if !strings.Contains(out, filepath.Join(dir, f)+" (netcdf)\n\tCO2(time=24, station=2) [ppm]") {
			t.Errorf("output is missing %s:\n%s", f, out)
		}
	}
	if _, err := os.Stat(manifest); err != nil {
		t.Errorf("manifest was not written: %v", err)
	}
	again, err := run("scan")
	if err != nil {
		t.Fatal(err)
	}
	if again != out {
		t.Errorf("rescan output differs:\n%s", pretty.Diff(again, out))
	}
}

func TestShow(t *testing.T) {
	dir := writeDays(t, 2)

	t.Run("datasets", func(t *testing.T) {
		configure(map[string]interface{}{"Files": filepath.Join(dir, "day*.nc")})
		out, err := run("show")
		if err != nil {
			t.Fatal(err)
		}
		want := "dataset 0:\n\tCO2(time=48, station=2) [ppm]\n"
		if out != want {
			t.Errorf("have %q, want %q", out, want)
		}
	})
	t.Run("var", func(t *testing.T) {
		configure(map[string]interface{}{
			"DataDir": dir,
			"Var":     "CO2",
			"Select":  []string{"time=2010-01-02T10:00:00:2010-01-02T12:00:00", "station=B"},
		})
		out, err := run("show")
		if err != nil {
			t.Fatal(err)
		}
		want := "CO2(time=3, station=1) [ppm]\n" +
			"\ttime: 2010-01-02 10:00 to 2010-01-02 12:00\n" +
			"\tvalues: 3, missing: 0\n" +
			"\tmin: 341, max: 361, mean: 351\n"
		if out != want {
			t.Errorf("have %q, want %q", out, want)
		}
	})
	t.Run("expression", func(t *testing.T) {
		configure(map[string]interface{}{
			"DataDir":     dir,
			"Expressions": map[string]string{"CO2x2": "CO2 * 2"},
			"Var":         "CO2x2",
			"Select":      []string{"time=2010-01-02T10:00:00:2010-01-02T12:00:00", "station=B"},
		})
		out, err := run("show")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, "\tmin: 682, max: 722, mean: 702\n") {
			t.Errorf("unexpected output %q", out)
		}
	})
	t.Run("expression flag", func(t *testing.T) {
		configure(map[string]interface{}{"DataDir": dir, "Expressions": `{"CO2x2": "CO2 * 2"}`})
		out, err := run("show")
		if err != nil {
			t.Fatal(err)
		}
		want := "dataset 0:\n\tCO2(time=48, station=2) [ppm]\n\tCO2x2(time=48, station=2)\n"
		if out != want {
			t.Errorf("have %q, want %q", out, want)
		}
	})
}

func TestCacheAndPush(t *testing.T) {
	dir := writeDays(t, 2)
	writeDir := filepath.Join(t.TempDir(), "cache")
	configure(map[string]interface{}{
		"DataDir":        dir,
		"Var":            "CO2",
		"Prefix":         "co2",
		"Select":         []string{"station=A"},
		"Cache.WriteDir": writeDir,
	})
	out, err := run("cache")
	if err != nil {
		t.Fatal(err)
	}
	path := strings.TrimSpace(out)
	name := filepath.Base(path)
	if !regexp.MustCompile(`^co2_[0-9a-f]{8}_201001010000-201001022300\.nc$`).MatchString(name) {
		t.Errorf("unexpected cache file name %q", name)
	}
	if filepath.Dir(path) != writeDir {
		t.Errorf("cache file %s is not in %s", path, writeDir)
	}
	again, err := run("cache")
	if err != nil {
		t.Fatal(err)
	}
	if again != out {
		t.Errorf("have %q, want %q", again, out)
	}

	remote := "file://" + t.TempDir()
	Cfg.Set("Remote", remote)
	out, err = run("push")
	if err != nil {
		t.Fatal(err)
	}
	if want := "uploaded " + name + "\n"; out != want {
		t.Errorf("have %q, want %q", out, want)
	}
	dst := filepath.Join(t.TempDir(), name)
	if err := cloud.Download(context.Background(), remote, name, dst, nil); err != nil {
		t.Fatal(err)
	}
	b1, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1, b2) {
		t.Error("pushed file differs from the cache file")
	}
}

func TestConfigurationErrors(t *testing.T) {
	dir := writeDays(t, 1)
	for _, test := range []struct {
		name     string
		settings map[string]interface{}
		args     []string
	}{
		{
			name:     "adapter",
			settings: map[string]interface{}{"DataDir": dir, "Adapter": "grib"},
			args:     []string{"scan"},
		},
		{
			name: "no files",
			args: []string{"scan"},
		},
		{
			name:     "empty pattern",
			settings: map[string]interface{}{"Files": filepath.Join(dir, "*.grib")},
			args:     []string{"scan"},
		},
		{
			name:     "missing dir",
			settings: map[string]interface{}{"DataDir": filepath.Join(dir, "nothing")},
			args:     []string{"show"},
		},
		{
			name:     "unknown var",
			settings: map[string]interface{}{"DataDir": dir, "Var": "CH4"},
			args:     []string{"show"},
		},
		{
			name:     "unknown axis",
			settings: map[string]interface{}{"DataDir": dir, "Var": "CO2", "Select": []string{"lat=0:10"}},
			args:     []string{"show"},
		},
		{
			name:     "bad bound",
			settings: map[string]interface{}{"DataDir": dir, "Var": "CO2", "Select": []string{"time=soon:later"}},
			args:     []string{"show"},
		},
		{
			name:     "log level",
			settings: map[string]interface{}{"LogLevel": "loud"},
			args:     []string{"version"},
		},
		{
			name:     "remote",
			settings: map[string]interface{}{"Cache.WriteDir": dir, "Remote": dir},
			args:     []string{"push"},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			configure(test.settings)
			_, err := run(test.args...)
			if _, ok := err.(*diags.ConfigurationError); !ok {
				t.Errorf("have error %v (%T), want *diags.ConfigurationError", err, err)
			}
		})
	}
}

func TestParseSelection(t *testing.T) {
	for _, test := range []struct {
		in   string
		want *selection
	}{
		{in: "lat=-10:10", want: &selection{axis: "lat", lo: "-10", hi: "10"}},
		{in: "lev=:500", want: &selection{axis: "lev", hi: "500"}},
		{in: "lat = 5 :", want: &selection{axis: "lat", lo: "5"}},
		{
			in:   "time=2010-01-01:2010-01-02T06:00:00",
			want: &selection{axis: "time", lo: "2010-01-01", hi: "2010-01-02T06:00:00"},
		},
		{
			in:   "time=2010-01-01T06:00:00:2010-01-02T06:00:00",
			want: &selection{axis: "time", lo: "2010-01-01T06:00:00", hi: "2010-01-02T06:00:00"},
		},
		{in: "station=Alert|Mauna Loa", want: &selection{axis: "station", labels: []string{"Alert", "Mauna Loa"}}},
		{in: "station"},
		{in: "=1:2"},
		{in: "station="},
	} {
		t.Run(test.in, func(t *testing.T) {
			have, err := parseSelection(test.in)
			if test.want == nil {
				if err == nil {
					t.Errorf("expected an error, have %+v", have)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(have, test.want) {
				t.Errorf("have %+v, want %+v\n%s", have, test.want, pretty.Diff(have, test.want))
			}
		})
	}
}
