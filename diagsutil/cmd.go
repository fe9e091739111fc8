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

// Package diagsutil contains the command-line interface for the
// diagnostics dataset layer.
package diagsutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lnashier/viper"
	diags "github.com/neishm/EC-CAS-diags-sub001"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to the commands.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "LogLevel",
			usage: `
              LogLevel is the minimum severity of log messages that are
              printed. Valid options are "debug", "info", "warning" and "error".`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Adapter",
			usage: `
              Adapter is the type of the model output to be read. Valid
              options are the names of the registered adapters, by default
              "netcdf".`,
			shorthand:  "a",
			defaultVal: "netcdf",
			flagsets:   []*pflag.FlagSet{scanCmd.Flags(), showCmd.Flags(), cacheCmd.Flags()},
		},
		{
			name: "DataDir",
			usage: `
              DataDir is the directory holding the model output. The adapter
              decides which files in it are read. It can include environment
              variables.`,
			shorthand:  "d",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{scanCmd.Flags(), showCmd.Flags(), cacheCmd.Flags()},
		},
		{
			name: "Files",
			usage: `
              Files is a file name pattern matching the model output files.
              If it is set, DataDir is ignored. It can include environment
              variables.`,
			shorthand:  "f",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{scanCmd.Flags(), showCmd.Flags(), cacheCmd.Flags()},
		},
		{
			name: "Manifest",
			usage: `
              Manifest is the path of the file where the contents of the
              model output files are remembered between runs, so that
              unchanged files do not need to be opened again. If it is
              empty, nothing is remembered.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{scanCmd.Flags(), showCmd.Flags(), cacheCmd.Flags()},
		},
		{
			name: "CommonAxis",
			usage: `
              CommonAxis is the name of an axis, usually "time", that is
              merged across all files before the files are grouped into
              datasets.`,
			defaultVal: "time",
			flagsets:   []*pflag.FlagSet{showCmd.Flags(), cacheCmd.Flags()},
		},
		{
			name: "RejectOverlap",
			usage: `
              If RejectOverlap is true, loading fails when two files hold
              data for the same position. Otherwise the file that sorts
              last wins.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{showCmd.Flags(), cacheCmd.Flags()},
		},
		{
			name: "Expressions",
			usage: `
              Expressions define new variables (as keys) computed element by
              element from other variables of the same dataset (the values),
              for example {"XCO2": "CO2 - CO2_BG"}. The functions exp, log,
              sqrt and abs are available.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{showCmd.Flags(), cacheCmd.Flags()},
		},
		{
			name: "Var",
			usage: `
              Var is the name of the variable to be loaded.`,
			shorthand:  "v",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{showCmd.Flags(), cacheCmd.Flags()},
		},
		{
			name: "Select",
			usage: `
              Select restricts the loaded variable along one or more axes.
              Each selection has the form axis=lo:hi, where either bound may
              be left out, or axis=name|name for categorical axes. Bounds on
              time axes can be dates such as 2010-01-02 or
              2010-01-02T06:00:00.`,
			shorthand:  "s",
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{showCmd.Flags(), cacheCmd.Flags()},
		},
		{
			name: "Prefix",
			usage: `
              Prefix is the beginning of the names of cache files.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{cacheCmd.Flags()},
		},
		{
			name: "Suffix",
			usage: `
              Suffix is added to the names of cache files to tell
              different derived products of the same data apart.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{cacheCmd.Flags()},
		},
		{
			name: "Cache.WriteDir",
			usage: `
              Cache.WriteDir is the directory where derived products are
              saved. It can include environment variables.`,
			defaultVal: "cache",
			flagsets:   []*pflag.FlagSet{cacheCmd.Flags(), pushCmd.Flags()},
		},
		{
			name: "Cache.ReadDirs",
			usage: `
              Cache.ReadDirs are additional read-only locations that are
              searched for derived products. They can be local directories or
              blob storage locations such as gs://bucket/path or
              s3://bucket/path.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{cacheCmd.Flags()},
		},
		{
			name: "Cache.SplitTime",
			usage: `
              If Cache.SplitTime is true, derived products are computed and
              saved one time step at a time, so that an interrupted
              computation can be resumed.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{cacheCmd.Flags()},
		},
		{
			name: "Remote",
			usage: `
              Remote is the blob storage location that cache files are
              uploaded to, for example gs://bucket/path.`,
			shorthand:  "r",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{pushCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("DIAGS")
	Cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	Cfg.AutomaticEnv()

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case []string:
				if option.shorthand == "" {
					set.StringSlice(option.name, option.defaultVal.([]string), option.usage)
				} else {
					set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(option.defaultVal)
				s := string(b.Bytes())
				if option.shorthand == "" {
					set.String(option.name, s, option.usage)
				} else {
					set.StringP(option.name, option.shorthand, s, option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(scanCmd)
	Root.AddCommand(showCmd)
	Root.AddCommand(cacheCmd)
	Root.AddCommand(pushCmd)
}

// setConfig finds and reads in the configuration file, if there is one,
// and sets the log level.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("diags: problem reading configuration file: %v", err)
		}
	}
	level, err := logrus.ParseLevel(Cfg.GetString("LogLevel"))
	if err != nil {
		return &diags.ConfigurationError{Msg: err.Error()}
	}
	logrus.SetLevel(level)
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "diags",
	Short: "Virtual datasets over transport model output.",
	Long: `diags presents collections of model output files as a small number of
datasets that can be selected from and loaded lazily, and saves derived
products to a cache so that they only need to be computed once.

Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'DIAGS_var' where 'var' is
the name of the variable to be set, with any '.' replaced by '_'.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of diags.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("diags v%s\n", diags.Version)
	},
	DisableAutoGenTag: true,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan model output files",
	Long: `scan lists the variables in each model output file, updating the
manifest if one is configured. Files that have not changed since the
manifest was written are not opened.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, files, err := sourceFiles(Cfg)
		if err != nil {
			return err
		}
		table, err := diags.Scan(files, a, expand(Cfg.GetString("Manifest")), nil)
		if err != nil {
			return err
		}
		return PrintTable(cmd.OutOrStdout(), table)
	},
	DisableAutoGenTag: true,
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show datasets",
	Long: `show lists the datasets formed from the model output files and the
variables they hold. If Var is set, the variable is loaded, after applying any
selections, and a summary of its values is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		datasets, err := Datasets(Cfg)
		if err != nil {
			return err
		}
		if name := Cfg.GetString("Var"); name != "" {
			v, err := SelectVar(datasets, name, Cfg.GetStringSlice("Select"))
			if err != nil {
				return err
			}
			return Summarize(context.TODO(), cmd.OutOrStdout(), v)
		}
		PrintDatasets(cmd.OutOrStdout(), datasets)
		return nil
	},
	DisableAutoGenTag: true,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Save a variable to the cache",
	Long: `cache loads a variable, after applying any selections, and saves it
to the cache directory, unless the cache already holds it. The path of the
cache file is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		datasets, err := Datasets(Cfg)
		if err != nil {
			return err
		}
		v, err := SelectVar(datasets, Cfg.GetString("Var"), Cfg.GetStringSlice("Select"))
		if err != nil {
			return err
		}
		out, err := CacheVar(context.TODO(), NewCache(Cfg), v, Cfg.GetString("Prefix"), Cfg.GetString("Suffix"))
		if err != nil {
			return err
		}
		for _, f := range out.Files() {
			fmt.Fprintln(cmd.OutOrStdout(), f)
		}
		return nil
	},
	DisableAutoGenTag: true,
}

var pushCmd = &cobra.Command{
	Use:   "push [file...]",
	Short: "Upload cache files to blob storage",
	Long: `push uploads files from the cache directory to the Remote blob storage
location, where other users can read them by adding the location to their
Cache.ReadDirs. If no files are given, all cache files are uploaded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		uploaded, err := Push(context.TODO(), expand(Cfg.GetString("Cache.WriteDir")), Cfg.GetString("Remote"), args)
		for _, name := range uploaded {
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s\n", name)
		}
		return err
	},
	DisableAutoGenTag: true,
}
