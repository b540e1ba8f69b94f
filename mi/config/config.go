// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for mi. The configuration is set by flags to the command line, and can be
// completed by a TOML file named with --config.
package config

import (
	"flag"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gvisor.dev/mi/pkg/hotops"
	"gvisor.dev/mi/pkg/log"
)

// Config holds configuration that is shared by all mi commands.
type Config struct {
	// Verbose lists every operation and every lock chain.
	Verbose bool `flag:"verbose"`

	// IgnoreUnknownOperations reports unknown operation kinds as warnings
	// instead of aborting the analysis.
	IgnoreUnknownOperations bool `flag:"ignore-unknown-operations"`

	// PrintFailedOperations lists operations that returned an error.
	PrintFailedOperations bool `flag:"print-failed-operations"`

	// HotOperationLimit is the number of most expensive operations listed.
	HotOperationLimit int `flag:"hot-operation-limit"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format"`

	// DebugLog is the path pattern of the debug log. %COMMAND% and
	// %TIMESTAMP% are expanded, and a trailing '/' names a directory.
	DebugLog string `flag:"debug-log"`

	// AlsoLogToStderr allows to send log messages to stderr in addition to
	// the debug log.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ConfigFile is the TOML file the configuration was completed from.
	ConfigFile string `flag:"config"`

	// ReportFile receives a machine readable report when set.
	ReportFile string `flag:"report-file"`

	// ReportFormat is the report format: "json" or "yaml".
	ReportFormat string `flag:"report-format"`

	// MetricsFile receives the analysis counts in the Prometheus text format
	// when set.
	MetricsFile string `flag:"metrics-file"`

	// WaitForLog is how long analyze waits for a running session to release
	// the log.
	WaitForLog time.Duration `flag:"wait-for-log"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Analysis flags.
	flagSet.Bool("verbose", false, "list every operation and every lock chain.")
	flagSet.Bool("ignore-unknown-operations", false, "report unknown operation kinds as warnings instead of failing.")
	flagSet.Bool("print-failed-operations", false, "list operations that returned an error.")
	flagSet.Int("hot-operation-limit", hotops.DefaultLimit, "number of most expensive operations to list.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr in addition to the debug log.")
	flagSet.String("debug-log", "", "location for debug logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")

	// Output flags.
	flagSet.String("config", "", "TOML file with flag values. Flags given on the command line take precedence.")
	flagSet.String("report-file", "", "file where a machine readable report is written.")
	flagSet.String("report-format", "json", "report format: json (default) or yaml.")
	flagSet.String("metrics-file", "", "file where analysis counts are written in the Prometheus text format.")
	flagSet.Duration("wait-for-log", 0, "how long to wait for a running session to release the log file.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set, completed by the file named by --config. This function should be
// called after flag.Parse().
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		if err := applyFile(flagSet, fl.Value.String()); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyFile sets the flags named in the TOML file at path. Flags set on the
// command line are left alone.
func applyFile(flagSet *flag.FlagSet, path string) error {
	var values map[string]any
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("error reading config file %q: %v", path, err)
	}

	explicit := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		explicit[fl.Name] = true
	})
	for _, name := range slices.Sorted(maps.Keys(values)) {
		v := values[name]
		if name == "config" {
			return fmt.Errorf("config file %q: %q cannot be set from a config file", path, name)
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			return fmt.Errorf("config file %q: unknown flag %q", path, name)
		}
		if explicit[name] {
			continue
		}
		if err := fl.Value.Set(fmt.Sprint(v)); err != nil {
			return fmt.Errorf("config file %q: invalid value %v for flag %q: %v", path, v, name, err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	switch c.ReportFormat {
	case "json", "yaml":
	default:
		return fmt.Errorf("invalid report format %q, must be 'json' or 'yaml'", c.ReportFormat)
	}
	if c.HotOperationLimit < 0 {
		return fmt.Errorf("hot-operation-limit must be nonnegative, got %d", c.HotOperationLimit)
	}
	if c.WaitForLog < 0 {
		return fmt.Errorf("wait-for-log must be nonnegative, got %v", c.WaitForLog)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
}

func getVal(field reflect.Value) string {
	if str, ok := field.Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
