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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newFlagSet() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mi.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		HotOperationLimit: 10,
		LogFormat:         "text",
		ReportFormat:      "json",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlagSet()
	if err := testFlags.Parse([]string{"--verbose", "--hot-operation-limit=3", "--report-format=yaml", "--wait-for-log=2s"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Verbose {
		t.Errorf("Verbose=false, want true")
	}
	if want := 3; c.HotOperationLimit != want {
		t.Errorf("HotOperationLimit=%v, want: %v", c.HotOperationLimit, want)
	}
	if want := "yaml"; c.ReportFormat != want {
		t.Errorf("ReportFormat=%v, want: %v", c.ReportFormat, want)
	}
	if want := 2 * time.Second; c.WaitForLog != want {
		t.Errorf("WaitForLog=%v, want: %v", c.WaitForLog, want)
	}
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, `
verbose = true
hot-operation-limit = 20
report-format = "yaml"
wait-for-log = "500ms"
`)
	testFlags := newFlagSet()
	// Flags on the command line win over the file.
	if err := testFlags.Parse([]string{"--config=" + path, "--hot-operation-limit=5"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Verbose:           true,
		HotOperationLimit: 5,
		LogFormat:         "text",
		ConfigFile:        path,
		ReportFormat:      "yaml",
		WaitForLog:        500 * time.Millisecond,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "unknown flag",
			content: "color = true\n",
			want:    `unknown flag "color"`,
		},
		{
			name:    "nested config",
			content: "config = \"other.toml\"\n",
			want:    "cannot be set from a config file",
		},
		{
			name:    "bad value",
			content: "hot-operation-limit = \"many\"\n",
			want:    "invalid value",
		},
		{
			name:    "not toml",
			content: "verbose = \n",
			want:    "error reading config file",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlagSet()
			if err := testFlags.Parse([]string{"--config=" + writeConfig(t, tc.content)}); err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags returned %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, args := range [][]string{
		{"--log-format=xml"},
		{"--report-format=csv"},
		{"--hot-operation-limit=-1"},
		{"--wait-for-log=-1s"},
	} {
		testFlags := newFlagSet()
		if err := testFlags.Parse(args); err != nil {
			t.Fatalf("Parse(%v) failed: %v", args, err)
		}
		if _, err := NewFromFlags(testFlags); err == nil {
			t.Errorf("NewFromFlags accepted %v", args)
		}
	}
}
