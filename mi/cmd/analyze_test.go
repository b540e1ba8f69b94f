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

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/mi/mi/config"
	"gvisor.dev/mi/mi/launch"
	"gvisor.dev/mi/pkg/diag"
)

const inversionLog = `Env: application: /usr/bin/test-bad-2
Op: lock Object: 0xa Thread: 100 RetCode: 0 Clocks: 5.000000
Op: lock Object: 0xb Thread: 100 RetCode: 0 Clocks: 2.000000
Op: unlock Object: 0xb Thread: 100 RetCode: 0 Clocks: 0.000000
Op: unlock Object: 0xa Thread: 100 RetCode: 0 Clocks: 0.000000
Op: lock Object: 0xb Thread: 200 RetCode: 0 Clocks: 7.000000
Op: lock Object: 0xa Thread: 200 RetCode: 0 Clocks: 1.000000
Op: unlock Object: 0xa Thread: 200 RetCode: 0 Clocks: 0.000000
Op: unlock Object: 0xb Thread: 200 RetCode: 0 Clocks: 0.000000
`

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	return conf
}

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mi.log")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// execute runs analyze with args and returns its exit code and output.
func execute(t *testing.T, conf *config.Config, args ...string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	a := &Analyze{stdout: &out}
	fs := flag.NewFlagSet(a.Name(), flag.ContinueOnError)
	a.SetFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	code := -1
	if status := a.Execute(context.Background(), fs, conf, &code); status != subcommands.ExitSuccess {
		t.Fatalf("Execute returned %v", status)
	}
	return code, out.String()
}

func TestAnalyze(t *testing.T) {
	dir := t.TempDir()
	conf := defaultConfig(t)
	conf.ReportFile = filepath.Join(dir, "report.json")
	conf.MetricsFile = filepath.Join(dir, "metrics.txt")

	code, out := execute(t, conf, writeLog(t, inversionLog))
	if code != diag.ExitErrors {
		t.Errorf("exit code %d, want %d\n%s", code, diag.ExitErrors, out)
	}
	if !strings.Contains(out, "lock order inversion between threads t0 and t1") {
		t.Errorf("conflict not reported:\n%s", out)
	}

	data, err := os.ReadFile(conf.ReportFile)
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	var report struct {
		ExitCode int `json:"exit_code"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("bad report: %v", err)
	}
	if report.ExitCode != diag.ExitErrors {
		t.Errorf("report exit_code %d, want %d", report.ExitCode, diag.ExitErrors)
	}

	metrics, err := os.ReadFile(conf.MetricsFile)
	if err != nil {
		t.Fatalf("metrics not written: %v", err)
	}
	if !strings.Contains(string(metrics), "mi_conflicts 1\n") {
		t.Errorf("unexpected metrics:\n%s", metrics)
	}
}

func TestAnalyzeLogFromEnvironment(t *testing.T) {
	t.Setenv(launch.EnvLogFile, writeLog(t, "Op: lock a 1 0 1\nOp: unlock a 1 0 0\n"))
	if code, out := execute(t, defaultConfig(t)); code != diag.ExitClean {
		t.Errorf("exit code %d, want %d\n%s", code, diag.ExitClean, out)
	}
}

func TestAnalyzeFatal(t *testing.T) {
	conf := defaultConfig(t)
	if code, _ := execute(t, conf, filepath.Join(t.TempDir(), "missing.log")); code != diag.ExitFatal {
		t.Errorf("missing log: exit code %d, want %d", code, diag.ExitFatal)
	}

	code, out := execute(t, conf, writeLog(t, "Op: lock a 1 0 1\ngarbage\n"))
	if code != diag.ExitFatal {
		t.Errorf("malformed log: exit code %d, want %d", code, diag.ExitFatal)
	}
	if !strings.Contains(out, "FATAL: malformed log line 2") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestAnalyzeUsage(t *testing.T) {
	a := &Analyze{}
	fs := flag.NewFlagSet(a.Name(), flag.ContinueOnError)
	fs.Usage = func() {}
	if err := fs.Parse([]string{"a.log", "b.log"}); err != nil {
		t.Fatal(err)
	}
	code := -1
	if status := a.Execute(context.Background(), fs, defaultConfig(t), &code); status != subcommands.ExitUsageError {
		t.Errorf("Execute returned %v, want usage error", status)
	}
}

func TestAnalyzeLeavesNoLockFile(t *testing.T) {
	path := writeLog(t, "Op: lock a 1 0 1\nOp: unlock a 1 0 0\n")
	if code, out := execute(t, defaultConfig(t), path); code != diag.ExitClean {
		t.Fatalf("exit code %d, want %d\n%s", code, diag.ExitClean, out)
	}
	if _, err := os.Stat(launch.LockPath(path)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("analyze left %q behind: %v", launch.LockPath(path), err)
	}
}

func TestAnalyzeUnusableLockFile(t *testing.T) {
	path := writeLog(t, "Op: lock a 1 0 1\nOp: unlock a 1 0 0\n")
	// A directory in place of the lock file cannot be opened for locking.
	if err := os.Mkdir(launch.LockPath(path), 0755); err != nil {
		t.Fatal(err)
	}
	for _, wait := range []time.Duration{0, time.Second} {
		conf := defaultConfig(t)
		conf.WaitForLog = wait
		if code, out := execute(t, conf, path); code != diag.ExitClean {
			t.Errorf("wait %v: exit code %d, want %d\n%s", wait, code, diag.ExitClean, out)
		}
	}
}

func TestAnalyzeWaitsForLog(t *testing.T) {
	path := writeLog(t, "Op: lock a 1 0 1\nOp: unlock a 1 0 0\n")
	unlock, err := launch.LockLog(path, true)
	if err != nil {
		t.Fatalf("LockLog failed: %v", err)
	}

	conf := defaultConfig(t)
	if code, _ := execute(t, conf, path); code != diag.ExitFatal {
		t.Errorf("busy log without waiting: exit code %d, want %d", code, diag.ExitFatal)
	}

	conf.WaitForLog = 10 * time.Second
	released := make(chan struct{})
	go func() {
		time.Sleep(300 * time.Millisecond)
		unlock()
		close(released)
	}()
	if code, out := execute(t, conf, path); code != diag.ExitClean {
		t.Errorf("exit code %d, want %d\n%s", code, diag.ExitClean, out)
	}
	<-released
}
