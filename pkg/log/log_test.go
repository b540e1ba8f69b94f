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

package log

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("Writer lines mismatch (-want +got):\n%s", diff)
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warningf("warning %d", 3)

	want := []string{"info 2", "\n", "warning 3", "\n"}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("emitted lines mismatch (-want +got):\n%s", diff)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestMultiEmitter(t *testing.T) {
	tw1, tw2 := &testWriter{}, &testWriter{}
	m := MultiEmitter{&Writer{Next: tw1}, &Writer{Next: tw2}, &TestEmitter{t}}
	l := &BasicLogger{Level: Info, Emitter: &m}
	l.Infof("chains: %d", 3)
	for i, tw := range []*testWriter{tw1, tw2} {
		if diff := cmp.Diff([]string{"chains: 3", "\n"}, tw.lines); diff != "" {
			t.Errorf("emitter %d lines mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(base, time.Hour)
	for i := 0; i < 100; i++ {
		rl.Debugf("parsed %d operations", i)
	}
	// The limiter has a burst of one, so only the first message passes.
	if len(tw.lines) != 2 || tw.lines[0] != "parsed 0 operations" {
		t.Errorf("rate limited logger emitted %q, want only the first message", tw.lines)
	}
}

func TestRateLimitedLoggerCountsSuppressed(t *testing.T) {
	tw := &testWriter{}
	now := time.Date(2024, time.May, 7, 0, 0, 0, 0, time.UTC)
	rl := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}, time.Second).(*rateLimitedLogger)
	rl.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		rl.Debugf("line %d", i)
	}
	now = now.Add(time.Second)
	rl.Debugf("line %d", 5)

	want := []string{
		"line 0", "\n",
		"line 5 (4 similar messages suppressed)", "\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("emitted lines mismatch (-want +got):\n%s", diff)
	}
}

func TestRateLimitedLoggerSkipsDisabledLevels(t *testing.T) {
	tw := &testWriter{}
	rl := RateLimitedLogger(&BasicLogger{Level: Warning, Emitter: &Writer{Next: tw}}, time.Hour)
	rl.Debugf("not logged")
	rl.Warningf("logged")
	if diff := cmp.Diff([]string{"logged", "\n"}, tw.lines); diff != "" {
		t.Errorf("emitted lines mismatch (-want +got):\n%s", diff)
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2024, time.May, 7, 13, 4, 5, 6000, time.UTC)
	e.Emit(0, Warning, ts, "leaked %s", "m0")
	if len(tw.lines) != 1 {
		t.Fatalf("got %d writes, want 1: %q", len(tw.lines), tw.lines)
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0507 13:04:05.000006 ") {
		t.Errorf("line %q has wrong header", line)
	}
	if !strings.HasSuffix(line, "] leaked m0\n") {
		t.Errorf("line %q has wrong message", line)
	}
}

func TestJSONEmitterCommand(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{Writer: &Writer{Next: tw}, Command: "analyze"}
	e.Emit(0, Info, time.Now(), "collected %d operations", 4)
	if len(tw.lines) == 0 {
		t.Fatalf("nothing emitted")
	}
	var got jsonRecord
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("emitted line %q is not JSON: %v", tw.lines[0], err)
	}
	if got.Command != "analyze" || got.Level != Info || got.Msg != "collected 4 operations" {
		t.Errorf("unexpected record %+v", got)
	}
	if !strings.HasPrefix(got.Source, "log_test.go:") {
		t.Errorf("record source %q, want log_test.go:<line>", got.Source)
	}
	if !strings.HasSuffix(tw.lines[0], "}\n") {
		t.Errorf("record %q is not newline terminated", tw.lines[0])
	}
}

func TestFileOptsBuild(t *testing.T) {
	start := time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)
	opts := FileOpts{Command: "run", Start: start}
	for _, tc := range []struct {
		pattern string
		want    string
	}{
		{pattern: "/tmp/mi.log", want: "/tmp/mi.log"},
		{pattern: "/tmp/%COMMAND%.log", want: "/tmp/run.log"},
		{pattern: "/tmp/logs/", want: "/tmp/logs/mi.20240102-030405.000000.run.log"},
	} {
		if got := opts.Build(tc.pattern); got != tc.want {
			t.Errorf("Build(%q) = %q, want %q", tc.pattern, got, tc.want)
		}
	}
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenFile(filepath.Join(dir, "sub", "%COMMAND%.log"), FileOpts{Command: "analyze"})
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer f.Close()
	if want := filepath.Join(dir, "sub", "analyze.log"); f.Name() != want {
		t.Errorf("OpenFile opened %q, want %q", f.Name(), want)
	}

	if f, err := OpenFile("", FileOpts{}); f != nil || err != nil {
		t.Errorf("OpenFile(\"\") = %v, %v, want nil, nil", f, err)
	}
}

func TestLevelJSON(t *testing.T) {
	for _, lv := range []Level{Warning, Info, Debug} {
		bs, err := lv.MarshalJSON()
		if err != nil {
			t.Fatalf("error marshaling %v: %v", lv, err)
		}
		var fromName, fromInt Level
		if err := fromName.UnmarshalJSON(bs); err != nil {
			t.Errorf("error unmarshaling %s: %v", bs, err)
		}
		if err := fromInt.UnmarshalJSON([]byte(fmt.Sprint(uint32(lv)))); err != nil {
			t.Errorf("error unmarshaling %d: %v", lv, err)
		}
		if fromName != lv || fromInt != lv {
			t.Errorf("level %v round-tripped to %v (name) and %v (int)", lv, fromName, fromInt)
		}
	}
}
