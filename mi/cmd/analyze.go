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

// Package cmd holds implementations of the mi commands.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"gvisor.dev/mi/mi/cmd/util"
	"gvisor.dev/mi/mi/config"
	"gvisor.dev/mi/mi/launch"
	"gvisor.dev/mi/pkg/analysis"
	"gvisor.dev/mi/pkg/diag"
	"gvisor.dev/mi/pkg/log"
)

// lockPollInterval is how often analyze retries a busy log lock.
const lockPollInterval = 100 * time.Millisecond

// Analyze implements subcommands.Command for the "analyze" command.
type Analyze struct {
	// stdout receives the analysis. nil means os.Stdout.
	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Analyze) Name() string {
	return "analyze"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Analyze) Synopsis() string {
	return "analyze a mutex instrumentation log"
}

// Usage implements subcommands.Command.Usage.
func (*Analyze) Usage() string {
	return `analyze [flags] [log file] - report lock discipline violations, lock order
inversions and the most expensive lock operations found in a log.

The log file defaults to $MI_LOGFILE, then to mi.log in the current directory.

Exit status: 0 clean, 1 warnings only, 2 errors, 3 fatal analysis failure,
4 usage error.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Analyze) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (a *Analyze) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	code := args[1].(*int)

	out := a.stdout
	if out == nil {
		out = os.Stdout
	}
	*code = a.analyze(ctx, conf, f.Arg(0), out)
	return subcommands.ExitSuccess
}

func (a *Analyze) analyze(ctx context.Context, conf *config.Config, arg string, out io.Writer) int {
	path, err := launch.NewResolver().LogFile(arg)
	if err != nil {
		util.Errorf("%v", err)
		return diag.ExitFatal
	}
	if _, err := os.Stat(path); err != nil {
		util.Errorf("cannot find log file %q: %v", path, err)
		return diag.ExitFatal
	}

	unlock, err := lockLog(ctx, path, conf.WaitForLog)
	switch {
	case errors.Is(err, launch.ErrLogBusy):
		util.Errorf("cannot read log file %q: %v", path, err)
		return diag.ExitFatal
	case err != nil:
		// The log is readable even if its lock is not, e.g. in a read-only
		// directory.
		log.Warningf("Reading %q without the log lock: %v", path, err)
	default:
		defer unlock()
	}

	file, err := os.Open(path)
	if err != nil {
		util.Errorf("opening log file: %v", err)
		return diag.ExitFatal
	}
	defer file.Close()

	log.Infof("Analyzing %s", path)
	res, err := analysis.Run(file, analysis.Options{
		Out:           out,
		Verbose:       conf.Verbose,
		IgnoreUnknown: conf.IgnoreUnknownOperations,
		PrintFailed:   conf.PrintFailedOperations,
		HotLimit:      conf.HotOperationLimit,
	})
	if err != nil {
		fmt.Fprintf(out, "FATAL: %v\n", err)
		var tooMany *diag.TooManyDiagnosticsError
		if errors.As(err, &tooMany) {
			log.Warningf("Analysis aborted after %d warnings and %d errors", tooMany.Warnings, tooMany.Errors)
		}
		return diag.ExitFatal
	}

	if conf.ReportFile != "" {
		if err := writeFile(conf.ReportFile, func(w io.Writer) error {
			return res.WriteReport(w, conf.ReportFormat)
		}); err != nil {
			util.Errorf("writing report: %v", err)
			return diag.ExitFatal
		}
	}
	if conf.MetricsFile != "" {
		if err := writeFile(conf.MetricsFile, res.WriteMetrics); err != nil {
			util.Errorf("writing metrics: %v", err)
			return diag.ExitFatal
		}
	}
	log.Infof("Analysis done: %d warnings, %d errors, exit code %d", res.Warnings, res.Errors, res.ExitCode)
	return res.ExitCode
}

// lockLog takes the shared log lock, retrying for up to wait while a running
// session holds it.
func lockLog(ctx context.Context, path string, wait time.Duration) (func() error, error) {
	if wait <= 0 {
		return launch.LockLog(path, false)
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(lockPollInterval), ctx)

	var unlock func() error
	op := func() error {
		u, err := launch.LockLog(path, false)
		if errors.Is(err, launch.ErrLogBusy) {
			log.Debugf("Waiting for the log lock: %v", err)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		unlock = u
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return unlock, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
