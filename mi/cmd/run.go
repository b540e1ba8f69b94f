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
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/mi/mi/cmd/util"
	"gvisor.dev/mi/mi/launch"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	libmi       string
	pthread     string
	logFile     string
	shimOptions string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a program under the mutex instrumentation shim"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] [--] <program> [program arguments] - run a program with the
mutex instrumentation shim preloaded, writing every mutex operation to the log.

The environment variables MI_LIBPTHREAD and MI_LOGFILE are used when the
corresponding flags are not given. Exits with the status of the program.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.libmi, "libmi", "", "path to libmi.so. Defaults to libmi.so next to the mi executable.")
	f.StringVar(&r.pthread, "pthread", "", "path to the thread library. Defaults to $MI_LIBPTHREAD, then to the library found with ldd.")
	f.StringVar(&r.logFile, "logfile", "", "log file. Defaults to $MI_LOGFILE, then to mi.log in the current directory.")
	f.StringVar(&r.shimOptions, "option", "", `shim option: "stack" records a backtrace for every operation (slow).`)
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	code := args[1].(*int)

	if err := launch.ValidateShimOptions(r.shimOptions); err != nil {
		util.Errorf("%v", err)
		return subcommands.ExitUsageError
	}
	s, err := launch.NewResolver().Resolve(launch.Options{
		Program:     f.Arg(0),
		Args:        f.Args()[1:],
		LibMI:       r.libmi,
		LibPthread:  r.pthread,
		LogFile:     r.logFile,
		ShimOptions: r.shimOptions,
	})
	if err != nil {
		return util.Errorf("%v", err)
	}

	ws, err := s.Run(ctx, launch.Stdio{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr})
	if err != nil {
		return util.Errorf("running %q: %v", s.Program, err)
	}
	if ws.Signaled() {
		// Emulate what the shell does.
		*code = 128 + int(ws.Signal())
	} else {
		*code = ws.ExitStatus()
	}
	return subcommands.ExitSuccess
}
