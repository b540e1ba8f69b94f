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

// Package cli is the main entrypoint for mi.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/mi/mi/cmd"
	"gvisor.dev/mi/mi/cmd/util"
	"gvisor.dev/mi/mi/config"
	"gvisor.dev/mi/pkg/diag"
	"gvisor.dev/mi/pkg/log"
)

// versionFlagName is the name of a flag that triggers printing the version.
const versionFlagName = "version"

// version is the mi version, set at link time.
var version = "0.0.1"

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)
	flag.Bool(versionFlagName, false, "show version and exit.")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if flag.Lookup(versionFlagName).Value.(flag.Getter).Get().(bool) {
		fmt.Fprintf(os.Stdout, "mi version %s\n", version)
		os.Exit(0)
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mi: %v\n", err)
		os.Exit(diag.ExitUsage)
	}

	subcommand := flag.CommandLine.Arg(0)
	startTime := time.Now()

	// Diagnostics and summaries go to stdout. Operational logs go to the
	// debug log when set, else to stderr, warnings only unless --debug.
	log.SetLevel(log.Warning)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	var emitters log.MultiEmitter
	if conf.DebugLog != "" {
		f, err := log.OpenFile(conf.DebugLog, log.FileOpts{Command: subcommand, Start: startTime})
		if err != nil {
			util.Fatalf("error opening debug log file in %q: %v", conf.DebugLog, err)
		}
		emitters = append(emitters, newEmitter(conf.LogFormat, subcommand, f))
		util.ErrorLogger = f
	}
	if conf.DebugLog == "" || conf.AlsoLogToStderr {
		emitters = append(emitters, newEmitter(conf.LogFormat, subcommand, os.Stderr))
	}
	switch len(emitters) {
	case 1:
		// Use the singular emitter to avoid needless
		// `for` loop overhead when logging to a single place.
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}

	const delimString = `**************** mi ****************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %d CPUs, %s, PID %d, PPID %d", version, runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid(), os.Getppid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	var code int
	subcmdCode := subcommands.Execute(context.Background(), conf, &code)
	switch subcmdCode {
	case subcommands.ExitSuccess:
		log.Infof("Exiting with status: %d", code)
		os.Exit(code)
	case subcommands.ExitUsageError:
		os.Exit(diag.ExitUsage)
	default:
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
		os.Exit(diag.ExitFatal)
	}
}

// forEachCmd invokes the passed callback for each command supported by mi.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Analyze), "")
	cb(new(cmd.Run), "")
}

func newEmitter(format, command string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{&log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}, Command: command}
	}
	util.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
