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

// Package launch runs a program under the mutex instrumentation shim.
//
// The shim is a shared library preloaded into the target. It forwards the
// pthread mutex calls to the real thread library and writes one record per
// call to the log file. The shim is configured through the environment:
//
//	LD_PRELOAD     the shim library
//	MI_LIBPTHREAD  the real thread library
//	MI_LOGFILE     the log file
//	MI_ELF         the instrumented program
//	MI_OPTIONS     shim options; "stack" records a backtrace per call
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/mi/pkg/log"
)

// Environment variables read by the shim, and by mi itself for defaults.
const (
	EnvPreload    = "LD_PRELOAD"
	EnvLibPthread = "MI_LIBPTHREAD"
	EnvLogFile    = "MI_LOGFILE"
	EnvELF        = "MI_ELF"
	EnvOptions    = "MI_OPTIONS"
)

// DefaultLogFile is the log file name used when none is configured.
const DefaultLogFile = "mi.log"

// LibMIName is the file name of the shim library.
const LibMIName = "libmi.so"

// OptionStack makes the shim record a backtrace for every call.
const OptionStack = "stack"

// Options describes a program to launch. Empty fields are resolved from the
// environment or from defaults.
type Options struct {
	Program string
	Args    []string

	// LibMI is the shim library. Defaults to libmi.so next to the mi
	// executable.
	LibMI string

	// LibPthread is the thread library. Defaults to $MI_LIBPTHREAD, then to
	// the library found in the program's dependencies.
	LibPthread string

	// LogFile defaults to $MI_LOGFILE, then to mi.log in the current
	// directory.
	LogFile string

	// ShimOptions is passed as MI_OPTIONS.
	ShimOptions string
}

// Session is a fully resolved launch. All paths are absolute.
type Session struct {
	Program     string
	Args        []string
	LibMI       string
	LibPthread  string
	LogFile     string
	ShimOptions string
}

// Resolver resolves Options into a Session. The fields are the host
// interfaces it uses; tests replace them.
type Resolver struct {
	Getenv     func(string) string
	Executable func() (string, error)
	Getwd      func() (string, error)
	LookPath   func(string) (string, error)
	Ldd        LddFunc
}

// NewResolver returns a Resolver using the host.
func NewResolver() *Resolver {
	return &Resolver{
		Getenv:     os.Getenv,
		Executable: os.Executable,
		Getwd:      os.Getwd,
		LookPath:   exec.LookPath,
		Ldd:        RunLdd,
	}
}

// LogFile returns the log file path: explicit, else $MI_LOGFILE, else mi.log
// in the current directory.
func (r *Resolver) LogFile(explicit string) (string, error) {
	path := explicit
	if path == "" {
		path = r.Getenv(EnvLogFile)
	}
	if path == "" {
		path = DefaultLogFile
	}
	if filepath.IsAbs(path) {
		return path, nil
	}
	wd, err := r.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %v", err)
	}
	return filepath.Join(wd, path), nil
}

// ValidateShimOptions checks the value passed as MI_OPTIONS.
func ValidateShimOptions(opts string) error {
	switch opts {
	case "", OptionStack:
		return nil
	default:
		return fmt.Errorf("unsupported shim option %q, the only supported option is %q", opts, OptionStack)
	}
}

// Resolve checks opts and fills in the defaults.
func (r *Resolver) Resolve(opts Options) (*Session, error) {
	if opts.Program == "" {
		return nil, errors.New("program to analyze is not specified")
	}
	if err := ValidateShimOptions(opts.ShimOptions); err != nil {
		return nil, err
	}

	program, err := r.program(opts.Program)
	if err != nil {
		return nil, err
	}
	log.Debugf("Program: %s", program)

	libmi := opts.LibMI
	if libmi == "" {
		exe, err := r.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating the mi executable: %v", err)
		}
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		libmi = filepath.Join(filepath.Dir(exe), LibMIName)
	}
	if libmi, err = filepath.Abs(libmi); err != nil {
		return nil, err
	}
	if _, err := os.Stat(libmi); err != nil {
		return nil, fmt.Errorf("%s is not found, expected at %q: %v", LibMIName, libmi, err)
	}
	log.Debugf("Shim library: %s", libmi)

	pthread, err := r.threadLibrary(opts.LibPthread, program)
	if err != nil {
		return nil, err
	}
	log.Debugf("Thread library: %s", pthread)

	logFile, err := r.LogFile(opts.LogFile)
	if err != nil {
		return nil, err
	}

	return &Session{
		Program:     program,
		Args:        opts.Args,
		LibMI:       libmi,
		LibPthread:  pthread,
		LogFile:     logFile,
		ShimOptions: opts.ShimOptions,
	}, nil
}

// program returns the absolute path of an executable program. Names without
// a slash are searched in PATH.
func (r *Resolver) program(name string) (string, error) {
	path := name
	if !strings.Contains(name, "/") {
		p, err := r.LookPath(name)
		if err != nil {
			return "", fmt.Errorf("the program %q is not found: %v", name, err)
		}
		path = p
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return "", fmt.Errorf("the program %q is not executable: %v", path, err)
	}
	return path, nil
}

func (r *Resolver) threadLibrary(explicit, program string) (string, error) {
	path := explicit
	source := "--pthread"
	if path == "" {
		path = r.Getenv(EnvLibPthread)
		source = EnvLibPthread
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("the thread library given by %s (%q) is not found: %v", source, path, err)
		}
		return filepath.Abs(path)
	}

	log.Debugf("%s is not set, searching the dependencies of %s", EnvLibPthread, program)
	path, err := FindThreadLibrary(program, r.Ldd)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("%q is not linked with libpthread", program)
	}
	return path, nil
}

// Env returns base with the shim variables of s set. Earlier values of
// those variables are dropped.
func (s *Session) Env(base []string) []string {
	vars := []struct{ name, value string }{
		{EnvPreload, s.LibMI},
		{EnvLibPthread, s.LibPthread},
		{EnvLogFile, s.LogFile},
		{EnvELF, s.Program},
		{EnvOptions, s.ShimOptions},
	}
	env := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		keep := true
		for _, v := range vars {
			if strings.HasPrefix(kv, v.name+"=") {
				keep = false
				break
			}
		}
		if keep {
			env = append(env, kv)
		}
	}
	for _, v := range vars {
		if v.value != "" {
			env = append(env, v.name+"="+v.value)
		}
	}
	return env
}

// Stdio are the standard streams given to the target.
type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run starts the target and waits for it to exit. SIGINT and SIGTERM are
// forwarded to the target. The log lock is held exclusively for the whole
// run, so that analyze does not read a log still being written.
//
// A target that runs and exits, successfully or not, yields its wait status
// and a nil error.
func (s *Session) Run(ctx context.Context, stdio Stdio) (unix.WaitStatus, error) {
	if err := os.MkdirAll(filepath.Dir(s.LogFile), 0755); err != nil {
		return 0, fmt.Errorf("creating log directory: %v", err)
	}
	unlock, err := LockLog(s.LogFile, true)
	if err != nil {
		return 0, err
	}
	defer unlock()

	cmd := exec.Command(s.Program, s.Args...)
	cmd.Env = s.Env(os.Environ())
	cmd.Stdin = stdio.Stdin
	cmd.Stdout = stdio.Stdout
	cmd.Stderr = stdio.Stderr

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigs)

	log.Infof("Starting %s %v, log file %s", s.Program, s.Args, s.LogFile)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %q: %v", s.Program, err)
	}
	log.Debugf("Started PID %d", cmd.Process.Pid)

	var (
		ws   unix.WaitStatus
		done = make(chan struct{})
		g    errgroup.Group
	)
	g.Go(func() error {
		defer close(done)
		err := cmd.Wait()
		if cmd.ProcessState == nil {
			return fmt.Errorf("waiting for %q: %v", s.Program, err)
		}
		status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
		if !ok {
			return fmt.Errorf("unexpected wait status type %T", cmd.ProcessState.Sys())
		}
		ws = unix.WaitStatus(status)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case sig := <-sigs:
				log.Infof("Forwarding signal %v to PID %d", sig, cmd.Process.Pid)
				if err := cmd.Process.Signal(sig); err != nil {
					log.Warningf("Error forwarding signal %v to PID %d: %v", sig, cmd.Process.Pid, err)
				}
			case <-ctx.Done():
				log.Warningf("Killing PID %d: %v", cmd.Process.Pid, ctx.Err())
				if err := cmd.Process.Kill(); err != nil {
					log.Warningf("Error killing PID %d: %v", cmd.Process.Pid, err)
				}
				<-done
				return nil
			case <-done:
				return nil
			}
		}
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}
	log.Infof("%s exited with status %v", s.Program, ws)
	return ws, nil
}
