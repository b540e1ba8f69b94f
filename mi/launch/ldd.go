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

package launch

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"gvisor.dev/mi/pkg/log"
)

// LddFunc returns the output of ldd for the ELF file at path.
type LddFunc func(path string) (string, error)

// RunLdd runs ldd from PATH.
func RunLdd(path string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command("ldd", path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ldd %q: %v: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Thread library names, as listed by ldd. Since glibc 2.34 the pthread
// functions live in libc and libpthread is only a stub, if present at all.
const (
	pthreadSoname = "libpthread.so"
	libcSoname    = "libc.so"
)

// FindThreadLibrary walks the dynamic dependencies of elf, recursively, and
// returns the path of libpthread. If no libpthread is linked, the path of
// libc is returned instead. An empty path means that neither is linked.
func FindThreadLibrary(elf string, ldd LddFunc) (string, error) {
	w := lddWalker{ldd: ldd, visited: make(map[string]bool)}
	pthread, err := w.walk(elf)
	if err != nil {
		return "", err
	}
	if pthread != "" {
		return pthread, nil
	}
	return w.libc, nil
}

type lddWalker struct {
	ldd     LddFunc
	visited map[string]bool

	// libc is the first libc found, if any.
	libc string
}

func (w *lddWalker) walk(path string) (string, error) {
	if w.visited[path] {
		return "", nil
	}
	w.visited[path] = true

	out, err := w.ldd(path)
	if err != nil {
		return "", err
	}
	log.Debugf("ldd %s:\n%s", path, out)
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		name := parts[0]
		switch {
		case strings.HasPrefix(name, "linux-vdso.so"), strings.HasPrefix(name, "linux-gate.so"):
			continue
		case strings.HasPrefix(name, "statically"):
			continue
		case len(parts) >= 4 && parts[1] == "=>" && parts[2] == "not" && parts[3] == "found":
			return "", fmt.Errorf("a library needed by %q is not found: %s", path, strings.TrimSpace(line))
		}

		var lib string
		switch {
		case len(parts) >= 3 && parts[1] == "=>":
			lib = parts[2]
		case strings.HasPrefix(name, "/"):
			// The dynamic loader is listed by path only.
			lib = name
		default:
			continue
		}
		if strings.HasPrefix(name, pthreadSoname) {
			return lib, nil
		}
		if strings.HasPrefix(name, libcSoname) {
			if w.libc == "" {
				w.libc = lib
			}
			continue
		}
		if !strings.HasPrefix(lib, "/") {
			continue
		}
		found, err := w.walk(lib)
		if err != nil {
			return "", err
		}
		if found != "" {
			return found, nil
		}
	}
	return "", nil
}
