// Copyright (c) 2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package builtin implements the shell's internal commands. The
// dispatcher either runs a builtin and returns its exit code, or reports
// that the command is external and should be executed.
package builtin

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joshell/josh/internals/jobs"
)

// Dispatcher runs builtins against a job manager. A Dispatcher without a
// manager (as used by a re-executed pipeline stage) still runs builtins,
// but the job-control ones fail: a pipeline stage is a child process and
// has no job table to act on.
type Dispatcher struct {
	mgr  *jobs.Manager
	out  io.Writer
	quit bool
}

// NewDispatcher creates a Dispatcher writing builtin output to out.
func NewDispatcher(out io.Writer) *Dispatcher {
	return &Dispatcher{out: out}
}

// SetJobs binds the job manager the job-control builtins act on.
func (d *Dispatcher) SetJobs(mgr *jobs.Manager) {
	d.mgr = mgr
}

// IsBuiltin reports whether name is one of the shell's internal commands.
func (d *Dispatcher) IsBuiltin(name string) bool {
	switch name {
	case "quit", "exit", "jobs", "fg", "bg", "kill", "cd":
		return true
	}
	return false
}

// QuitRequested reports whether a quit/exit builtin has run.
func (d *Dispatcher) QuitRequested() bool {
	return d.quit
}

// Run executes argv if it names a builtin, returning its exit code and
// true; it returns false for external commands.
func (d *Dispatcher) Run(argv []string) (int, bool) {
	switch argv[0] {
	case "quit", "exit":
		d.quit = true
		if len(argv) > 1 {
			if code, err := strconv.Atoi(argv[1]); err == nil {
				return code, true
			}
		}
		return 0, true
	case "jobs":
		if d.mgr == nil {
			return 1, true
		}
		d.mgr.Report(jobs.FilterAll)
		return 0, true
	case "fg":
		return d.resume(argv, true), true
	case "bg":
		return d.resume(argv, false), true
	case "kill":
		j, ok := jobArg(argv)
		if !ok || d.mgr == nil || !d.mgr.Kill(j) {
			return 1, true
		}
		return 0, true
	case "cd":
		dir := ""
		if len(argv) > 1 {
			dir = argv[1]
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				fmt.Fprintf(d.out, "cd: %v\n", err)
				return 1, true
			}
			dir = home
		}
		if err := os.Chdir(dir); err != nil {
			fmt.Fprintf(d.out, "cd: %v\n", err)
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func (d *Dispatcher) resume(argv []string, fg bool) int {
	j, ok := jobArg(argv)
	if !ok || d.mgr == nil || !d.mgr.Resume(j, fg) {
		return 1
	}
	return 0
}

// jobArg parses an optional job reference ("3" or "%3"); no argument
// selects the latest job.
func jobArg(argv []string) (int, bool) {
	if len(argv) < 2 {
		return -1, true
	}
	j, err := strconv.Atoi(strings.TrimPrefix(argv[1], "%"))
	if err != nil || j < 0 {
		return 0, false
	}
	return j, true
}

// Exec runs argv as a builtin in a re-executed shell child and returns
// the process exit code. Unknown names yield 127, like a failed exec.
func Exec(argv []string, out io.Writer) int {
	if len(argv) == 0 {
		return 127
	}
	code, ok := NewDispatcher(out).Run(argv)
	if !ok {
		return 127
	}
	return code
}
