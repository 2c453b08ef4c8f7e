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

// Package jobs is the shell's job-control core: it launches commands and
// pipelines as jobs, tracks every child process in a slot table, reaps
// child state changes, and arbitrates which job owns the terminal.
//
// Slot 0 holds the foreground job (at most one); background jobs occupy
// slots 1 and up. A job's slot index is its user-visible identifier.
//
// The manager mutex is the critical section against the reaper: every
// table mutation outside the reap pass holds it, and waiting for the
// reaper to make progress is done only via the condition variable bound
// to the same mutex, so an observation followed by an action on job state
// can never interleave with a reap pass.
package jobs

import (
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/joshell/josh/internals/logger"
	"github.com/joshell/josh/internals/termctl"
)

// State is the lifecycle state of a process or a job.
type State int

const (
	Running State = iota
	Stopped
	Finished
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "suspended"
	case Finished:
		return "finished"
	}
	return "unknown"
}

// foreground is the slot reserved for the foreground job; background
// slots start right after it.
const (
	foreground = 0
	firstBg    = 1
)

type proc struct {
	pid    int
	state  State
	status unix.WaitStatus // valid only once state == Finished
}

type job struct {
	pgid    int
	procs   []*proc
	modes   unix.Termios
	state   State
	command string
}

// exitStatus is the raw status of the last stage, which defines the exit
// status of the whole pipeline.
func (j *job) exitStatus() unix.WaitStatus {
	return j.procs[len(j.procs)-1].status
}

// Terminal is the arbiter of controlling-terminal ownership and modes, as
// implemented by termctl.TTY. Tests substitute a fake.
type Terminal interface {
	ShellGroup() int
	SetForegroundGroup(pgid int) error
	Snapshot(dst *unix.Termios) error
	SaveShell() error
	ShellModes() *unix.Termios
	Apply(src *unix.Termios, how termctl.ApplyMode) error
	Close() error
}

// Options configures a Manager.
type Options struct {
	// Terminal arbitrates the controlling terminal.
	Terminal Terminal
	// Output receives user-visible job notifications.
	Output io.Writer
	// IsBuiltin reports whether name is handled by the builtin dispatcher.
	IsBuiltin func(name string) bool
	// RunBuiltin executes a builtin in-process and returns its exit code.
	// The second return is false if argv is not a builtin.
	RunBuiltin func(argv []string) (int, bool)
	// ReexecArgv maps a builtin's argv to an argv that re-executes the
	// shell binary to run that builtin as a pipeline stage child.
	ReexecArgv func(argv []string) []string
}

// Manager owns the job table and the reaper.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond
	jobs []*job

	tty        Terminal
	out        io.Writer
	isBuiltin  func(name string) bool
	runBuiltin func(argv []string) (int, bool)
	reexecArgv func(argv []string) []string

	tomb  tomb.Tomb
	sigch chan os.Signal
}

// NewManager creates a Manager; the reaper does not run until Start.
func NewManager(opts *Options) *Manager {
	m := &Manager{
		jobs:       make([]*job, firstBg),
		tty:        opts.Terminal,
		out:        opts.Output,
		isBuiltin:  opts.IsBuiltin,
		runBuiltin: opts.RunBuiltin,
		reexecArgv: opts.ReexecArgv,
		sigch:      make(chan os.Signal, 1),
	}
	if m.out == nil {
		m.out = os.Stdout
	}
	if m.isBuiltin == nil {
		m.isBuiltin = func(string) bool { return false }
	}
	if m.runBuiltin == nil {
		m.runBuiltin = func([]string) (int, bool) { return 0, false }
	}
	if m.reexecArgv == nil {
		m.reexecArgv = func(argv []string) []string { return argv }
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// allocBackground returns the smallest free background slot, growing the
// table by one entry if every slot is occupied. Called with mu held.
func (m *Manager) allocBackground() int {
	for j := firstBg; j < len(m.jobs); j++ {
		if m.jobs[j] == nil {
			return j
		}
	}
	m.jobs = append(m.jobs, nil)
	return len(m.jobs) - 1
}

// addJob initializes a slot (the foreground slot unless bg) with a new
// RUNNING job carrying the shell's current terminal modes. Called with mu
// held.
func (m *Manager) addJob(pgid int, bg bool) int {
	j := foreground
	if bg {
		j = m.allocBackground()
	}
	if m.jobs[j] != nil {
		logger.Panicf("internal error: job slot %d is occupied", j)
	}
	m.jobs[j] = &job{
		pgid:  pgid,
		state: Running,
		modes: *m.tty.ShellModes(),
	}
	logger.Debugf("Job with pgid %d added in slot %d.", pgid, j)
	return j
}

// addProc appends a RUNNING process to the job and extends its command
// string with the stage's arguments. Called with mu held.
func (m *Manager) addProc(j, pid int, argv []string) {
	jb := m.jobs[j]
	jb.procs = append(jb.procs, &proc{pid: pid, state: Running})
	if jb.command != "" {
		jb.command += " | "
	}
	jb.command += strings.Join(argv, " ")
}

// jobState reports a job's aggregate state and raw exit status. A FINISHED
// job is deleted by the query; its status is meaningful only then. Called
// with mu held.
func (m *Manager) jobState(j int) (State, unix.WaitStatus) {
	jb := m.jobs[j]
	state := jb.state
	var status unix.WaitStatus
	if state == Finished {
		status = jb.exitStatus()
		m.deleteJob(j)
	}
	return state, status
}

// deleteJob frees a FINISHED job's slot. Called with mu held.
func (m *Manager) deleteJob(j int) {
	if m.jobs[j].state != Finished {
		logger.Panicf("internal error: deleting job in slot %d in state %s", j, m.jobs[j].state)
	}
	logger.Debugf("Job with pgid %d deleted from slot %d.", m.jobs[j].pgid, j)
	m.jobs[j] = nil
}

// moveJob transfers a job between slots; the destination must be free.
// Called with mu held.
func (m *Manager) moveJob(from, to int) {
	if m.jobs[to] != nil {
		logger.Panicf("internal error: moving job into occupied slot %d", to)
	}
	m.jobs[to] = m.jobs[from]
	m.jobs[from] = nil
}

// latest returns the highest-indexed non-FINISHED background job, or -1.
// Called with mu held.
func (m *Manager) latest() int {
	for j := len(m.jobs) - 1; j >= firstBg; j-- {
		if m.jobs[j] != nil && m.jobs[j].state != Finished {
			return j
		}
	}
	return -1
}

// exitCode decodes a raw wait status into a shell exit code.
func exitCode(status unix.WaitStatus) int {
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	return status.ExitStatus()
}
