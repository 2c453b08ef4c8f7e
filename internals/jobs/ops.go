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

package jobs

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/joshell/josh/internals/logger"
	"github.com/joshell/josh/internals/termctl"
)

// Filter selects which jobs Report prints.
type Filter int

const (
	FilterAll Filter = iota
	FilterRunning
	FilterStopped
	FilterFinished
)

func (f Filter) matches(s State) bool {
	switch f {
	case FilterRunning:
		return s == Running
	case FilterStopped:
		return s == Stopped
	case FilterFinished:
		return s == Finished
	}
	return true
}

// Resume continues job j (the latest non-finished background job when j is
// negative), in the foreground when fg is set. It reports false for an
// unknown or finished job.
func (m *Manager) Resume(j int, fg bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j < 0 {
		j = m.latest()
	}
	if j < firstBg || j >= len(m.jobs) || m.jobs[j] == nil || m.jobs[j].state == Finished {
		return false
	}

	if fg {
		m.moveJob(j, foreground)
		fmt.Fprintf(m.out, "continue '%s'\n", m.jobs[foreground].command)
		m.monitor()
	} else if m.jobs[j].state == Stopped {
		if err := unix.Kill(-m.jobs[j].pgid, unix.SIGCONT); err != nil {
			logger.Debugf("Cannot continue pgid %d: %v", m.jobs[j].pgid, err)
		}
	}
	return true
}

// Kill terminates job j (the latest non-finished background job when j is
// negative). It reports false for an unknown or finished job.
func (m *Manager) Kill(j int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j < 0 {
		j = m.latest()
	}
	return m.killLocked(j)
}

// killLocked sends SIGTERM to the job's process group. A stopped process
// doesn't service SIGTERM until continued, and may be holding pending
// terminal-read/write stop reasons, so a stopped job is transiently handed
// the terminal and continued right after the terminate. Called with mu
// held.
func (m *Manager) killLocked(j int) bool {
	if j < 0 || j >= len(m.jobs) || m.jobs[j] == nil || m.jobs[j].state == Finished {
		return false
	}
	jb := m.jobs[j]
	logger.Debugf("Killing job in slot %d ('%s').", j, jb.command)

	if jb.state == Stopped {
		m.tty.Apply(&jb.modes, termctl.Drain)
		m.tty.SetForegroundGroup(jb.pgid)
		unix.Kill(-jb.pgid, unix.SIGTERM)
		unix.Kill(-jb.pgid, unix.SIGCONT)
		m.tty.SetForegroundGroup(m.tty.ShellGroup())
		m.tty.Apply(m.tty.ShellModes(), termctl.Drain)
	} else {
		unix.Kill(-jb.pgid, unix.SIGTERM)
	}
	return true
}

// Report prints one status line for every background job matching the
// filter. Reporting a finished job deletes it, so the second report of the
// same finished job prints nothing.
func (m *Manager) Report(which Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportLocked(which)
}

func (m *Manager) reportLocked(which Filter) {
	for j := firstBg; j < len(m.jobs); j++ {
		jb := m.jobs[j]
		if jb == nil || !which.matches(jb.state) {
			continue
		}
		command := jb.command // the state query deletes a finished job
		state, status := m.jobState(j)
		switch {
		case state == Finished && status.Signaled():
			fmt.Fprintf(m.out, "[%d] killed '%s' by signal %d\n", j, command, status.Signal())
		case state == Finished:
			fmt.Fprintf(m.out, "[%d] exited '%s', status=%d\n", j, command, status.ExitStatus())
		default:
			fmt.Fprintf(m.out, "[%d] %s '%s'\n", j, state, command)
		}
	}
}

// Shutdown terminates every remaining job, waits for all of them to
// finish, reports them, stops the reaper and closes the terminal.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for j := range m.jobs {
		for m.jobs[j] != nil && m.jobs[j].state != Finished {
			m.killLocked(j)
			m.suspend()
		}
	}
	m.reportLocked(FilterAll)
	m.mu.Unlock()

	if err := m.Stop(); err != nil {
		logger.Noticef("Reaper stopped with error: %v", err)
	}
	m.tty.Close()
}
