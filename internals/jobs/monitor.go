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

// monitor gives the terminal to the foreground job and blocks until the
// job finishes or stops. A stopped job is migrated to a background slot.
// Either way the terminal and the shell's modes are restored before
// returning the job's exit code (0 when it stopped). Called with mu held
// and the foreground slot occupied.
func (m *Manager) monitor() int {
	jb := m.jobs[foreground]

	if err := m.tty.SaveShell(); err != nil {
		logger.Noticef("Cannot save shell terminal modes: %v", err)
	}
	if err := m.tty.Apply(&jb.modes, termctl.Drain); err != nil {
		logger.Noticef("Cannot apply job terminal modes: %v", err)
	}
	if err := m.tty.SetForegroundGroup(jb.pgid); err != nil {
		logger.Noticef("Cannot hand terminal to pgid %d: %v", jb.pgid, err)
	}
	// No-op if the job is already running; required when it was stopped
	// by a pending terminal read or write.
	if err := unix.Kill(-jb.pgid, unix.SIGCONT); err != nil {
		logger.Debugf("Cannot continue pgid %d: %v", jb.pgid, err)
	}

	exit := 0
	for {
		state, status := m.jobState(foreground)
		if state == Finished {
			exit = exitCode(status)
			break
		}
		if state == Stopped {
			// Keep the modes the job had when stopped, so resuming it
			// restores them.
			if err := m.tty.Snapshot(&jb.modes); err != nil {
				logger.Noticef("Cannot snapshot job terminal modes: %v", err)
			}
			to := m.allocBackground()
			m.moveJob(foreground, to)
			fmt.Fprintf(m.out, "[%d] suspended '%s'\n", to, jb.command)
			break
		}
		m.suspend()
	}

	if err := m.tty.SetForegroundGroup(m.tty.ShellGroup()); err != nil {
		logger.Noticef("Cannot take terminal back: %v", err)
	}
	if err := m.tty.Apply(m.tty.ShellModes(), termctl.Flush); err != nil {
		logger.Noticef("Cannot restore shell terminal modes: %v", err)
	}
	return exit
}
