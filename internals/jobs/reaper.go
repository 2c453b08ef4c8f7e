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
	"errors"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/joshell/josh/internals/logger"
)

// Start installs the SIGCHLD notification and runs the reaper until Stop.
func (m *Manager) Start() {
	signal.Notify(m.sigch, unix.SIGCHLD)
	m.tomb.Go(m.reap)
}

// Stop shuts the reaper down. Jobs still in the table are left as they are;
// call Shutdown first to terminate them.
func (m *Manager) Stop() error {
	m.tomb.Kill(nil)
	err := m.tomb.Wait()
	signal.Stop(m.sigch)
	return err
}

// reap wakes on every SIGCHLD, drains pending child state changes into the
// job table, and signals anyone suspended on the condition variable.
func (m *Manager) reap() error {
	logger.Debugf("Reaper started, waiting for SIGCHLD.")
	for {
		select {
		case <-m.sigch:
			m.mu.Lock()
			m.reapOnce()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-m.tomb.Dying():
			logger.Debugf("Reaper stopped.")
			return nil
		}
	}
}

// reapOnce polls every live process of every live job for a pending state
// change, without blocking. One SIGCHLD may stand for several children, so
// the whole table is rescanned; polling an already-terminal process is a
// no-op, which keeps the pass idempotent. Process state is updated before
// job state so a job is never FINISHED ahead of its processes. Called with
// mu held.
func (m *Manager) reapOnce() {
	for j, jb := range m.jobs {
		if jb == nil || jb.state == Finished {
			continue
		}
		unfinished := 0
		for _, p := range jb.procs {
			if p.state == Finished {
				continue
			}
			var status unix.WaitStatus
			pid, err := unix.Wait4(p.pid, &status, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, nil)
			switch {
			case errors.Is(err, unix.ECHILD):
				// Child already reaped elsewhere; count it as gone
				// rather than corrupting the table.
				logger.Debugf("PID %d vanished before reaping; marking finished.", p.pid)
				p.state = Finished
			case err != nil:
				logger.Noticef("Cannot wait for PID %d: %v", p.pid, err)
				return
			case pid == 0:
				// No state change pending.
				unfinished++
			case status.Exited() || status.Signaled():
				p.state = Finished
				p.status = status
			case status.Stopped():
				p.state = Stopped
				jb.state = Stopped
				unfinished++
			case status.Continued():
				p.state = Running
				jb.state = Running
				unfinished++
			default:
				unfinished++
			}
		}
		if unfinished == 0 {
			logger.Debugf("Job with pgid %d in slot %d finished.", jb.pgid, j)
			jb.state = Finished
		}
	}
}

// suspend waits for the reaper to complete a pass, atomically releasing
// the critical section for the duration. This is the only way to wait for
// job-state progress; a bare wait outside the section would race with a
// pass completing before the wait began. Called with mu held.
func (m *Manager) suspend() {
	m.cond.Wait()
}
