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

// Package termctl owns the controlling terminal: a duplicated close-on-exec
// descriptor and the shell's terminal modes saved at startup. All transfers
// of terminal ownership and all mode changes go through a TTY value, so
// there is exactly one writer of the foreground process group.
package termctl

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/pkg/term/termios"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/joshell/josh/internals/logger"
)

// ApplyMode selects how pending terminal I/O is treated when modes change.
type ApplyMode int

const (
	// Drain waits for queued output to be written before the change.
	Drain ApplyMode = iota
	// Flush waits for queued output to be written and discards unread
	// input before the change.
	Flush
)

// TTY is the shell's handle on its controlling terminal.
type TTY struct {
	fd         int
	pgrp       int
	shellModes unix.Termios
}

// Open duplicates stdinFd (which must be a terminal) with close-on-exec,
// takes control of the terminal for the shell's process group, and saves
// the shell's terminal modes.
func Open(stdinFd int) (*TTY, error) {
	if !term.IsTerminal(stdinFd) {
		return nil, fmt.Errorf("standard input is not a terminal")
	}
	fd, err := unix.FcntlInt(uintptr(stdinFd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot duplicate terminal descriptor: %w", err)
	}
	t := &TTY{fd: fd, pgrp: unix.Getpgrp()}
	if err := t.SetForegroundGroup(t.pgrp); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cannot take control of terminal: %w", err)
	}
	if err := termios.Tcgetattr(uintptr(fd), &t.shellModes); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cannot read terminal modes: %w", err)
	}
	return t, nil
}

// Fd returns the duplicated terminal descriptor.
func (t *TTY) Fd() int {
	return t.fd
}

// ShellGroup returns the shell's own process group.
func (t *TTY) ShellGroup() int {
	return t.pgrp
}

// SetForegroundGroup hands the terminal to process group pgid.
func (t *TTY) SetForegroundGroup(pgid int) error {
	return ignoringTTOU(func() error {
		return unix.IoctlSetPointerInt(t.fd, unix.TIOCSPGRP, pgid)
	})
}

// ForegroundGroup reports which process group currently owns the terminal.
func (t *TTY) ForegroundGroup() (int, error) {
	return unix.IoctlGetInt(t.fd, unix.TIOCGPGRP)
}

// Snapshot reads the current terminal modes into dst.
func (t *TTY) Snapshot(dst *unix.Termios) error {
	return termios.Tcgetattr(uintptr(t.fd), dst)
}

// SaveShell re-saves the current terminal modes as the shell's own.
func (t *TTY) SaveShell() error {
	return termios.Tcgetattr(uintptr(t.fd), &t.shellModes)
}

// ShellModes returns the shell's saved terminal modes.
func (t *TTY) ShellModes() *unix.Termios {
	return &t.shellModes
}

// Apply installs the given terminal modes, draining or flushing pending I/O.
func (t *TTY) Apply(src *unix.Termios, how ApplyMode) error {
	opt := uintptr(termios.TCSADRAIN)
	if how == Flush {
		opt = termios.TCSAFLUSH
	}
	return ignoringTTOU(func() error {
		return termios.Tcsetattr(uintptr(t.fd), opt, src)
	})
}

// Close releases the terminal descriptor.
func (t *TTY) Close() error {
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	if err != nil {
		logger.Noticef("Cannot close terminal descriptor: %v", err)
	}
	return err
}

// ignoringTTOU runs fn with SIGTTOU ignored. Changing the terminal from a
// process group that doesn't own it raises SIGTTOU, which would stop the
// shell right when it is taking the terminal back from a finished job.
// The disposition is restored afterwards so children forked later still
// inherit the default.
func ignoringTTOU(fn func() error) error {
	signal.Ignore(syscall.SIGTTOU)
	defer signal.Reset(syscall.SIGTTOU)
	return fn()
}
