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

package termctl_test

import (
	"os"
	"testing"

	. "gopkg.in/check.v1"
	"golang.org/x/term"

	"github.com/joshell/josh/internals/termctl"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&TermSuite{})

type TermSuite struct{}

func (s *TermSuite) TestOpenNotATerminal(c *C) {
	r, w, err := os.Pipe()
	c.Assert(err, IsNil)
	defer r.Close()
	defer w.Close()

	_, err = termctl.Open(int(r.Fd()))
	c.Assert(err, ErrorMatches, "standard input is not a terminal")
}

func (s *TermSuite) TestOpenOnTerminal(c *C) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		c.Skip("stdin is not a terminal")
	}

	tty, err := termctl.Open(fd)
	c.Assert(err, IsNil)
	defer tty.Close()

	c.Check(tty.Fd(), Not(Equals), fd)
	c.Check(tty.ShellGroup(), Not(Equals), 0)

	pgrp, err := tty.ForegroundGroup()
	c.Assert(err, IsNil)
	c.Check(pgrp, Equals, tty.ShellGroup())

	modes := *tty.ShellModes()
	c.Check(tty.Apply(&modes, termctl.Drain), IsNil)
	c.Check(tty.Snapshot(&modes), IsNil)

	c.Check(tty.Close(), IsNil)
	// Close is idempotent.
	c.Check(tty.Close(), IsNil)
}
