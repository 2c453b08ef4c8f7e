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

package cli_test

import (
	"bytes"
	"os"
	"testing"

	. "gopkg.in/check.v1"
	"golang.org/x/term"

	"github.com/joshell/josh/internals/cli"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&CLISuite{})

type CLISuite struct {
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func (s *CLISuite) SetUpTest(c *C) {
	s.stdout = &bytes.Buffer{}
	s.stderr = &bytes.Buffer{}
	cli.Stdout = s.stdout
	cli.Stderr = s.stderr
}

func (s *CLISuite) TearDownTest(c *C) {
	cli.Stdin = os.Stdin
	cli.Stdout = os.Stdout
	cli.Stderr = os.Stderr
}

func (s *CLISuite) TestVersion(c *C) {
	c.Check(cli.Run([]string{"--version"}), Equals, 0)
	c.Check(s.stdout.String(), Equals, "josh "+cli.Version+"\n")
}

func (s *CLISuite) TestUnknownFlag(c *C) {
	c.Check(cli.Run([]string{"--frobnicate"}), Equals, 2)
	c.Check(s.stderr.String(), Matches, "josh: unknown flag.*\n")
}

func (s *CLISuite) TestExtraArguments(c *C) {
	c.Check(cli.Run([]string{"stray"}), Equals, 2)
	c.Check(s.stderr.String(), Equals, "josh: too many arguments\n")
}

func (s *CLISuite) TestRunBuiltin(c *C) {
	oldWd, err := os.Getwd()
	c.Assert(err, IsNil)
	defer os.Chdir(oldWd)

	c.Check(cli.Run([]string{"--run-builtin", "--", "cd", c.MkDir()}), Equals, 0)
	c.Check(cli.Run([]string{"--run-builtin", "--", "ls"}), Equals, 127)
	// Job-control builtins have nothing to act on in a re-executed stage.
	c.Check(cli.Run([]string{"--run-builtin", "--", "jobs"}), Equals, 1)
}

func (s *CLISuite) TestInteractiveOnly(c *C) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		c.Skip("stdin is a terminal")
	}
	c.Check(cli.Run(nil), Equals, 1)
	c.Check(s.stderr.String(), Matches, "josh: standard input is not a terminal\n")
}
