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

// Package cli parses the shell's command line, runs the interactive
// prompt loop, and provides the re-exec entry used to run a builtin as a
// pipeline stage.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/canonical/go-flags"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/joshell/josh/internals/builtin"
	"github.com/joshell/josh/internals/jobs"
	"github.com/joshell/josh/internals/logger"
	"github.com/joshell/josh/internals/termctl"
	"github.com/joshell/josh/internals/token"
)

var (
	// Standard streams, redirected for testing.
	Stdin  io.Reader = os.Stdin
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

// Version is set at build time via -ldflags.
var Version = "unknown"

const prompt = "# "

type options struct {
	Version bool `long:"version" description:"Print version information and exit"`
	Debug   bool `short:"d" long:"debug" description:"Enable debug logging"`

	// RunBuiltin is how a builtin appearing as a pipeline stage gets its
	// own process: the stage child re-executes this binary.
	RunBuiltin bool `long:"run-builtin" hidden:"true"`
}

// Run is the shell entry point; it returns the process exit code.
func Run(args []string) int {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	rest, err := parser.ParseArgs(args)
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(Stdout, e.Message)
			return 0
		}
		fmt.Fprintf(Stderr, "josh: %v\n", err)
		return 2
	}

	switch {
	case opts.Version:
		fmt.Fprintf(Stdout, "josh %s\n", Version)
		return 0
	case opts.RunBuiltin:
		return builtin.Exec(rest, Stdout)
	case len(rest) > 0:
		fmt.Fprintln(Stderr, "josh: too many arguments")
		return 2
	}

	if opts.Debug {
		logger.SetLogger(logger.NewDebug(Stderr, "josh: "))
	} else {
		logger.SetLogger(logger.New(Stderr, "josh: "))
	}
	return runShell()
}

func runShell() int {
	// The shell runs only in interactive mode.
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(Stderr, "josh: standard input is not a terminal")
		return 1
	}

	// Lead our own process group unless we already belong to the session
	// leader's group.
	if sid, err := unix.Getsid(0); err == nil && sid != unix.Getpgrp() {
		if err := unix.Setpgid(0, 0); err != nil {
			fmt.Fprintf(Stderr, "josh: cannot create process group: %v\n", err)
			return 1
		}
	}

	// Take control of the terminal and save the shell's modes.
	tty, err := termctl.Open(int(os.Stdin.Fd()))
	if err != nil {
		fmt.Fprintf(Stderr, "josh: %v\n", err)
		return 1
	}

	// Keyboard signals must not interrupt the shell itself. Registering
	// handlers (rather than ignoring) keeps the dispositions out of the
	// children: handled signals revert to their defaults across exec,
	// ignored ones would be inherited.
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTSTP, unix.SIGTTIN)
	defer signal.Stop(sigs)
	go func() {
		for sig := range sigs {
			if sig == unix.SIGINT {
				// The terminal driver already discarded the input line.
				fmt.Fprint(Stdout, "\n"+prompt)
			}
		}
	}()

	disp := builtin.NewDispatcher(Stdout)
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	mgr := jobs.NewManager(&jobs.Options{
		Terminal:   tty,
		Output:     Stdout,
		IsBuiltin:  disp.IsBuiltin,
		RunBuiltin: disp.Run,
		ReexecArgv: func(argv []string) []string {
			return append([]string{exe, "--run-builtin", "--"}, argv...)
		},
	})
	disp.SetJobs(mgr)
	mgr.Start()

	reader := bufio.NewReader(Stdin)
	for {
		fmt.Fprint(Stdout, prompt)
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			eval(mgr, strings.TrimSuffix(line, "\n"))
		}
		if err != nil || disp.QuitRequested() {
			break
		}
		mgr.Report(jobs.FilterFinished)
	}
	fmt.Fprintln(Stdout)
	mgr.Shutdown()
	return 0
}

// eval tokenizes and runs one command line. A trailing '&' runs the line
// in the background. Errors fail the line, not the shell.
func eval(mgr *jobs.Manager, line string) {
	toks, err := token.Tokenize(line)
	if err != nil {
		fmt.Fprintf(Stderr, "josh: %v\n", err)
		return
	}
	if len(toks) == 0 {
		return
	}
	bg := toks[len(toks)-1].Kind == token.Background
	if bg {
		toks = toks[:len(toks)-1]
	}
	if len(toks) == 0 {
		return
	}
	if _, err := mgr.Run(toks, bg); err != nil {
		fmt.Fprintf(Stderr, "josh: %v\n", err)
	}
}
