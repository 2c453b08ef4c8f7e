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
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/joshell/josh/internals/token"
)

var errNotWellFormed = errors.New("command line is not well formed")

// Run launches one tokenized command line as a job: a single command or a
// pipeline, foreground unless bg. It returns the job's exit code for
// foreground jobs and 0 for background ones.
func (m *Manager) Run(toks []token.Token, bg bool) (int, error) {
	var stages [][]token.Token
	var cur []token.Token
	for _, t := range toks {
		switch t.Kind {
		case token.Background:
			// The caller strips a trailing '&'; any other placement is
			// malformed.
			return 0, errNotWellFormed
		case token.Pipe:
			stages = append(stages, cur)
			cur = nil
		default:
			cur = append(cur, t)
		}
	}
	stages = append(stages, cur)
	if len(stages) == 1 {
		return m.runSingle(stages[0], bg)
	}
	return m.runPipeline(stages, bg)
}

// runSingle launches a one-stage job. A foreground builtin runs in-process
// without creating a job; everything else becomes a single child in its
// own process group.
func (m *Manager) runSingle(toks []token.Token, bg bool) (int, error) {
	argv, in, out, err := extractRedirs(toks)
	if err != nil {
		return 0, err
	}
	if len(argv) == 0 {
		closeAll(in, out)
		return 0, errNotWellFormed
	}

	if !bg {
		if code, ok := m.runBuiltin(argv); ok {
			closeAll(in, out)
			return code, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	argvExec := argv
	if m.isBuiltin(argv[0]) {
		argvExec = m.reexecArgv(argv)
	}
	cmd := command(argvExec, in, out, 0)
	if err := cmd.Start(); err != nil {
		closeAll(in, out)
		return 127, err
	}
	pid := cmd.Process.Pid
	j := m.addJob(pid, bg)
	m.addProc(j, pid, argv)
	closeAll(in, out)

	if !bg {
		return m.monitor(), nil
	}
	fmt.Fprintf(m.out, "[%d] running '%s'\n", j, m.jobs[j].command)
	return 0, nil
}

// runPipeline launches a multi-stage job. Every stage joins the process
// group of the first stage; adjacent stages are connected with pipes whose
// parent-side ends are closed as soon as the last stage needing them has
// been started. Builtins run in a re-executed shell child, not in-process.
func (m *Manager) runPipeline(stages [][]token.Token, bg bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jslot := -1
	pgid := 0
	var prevRead *os.File

	// On a mid-construction failure the already-started part of the group
	// is killed and reaped before reporting the error, so no half-built
	// job survives.
	fail := func(err error) (int, error) {
		if prevRead != nil {
			prevRead.Close()
		}
		if jslot >= 0 {
			unix.Kill(-pgid, unix.SIGKILL)
			for m.jobs[jslot] != nil && m.jobs[jslot].state != Finished {
				m.suspend()
			}
			if m.jobs[jslot] != nil {
				m.deleteJob(jslot)
			}
		}
		return 0, err
	}

	for i, stage := range stages {
		argv, in, out, err := extractRedirs(stage)
		if err != nil {
			return fail(err)
		}
		if len(argv) == 0 {
			closeAll(in, out)
			return fail(errNotWellFormed)
		}

		var nextRead, pipeWrite *os.File
		if i < len(stages)-1 {
			nextRead, pipeWrite, err = os.Pipe()
			if err != nil {
				// Running out of pipes is fatal to the shell, not just
				// to this command line.
				fmt.Fprintf(os.Stderr, "josh: cannot create pipe: %v\n", err)
				os.Exit(1)
			}
		}

		// A stage's own redirection wins over the pipe end.
		stdin, stdout := prevRead, pipeWrite
		if in != nil {
			stdin = in
		}
		if out != nil {
			stdout = out
		}

		argvExec := argv
		if m.isBuiltin(argv[0]) {
			argvExec = m.reexecArgv(argv)
		}
		cmd := command(argvExec, stdin, stdout, pgid)
		err = cmd.Start()
		closeAll(in, out, prevRead, pipeWrite)
		prevRead = nextRead
		if err != nil {
			return fail(err)
		}

		pid := cmd.Process.Pid
		if i == 0 {
			// The first stage leads the group; the job exists from here
			// on so the reaper accounts for every subsequent stage.
			pgid = pid
			jslot = m.addJob(pgid, bg)
		}
		m.addProc(jslot, pid, argv)
	}

	if !bg {
		return m.monitor(), nil
	}
	fmt.Fprintf(m.out, "[%d] running '%s'\n", jslot, m.jobs[jslot].command)
	return 0, nil
}

// command builds the child process for one stage. Setpgid+Pgid makes the
// kernel place the child into the group between fork and exec, which
// closes the classic parent/child setpgid race in one step; pgid 0 means
// the child leads a new group. Handled keyboard signals revert to their
// default dispositions across the exec, so the child starts clean.
func command(argv []string, stdin, stdout *os.File, pgid int) *exec.Cmd {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: pgid}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	return cmd
}

// extractRedirs consumes redirection operators from a stage's tokens,
// opening their targets, and returns the residual argument vector. When a
// direction is redirected more than once the last open wins and earlier
// descriptors are closed.
func extractRedirs(toks []token.Token) (argv []string, in, out *os.File, err error) {
	closeBoth := func() {
		closeAll(in, out)
	}
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.Kind == token.Word {
			argv = append(argv, t.Text)
			continue
		}
		if i+1 >= len(toks) || toks[i+1].Kind != token.Word {
			closeBoth()
			return nil, nil, nil, errNotWellFormed
		}
		path := toks[i+1].Text
		i++

		var f *os.File
		var ferr error
		switch t.Kind {
		case token.Input:
			f, ferr = os.Open(path)
			if ferr == nil {
				closeAll(in)
				in = f
			}
		case token.Output:
			f, ferr = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if ferr == nil {
				closeAll(out)
				out = f
			}
		case token.Append:
			f, ferr = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
			if ferr == nil {
				closeAll(out)
				out = f
			}
		default:
			closeBoth()
			return nil, nil, nil, errNotWellFormed
		}
		if ferr != nil {
			closeBoth()
			return nil, nil, nil, ferr
		}
	}
	return argv, in, out, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
