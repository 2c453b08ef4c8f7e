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

package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// A Logger is a fairly minimal logging tool.
type Logger interface {
	// Notice is for messages that the user should see
	Noticef(format string, v ...any)
	// Debug is for messages that the user should be able to find if they're debugging something
	Debugf(format string, v ...any)
}

type nullLogger struct{}

func (nullLogger) Noticef(format string, v ...any) {}
func (nullLogger) Debugf(format string, v ...any)  {}

// NullLogger is a logger that does nothing
var NullLogger = nullLogger{}

var (
	logger     Logger = NullLogger
	loggerLock sync.Mutex
)

// Panicf notifies the user and then panics
func Panicf(format string, v ...any) {
	loggerLock.Lock()
	defer loggerLock.Unlock()
	logger.Noticef("PANIC "+format, v...)
	panic(fmt.Sprintf(format, v...))
}

// Noticef notifies the user of something
func Noticef(format string, v ...any) {
	loggerLock.Lock()
	defer loggerLock.Unlock()
	logger.Noticef(format, v...)
}

// Debugf records something in the debug log
func Debugf(format string, v ...any) {
	loggerLock.Lock()
	defer loggerLock.Unlock()
	logger.Debugf(format, v...)
}

// SetLogger sets the global logger to the given one. It must be called
// from a single goroutine before any logs are written.
func SetLogger(l Logger) (old Logger) {
	loggerLock.Lock()
	defer loggerLock.Unlock()
	old = logger
	logger = l
	return old
}

type lockedBytesBuffer struct {
	buffer bytes.Buffer
	mutex  sync.Mutex
}

func (b *lockedBytesBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.Write(p)
}

func (b *lockedBytesBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.String()
}

// MockLogger replaces the existing logger with a buffer and returns
// a Stringer returning the log buffer content and a restore function.
func MockLogger(prefix string) (fmt.Stringer, func()) {
	buf := &lockedBytesBuffer{}
	oldLogger := SetLogger(New(buf, prefix))
	return buf, func() {
		SetLogger(oldLogger)
	}
}

type defaultLogger struct {
	w      io.Writer
	prefix string
	debug  bool
}

// Debugf only prints if JOSH_DEBUG is 1 or debug logging was forced.
func (l *defaultLogger) Debugf(format string, v ...any) {
	if l.debug || os.Getenv("JOSH_DEBUG") == "1" {
		l.Noticef("DEBUG "+format, v...)
	}
}

// Noticef alerts the user about something.
func (l *defaultLogger) Noticef(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg += "\n"
	}
	fmt.Fprintf(l.w, "%s %s%s", time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), l.prefix, msg)
}

// New creates a Logger writing to w with the given prefix (printed between
// the timestamp and the message).
func New(w io.Writer, prefix string) Logger {
	return &defaultLogger{w: w, prefix: prefix}
}

// NewDebug is like New but with debug output unconditionally enabled,
// regardless of JOSH_DEBUG.
func NewDebug(w io.Writer, prefix string) Logger {
	return &defaultLogger{w: w, prefix: prefix, debug: true}
}
