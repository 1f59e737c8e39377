/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bufshare

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

type logger struct {
	name      string
	out       *atomic.Value // io.Writer
	callDepth int
}

var (
	internalLogger = newLogger("", os.Stdout)
	level          atomic.Int32

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

const (
	levelTrace = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
	levelNoPrint
)

func init() {
	level.Store(levelWarn)
	if os.Getenv("BUFSHARE_LOG_LEVEL") != "" {
		if n, err := strconv.Atoi(os.Getenv("BUFSHARE_LOG_LEVEL")); err == nil {
			if n >= levelTrace && n <= levelNoPrint {
				level.Store(int32(n))
			}
		}
	}
}

// SetLogLevel used to change the internal logger's level and the default level is Warning.
// The process env `BUFSHARE_LOG_LEVEL` also could set log level
func SetLogLevel(l int) {
	if l >= levelTrace && l <= levelNoPrint {
		level.Store(int32(l))
	}
}

// SetLogOutput redirects the internal logger. A nil writer restores stdout.
func SetLogOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	internalLogger.out.Store(writerBox{w})
}

// writerBox keeps atomic.Value's stored type constant across writers.
type writerBox struct{ io.Writer }

func newLogger(name string, out io.Writer) *logger {
	if out == nil {
		out = os.Stdout
	}
	l := &logger{
		name:      name,
		out:       new(atomic.Value),
		callDepth: 3,
	}
	l.out.Store(writerBox{out})
	return l
}

// Logger is a named view of the package logger for front ends built on a Device. It
// follows SetLogLevel and SetLogOutput.
type Logger struct {
	l *logger
}

// NamedLogger returns a Logger whose lines are tagged with name.
func NamedLogger(name string) Logger {
	return Logger{l: &logger{name: name, out: internalLogger.out, callDepth: 3}}
}

func (l Logger) Errorf(format string, a ...interface{}) { l.l.logf(levelError, format, a...) }

func (l Logger) Warnf(format string, a ...interface{}) { l.l.logf(levelWarn, format, a...) }

func (l Logger) Infof(format string, a ...interface{}) { l.l.logf(levelInfo, format, a...) }

func (l Logger) Debugf(format string, a ...interface{}) { l.l.logf(levelDebug, format, a...) }

func (l Logger) Tracef(format string, a ...interface{}) { l.l.logf(levelTrace, format, a...) }

func (l *logger) writer() io.Writer {
	return l.out.Load().(writerBox).Writer
}

func (l *logger) logf(lv int, format string, a ...interface{}) {
	if int(level.Load()) > lv {
		return
	}
	if _, err := fmt.Fprintf(l.writer(), l.prefix(lv)+format+reset+"\n", a...); err != nil {
		fmt.Fprintf(os.Stderr, "logger write failed: %v\n", err)
	}
}

func (l *logger) errorf(format string, a ...interface{}) { l.logf(levelError, format, a...) }

func (l *logger) warnf(format string, a ...interface{}) { l.logf(levelWarn, format, a...) }

func (l *logger) infof(format string, a ...interface{}) { l.logf(levelInfo, format, a...) }

func (l *logger) debugf(format string, a ...interface{}) { l.logf(levelDebug, format, a...) }

func (l *logger) tracef(format string, a ...interface{}) { l.logf(levelTrace, format, a...) }

func (l *logger) prefix(level int) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(colors[level])
	_, _ = buf.WriteString(levelName[level])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.name)
	_ = buf.WriteByte(' ')
	return buf.String()
}

func (l *logger) location() string {
	// logf adds one frame on top of the level helpers
	_, file, line, ok := runtime.Caller(l.callDepth + 1)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}
