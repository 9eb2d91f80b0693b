// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Loggers log events. A file-backed logger can be reopened in place,
// which is what USR1 does in master and workers.

package pitchfork

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Logger writes timestamped lines to stderr or to a reopenable file.
type Logger struct {
	mu     sync.Mutex
	target string // "" means stderr
	file   *os.File
}

func NewLogger(target string) (*Logger, error) {
	l := new(Logger)
	l.target = target
	if target == "" {
		l.file = os.Stderr
		return l, nil
	}
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	l.file = file
	return l, nil
}

func (l *Logger) Logf(format string, args ...any) {
	l.mu.Lock()
	fmt.Fprintf(l.file, "%s [%d] %s\n", time.Now().Format("2006/01/02 15:04:05"), os.Getpid(), fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *Logger) Debugf(format string, args ...any) {
	if IsDebug(1) {
		l.Logf(format, args...)
	}
}

// Reopen closes and reopens the log target. No-op for stderr loggers.
func (l *Logger) Reopen() error {
	if l.target == "" {
		return nil
	}
	file, err := os.OpenFile(l.target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	l.mu.Lock()
	old := l.file
	l.file = file
	l.mu.Unlock()
	old.Close()
	return nil
}

// errorSink adapts the logger into the env's error stream.
func (l *Logger) errorSink() io.Writer { return logWriter{l} }

type logWriter struct{ l *Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.l.Logf("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}

func (l *Logger) Close() {
	if l.target != "" {
		l.mu.Lock()
		l.file.Close()
		l.mu.Unlock()
	}
}
