// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pandacan

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Session log state
var (
	sessionLogCloser io.Closer
	sessionLogWriter io.Writer
	sessionLogPath   string
	sessionLogMu     sync.Mutex
)

// LogRotation configures a size-rotated session log.
type LogRotation struct {
	// Directory holds the log file; empty means the current directory.
	Directory string
	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int
	// MaxAgeDays removes rotated files older than this.
	MaxAgeDays int
	// MaxBackups limits the number of rotated files kept.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// InitSessionLog creates a new session log file in dir (the current
// directory when empty). Returns the log file path for display to the user.
func InitSessionLog(dir string) (string, error) {
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(dir, fmt.Sprintf("pandacan_%s.log", timestamp))

	logFile, err := os.Create(filename) //nolint:gosec // filename is constructed internally, not user input
	if err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	}

	setSessionLog(logFile, logFile, filename)
	return filename, nil
}

// InitRotatingSessionLog opens pandacan.log under cfg.Directory with
// size-based rotation. Long-running bridges should prefer this over
// InitSessionLog.
func InitRotatingSessionLog(cfg LogRotation) (string, error) {
	dir := cfg.Directory
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	filename := filepath.Join(dir, "pandacan.log")
	rotator := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}

	setSessionLog(rotator, rotator, filename)
	return filename, nil
}

func setSessionLog(w io.Writer, c io.Closer, path string) {
	sessionLogMu.Lock()
	sessionLogWriter = w
	sessionLogCloser = c
	sessionLogPath = path
	writeSessionHeader(w)
	sessionLogMu.Unlock()
}

// CloseSessionLog closes the current session log file.
func CloseSessionLog() error {
	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()

	if sessionLogCloser == nil {
		return nil
	}
	timestamp := time.Now().Format("15:04:05.000")
	_, _ = fmt.Fprintf(sessionLogWriter, "\n%s === Session ended ===\n", timestamp)

	err := sessionLogCloser.Close()
	sessionLogCloser = nil
	sessionLogPath = ""
	sessionLogWriter = nil
	if err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// GetSessionLogPath returns the current session log file path.
func GetSessionLogPath() string {
	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()
	return sessionLogPath
}

// writeSessionHeader writes metadata about the session to the log file.
func writeSessionHeader(writer io.Writer) {
	_, _ = fmt.Fprint(writer, "=== Panda CAN Session Log ===\n")
	_, _ = fmt.Fprintf(writer, "Started: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(writer, "PID: %d\n", os.Getpid())
	_, _ = fmt.Fprintf(writer, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(writer, "Go Version: %s\n", runtime.Version())
	if exe, err := os.Executable(); err == nil {
		_, _ = fmt.Fprintf(writer, "Executable: %s\n", exe)
	}
	_, _ = fmt.Fprintf(writer, "Command Line: %s\n", strings.Join(os.Args, " "))
	_, _ = fmt.Fprint(writer, "=============================\n\n")
}
