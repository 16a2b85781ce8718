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
	"os"
	"strings"
	"time"
)

// debugEnabled controls whether debug logging is active
var debugEnabled = false

func init() {
	if os.Getenv("PANDACAN_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		debugEnabled = true
	}
}

func writeSessionLine(level, message string) {
	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()
	if sessionLogWriter != nil {
		timestamp := time.Now().Format("15:04:05.000")
		_, _ = fmt.Fprintf(sessionLogWriter, "%s %s: %s\n", timestamp, level, message)
	}
}

// Debugf prints debug information.
// Always writes to session log file (if initialized) with timestamp.
// Only prints to console when debug mode is enabled.
func Debugf(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	writeSessionLine("DEBUG", message)

	if debugEnabled {
		_, _ = fmt.Printf("DEBUG: %s\n", message)
	}
}

// Debugln prints debug information.
// Always writes to session log file (if initialized) with timestamp.
// Only prints to console when debug mode is enabled.
func Debugln(args ...any) {
	writeSessionLine("DEBUG", strings.TrimSuffix(fmt.Sprintln(args...), "\n"))

	if debugEnabled {
		_, _ = fmt.Print("DEBUG: ")
		_, _ = fmt.Println(args...)
	}
}

// Warnf reports an abnormal but recoverable condition such as an aborted
// transfer or a framing error. Console output goes to stderr when debug mode
// is enabled.
func Warnf(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	writeSessionLine("WARN", message)

	if debugEnabled {
		_, _ = fmt.Fprintf(os.Stderr, "WARN: %s\n", message)
	}
}

// SetDebugEnabled allows programmatic control of debug logging
// Useful for testing or application-controlled debug modes
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}
