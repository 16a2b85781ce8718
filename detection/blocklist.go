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

package detection

import (
	"path/filepath"
	"strings"
)

// DefaultBlocklist returns USB devices that share the Panda's descriptors
// closely enough to be picked up but must never be opened.
func DefaultBlocklist() []string {
	return []string{
		"BBAA:DDEE", // Panda in bootloader (DFU) mode
	}
}

// IsBlocked checks if a USB device is in the blocklist.
func IsBlocked(vidpid string, blocklist []string) bool {
	return containsVIDPID(blocklist, vidpid)
}

func containsVIDPID(list []string, vidpid string) bool {
	vidpid = NormalizeVIDPID(vidpid)
	if vidpid == "" {
		return false
	}
	for _, entry := range list {
		if NormalizeVIDPID(entry) == vidpid {
			return true
		}
	}
	return false
}

// NormalizeVIDPID converts "0xbbaa:0xddcc", "bbaa:ddcc" and descriptor
// strings such as "VID:BBAA PID:DDCC" to "BBAA:DDCC". It returns "" when no
// pair can be found.
func NormalizeVIDPID(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if parsed := ParseVIDPID(s); parsed != "" {
		s = parsed
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return ""
	}
	vid := strings.TrimPrefix(strings.TrimSpace(parts[0]), "0X")
	pid := strings.TrimPrefix(strings.TrimSpace(parts[1]), "0X")
	if !isHex(vid) || !isHex(pid) {
		return ""
	}
	return vid + ":" + pid
}

// ParseVIDPID extracts VID:PID from descriptor formats like
// "VID:BBAA PID:DDCC" or "vendor=bbaa product=ddcc".
func ParseVIDPID(descriptor string) string {
	descriptor = strings.ToUpper(descriptor)

	var vid, pid string
	for _, key := range []string{"VID:", "VENDOR=", "VID="} {
		if idx := strings.Index(descriptor, key); idx >= 0 {
			vid = extractHex(descriptor[idx+len(key):])
			break
		}
	}
	for _, key := range []string{"PID:", "PRODUCT=", "PID="} {
		if idx := strings.Index(descriptor, key); idx >= 0 {
			pid = extractHex(descriptor[idx+len(key):])
			break
		}
	}

	if vid != "" && pid != "" {
		return vid + ":" + pid
	}
	return ""
}

// extractHex extracts the first sequence of hex digits from a string.
func extractHex(s string) string {
	var result strings.Builder
	foundHex := false

	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') {
			_, _ = result.WriteRune(r)
			foundHex = true
		} else if foundHex {
			break
		}
	}
	return result.String()
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// IsPathIgnored checks if a device path should be ignored.
func IsPathIgnored(devicePath string, ignorePaths []string) bool {
	if devicePath == "" || len(ignorePaths) == 0 {
		return false
	}

	normalizedDevice := normalizedPath(devicePath)
	for _, ignorePath := range ignorePaths {
		if ignorePath == "" {
			continue
		}
		if devicePath == ignorePath || normalizedDevice == normalizedPath(ignorePath) {
			return true
		}
	}
	return false
}

// normalizedPath cleans the path and folds case for Windows COM names.
func normalizedPath(path string) string {
	return strings.ToLower(filepath.Clean(path))
}
