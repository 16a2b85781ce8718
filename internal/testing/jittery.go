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

package testing

import (
	"io"
	"math/rand/v2"
	"time"
)

// JitterConfig configures the behavior of JitteryConnection.
type JitterConfig struct {
	// MaxLatency is the upper bound of the random delay before each read.
	MaxLatency time.Duration
	// FragmentMinBytes is the smallest read a fragmented delivery returns.
	FragmentMinBytes int
	// Seed makes the fragmentation reproducible when non-zero.
	Seed uint64
	// FragmentReads splits backend data into random-sized reads.
	FragmentReads bool
	// SplitRecords forces every read to end inside a record.
	SplitRecords bool
}

// DefaultJitterConfig returns a sensible default configuration for testing.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		MaxLatency:       2 * time.Millisecond,
		FragmentReads:    true,
		FragmentMinBytes: 1,
	}
}

// JitteryConnection wraps an io.ReadWriter to simulate a CDC-ACM link that
// delivers records in arbitrary fragments. Backend reads are buffered so no
// data is lost when a fragment is shorter than what the backend returned.
type JitteryConnection struct {
	backend io.ReadWriter
	rng     *rand.Rand
	readBuf []byte
	config  JitterConfig
	offset  int
}

// NewJitteryConnection wraps backend with jitter simulation.
func NewJitteryConnection(backend io.ReadWriter, config JitterConfig) *JitteryConnection {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64() //nolint:gosec // Test code, not crypto
	}
	if config.FragmentMinBytes < 1 {
		config.FragmentMinBytes = 1
	}

	return &JitteryConnection{
		backend: backend,
		config:  config,
		rng:     rand.New(rand.NewPCG(seed, seed^0xDEADBEEF)), //nolint:gosec // Test code, not crypto
		readBuf: make([]byte, 0, 256),
	}
}

// Write passes writes through to the backend unchanged.
func (j *JitteryConnection) Write(data []byte) (int, error) {
	return j.backend.Write(data) //nolint:wrapcheck // Pass-through wrapper
}

// Read returns a fragment of the buffered backend data.
func (j *JitteryConnection) Read(buf []byte) (int, error) {
	if j.config.MaxLatency > 0 {
		time.Sleep(time.Duration(j.rng.Int64N(int64(j.config.MaxLatency) + 1)))
	}

	if len(j.readBuf) == 0 {
		tmp := make([]byte, 256)
		n, err := j.backend.Read(tmp)
		if err != nil || n == 0 {
			return 0, err //nolint:wrapcheck // Pass-through wrapper
		}
		j.readBuf = append(j.readBuf, tmp[:n]...)
	}

	toReturn := min(len(j.readBuf), len(buf))

	if j.config.SplitRecords && toReturn > 1 && (j.offset+toReturn)%RecordSize == 0 {
		// Never end a fragment on a record boundary.
		toReturn--
	}

	if j.config.FragmentReads && toReturn > j.config.FragmentMinBytes {
		toReturn = j.config.FragmentMinBytes + j.rng.IntN(toReturn-j.config.FragmentMinBytes+1)
	}

	copy(buf, j.readBuf[:toReturn])
	j.readBuf = j.readBuf[toReturn:]
	j.offset += toReturn
	return toReturn, nil
}

// ClearBuffer discards buffered read data.
func (j *JitteryConnection) ClearBuffer() {
	j.readBuf = j.readBuf[:0]
	j.offset = 0
}
