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

// Package testing provides test utilities including a wire-level Panda
// simulator.
//
// VirtualPanda implements io.ReadWriter over the adapter's 16-byte record
// stream, as seen through the CDC-ACM link or the bulk/interrupt endpoints:
//
//	offset 0  rir      (LE u32) bit0 transmit, bit2 extended, id<<3 or id<<21
//	offset 4  bus_dlc  (LE u32) bits 0-3 length, bits 4-7 bus
//	offset 8  data     8 bytes
//
// The record layout is duplicated here so root package tests can use the
// simulator without an import cycle.
package testing

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/ZaparooProject/go-pandacan/internal/syncutil"
)

const (
	// RecordSize is the size of one wire record.
	RecordSize = 16
	// MaxBatch is the most bytes the adapter hands back per IN transfer.
	MaxBatch = 0x40

	rirTransmit = 0x01
	rirExtended = 0x04
)

// ErrClosed is returned by I/O on a closed simulator.
var ErrClosed = errors.New("virtual panda closed")

// Record is a decoded wire record as the simulator sees it.
type Record struct {
	Data     [8]byte
	ID       uint32
	Len      uint8
	Bus      uint8
	Extended bool
	Transmit bool
}

// EncodeRecord builds the wire bytes for r.
func EncodeRecord(r Record) []byte {
	b := make([]byte, RecordSize)
	var rir uint32
	if r.Extended {
		rir = r.ID<<3 | rirExtended
	} else {
		rir = r.ID << 21
	}
	if r.Transmit {
		rir |= rirTransmit
	}
	binary.LittleEndian.PutUint32(b[0:4], rir)
	binary.LittleEndian.PutUint32(b[4:8], uint32(r.Len&0x0F)|uint32(r.Bus&0x0F)<<4)
	copy(b[8:], r.Data[:])
	return b
}

// DecodeRecord parses one wire record. b must hold at least RecordSize bytes.
func DecodeRecord(b []byte) Record {
	rir := binary.LittleEndian.Uint32(b[0:4])
	busDLC := binary.LittleEndian.Uint32(b[4:8])
	r := Record{
		Extended: rir&rirExtended != 0,
		Transmit: rir&rirTransmit != 0,
		Len:      uint8(busDLC & 0x0F),
		Bus:      uint8(busDLC>>4) & 0x0F,
	}
	if r.Extended {
		r.ID = rir >> 3
	} else {
		r.ID = rir >> 21
	}
	copy(r.Data[:], b[8:16])
	return r
}

// VirtualPanda simulates the adapter firmware at the record level.
//
// Writes are accumulated and split into records; each whole record is logged
// and, with loopback enabled, queued back for reading with the transmit bit
// cleared, the way the adapter reports frames it put on the bus. Reads return
// at most MaxBatch bytes and block for up to the read timeout when nothing
// is queued.
type VirtualPanda struct {
	notify      chan struct{}
	pendingIn   []byte
	rx          []byte
	written     []Record
	readTimeout time.Duration
	mu          syncutil.Mutex
	loopback    bool
	closed      bool
	outputOn    bool
}

// NewVirtualPanda creates a simulator with loopback enabled.
func NewVirtualPanda() *VirtualPanda {
	return &VirtualPanda{
		notify:      make(chan struct{}, 1),
		readTimeout: 50 * time.Millisecond,
		loopback:    true,
	}
}

// SetLoopback controls whether written records are echoed back.
func (v *VirtualPanda) SetLoopback(enabled bool) {
	v.mu.Lock()
	v.loopback = enabled
	v.mu.Unlock()
}

// SetReadTimeout sets how long Read waits for data before returning 0.
func (v *VirtualPanda) SetReadTimeout(d time.Duration) {
	v.mu.Lock()
	v.readTimeout = d
	v.mu.Unlock()
}

// SetOutputEnable records the output-enable state a control request set.
func (v *VirtualPanda) SetOutputEnable(on bool) {
	v.mu.Lock()
	v.outputOn = on
	v.mu.Unlock()
}

// OutputEnabled reports the last output-enable state.
func (v *VirtualPanda) OutputEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.outputOn
}

// Write accepts host records. Partial records are held until completed by a
// later write.
func (v *VirtualPanda) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, ErrClosed
	}

	v.pendingIn = append(v.pendingIn, p...)
	for len(v.pendingIn) >= RecordSize {
		rec := DecodeRecord(v.pendingIn[:RecordSize])
		v.pendingIn = v.pendingIn[RecordSize:]
		v.written = append(v.written, rec)
		if v.loopback {
			rec.Transmit = false
			v.rx = append(v.rx, EncodeRecord(rec)...)
		}
	}
	v.signal()
	return len(p), nil
}

// Read returns up to MaxBatch queued bytes.
func (v *VirtualPanda) Read(p []byte) (int, error) {
	v.mu.Lock()
	timeout := v.readTimeout
	v.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			return 0, ErrClosed
		}
		if len(v.rx) > 0 {
			n := copy(p, v.rx[:min(len(v.rx), MaxBatch)])
			v.rx = v.rx[n:]
			v.mu.Unlock()
			return n, nil
		}
		v.mu.Unlock()

		select {
		case <-v.notify:
		case <-deadline.C:
			return 0, nil
		}
	}
}

// Close makes further I/O fail and wakes blocked readers.
func (v *VirtualPanda) Close() error {
	v.mu.Lock()
	v.closed = true
	v.signal()
	v.mu.Unlock()
	return nil
}

// InjectRecord queues a frame as if the adapter had received it from the bus.
func (v *VirtualPanda) InjectRecord(r Record) {
	v.InjectRaw(EncodeRecord(r))
}

// InjectRaw queues raw bytes for reading, including malformed tails.
func (v *VirtualPanda) InjectRaw(b []byte) {
	v.mu.Lock()
	v.rx = append(v.rx, b...)
	v.signal()
	v.mu.Unlock()
}

// Written returns every whole record the host has written, in order.
func (v *VirtualPanda) Written() []Record {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Record(nil), v.written...)
}

// Buffered returns the number of bytes waiting to be read.
func (v *VirtualPanda) Buffered() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.rx)
}

func (v *VirtualPanda) signal() {
	select {
	case v.notify <- struct{}{}:
	default:
	}
}
