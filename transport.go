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
	"context"
	"errors"
	"sort"
	"sync"
)

// Handle identifies one submitted transfer for the lifetime of a transport.
type Handle uint64

// Status is the outcome a transport reports for a completed transfer.
type Status int

const (
	// StatusOK means the transfer finished normally.
	StatusOK Status = iota
	// StatusError is a transient transport failure (stall, overflow, CRC).
	StatusError
	// StatusCancelled means the transfer was killed by CancelAll or Close.
	StatusCancelled
	// StatusNoDevice means the adapter has been unplugged.
	StatusNoDevice
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	case StatusNoDevice:
		return "no device"
	default:
		return "unknown"
	}
}

// Completion is delivered by a transport once per submitted transfer.
type Completion struct {
	Err    error  // Transport detail for non-OK statuses, may be nil
	Handle Handle // Handle returned by the submit call
	Status Status
	N      int // Bytes transferred
}

// ControlRequest is a synchronous control-endpoint request.
type ControlRequest struct {
	Data        []byte
	Value       uint16
	Index       uint16
	RequestType uint8
	Request     uint8
}

// Transport is the asynchronous USB transfer layer underneath a Device.
//
// Submit calls must not block. Every transfer that was submitted without
// error produces exactly one Completion on the Completions channel, including
// transfers killed by CancelAll, which report StatusCancelled.
type Transport interface {
	// SelectInterface claims the interface and alternate setting that
	// expose the CAN endpoints.
	SelectInterface(iface, alt int) error

	// SubmitWrite queues buf on the bulk OUT endpoint. The transport owns
	// buf until the completion is delivered.
	SubmitWrite(buf []byte) (Handle, error)

	// SubmitRead queues buf on the interrupt IN endpoint.
	SubmitRead(buf []byte) (Handle, error)

	// Completions returns the channel completion events are delivered on.
	Completions() <-chan Completion

	// CancelAll kills every outstanding transfer in both directions.
	CancelAll()

	// Control performs a synchronous control transfer on endpoint 0.
	Control(ctx context.Context, req ControlRequest) (int, error)

	// Close releases the transport. Outstanding transfers are cancelled.
	Close() error

	// Type returns the transport type
	Type() TransportType
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportUSB represents a libusb-backed transport.
	TransportUSB TransportType = "usb"
	// TransportSerial represents a CDC-ACM or UART transport.
	TransportSerial TransportType = "serial"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// Direction of a transfer.
type Direction int

const (
	// DirOut is a host-to-adapter transfer.
	DirOut Direction = iota
	// DirIn is an adapter-to-host transfer.
	DirIn
)

type mockTransfer struct {
	buf []byte
	dir Direction
}

// MockTransport provides an in-memory Transport for testing. Transfers stay
// pending until the test completes them explicitly.
type MockTransport struct {
	pending      map[Handle]mockTransfer
	completions  chan Completion
	submitErr    map[Direction]error
	controlErr   error
	writes       [][]byte
	controlLog   []ControlRequest
	nextHandle   Handle
	mu           sync.Mutex
	iface        int
	alt          int
	closed       bool
	holdCancel   bool
	selectCalled bool
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		pending:     make(map[Handle]mockTransfer),
		completions: make(chan Completion, 1024),
		submitErr:   make(map[Direction]error),
		iface:       -1,
		alt:         -1,
	}
}

// SelectInterface implements Transport interface
func (m *MockTransport) SelectInterface(iface, alt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrTransportClosed
	}
	m.iface, m.alt = iface, alt
	m.selectCalled = true
	return nil
}

func (m *MockTransport) submit(dir Direction, buf []byte) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrTransportClosed
	}
	if err := m.submitErr[dir]; err != nil {
		return 0, err
	}
	m.nextHandle++
	h := m.nextHandle
	m.pending[h] = mockTransfer{dir: dir, buf: buf}
	if dir == DirOut {
		m.writes = append(m.writes, append([]byte(nil), buf...))
	}
	return h, nil
}

// SubmitWrite implements Transport interface
func (m *MockTransport) SubmitWrite(buf []byte) (Handle, error) {
	return m.submit(DirOut, buf)
}

// SubmitRead implements Transport interface
func (m *MockTransport) SubmitRead(buf []byte) (Handle, error) {
	return m.submit(DirIn, buf)
}

// Completions implements Transport interface
func (m *MockTransport) Completions() <-chan Completion {
	return m.completions
}

// CancelAll implements Transport interface
func (m *MockTransport) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holdCancel {
		return
	}
	for _, h := range m.sortedPendingLocked(nil) {
		delete(m.pending, h)
		m.completions <- Completion{Handle: h, Status: StatusCancelled}
	}
}

// Control implements Transport interface
func (m *MockTransport) Control(ctx context.Context, req ControlRequest) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controlLog = append(m.controlLog, req)
	if m.controlErr != nil {
		return 0, m.controlErr
	}
	return len(req.Data), nil
}

// Close implements Transport interface
func (m *MockTransport) Close() error {
	m.CancelAll()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Type implements Transport interface
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// Test helper methods

// SetSubmitError makes submissions in one direction fail with err (nil clears).
func (m *MockTransport) SetSubmitError(dir Direction, err error) {
	m.mu.Lock()
	m.submitErr[dir] = err
	m.mu.Unlock()
}

// SetControlError makes control requests fail with err (nil clears).
func (m *MockTransport) SetControlError(err error) {
	m.mu.Lock()
	m.controlErr = err
	m.mu.Unlock()
}

// HoldCancellations makes CancelAll a no-op, simulating a transport that
// never acknowledges cancellation.
func (m *MockTransport) HoldCancellations(hold bool) {
	m.mu.Lock()
	m.holdCancel = hold
	m.mu.Unlock()
}

// Selected returns the interface and alternate setting last selected.
func (m *MockTransport) Selected() (iface, alt int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iface, m.alt, m.selectCalled
}

// Writes returns copies of every buffer submitted for writing, in order.
func (m *MockTransport) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// ControlLog returns every control request issued so far.
func (m *MockTransport) ControlLog() []ControlRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ControlRequest, len(m.controlLog))
	copy(out, m.controlLog)
	return out
}

// PendingWrites returns outstanding write handles, oldest first.
func (m *MockTransport) PendingWrites() []Handle {
	dir := DirOut
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedPendingLocked(&dir)
}

// PendingReads returns outstanding read handles, oldest first.
func (m *MockTransport) PendingReads() []Handle {
	dir := DirIn
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedPendingLocked(&dir)
}

func (m *MockTransport) sortedPendingLocked(dir *Direction) []Handle {
	handles := make([]Handle, 0, len(m.pending))
	for h, tr := range m.pending {
		if dir == nil || tr.dir == *dir {
			handles = append(handles, h)
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

// CompleteWrite finishes a pending write with the given status.
func (m *MockTransport) CompleteWrite(h Handle, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.pending[h]
	if !ok || tr.dir != DirOut {
		return errors.New("no such pending write")
	}
	delete(m.pending, h)
	n := 0
	if status == StatusOK {
		n = len(tr.buf)
	}
	m.completions <- Completion{Handle: h, Status: status, N: n}
	return nil
}

// CompleteRead copies data into the oldest pending read buffer and finishes
// it with the given status.
func (m *MockTransport) CompleteRead(data []byte, status Status) error {
	dir := DirIn
	m.mu.Lock()
	defer m.mu.Unlock()
	handles := m.sortedPendingLocked(&dir)
	if len(handles) == 0 {
		return errors.New("no pending read")
	}
	h := handles[0]
	tr := m.pending[h]
	delete(m.pending, h)
	n := copy(tr.buf, data)
	m.completions <- Completion{Handle: h, Status: status, N: n}
	return nil
}

// Reset clears recorded writes and control requests and reopens the mock.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	m.writes = nil
	m.controlLog = nil
	m.closed = false
	m.mu.Unlock()
}
