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

// Package serial implements pandacan.Transport over a CDC-ACM or UART link
// carrying the adapter's 16-byte records as a plain byte stream.
package serial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pandacan "github.com/ZaparooProject/go-pandacan"
	"github.com/ZaparooProject/go-pandacan/internal/syncutil"
	goserial "go.bug.st/serial"
)

const (
	// DefaultBaudRate is the link speed of the adapter's debug UART.
	DefaultBaudRate = 115200
	// DefaultReadTimeout bounds each port read so the reader can notice Close.
	DefaultReadTimeout = 50 * time.Millisecond

	// maxStreamBacklog caps bytes held while no read is outstanding.
	maxStreamBacklog = 64 * pandacan.WireMessageSize
	completionDepth  = 256
)

// Config configures the serial link.
type Config struct {
	BaudRate    int
	ReadTimeout time.Duration
}

// DefaultConfig returns the default link configuration.
func DefaultConfig() Config {
	return Config{
		BaudRate:    DefaultBaudRate,
		ReadTimeout: DefaultReadTimeout,
	}
}

type transfer struct {
	buf []byte
	h   pandacan.Handle
}

// Transport implements pandacan.Transport on a serial port. Writes are
// performed in order by a writer goroutine; a reader goroutine reassembles
// the incoming stream and completes reads with whole records only.
type Transport struct {
	port        goserial.Port
	completions chan pandacan.Completion
	writeNotify chan struct{}
	stop        chan struct{}
	portName    string
	writeQ      []transfer
	reads       []transfer
	stream      []byte
	wg          sync.WaitGroup
	nextHandle  pandacan.Handle
	mu          syncutil.Mutex
	closeOnce   sync.Once
	closed      bool
	gone        bool
}

// New opens portName with the default configuration.
func New(portName string) (*Transport, error) {
	return NewWithConfig(portName, DefaultConfig())
}

// NewWithConfig opens portName with cfg.
func NewWithConfig(portName string, cfg Config) (*Transport, error) {
	port, err := goserial.Open(portName, &goserial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	})
	if err != nil {
		var portErr *goserial.PortError
		if errors.As(err, &portErr) && portErr.Code() == goserial.PortNotFound {
			return nil, fmt.Errorf("failed to open serial port %s: %w", portName, pandacan.ErrDeviceNotFound)
		}
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set serial read timeout: %w", err)
	}

	return newTransport(port, portName), nil
}

// newTransport wraps an already opened port and starts the I/O goroutines.
func newTransport(port goserial.Port, portName string) *Transport {
	t := &Transport{
		port:        port,
		portName:    portName,
		completions: make(chan pandacan.Completion, completionDepth),
		writeNotify: make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	t.wg.Add(2)
	go t.writeLoop()
	go t.readLoop()
	return t
}

// SelectInterface implements pandacan.Transport. A serial link exposes a
// single record stream, so there is nothing to select.
func (t *Transport) SelectInterface(iface, alt int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return pandacan.ErrTransportClosed
	}
	pandacan.Debugf("serial %s: interface %d alt %d implied", t.portName, iface, alt)
	return nil
}

func (t *Transport) nextHandleLocked() (pandacan.Handle, error) {
	if t.closed {
		return 0, pandacan.ErrTransportClosed
	}
	if t.gone {
		return 0, pandacan.NewDeviceGoneError("submit", t.portName)
	}
	t.nextHandle++
	return t.nextHandle, nil
}

// SubmitWrite implements pandacan.Transport
func (t *Transport) SubmitWrite(buf []byte) (pandacan.Handle, error) {
	t.mu.Lock()
	h, err := t.nextHandleLocked()
	if err == nil {
		t.writeQ = append(t.writeQ, transfer{h: h, buf: buf})
	}
	t.mu.Unlock()

	if err == nil {
		select {
		case t.writeNotify <- struct{}{}:
		default:
		}
	}
	return h, err
}

// SubmitRead implements pandacan.Transport. The read completes once at least
// one whole record has arrived; it never returns a partial record.
func (t *Transport) SubmitRead(buf []byte) (pandacan.Handle, error) {
	if len(buf) < pandacan.WireMessageSize {
		return 0, fmt.Errorf("read buffer of %d bytes cannot hold a record: %w",
			len(buf), pandacan.ErrInvalidMessage)
	}

	t.mu.Lock()
	h, err := t.nextHandleLocked()
	var done []pandacan.Completion
	if err == nil {
		t.reads = append(t.reads, transfer{h: h, buf: buf})
		done = t.deliverLocked()
	}
	t.mu.Unlock()

	t.emit(done)
	return h, err
}

// Completions implements pandacan.Transport
func (t *Transport) Completions() <-chan pandacan.Completion {
	return t.completions
}

// CancelAll implements pandacan.Transport. A write already handed to the
// port completes normally.
func (t *Transport) CancelAll() {
	t.mu.Lock()
	done := make([]pandacan.Completion, 0, len(t.writeQ)+len(t.reads))
	for _, tr := range t.writeQ {
		done = append(done, pandacan.Completion{Handle: tr.h, Status: pandacan.StatusCancelled})
	}
	for _, tr := range t.reads {
		done = append(done, pandacan.Completion{Handle: tr.h, Status: pandacan.StatusCancelled})
	}
	t.writeQ = nil
	t.reads = nil
	t.mu.Unlock()

	t.emit(done)
}

// Control implements pandacan.Transport. Serial links carry no control
// endpoint.
func (*Transport) Control(context.Context, pandacan.ControlRequest) (int, error) {
	return 0, pandacan.ErrNotSupported
}

// Close implements pandacan.Transport
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.CancelAll()
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		close(t.stop)
		err = t.port.Close()
		t.wg.Wait()
	})
	if err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", t.portName, err)
	}
	return nil
}

// Type implements pandacan.Transport
func (*Transport) Type() pandacan.TransportType {
	return pandacan.TransportSerial
}

func (t *Transport) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			return
		case <-t.writeNotify:
		}

		for {
			t.mu.Lock()
			if len(t.writeQ) == 0 {
				t.mu.Unlock()
				break
			}
			tr := t.writeQ[0]
			t.writeQ = t.writeQ[1:]
			t.mu.Unlock()

			t.emit([]pandacan.Completion{t.write(tr)})
		}
	}
}

func (t *Transport) write(tr transfer) pandacan.Completion {
	written := 0
	for written < len(tr.buf) {
		n, err := t.port.Write(tr.buf[written:])
		written += n
		if err != nil {
			return t.failure(tr.h, written, "write", err)
		}
		if n == 0 {
			return pandacan.Completion{Handle: tr.h, Status: pandacan.StatusError, N: written,
				Err: pandacan.NewTransportWriteError("write", t.portName)}
		}
	}
	return pandacan.Completion{Handle: tr.h, Status: pandacan.StatusOK, N: written}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, 256)
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		n, err := t.port.Read(buf)
		if err != nil {
			if t.stopping() {
				return
			}
			if t.failReads(err) {
				return
			}
			continue
		}
		if n == 0 {
			continue
		}

		t.mu.Lock()
		t.stream = append(t.stream, buf[:n]...)
		if over := len(t.stream) - maxStreamBacklog; over > 0 && len(t.reads) == 0 {
			// Keep record alignment when dropping the oldest bytes.
			over = (over + pandacan.WireMessageSize - 1) / pandacan.WireMessageSize * pandacan.WireMessageSize
			over = min(over, len(t.stream))
			t.stream = t.stream[over:]
			pandacan.Warnf("serial %s: no read outstanding, dropped %d bytes", t.portName, over)
		}
		done := t.deliverLocked()
		t.mu.Unlock()

		t.emit(done)
	}
}

// deliverLocked completes pending reads with as many whole records as fit.
func (t *Transport) deliverLocked() []pandacan.Completion {
	var done []pandacan.Completion
	for len(t.reads) > 0 && len(t.stream) >= pandacan.WireMessageSize {
		tr := t.reads[0]
		k := min(len(tr.buf), len(t.stream))
		k -= k % pandacan.WireMessageSize
		copy(tr.buf, t.stream[:k])
		t.stream = t.stream[k:]
		t.reads = t.reads[1:]
		done = append(done, pandacan.Completion{Handle: tr.h, Status: pandacan.StatusOK, N: k})
	}
	return done
}

// failReads completes pending reads after a port error. It reports whether
// the port is gone for good.
func (t *Transport) failReads(err error) bool {
	gone := isGone(err)

	t.mu.Lock()
	reads := t.reads
	t.reads = nil
	if gone {
		t.gone = true
	}
	t.mu.Unlock()

	done := make([]pandacan.Completion, 0, len(reads))
	for _, tr := range reads {
		done = append(done, t.failure(tr.h, 0, "read", err))
	}
	t.emit(done)

	if !gone {
		pandacan.Warnf("serial %s: read error: %v", t.portName, err)
		time.Sleep(DefaultReadTimeout)
	}
	return gone
}

func (t *Transport) failure(h pandacan.Handle, n int, op string, err error) pandacan.Completion {
	c := pandacan.Completion{Handle: h, Status: pandacan.StatusError, N: n}
	switch {
	case isGone(err):
		c.Status = pandacan.StatusNoDevice
		c.Err = pandacan.NewTransportError(op, t.portName, err, pandacan.ErrorTypePermanent)
		t.mu.Lock()
		t.gone = true
		t.mu.Unlock()
	case op == "read":
		pandacan.Debugf("serial %s: read failed: %v", t.portName, err)
		c.Err = pandacan.NewTransportReadError(op, t.portName)
	default:
		pandacan.Debugf("serial %s: write failed: %v", t.portName, err)
		c.Err = pandacan.NewTransportWriteError(op, t.portName)
	}
	return c
}

func (t *Transport) stopping() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// emit delivers completions outside the transport lock, since the consumer
// may resubmit from its completion handler.
func (t *Transport) emit(done []pandacan.Completion) {
	for _, c := range done {
		t.completions <- c
	}
}

func isGone(err error) bool {
	var portErr *goserial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case goserial.PortClosed, goserial.PortNotFound:
			return true
		default:
		}
	}
	return pandacan.IsFatal(err)
}
