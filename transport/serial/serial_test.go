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

//nolint:paralleltest // Tests drive goroutines with real timing
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	pandacan "github.com/ZaparooProject/go-pandacan"
	virt "github.com/ZaparooProject/go-pandacan/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goserial "go.bug.st/serial"
)

// mockPort adapts the wire simulator (optionally behind a jittery link) to
// the serial.Port interface.
type mockPort struct {
	conn    io.ReadWriter
	readErr error
	mu      sync.Mutex
	closed  bool
}

func newMockPort(sim *virt.VirtualPanda, jitter *virt.JitterConfig) *mockPort {
	if jitter != nil {
		return &mockPort{conn: virt.NewJitteryConnection(sim, *jitter)}
	}
	return &mockPort{conn: sim}
}

func (m *mockPort) failReads(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
}

func (*mockPort) SetMode(_ *goserial.Mode) error { return nil }

func (m *mockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	err := m.readErr
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return 0, errors.New("port closed")
	}
	if err != nil {
		time.Sleep(time.Millisecond)
		return 0, err
	}
	return m.conn.Read(p)
}

func (m *mockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return 0, errors.New("port closed")
	}
	return m.conn.Write(p)
}

func (*mockPort) Drain() error                         { return nil }
func (*mockPort) ResetInputBuffer() error              { return nil }
func (*mockPort) ResetOutputBuffer() error             { return nil }
func (*mockPort) SetDTR(_ bool) error                  { return nil }
func (*mockPort) SetRTS(_ bool) error                  { return nil }
func (*mockPort) SetReadTimeout(_ time.Duration) error { return nil }
func (*mockPort) Break(_ time.Duration) error          { return nil }

func (*mockPort) GetModemStatusBits() (*goserial.ModemStatusBits, error) {
	return &goserial.ModemStatusBits{}, nil
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

var _ goserial.Port = (*mockPort)(nil)

func newSimTransport(t *testing.T, jitter *virt.JitterConfig) (*Transport, *virt.VirtualPanda, *mockPort) {
	t.Helper()
	sim := virt.NewVirtualPanda()
	sim.SetReadTimeout(5 * time.Millisecond)
	port := newMockPort(sim, jitter)
	tr := newTransport(port, "mock://panda")
	t.Cleanup(func() { _ = tr.Close() })
	return tr, sim, port
}

func nextCompletion(t *testing.T, tr *Transport) pandacan.Completion {
	t.Helper()
	select {
	case c := <-tr.Completions():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return pandacan.Completion{}
	}
}

func TestTransport_WriteReachesAdapter(t *testing.T) {
	tr, sim, _ := newSimTransport(t, nil)
	sim.SetLoopback(false)

	f, err := pandacan.NewFrame(0x123, []byte{0xAA, 0xBB, 0xCC})
	require.NoError(t, err)
	buf, err := pandacan.Encode(f).MarshalBinary()
	require.NoError(t, err)

	h, err := tr.SubmitWrite(buf)
	require.NoError(t, err)

	c := nextCompletion(t, tr)
	assert.Equal(t, h, c.Handle)
	assert.Equal(t, pandacan.StatusOK, c.Status)
	assert.Equal(t, pandacan.WireMessageSize, c.N)

	written := sim.Written()
	require.Len(t, written, 1)
	assert.Equal(t, uint32(0x123), written[0].ID)
	assert.True(t, written[0].Transmit)
}

func TestTransport_ReadsReassembleWholeRecords(t *testing.T) {
	jitter := virt.JitterConfig{FragmentReads: true, SplitRecords: true, Seed: 99}
	tr, sim, _ := newSimTransport(t, &jitter)

	for i := range 5 {
		sim.InjectRecord(virt.Record{ID: uint32(0x200 + i), Len: 1, Data: [8]byte{byte(i)}})
	}

	var ids []uint32
	for len(ids) < 5 {
		buf := make([]byte, pandacan.RxBufferSize)
		_, err := tr.SubmitRead(buf)
		require.NoError(t, err)

		c := nextCompletion(t, tr)
		require.Equal(t, pandacan.StatusOK, c.Status)
		require.Zero(t, c.N%pandacan.WireMessageSize, "reads complete on record boundaries")

		msgs, rem := pandacan.SplitMessages(buf[:c.N])
		require.Zero(t, rem)
		for _, m := range msgs {
			ids = append(ids, pandacan.Decode(m).ID)
		}
	}
	assert.Equal(t, []uint32{0x200, 0x201, 0x202, 0x203, 0x204}, ids)
}

func TestTransport_SubmitReadRejectsShortBuffer(t *testing.T) {
	tr, _, _ := newSimTransport(t, nil)
	_, err := tr.SubmitRead(make([]byte, 8))
	require.ErrorIs(t, err, pandacan.ErrInvalidMessage)
}

func TestTransport_CancelAll(t *testing.T) {
	tr, _, _ := newSimTransport(t, nil)

	h, err := tr.SubmitRead(make([]byte, pandacan.RxBufferSize))
	require.NoError(t, err)

	tr.CancelAll()
	c := nextCompletion(t, tr)
	assert.Equal(t, h, c.Handle)
	assert.Equal(t, pandacan.StatusCancelled, c.Status)
}

func TestTransport_PortGoneFailsReadsWithNoDevice(t *testing.T) {
	tr, _, port := newSimTransport(t, nil)

	_, err := tr.SubmitRead(make([]byte, pandacan.RxBufferSize))
	require.NoError(t, err)

	port.failReads(fmt.Errorf("read: %w", syscall.ENODEV))
	c := nextCompletion(t, tr)
	assert.Equal(t, pandacan.StatusNoDevice, c.Status)
	assert.True(t, pandacan.IsFatal(c.Err))

	_, err = tr.SubmitRead(make([]byte, pandacan.RxBufferSize))
	require.Error(t, err)
	assert.True(t, pandacan.IsFatal(err))
}

func TestTransport_TransientReadError(t *testing.T) {
	tr, _, port := newSimTransport(t, nil)

	_, err := tr.SubmitRead(make([]byte, pandacan.RxBufferSize))
	require.NoError(t, err)

	port.failReads(errors.New("framing glitch"))
	c := nextCompletion(t, tr)
	assert.Equal(t, pandacan.StatusError, c.Status)
	require.ErrorIs(t, c.Err, pandacan.ErrTransportRead)
	assert.False(t, pandacan.IsFatal(c.Err))
	assert.True(t, pandacan.IsRetryable(c.Err))

	port.failReads(nil)
	_, err = tr.SubmitRead(make([]byte, pandacan.RxBufferSize))
	require.NoError(t, err)
}

func TestTransport_ControlNotSupported(t *testing.T) {
	tr, _, _ := newSimTransport(t, nil)
	_, err := tr.Control(context.Background(), pandacan.ControlRequest{Request: pandacan.RequestOutputEnable})
	require.ErrorIs(t, err, pandacan.ErrNotSupported)
	assert.Equal(t, pandacan.TransportSerial, tr.Type())
}

func TestTransport_ClosedRejectsSubmit(t *testing.T) {
	tr, _, _ := newSimTransport(t, nil)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close(), "close is idempotent")

	_, err := tr.SubmitWrite(make([]byte, pandacan.WireMessageSize))
	require.ErrorIs(t, err, pandacan.ErrTransportClosed)
	require.ErrorIs(t, tr.SelectInterface(0, 1), pandacan.ErrTransportClosed)
}

type frameSink struct {
	frames chan pandacan.Frame
	pandacan.NopAdapter
}

func (s *frameSink) Deliver(f pandacan.Frame) { s.frames <- f }

func TestDevice_LoopbackOverSerial(t *testing.T) {
	tr, sim, _ := newSimTransport(t, &virt.JitterConfig{FragmentReads: true, Seed: 5})
	sink := &frameSink{frames: make(chan pandacan.Frame, 16)}

	// Output enable is not available on serial links; bring-up continues.
	dev, err := pandacan.Probe(context.Background(), tr, sink,
		pandacan.WithRetryConfig(&pandacan.RetryConfig{MaxAttempts: 1}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close(context.Background()) })
	assert.Equal(t, pandacan.StateActive, dev.State())

	sent := []uint32{0x100, 0x18DAF110}
	for _, id := range sent {
		f, err := pandacan.NewFrame(id, []byte{0x02, 0x10, 0x03})
		require.NoError(t, err)
		require.NoError(t, dev.Transmit(f))
	}

	for _, id := range sent {
		select {
		case f := <-sink.frames:
			assert.Equal(t, id, f.ID)
			assert.Equal(t, []byte{0x02, 0x10, 0x03}, f.Payload())
		case <-time.After(2 * time.Second):
			t.Fatal("echoed frame not delivered")
		}
	}

	require.Eventually(t, func() bool {
		return dev.FreeContexts() == pandacan.MaxTxContexts
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, sim.Written(), 2)

	require.NoError(t, dev.Close(context.Background()))
	assert.Equal(t, uint64(2), dev.Stats().TxPackets)
	assert.Equal(t, uint64(2), dev.Stats().RxPackets)
}
