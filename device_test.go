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
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.Error(t, err)

	for name, opt := range map[string]Option{
		"close timeout": WithCloseTimeout(0),
		"bus":           WithBus(16),
		"pool size":     WithPoolSize(0),
	} {
		_, err := New(NewMockTransport(), nil, opt)
		require.Error(t, err, name)
	}

	device, err := New(NewMockTransport(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, device.State())
	assert.Equal(t, MaxTxContexts, device.FreeContexts())
	assert.Equal(t, DefaultBitrate, device.Bitrate())
	assert.Equal(t, TransportMock, device.Transport().Type())
}

func TestDevice_Open(t *testing.T) {
	t.Parallel()

	device, mock, adapter := createMockDevice(t)

	iface, alt, ok := mock.Selected()
	require.True(t, ok)
	assert.Equal(t, CANInterface, iface)
	assert.Equal(t, CANAltSetting, alt)

	assert.Equal(t, StateActive, device.State())
	assert.Len(t, mock.PendingReads(), 1)
	assert.Equal(t, 1, device.Outstanding())
	assert.Equal(t, 1, adapter.count("resume"))
	assert.Equal(t, "active", device.State().String())

	require.ErrorIs(t, device.Open(context.Background()), ErrAlreadyOpen)
}

func TestDevice_OpenFailures(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	device, err := New(NewMockTransport(), nil)
	require.NoError(t, err)
	require.ErrorIs(t, device.Open(ctx), context.Canceled)

	mock := NewMockTransport()
	mock.SetSubmitError(DirIn, ErrNoMemory)
	adapter := &recordingAdapter{}
	device, err = New(mock, adapter)
	require.NoError(t, err)
	require.ErrorIs(t, device.Open(context.Background()), ErrNoMemory)
	assert.Equal(t, StateStopped, device.State())
	assert.Zero(t, adapter.count("resume"))

	mock.SetSubmitError(DirIn, nil)
	require.NoError(t, device.Open(context.Background()), "a failed open can be retried")
	require.NoError(t, device.Close(context.Background()))

	mock = NewMockTransport()
	require.NoError(t, mock.Close())
	device, err = New(mock, nil)
	require.NoError(t, err)
	require.ErrorIs(t, device.Open(context.Background()), ErrTransportClosed)
}

func TestDevice_TransmitWhileStopped(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	device, err := New(mock, nil)
	require.NoError(t, err)

	require.ErrorIs(t, device.Transmit(mustFrame(t, 0x1)), ErrDeviceStopped)
	assert.Empty(t, mock.Writes())
}

func TestDevice_TransmitAndComplete(t *testing.T) {
	t.Parallel()

	device, mock, adapter := createMockDevice(t)
	f := mustFrame(t, 0x123, 0xDE, 0xAD, 0xBE)

	require.NoError(t, device.Transmit(f))

	writes := mock.Writes()
	require.Len(t, writes, 1)
	want, _ := Encode(f).MarshalBinary()
	assert.Equal(t, want, writes[0])
	assert.Equal(t, MaxTxContexts-1, device.FreeContexts())

	handles := mock.PendingWrites()
	require.Len(t, handles, 1)
	require.NoError(t, mock.CompleteWrite(handles[0], StatusOK))

	eventually(t, func() bool { return device.FreeContexts() == MaxTxContexts })
	assert.Equal(t, 1, adapter.count("putecho"))
	assert.Equal(t, 1, adapter.count("txdone"))
	assert.Zero(t, adapter.count("freeecho"))

	stats := device.Stats()
	assert.Equal(t, uint64(1), stats.TxPackets)
	assert.Equal(t, uint64(3), stats.TxBytes)
	assert.Zero(t, stats.TxDropped)
}

func TestDevice_TransmitAppliesDefaultBus(t *testing.T) {
	t.Parallel()

	device, mock, _ := createMockDevice(t, WithBus(3))
	require.NoError(t, device.Transmit(mustFrame(t, 0x10, 1)))

	f := mustFrame(t, 0x10, 1)
	f.Bus = 1
	require.NoError(t, device.Transmit(f))

	writes := mock.Writes()
	require.Len(t, writes, 2)
	m0, err := ParseWireMessage(writes[0])
	require.NoError(t, err)
	m1, err := ParseWireMessage(writes[1])
	require.NoError(t, err)
	assert.Equal(t, uint8(3), Decode(m0).Bus)
	assert.Equal(t, uint8(1), Decode(m1).Bus)
}

func TestDevice_TransmitInvalidFrame(t *testing.T) {
	t.Parallel()

	device, mock, adapter := createMockDevice(t)

	err := device.Transmit(Frame{ID: 0x800})
	require.ErrorIs(t, err, ErrInvalidFrame)
	assert.Empty(t, mock.Writes())
	assert.Equal(t, MaxTxContexts, device.FreeContexts())
	assert.Equal(t, uint64(1), device.Stats().TxDropped)
	assert.Equal(t, 1, adapter.count("drop"))
}

func TestDevice_Backpressure(t *testing.T) {
	t.Parallel()

	device, mock, adapter := createMockDevice(t)

	for i := range MaxTxContexts {
		require.NoError(t, device.Transmit(mustFrame(t, uint32(0x100+i), byte(i))))
	}
	require.Zero(t, device.FreeContexts())

	events := adapter.snapshot()
	pauseAt, lastEcho := -1, -1
	for i, ev := range events {
		switch ev.kind {
		case "pause":
			require.Equal(t, -1, pauseAt, "paused more than once")
			pauseAt = i
		case "putecho":
			lastEcho = i
		}
	}
	require.NotEqual(t, -1, pauseAt)
	assert.Less(t, pauseAt, lastEcho, "queue pauses before the last frame is handed to the transport")

	require.ErrorIs(t, device.Transmit(mustFrame(t, 0x200)), ErrQueueFull)
	assert.Len(t, mock.Writes(), MaxTxContexts)

	handles := mock.PendingWrites()
	require.NoError(t, mock.CompleteWrite(handles[0], StatusOK))
	eventually(t, func() bool { return device.FreeContexts() == 1 })
	eventually(t, func() bool { return adapter.count("resume") == 2 })

	require.NoError(t, device.Transmit(mustFrame(t, 0x200)))
	assert.Zero(t, device.FreeContexts())
}

func TestDevice_TransmitPreservesOrder(t *testing.T) {
	t.Parallel()

	device, mock, _ := createMockDevice(t)
	for i := range 10 {
		require.NoError(t, device.Transmit(mustFrame(t, uint32(i+1))))
	}
	for i, w := range mock.Writes() {
		m, err := ParseWireMessage(w)
		require.NoError(t, err)
		assert.Equal(t, uint32(i+1), Decode(m).ID)
	}
}

func TestDevice_SubmitFailureReleasesContext(t *testing.T) {
	t.Parallel()

	device, mock, adapter := createMockDevice(t)
	mock.SetSubmitError(DirOut, ErrNoMemory)

	err := device.Transmit(mustFrame(t, 0x42, 1))
	require.ErrorIs(t, err, ErrNoMemory)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsFatal(err))

	assert.Equal(t, MaxTxContexts, device.FreeContexts())
	assert.Equal(t, uint64(1), device.Stats().TxDropped)
	assert.Equal(t, 1, adapter.count("freeecho"))
	assert.Equal(t, 1, adapter.count("drop"))
	assert.Equal(t, StateActive, device.State())

	mock.SetSubmitError(DirOut, nil)
	require.NoError(t, device.Transmit(mustFrame(t, 0x42, 1)))
}

func TestDevice_SubmitFailureDeviceGone(t *testing.T) {
	t.Parallel()

	var detachErr atomic.Value
	detached := make(chan struct{})
	device, mock, _ := createMockDevice(t, WithOnDetach(func(err error) {
		detachErr.Store(err)
		close(detached)
	}))
	mock.SetSubmitError(DirOut, fmt.Errorf("write: %w", syscall.ENODEV))

	err := device.Transmit(mustFrame(t, 0x42))
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("OnDetach not called")
	}
	require.ErrorIs(t, detachErr.Load().(error), syscall.ENODEV)
	require.ErrorIs(t, device.Transmit(mustFrame(t, 0x42)), ErrDeviceGone)
}

func TestDevice_Receive(t *testing.T) {
	t.Parallel()

	device, mock, adapter := createMockDevice(t)
	a := mustFrame(t, 0x7E8, 0x03, 0x41, 0x0C)
	b := mustFrame(t, 0x18DAF110, 0x10)
	b.Bus = 2

	require.NoError(t, mock.CompleteRead(recordBytes(a, b), StatusOK))
	eventually(t, func() bool { return len(adapter.delivered()) == 2 })
	assert.Equal(t, []Frame{a, b}, adapter.delivered())

	eventually(t, func() bool { return len(mock.PendingReads()) == 1 }, "read is resubmitted")

	stats := device.Stats()
	assert.Equal(t, uint64(2), stats.RxPackets)
	assert.Equal(t, uint64(4), stats.RxBytes)
	assert.Zero(t, stats.RxFramingErrors)
	eventually(t, func() bool { return device.Stats().RxResubmits == 1 })
}

func TestDevice_ReceiveBatchesInOrder(t *testing.T) {
	t.Parallel()

	_, mock, adapter := createMockDevice(t)

	var want []Frame
	for batch := range 5 {
		var frames []Frame
		for i := range 4 {
			frames = append(frames, mustFrame(t, uint32(batch*4+i), byte(i)))
		}
		want = append(want, frames...)
		eventually(t, func() bool { return len(mock.PendingReads()) == 1 })
		require.NoError(t, mock.CompleteRead(recordBytes(frames...), StatusOK))
	}

	eventually(t, func() bool { return len(adapter.delivered()) == len(want) })
	assert.Equal(t, want, adapter.delivered())
}

func TestDevice_ReceiveFramingError(t *testing.T) {
	t.Parallel()

	device, mock, adapter := createMockDevice(t)
	buf := append(recordBytes(mustFrame(t, 0x1), mustFrame(t, 0x2)), make([]byte, 8)...)

	require.NoError(t, mock.CompleteRead(buf, StatusOK))
	eventually(t, func() bool { return device.Stats().RxFramingErrors == 1 })
	assert.Len(t, adapter.delivered(), 2, "whole records before the tail are delivered")
	eventually(t, func() bool { return len(mock.PendingReads()) == 1 })

	require.NoError(t, mock.CompleteRead(make([]byte, 15), StatusOK))
	eventually(t, func() bool { return device.Stats().RxFramingErrors == 2 })
	assert.Len(t, adapter.delivered(), 2)
	eventually(t, func() bool { return len(mock.PendingReads()) == 1 })
}

func TestDevice_ReceiveTransientError(t *testing.T) {
	t.Parallel()

	device, mock, adapter := createMockDevice(t)

	require.NoError(t, mock.CompleteRead(nil, StatusError))
	eventually(t, func() bool { return device.Stats().RxErrors == 1 })
	eventually(t, func() bool { return len(mock.PendingReads()) == 1 })
	assert.Empty(t, adapter.delivered())
	assert.Equal(t, StateActive, device.State())
}

func TestDevice_ReceiveDeviceGone(t *testing.T) {
	t.Parallel()

	gone := make(chan error, 1)
	device, mock, adapter := createMockDevice(t, WithOnDetach(func(err error) { gone <- err }))
	require.NoError(t, device.Transmit(mustFrame(t, 0x1)))

	require.NoError(t, mock.CompleteRead(nil, StatusNoDevice))

	select {
	case <-device.Detached():
	case <-time.After(time.Second):
		t.Fatal("device not detached")
	}
	select {
	case err := <-gone:
		require.ErrorIs(t, err, ErrDeviceGone)
	case <-time.After(time.Second):
		t.Fatal("OnDetach not called")
	}

	assert.Equal(t, StateStopped, device.State())
	eventually(t, func() bool { return device.FreeContexts() == MaxTxContexts }, "pending write is cancelled")
	assert.Empty(t, mock.PendingReads(), "read is not resubmitted")
	assert.Equal(t, uint64(1), device.Stats().TxDropped)

	require.ErrorIs(t, device.Transmit(mustFrame(t, 0x1)), ErrDeviceGone)
	require.ErrorIs(t, device.Open(context.Background()), ErrDeviceGone)

	pauses := adapter.count("pause")
	assert.GreaterOrEqual(t, pauses, 1)
	require.NoError(t, device.Close(context.Background()))
}

func TestDevice_TxCompletionStatuses(t *testing.T) {
	t.Parallel()

	device, mock, adapter := createMockDevice(t)
	require.NoError(t, device.Transmit(mustFrame(t, 0x1, 1, 2)))
	require.NoError(t, device.Transmit(mustFrame(t, 0x2, 1)))

	handles := mock.PendingWrites()
	require.Len(t, handles, 2)
	require.NoError(t, mock.CompleteWrite(handles[0], StatusError))
	require.NoError(t, mock.CompleteWrite(handles[1], StatusCancelled))

	eventually(t, func() bool { return device.FreeContexts() == MaxTxContexts })
	stats := device.Stats()
	assert.Equal(t, uint64(1), stats.TxPackets)
	assert.Equal(t, uint64(1), stats.TxErrors)
	assert.Equal(t, uint64(1), stats.TxDropped)
	assert.Equal(t, 1, adapter.count("txdone"))
	assert.Equal(t, 1, adapter.count("freeecho"))
	assert.Equal(t, StateActive, device.State())
}

func TestDevice_CloseCancelsOutstanding(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	adapter := &recordingAdapter{}
	device, err := New(mock, adapter)
	require.NoError(t, err)
	require.NoError(t, device.Open(context.Background()))

	for i := range 5 {
		require.NoError(t, device.Transmit(mustFrame(t, uint32(i+1))))
	}
	require.Equal(t, 6, device.Outstanding())
	before := len(adapter.snapshot())

	require.NoError(t, device.Close(context.Background()))

	assert.Equal(t, StateStopped, device.State())
	assert.Zero(t, device.Outstanding())
	assert.Equal(t, MaxTxContexts, device.FreeContexts())
	assert.Equal(t, uint64(5), device.Stats().TxDropped)
	assert.Equal(t, 5, adapter.count("drop"))
	assert.Equal(t, 5, adapter.count("freeecho"))

	for _, ev := range adapter.snapshot()[before:] {
		assert.NotEqual(t, "resume", ev.kind, "queue must stay paused while closing")
	}

	after := adapter.snapshot()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, adapter.snapshot(), "no adapter callbacks after Close")

	require.ErrorIs(t, device.Transmit(mustFrame(t, 0x1)), ErrDeviceStopped)
	require.NoError(t, device.Close(context.Background()), "closing twice is harmless")
}

func TestDevice_CloseTimeout(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	adapter := &recordingAdapter{}
	device, err := New(mock, adapter, WithCloseTimeout(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, device.Open(context.Background()))
	require.NoError(t, device.Transmit(mustFrame(t, 0x1)))
	handle := mock.PendingWrites()[0]

	mock.HoldCancellations(true)
	start := time.Now()
	err = device.Close(context.Background())
	require.ErrorIs(t, err, ErrCloseTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateStopped, device.State())

	before := adapter.snapshot()
	require.NoError(t, mock.CompleteWrite(handle, StatusOK))

	// Reopening starts a new completion goroutine, which sees the stale
	// completion and must ignore it.
	mock.HoldCancellations(false)
	require.NoError(t, device.Open(context.Background()))
	time.Sleep(20 * time.Millisecond)

	for _, ev := range adapter.snapshot()[len(before):] {
		assert.NotEqual(t, "txdone", ev.kind, "late completion was delivered")
	}
	assert.Equal(t, MaxTxContexts, device.FreeContexts())
	require.NoError(t, device.Close(context.Background()))
}

func TestDevice_CloseRespectsContext(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	device, err := New(mock, nil, WithCloseTimeout(time.Minute))
	require.NoError(t, err)
	require.NoError(t, device.Open(context.Background()))
	mock.HoldCancellations(true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = device.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDevice_ReopenAfterClose(t *testing.T) {
	t.Parallel()

	device, mock, adapter := createMockDevice(t)
	require.NoError(t, device.Close(context.Background()))
	require.NoError(t, device.Open(context.Background()))

	assert.Equal(t, StateActive, device.State())
	assert.Len(t, mock.PendingReads(), 1)
	assert.Equal(t, 2, adapter.count("resume"))

	require.NoError(t, mock.CompleteRead(recordBytes(mustFrame(t, 0x5)), StatusOK))
	eventually(t, func() bool { return len(adapter.delivered()) == 1 })
}

func TestDevice_NilAdapter(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	device, err := New(mock, nil)
	require.NoError(t, err)
	require.NoError(t, device.Open(context.Background()))
	defer func() { _ = device.Close(context.Background()) }()

	require.NoError(t, device.Transmit(mustFrame(t, 0x1)))
	require.NoError(t, mock.CompleteWrite(mock.PendingWrites()[0], StatusOK))
	require.NoError(t, mock.CompleteRead(recordBytes(mustFrame(t, 0x2)), StatusOK))
	eventually(t, func() bool { return device.Stats().RxPackets == 1 && device.Stats().TxPackets == 1 })
}

func TestDevice_ConcurrentTransmit(t *testing.T) {
	t.Parallel()

	device, mock, _ := createMockDevice(t)
	const senders, perSender = 4, 50

	stop := make(chan struct{})
	var completer sync.WaitGroup
	completer.Add(1)
	go func() {
		defer completer.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, h := range mock.PendingWrites() {
				_ = mock.CompleteWrite(h, StatusOK)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	var wg sync.WaitGroup
	for s := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; {
				err := device.Transmit(Frame{ID: uint32(s*perSender + i), Len: 1}) //nolint:gosec // small
				if errors.Is(err, ErrQueueFull) {
					time.Sleep(50 * time.Microsecond)
					continue
				}
				if err != nil {
					t.Errorf("transmit: %v", err)
					return
				}
				i++
			}
		}()
	}
	wg.Wait()

	eventually(t, func() bool { return device.Stats().TxPackets == senders*perSender })
	close(stop)
	completer.Wait()

	assert.Equal(t, MaxTxContexts, device.FreeContexts())
	assert.Zero(t, device.Stats().TxDropped)
}

func TestDevice_ResubmitFailure(t *testing.T) {
	t.Parallel()

	device, mock, _ := createMockDevice(t)
	mock.SetSubmitError(DirIn, ErrNoMemory)

	require.NoError(t, mock.CompleteRead(recordBytes(mustFrame(t, 0x1)), StatusOK))
	eventually(t, func() bool { return device.Stats().RxErrors == 1 })
	assert.Zero(t, device.Stats().RxResubmits)
	assert.Empty(t, mock.PendingReads())
	assert.Equal(t, StateActive, device.State(), "a transient resubmit failure does not detach")
}

// slowResubmitTransport stalls the first resubmitted read so Close begins
// while the completion goroutine is still inside the submit.
type slowResubmitTransport struct {
	*MockTransport
	entered chan struct{}
	reads   atomic.Int32
	delay   time.Duration
}

func (s *slowResubmitTransport) SubmitRead(buf []byte) (Handle, error) {
	if s.reads.Add(1) == 2 {
		close(s.entered)
		time.Sleep(s.delay)
	}
	return s.MockTransport.SubmitRead(buf)
}

func TestDevice_CloseDuringReadResubmit(t *testing.T) {
	t.Parallel()

	transport := &slowResubmitTransport{
		MockTransport: NewMockTransport(),
		entered:       make(chan struct{}),
		delay:         50 * time.Millisecond,
	}
	device, err := New(transport, &recordingAdapter{}, WithCloseTimeout(time.Second))
	require.NoError(t, err)
	require.NoError(t, device.Open(context.Background()))

	require.NoError(t, transport.CompleteRead(recordBytes(mustFrame(t, 0x1)), StatusOK))
	select {
	case <-transport.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("read was not resubmitted")
	}

	require.NoError(t, device.Close(context.Background()))
	assert.Empty(t, transport.PendingReads(), "resubmitted read survived Close")
	assert.Zero(t, device.Outstanding())
}

func TestDevice_SubmitsRefusedAfterShutdown(t *testing.T) {
	t.Parallel()

	device, mock, adapter := createMockDevice(t)

	// Close or a detach has begun but the transmit path has not seen it yet.
	device.engine.shutdown()

	err := device.Transmit(mustFrame(t, 0x10, 0x01))
	require.ErrorIs(t, err, ErrDeviceStopped)
	assert.Empty(t, mock.Writes())
	assert.Equal(t, MaxTxContexts, device.FreeContexts())
	assert.Equal(t, 1, adapter.count("putecho"))
	assert.Equal(t, 1, adapter.count("freeecho"))
	assert.Zero(t, device.Stats().TxDropped)

	require.NoError(t, mock.CompleteRead(recordBytes(mustFrame(t, 0x1)), StatusOK))
	eventually(t, func() bool { return len(adapter.delivered()) == 1 })
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, mock.PendingReads(), "read resubmitted after shutdown")
	assert.Zero(t, device.Stats().RxResubmits)
	assert.Zero(t, device.Stats().RxErrors)
	assert.Zero(t, device.Outstanding())
}
