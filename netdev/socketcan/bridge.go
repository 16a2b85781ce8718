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

// Package socketcan bridges a Linux SocketCAN interface (can0, vcan0) to a
// netdev.Interface, so standard tools such as candump and cansend can talk
// to the adapter.
package socketcan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	pandacan "github.com/ZaparooProject/go-pandacan"
	"github.com/ZaparooProject/go-pandacan/netdev"
)

// struct can_frame layout and can_id flags from linux/can.h.
const (
	FrameSize = 16

	effFlag = 0x80000000
	rtrFlag = 0x40000000
	errFlag = 0x20000000
	effMask = 0x1FFFFFFF
	sffMask = 0x000007FF
)

// ErrUnsupportedFrame is returned for remote and error frames.
var ErrUnsupportedFrame = errors.New("remote and error frames are not supported")

// EncodeFrame lays f out as a struct can_frame in host (little-endian) order.
func EncodeFrame(f pandacan.Frame) [FrameSize]byte {
	var b [FrameSize]byte
	id := f.ID & sffMask
	if f.Extended {
		id = f.ID&effMask | effFlag
	}
	binary.LittleEndian.PutUint32(b[0:4], id)
	b[4] = min(f.Len, pandacan.MaxDLC)
	copy(b[8:], f.Payload())
	return b
}

// DecodeFrame parses a struct can_frame.
func DecodeFrame(b []byte) (pandacan.Frame, error) {
	if len(b) < FrameSize {
		return pandacan.Frame{}, fmt.Errorf("short can_frame: %d bytes", len(b))
	}
	id := binary.LittleEndian.Uint32(b[0:4])
	if id&(rtrFlag|errFlag) != 0 {
		return pandacan.Frame{}, ErrUnsupportedFrame
	}

	f := pandacan.Frame{Len: min(b[4], pandacan.MaxDLC)}
	if id&effFlag != 0 {
		f.ID = id & effMask
		f.Extended = true
	} else {
		f.ID = id & sffMask
	}
	copy(f.Data[:f.Len], b[8:8+int(f.Len)])
	return f, nil
}

// Conn is a raw CAN socket.
type Conn interface {
	// ReadFrame returns the next frame. It returns ErrTimeout periodically
	// when nothing arrives so callers can observe cancellation.
	ReadFrame() (pandacan.Frame, error)
	WriteFrame(f pandacan.Frame) error
	Close() error
}

// ErrTimeout is returned by Conn.ReadFrame when the receive timeout expires.
var ErrTimeout = errors.New("socketcan read timeout")

// Bridge forwards frames between a SocketCAN socket and an interface.
// Echoed frames are not written back to the socket; the kernel loops
// back frames sent on it by itself.
type Bridge struct {
	conn  Conn
	iface *netdev.Interface
	// SendTimeout bounds how long a frame waits for a stopped queue.
	SendTimeout time.Duration
}

// NewBridge creates a bridge. It takes ownership of conn.
func NewBridge(conn Conn, iface *netdev.Interface) *Bridge {
	return &Bridge{conn: conn, iface: iface, SendTimeout: time.Second}
}

// Run forwards frames until ctx is cancelled or the socket fails. The
// socket is closed on return.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, pump := range []func(context.Context) error{b.fromSocket, b.toSocket} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = pump(ctx)
			cancel()
		}()
	}
	wg.Wait()

	err := firstError(errs)
	if closeErr := b.conn.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("closing socket: %w", closeErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bridge) fromSocket(ctx context.Context) error {
	for ctx.Err() == nil {
		f, err := b.conn.ReadFrame()
		switch {
		case errors.Is(err, ErrTimeout):
			continue
		case errors.Is(err, ErrUnsupportedFrame):
			pandacan.Debugf("socketcan: skipping unsupported frame")
			continue
		case err != nil:
			return fmt.Errorf("socketcan read: %w", err)
		}

		sendCtx, cancel := context.WithTimeout(ctx, b.SendTimeout)
		err = b.iface.Send(sendCtx, f)
		cancel()
		if err != nil {
			if errors.Is(err, pandacan.ErrDeviceGone) {
				return err
			}
			pandacan.Warnf("socketcan: dropping %s: %v", f, err)
		}
	}
	return ctx.Err()
}

func (b *Bridge) toSocket(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-b.iface.Messages():
			if m.Echo {
				continue
			}
			if err := b.conn.WriteFrame(m.Frame); err != nil {
				return fmt.Errorf("socketcan write: %w", err)
			}
		}
	}
}

// firstError prefers a real failure over the cancellation it caused.
func firstError(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}
