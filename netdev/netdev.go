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

// Package netdev provides a userspace network interface that sits on top of
// a pandacan.Device the way a kernel netdev sits on top of a driver: it owns
// the transmit queue state, the receive queue and the interface counters.
package netdev

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	pandacan "github.com/ZaparooProject/go-pandacan"
	"github.com/ZaparooProject/go-pandacan/internal/syncutil"
)

// DefaultRxQueueLen is the receive backlog before frames are dropped.
const DefaultRxQueueLen = 256

// ErrNotBound is returned by Send before Bind has been called.
var ErrNotBound = errors.New("interface is not bound to a device")

// Transmitter is the driver side of the interface.
type Transmitter interface {
	Transmit(f pandacan.Frame) error
}

// Message is one frame handed up by the interface. Echo marks a frame this
// host sent that the adapter has confirmed on the bus.
type Message struct {
	Frame pandacan.Frame
	Echo  bool
}

// Stats are the interface counters, as reported by "ip -s link".
type Stats struct {
	RxPackets uint64
	RxBytes   uint64
	RxDropped uint64
	TxPackets uint64
	TxBytes   uint64
	TxDropped uint64
	Echoed    uint64
}

// Config configures an Interface.
type Config struct {
	Name       string
	RxQueueLen int
	// Echo loops confirmed transmissions back to local readers.
	Echo bool
}

// DefaultConfig returns the default interface configuration.
func DefaultConfig() Config {
	return Config{Name: "pcan0", RxQueueLen: DefaultRxQueueLen, Echo: true}
}

// Interface implements pandacan.NetAdapter and pandacan.EchoAdapter.
//
// The transmit queue starts stopped and is started by the device when it is
// opened. Send blocks while the queue is stopped.
type Interface struct {
	tx        Transmitter
	rx        chan Message
	wake      chan struct{}
	echo      map[int]pandacan.Frame
	name      string
	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	rxDropped atomic.Uint64
	txPackets atomic.Uint64
	txBytes   atomic.Uint64
	txDropped atomic.Uint64
	echoed    atomic.Uint64
	mu        syncutil.Mutex
	echoOn    bool
	stopped   bool
}

// New creates an interface with cfg.
func New(cfg Config) *Interface {
	if cfg.RxQueueLen <= 0 {
		cfg.RxQueueLen = DefaultRxQueueLen
	}
	return &Interface{
		name:    cfg.Name,
		rx:      make(chan Message, cfg.RxQueueLen),
		wake:    make(chan struct{}),
		echo:    make(map[int]pandacan.Frame),
		echoOn:  cfg.Echo,
		stopped: true,
	}
}

// Bind attaches the driver that Send hands frames to.
func (i *Interface) Bind(tx Transmitter) {
	i.mu.Lock()
	i.tx = tx
	i.mu.Unlock()
}

// Name returns the interface name.
func (i *Interface) Name() string {
	return i.name
}

// Messages returns the receive queue.
func (i *Interface) Messages() <-chan Message {
	return i.rx
}

// QueueStopped reports whether the transmit queue is stopped.
func (i *Interface) QueueStopped() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopped
}

// Send queues f for transmission, waiting while the transmit queue is
// stopped. It returns when the driver has accepted or rejected the frame.
func (i *Interface) Send(ctx context.Context, f pandacan.Frame) error {
	for {
		i.mu.Lock()
		tx, stopped, wake := i.tx, i.stopped, i.wake
		i.mu.Unlock()

		if tx == nil {
			return ErrNotBound
		}
		if stopped {
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return fmt.Errorf("%s: waiting for transmit queue: %w", i.name, ctx.Err())
			}
		}

		err := tx.Transmit(f)
		if errors.Is(err, pandacan.ErrQueueFull) {
			// Lost a race for the last context; the queue is stopped now.
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", i.name, err)
		}
		return nil
	}
}

// Deliver implements pandacan.NetAdapter
func (i *Interface) Deliver(f pandacan.Frame) {
	if i.push(Message{Frame: f}) {
		i.rxPackets.Add(1)
		i.rxBytes.Add(uint64(f.Len))
	}
}

func (i *Interface) push(m Message) bool {
	select {
	case i.rx <- m:
		return true
	default:
		i.rxDropped.Add(1)
		return false
	}
}

// PauseQueue implements pandacan.NetAdapter
func (i *Interface) PauseQueue() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.stopped {
		i.stopped = true
		i.wake = make(chan struct{})
	}
}

// ResumeQueue implements pandacan.NetAdapter
func (i *Interface) ResumeQueue() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		i.stopped = false
		close(i.wake)
	}
}

// PutEcho implements pandacan.EchoAdapter
func (i *Interface) PutEcho(slot int, f pandacan.Frame) {
	i.mu.Lock()
	i.echo[slot] = f
	i.mu.Unlock()
}

// FreeEcho implements pandacan.EchoAdapter
func (i *Interface) FreeEcho(slot int) {
	i.mu.Lock()
	delete(i.echo, slot)
	i.mu.Unlock()
}

// RecordTxComplete implements pandacan.NetAdapter
func (i *Interface) RecordTxComplete(slot int) {
	i.mu.Lock()
	f, ok := i.echo[slot]
	delete(i.echo, slot)
	echoOn := i.echoOn
	i.mu.Unlock()

	i.txPackets.Add(1)
	if !ok {
		return
	}
	i.txBytes.Add(uint64(f.Len))
	if echoOn && i.push(Message{Frame: f, Echo: true}) {
		i.echoed.Add(1)
	}
}

// RecordDrop implements pandacan.NetAdapter
func (i *Interface) RecordDrop() {
	i.txDropped.Add(1)
}

// Stats returns a snapshot of the interface counters.
func (i *Interface) Stats() Stats {
	return Stats{
		RxPackets: i.rxPackets.Load(),
		RxBytes:   i.rxBytes.Load(),
		RxDropped: i.rxDropped.Load(),
		TxPackets: i.txPackets.Load(),
		TxBytes:   i.txBytes.Load(),
		TxDropped: i.txDropped.Load(),
		Echoed:    i.echoed.Load(),
	}
}

var (
	_ pandacan.NetAdapter  = (*Interface)(nil)
	_ pandacan.EchoAdapter = (*Interface)(nil)
)
