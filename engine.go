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
	"time"

	"github.com/ZaparooProject/go-pandacan/internal/syncutil"
)

// RxBufferSize is the size of the persistent interrupt IN buffer; the adapter
// batches up to four records per transfer.
const RxBufferSize = 0x40

// Stats is a snapshot of the device's transfer counters.
type Stats struct {
	TxPackets       uint64 // Frames confirmed by the adapter
	TxBytes         uint64 // Payload bytes of confirmed frames
	TxDropped       uint64 // Frames accepted but never sent
	TxErrors        uint64 // Confirmed frames whose transfer reported an error
	RxPackets       uint64 // Frames delivered to the adapter
	RxBytes         uint64 // Payload bytes of delivered frames
	RxFramingErrors uint64 // Receive transfers ending in a partial record
	RxErrors        uint64 // Receive transfers aborted by the transport
	RxResubmits     uint64 // Receive transfers re-queued after completion
}

type counters struct {
	txPackets       atomic.Uint64
	txBytes         atomic.Uint64
	txDropped       atomic.Uint64
	txErrors        atomic.Uint64
	rxPackets       atomic.Uint64
	rxBytes         atomic.Uint64
	rxFramingErrors atomic.Uint64
	rxErrors        atomic.Uint64
	rxResubmits     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		TxPackets:       c.txPackets.Load(),
		TxBytes:         c.txBytes.Load(),
		TxDropped:       c.txDropped.Load(),
		TxErrors:        c.txErrors.Load(),
		RxPackets:       c.rxPackets.Load(),
		RxBytes:         c.rxBytes.Load(),
		RxFramingErrors: c.rxFramingErrors.Load(),
		RxErrors:        c.rxErrors.Load(),
		RxResubmits:     c.rxResubmits.Load(),
	}
}

// transfer is the engine's record of one submitted transfer. For writes, tx
// is the slot the frame occupies; reads have a nil tx.
type transfer struct {
	tx  *TxContext
	buf []byte
}

// engine owns the outstanding transfers and the completion goroutine.
type engine struct {
	transport   Transport
	adapter     NetAdapter
	echo        EchoAdapter
	pool        *ContextPool
	active      func() bool
	detach      func(error)
	outstanding map[Handle]*transfer
	drained     chan struct{}
	stop        chan struct{}
	stats       counters
	wg          sync.WaitGroup
	rxBufSize   int
	mu          syncutil.Mutex
	draining    bool
	closing     bool
}

func newEngine(t Transport, adapter NetAdapter, pool *ContextPool, rxBufSize int) *engine {
	e := &engine{
		transport:   t,
		adapter:     adapter,
		pool:        pool,
		outstanding: make(map[Handle]*transfer),
		rxBufSize:   rxBufSize,
		active:      func() bool { return true },
		detach:      func(error) {},
	}
	if echo, ok := adapter.(EchoAdapter); ok {
		e.echo = echo
	}
	return e
}

// start launches the completion goroutine.
func (e *engine) start() {
	e.mu.Lock()
	e.draining = false
	e.closing = false
	e.drained = nil
	e.mu.Unlock()

	e.stop = make(chan struct{})
	e.wg.Add(1)
	go e.run(e.stop)
}

// shutdown makes every later submission fail with ErrDeviceStopped until the
// next start. A transfer registered before shutdown returns is visible to a
// subsequent transport.CancelAll.
func (e *engine) shutdown() {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()
}

// halt stops the completion goroutine and waits for it to exit. No adapter
// callback is made by the engine after halt returns.
func (e *engine) halt() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	e.wg.Wait()
	e.stop = nil
}

func (e *engine) run(stop <-chan struct{}) {
	defer e.wg.Done()
	completions := e.transport.Completions()
	for {
		select {
		case <-stop:
			return
		case c, ok := <-completions:
			if !ok {
				return
			}
			e.handle(c)
		}
	}
}

func (e *engine) handle(c Completion) {
	e.mu.Lock()
	tr, ok := e.outstanding[c.Handle]
	delete(e.outstanding, c.Handle)
	e.mu.Unlock()

	if !ok {
		// Late completion for a transfer abandoned by a timed-out close.
		Debugf("ignoring completion for unknown transfer %d (%s)", c.Handle, c.Status)
		return
	}

	if tr.tx != nil {
		e.completeTx(tr, c)
	} else {
		e.completeRx(tr, c)
	}

	e.mu.Lock()
	if e.draining && len(e.outstanding) == 0 && e.drained != nil {
		close(e.drained)
		e.drained = nil
	}
	e.mu.Unlock()
}

// submitTx encodes f into a fresh write buffer and hands it to the transport.
// It never blocks. On error the caller still owns ctx.
func (e *engine) submitTx(f Frame, ctx *TxContext) error {
	buf := make([]byte, WireMessageSize)
	Encode(f).MarshalTo(buf)

	// Registration happens under the lock held across the submit so the
	// completion goroutine cannot observe the handle before it is known.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return ErrDeviceStopped
	}
	h, err := e.transport.SubmitWrite(buf)
	if err != nil {
		return err
	}
	e.outstanding[h] = &transfer{tx: ctx, buf: buf}
	return nil
}

func (e *engine) completeTx(tr *transfer, c Completion) {
	ctx := tr.tx
	slot := ctx.Index()
	tr.buf = nil

	switch c.Status {
	case StatusCancelled, StatusNoDevice:
		e.stats.txDropped.Add(1)
		if e.echo != nil {
			e.echo.FreeEcho(slot)
		}
		e.adapter.RecordDrop()
		if c.Status == StatusNoDevice {
			e.detach(fmt.Errorf("tx slot %d: %w", slot, ErrDeviceGone))
		}
	default:
		e.stats.txPackets.Add(1)
		e.stats.txBytes.Add(uint64(ctx.DLC()))
		e.adapter.RecordTxComplete(slot)
		if c.Status != StatusOK {
			e.stats.txErrors.Add(1)
			Warnf("Tx transfer aborted (%s): %v", c.Status, c.Err)
		}
	}

	if err := e.pool.Release(ctx); err != nil {
		Warnf("releasing tx context: %v", err)
	}
}

// startRx allocates the persistent receive buffer and submits the first read.
func (e *engine) startRx() error {
	return e.submitRead(make([]byte, e.rxBufSize))
}

func (e *engine) submitRead(buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return ErrDeviceStopped
	}
	h, err := e.transport.SubmitRead(buf)
	if err != nil {
		return err
	}
	e.outstanding[h] = &transfer{buf: buf}
	return nil
}

func (e *engine) completeRx(tr *transfer, c Completion) {
	switch c.Status {
	case StatusOK:
		n := c.N
		if n > len(tr.buf) {
			n = len(tr.buf)
		}
		e.processRx(tr.buf[:n])
	case StatusCancelled:
		Debugln("Rx transfer cancelled")
		return
	case StatusNoDevice:
		Warnf("Rx transfer failed, device gone: %v", c.Err)
		e.detach(fmt.Errorf("rx: %w", ErrDeviceGone))
		return
	default:
		e.stats.rxErrors.Add(1)
		Warnf("Rx transfer aborted (%s): %v", c.Status, c.Err)
	}

	if !e.active() {
		return
	}
	if err := e.submitRead(tr.buf); err != nil {
		if errors.Is(err, ErrDeviceStopped) {
			Debugln("Rx loop stopped")
			return
		}
		if IsFatal(err) {
			e.detach(fmt.Errorf("resubmitting read: %w", err))
			return
		}
		e.stats.rxErrors.Add(1)
		Warnf("failed resubmitting read transfer: %v", err)
		return
	}
	e.stats.rxResubmits.Add(1)
}

// processRx delivers every whole record in b in wire order. A trailing
// partial record is counted and discarded on its own.
func (e *engine) processRx(b []byte) {
	msgs, rem := SplitMessages(b)
	for _, m := range msgs {
		f := Decode(m)
		e.stats.rxPackets.Add(1)
		e.stats.rxBytes.Add(uint64(f.Len))
		e.adapter.Deliver(f)
	}
	if rem != 0 {
		e.stats.rxFramingErrors.Add(1)
		Warnf("%v", &FramingError{
			Length:    len(b),
			Delivered: len(msgs),
			Tail:      b[len(b)-rem:],
		})
	}
}

// outstandingCount returns the number of transfers awaiting completion.
func (e *engine) outstandingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outstanding)
}

// drain waits until every outstanding transfer has completed, the timeout
// elapses or ctx is done. Transfers still outstanding at that point are
// abandoned and their late completions ignored.
func (e *engine) drain(ctx context.Context, timeout time.Duration) error {
	e.mu.Lock()
	e.draining = true
	if len(e.outstanding) == 0 {
		e.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	e.drained = done
	e.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var reason error
	select {
	case <-done:
		return nil
	case <-timer.C:
		reason = ErrCloseTimeout
	case <-ctx.Done():
		reason = ctx.Err()
	}

	e.mu.Lock()
	abandoned := len(e.outstanding)
	clear(e.outstanding)
	e.drained = nil
	e.mu.Unlock()

	if abandoned == 0 {
		// The last completion landed between the timer firing and the lock.
		return nil
	}
	return fmt.Errorf("%w: %d transfers abandoned", reason, abandoned)
}
