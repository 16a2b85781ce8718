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
	"fmt"
	"sync/atomic"

	"github.com/ZaparooProject/go-pandacan/internal/syncutil"
)

// MaxTxContexts is the number of transmit transfers that may be in flight
// at once.
const MaxTxContexts = 20

// Backpressure receives queue flow-control signals from a ContextPool.
// Resume may be called redundantly and must tolerate it.
type Backpressure interface {
	Pause()
	Resume()
}

// TxContext is a reservation for one in-flight transmit transfer.
// It is busy from Acquire until the matching Release.
type TxContext struct {
	pool  *ContextPool
	index int
	dlc   uint8
	busy  bool
}

// Index returns the slot number, also used as the echo index.
func (c *TxContext) Index() int {
	return c.index
}

// DLC returns the length code recorded when the slot was acquired.
func (c *TxContext) DLC() uint8 {
	return c.dlc
}

// ContextPool is a fixed arena of transmit slots with O(1) acquire and
// release through a free-list stack.
//
// Thread Safety: Acquire and Release may be called concurrently from the
// submission path and any number of completion goroutines. Free is a
// lock-free read.
type ContextPool struct {
	bp       Backpressure
	slots    []TxContext
	freeList []int
	free     atomic.Int32
	mu       syncutil.Mutex
}

// NewContextPool creates a pool of size slots, all free. bp may be nil.
func NewContextPool(size int, bp Backpressure) *ContextPool {
	if size <= 0 {
		size = MaxTxContexts
	}
	p := &ContextPool{
		bp:       bp,
		slots:    make([]TxContext, size),
		freeList: make([]int, 0, size),
	}
	for i := range p.slots {
		p.slots[i].pool = p
		p.slots[i].index = i
	}
	p.Reset()
	return p
}

// Reset marks every slot free. It must not race with outstanding transfers.
func (p *ContextPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.freeList = p.freeList[:0]
	// Push in reverse so slot 0 is handed out first.
	for i := len(p.slots) - 1; i >= 0; i-- {
		p.slots[i].busy = false
		p.slots[i].dlc = 0
		p.freeList = append(p.freeList, i)
	}
	p.free.Store(int32(len(p.slots))) //nolint:gosec // pool size is small
}

// Acquire reserves a free slot for a frame of the given length. It returns
// false when every slot is busy. When the reservation takes the last free
// slot, Pause is signalled before Acquire returns.
func (p *ContextPool) Acquire(dlc uint8) (*TxContext, bool) {
	p.mu.Lock()
	n := len(p.freeList)
	if n == 0 {
		p.mu.Unlock()
		return nil, false
	}
	idx := p.freeList[n-1]
	p.freeList = p.freeList[:n-1]
	ctx := &p.slots[idx]
	ctx.busy = true
	ctx.dlc = dlc
	remaining := p.free.Add(-1)
	p.mu.Unlock()

	// The check must follow the reservation; checking first would let two
	// racing acquirers both miss the transition to empty.
	if remaining == 0 {
		Debugln("last transmit context taken, pausing queue")
		if p.bp != nil {
			p.bp.Pause()
		}
	}
	return ctx, true
}

// Release returns a slot to the pool and signals Resume once the slot is
// visible as free.
func (p *ContextPool) Release(ctx *TxContext) error {
	if ctx == nil || ctx.pool != p {
		return fmt.Errorf("%w: foreign or nil context", ErrContextNotBusy)
	}

	p.mu.Lock()
	if !ctx.busy {
		p.mu.Unlock()
		return fmt.Errorf("%w: slot %d", ErrContextNotBusy, ctx.index)
	}
	ctx.busy = false
	p.freeList = append(p.freeList, ctx.index)
	p.free.Add(1)
	p.mu.Unlock()

	if p.bp != nil {
		p.bp.Resume()
	}
	return nil
}

// Free returns the number of free slots.
func (p *ContextPool) Free() int {
	return int(p.free.Load())
}

// Cap returns the number of slots in the pool.
func (p *ContextPool) Cap() int {
	return len(p.slots)
}

// Busy reports whether slot idx is currently reserved.
func (p *ContextPool) Busy(idx int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.slots) {
		return false
	}
	return p.slots[idx].busy
}
