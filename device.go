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

// USB identity and topology of the Panda adapter.
const (
	VendorID  = 0xBBAA
	ProductID = 0xDDCC

	// CANInterface and CANAltSetting select the endpoints used for CAN traffic.
	CANInterface  = 0
	CANAltSetting = 1

	// BulkOutEndpoint carries outbound records, InterruptInEndpoint inbound ones.
	BulkOutEndpoint     = 0x03
	InterruptInEndpoint = 0x81

	// DefaultBitrate is the fixed bus bitrate; it is not negotiated.
	DefaultBitrate = 500000
)

// State is the externally visible lifecycle state of a Device.
type State int32

const (
	// StateStopped means no transfers are in flight and transmit fails fast.
	StateStopped State = iota
	// StateActive means the receive loop is running and frames may be sent.
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "stopped"
}

// DeviceConfig contains configuration options for the Device
type DeviceConfig struct {
	// RetryConfig configures retries of the output-enable control request
	RetryConfig *RetryConfig
	// OnDetach is called, on its own goroutine, when the adapter disappears
	OnDetach func(err error)
	// CloseTimeout bounds how long Close waits for cancelled transfers
	CloseTimeout time.Duration
	// PoolSize is the number of transmit contexts
	PoolSize int
	// RxBufferSize is the size of the persistent receive buffer
	RxBufferSize int
	// Bus is the adapter bus index applied to frames that do not set one
	Bus uint8
}

// DefaultDeviceConfig returns default device configuration
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		RetryConfig:  DefaultRetryConfig(),
		CloseTimeout: 1 * time.Second,
		PoolSize:     MaxTxContexts,
		RxBufferSize: RxBufferSize,
	}
}

// Option configures a Device at construction time.
type Option func(*Device) error

// WithCloseTimeout sets how long Close waits for outstanding transfers.
func WithCloseTimeout(timeout time.Duration) Option {
	return func(d *Device) error {
		if timeout <= 0 {
			return fmt.Errorf("close timeout must be positive, got %v", timeout)
		}
		d.config.CloseTimeout = timeout
		return nil
	}
}

// WithRetryConfig sets the retry policy for control requests.
func WithRetryConfig(config *RetryConfig) Option {
	return func(d *Device) error {
		d.config.RetryConfig = config
		return nil
	}
}

// WithOnDetach registers a callback for adapter removal.
func WithOnDetach(fn func(err error)) Option {
	return func(d *Device) error {
		d.config.OnDetach = fn
		return nil
	}
}

// WithBus sets the default bus index for outbound frames.
func WithBus(bus uint8) Option {
	return func(d *Device) error {
		if bus > MaxBus {
			return fmt.Errorf("bus index must be 0-%d, got %d", MaxBus, bus)
		}
		d.config.Bus = bus
		return nil
	}
}

// WithPoolSize overrides the number of transmit contexts.
func WithPoolSize(size int) Option {
	return func(d *Device) error {
		if size < 1 {
			return fmt.Errorf("pool size must be at least 1, got %d", size)
		}
		d.config.PoolSize = size
		return nil
	}
}

// Device drives one Panda adapter: it owns the transmit-context pool and the
// transfer engine and bridges them to a NetAdapter.
//
// Thread Safety: Transmit may be called concurrently with completions and
// with Open/Close. Open and Close serialize with each other.
type Device struct {
	transport  Transport
	adapter    NetAdapter
	echo       EchoAdapter
	config     *DeviceConfig
	pool       *ContextPool
	engine     *engine
	detachedCh chan struct{}
	lifecycle  syncutil.RWMutex
	detachOnce sync.Once
	state      atomic.Int32
	detached   atomic.Bool
	running    bool
}

// New creates a stopped device on top of transport. adapter receives frames
// and queue signals; a nil adapter is replaced by NopAdapter.
func New(transport Transport, adapter NetAdapter, opts ...Option) (*Device, error) {
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if adapter == nil {
		adapter = NopAdapter{}
	}

	d := &Device{
		transport:  transport,
		adapter:    adapter,
		config:     DefaultDeviceConfig(),
		detachedCh: make(chan struct{}),
	}
	if echo, ok := adapter.(EchoAdapter); ok {
		d.echo = echo
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	d.pool = NewContextPool(d.config.PoolSize, queueSignals{adapter: adapter, active: d.isActive})
	d.engine = newEngine(transport, adapter, d.pool, d.config.RxBufferSize)
	d.engine.active = d.isActive
	d.engine.detach = d.markDetached
	return d, nil
}

func (d *Device) isActive() bool {
	return State(d.state.Load()) == StateActive && !d.detached.Load()
}

// Open resets the transmit contexts, selects the CAN interface, starts the
// receive loop and wakes the adapter queue.
func (d *Device) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if d.detached.Load() {
		return ErrDeviceGone
	}
	if d.running {
		return ErrAlreadyOpen
	}

	d.pool.Reset()

	if err := d.transport.SelectInterface(CANInterface, CANAltSetting); err != nil {
		Warnf("can not set alternate setting to %d: %v", CANAltSetting, err)
		return fmt.Errorf("failed to select CAN interface: %w", err)
	}

	d.engine.start()
	d.running = true
	// Active before the first read so its completion resubmits.
	d.state.Store(int32(StateActive))

	if err := d.engine.startRx(); err != nil {
		d.state.Store(int32(StateStopped))
		d.engine.halt()
		d.running = false
		if IsFatal(err) {
			d.markDetached(err)
		}
		return fmt.Errorf("failed to start receive loop: %w", err)
	}

	d.adapter.ResumeQueue()
	Debugf("device open on %s transport", d.transport.Type())
	return nil
}

// Close stops the device: it halts the adapter queue, cancels every
// outstanding transfer and waits for the cancellations to complete, bounded
// by the configured close timeout. No NetAdapter method is invoked by the
// device after Close returns.
func (d *Device) Close(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.state.Store(int32(StateStopped))
	if !d.running {
		return nil
	}

	d.adapter.PauseQueue()
	d.engine.shutdown()
	d.transport.CancelAll()

	err := d.engine.drain(ctx, d.config.CloseTimeout)
	d.engine.halt()
	d.running = false

	if err != nil {
		Warnf("close: %v", err)
		return fmt.Errorf("failed to drain transfers: %w", err)
	}
	Debugln("device closed")
	return nil
}

// Transmit queues one frame for the adapter without blocking. It is the
// network stack's entry point.
//
// ErrQueueFull means every transmit context is busy; the queue should
// already have been paused. Any other error means the frame was dropped and
// counted.
func (d *Device) Transmit(f Frame) error {
	d.lifecycle.RLock()
	defer d.lifecycle.RUnlock()

	if d.detached.Load() {
		return ErrDeviceGone
	}
	if State(d.state.Load()) != StateActive {
		return ErrDeviceStopped
	}

	if f.Bus == 0 {
		f.Bus = d.config.Bus
	}
	if err := f.Validate(); err != nil {
		d.engine.stats.txDropped.Add(1)
		d.adapter.RecordDrop()
		return err
	}

	ctx, ok := d.pool.Acquire(f.Len)
	if !ok {
		return ErrQueueFull
	}
	if d.echo != nil {
		d.echo.PutEcho(ctx.Index(), f)
	}

	err := d.engine.submitTx(f, ctx)
	if err == nil {
		return nil
	}

	if d.echo != nil {
		d.echo.FreeEcho(ctx.Index())
	}
	if relErr := d.pool.Release(ctx); relErr != nil {
		Warnf("releasing tx context after failed submit: %v", relErr)
	}
	if errors.Is(err, ErrDeviceStopped) {
		// Lost a race with Close or a detach.
		if d.detached.Load() {
			return ErrDeviceGone
		}
		return ErrDeviceStopped
	}
	d.engine.stats.txDropped.Add(1)
	d.adapter.RecordDrop()

	if IsFatal(err) {
		d.markDetached(err)
	} else {
		Warnf("failed tx transfer: %v", err)
	}
	return &TransportError{
		Op:        "transmit",
		Err:       err,
		Type:      errorTypeFor(err),
		Retryable: IsRetryable(err),
	}
}

func errorTypeFor(err error) ErrorType {
	if IsFatal(err) {
		return ErrorTypePermanent
	}
	return ErrorTypeTransient
}

// markDetached records that the adapter is gone. It runs on the transmit
// path or the completion goroutine and therefore never waits for either.
func (d *Device) markDetached(cause error) {
	d.detachOnce.Do(func() {
		d.detached.Store(true)
		d.state.Store(int32(StateStopped))
		Warnf("device detached: %v", cause)

		d.adapter.PauseQueue()
		d.engine.shutdown()
		d.transport.CancelAll()
		close(d.detachedCh)

		if d.config.OnDetach != nil {
			go d.config.OnDetach(cause)
		}
	})
}

// State returns the current lifecycle state.
func (d *Device) State() State {
	return State(d.state.Load())
}

// Detached is closed once the adapter has been reported gone.
func (d *Device) Detached() <-chan struct{} {
	return d.detachedCh
}

// Stats returns a snapshot of the transfer counters.
func (d *Device) Stats() Stats {
	return d.engine.stats.snapshot()
}

// FreeContexts returns the number of idle transmit contexts.
func (d *Device) FreeContexts() int {
	return d.pool.Free()
}

// Outstanding returns the number of transfers awaiting completion.
func (d *Device) Outstanding() int {
	return d.engine.outstandingCount()
}

// Bitrate returns the bus bitrate the adapter runs at.
func (*Device) Bitrate() int {
	return DefaultBitrate
}

// Transport returns the underlying transport
func (d *Device) Transport() Transport {
	return d.transport
}
