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

// Package usb implements pandacan.Transport on libusb through gousb.
package usb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	pandacan "github.com/ZaparooProject/go-pandacan"
	"github.com/ZaparooProject/go-pandacan/detection"
	"github.com/ZaparooProject/go-pandacan/internal/syncutil"
	"github.com/google/gousb"
)

// DefaultControlTimeout bounds synchronous control requests.
const DefaultControlTimeout = time.Second

const completionDepth = 256

// Selector picks which adapter to open. A zero Bus selects the first
// adapter with a matching VID:PID.
type Selector struct {
	Vendor  gousb.ID
	Product gousb.ID
	Bus     int
	Address int
}

// DefaultSelector matches any Panda.
func DefaultSelector() Selector {
	return Selector{Vendor: pandacan.VendorID, Product: pandacan.ProductID}
}

// ParseSelector accepts "", "bbaa:ddcc" (first adapter with that VID:PID)
// or "bus/address" such as "1/7".
func ParseSelector(path string) (Selector, error) {
	sel := DefaultSelector()
	path = strings.TrimSpace(path)
	if path == "" {
		return sel, nil
	}

	if bus, addr, ok := strings.Cut(path, "/"); ok {
		b, err := strconv.Atoi(bus)
		if err != nil {
			return sel, fmt.Errorf("invalid bus in %q: %w", path, err)
		}
		a, err := strconv.Atoi(addr)
		if err != nil {
			return sel, fmt.Errorf("invalid address in %q: %w", path, err)
		}
		sel.Bus, sel.Address = b, a
		return sel, nil
	}

	vidpid := detection.NormalizeVIDPID(path)
	if vidpid == "" {
		return sel, fmt.Errorf("unrecognised USB device selector %q", path)
	}
	vid, pid, _ := strings.Cut(vidpid, ":")
	v, err := strconv.ParseUint(vid, 16, 16)
	if err != nil {
		return sel, fmt.Errorf("invalid vendor id in %q: %w", path, err)
	}
	p, err := strconv.ParseUint(pid, 16, 16)
	if err != nil {
		return sel, fmt.Errorf("invalid product id in %q: %w", path, err)
	}
	sel.Vendor, sel.Product = gousb.ID(v), gousb.ID(p)
	return sel, nil
}

func (s Selector) String() string {
	if s.Bus != 0 {
		return fmt.Sprintf("%d/%d", s.Bus, s.Address)
	}
	return fmt.Sprintf("%s:%s", s.Vendor, s.Product)
}

func (s Selector) matches(desc *gousb.DeviceDesc) bool {
	if desc.Vendor != s.Vendor || desc.Product != s.Product {
		return false
	}
	return s.Bus == 0 || (desc.Bus == s.Bus && desc.Address == s.Address)
}

type inEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type outEndpoint interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

type controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

type transfer struct {
	buf []byte
	h   pandacan.Handle
}

// Transport drives the adapter's bulk OUT and interrupt IN endpoints. Writes
// are issued in submission order by one goroutine and reads by another; each
// in-flight transfer runs under its own context so CancelAll can abort it.
type Transport struct {
	usbCtx      *gousb.Context
	dev         *gousb.Device
	cfg         *gousb.Config
	iface       *gousb.Interface
	in          inEndpoint
	out         outEndpoint
	ctrl        controller
	completions chan pandacan.Completion
	notify      chan struct{}
	stop        chan struct{}
	inflight    map[pandacan.Handle]context.CancelFunc
	name        string
	writeQ      []transfer
	readQ       []transfer
	wg          sync.WaitGroup
	nextHandle  pandacan.Handle
	mu          syncutil.Mutex
	closeOnce   sync.Once
	closed      bool
	gone        bool
}

// Open opens the adapter matched by sel. The CAN interface is claimed later
// by SelectInterface.
func Open(sel Selector) (*Transport, error) {
	usbCtx := gousb.NewContext()

	devs, err := usbCtx.OpenDevices(sel.matches)
	if err != nil && len(devs) == 0 {
		_ = usbCtx.Close()
		return nil, fmt.Errorf("failed to open USB device %s: %w", sel, err)
	}
	if len(devs) == 0 {
		_ = usbCtx.Close()
		return nil, fmt.Errorf("USB device %s: %w", sel, pandacan.ErrDeviceNotFound)
	}
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}
	dev := devs[0]

	if err := dev.SetAutoDetach(true); err != nil {
		pandacan.Debugf("usb %s: auto detach unavailable: %v", sel, err)
	}
	dev.ControlTimeout = DefaultControlTimeout

	t := newTransport(dev, sel.String())
	t.usbCtx = usbCtx
	t.dev = dev
	return t, nil
}

// Factory opens the adapter named by path; see ParseSelector.
func Factory(path string) (pandacan.Transport, error) {
	sel, err := ParseSelector(path)
	if err != nil {
		return nil, err
	}
	return Open(sel)
}

// FromDeviceInfo opens an adapter found by the USB detector.
func FromDeviceInfo(info detection.DeviceInfo) (pandacan.Transport, error) {
	return Open(selectorFromInfo(info))
}

func selectorFromInfo(info detection.DeviceInfo) Selector {
	sel := DefaultSelector()
	if parsed, err := ParseSelector(info.Metadata["vidpid"]); err == nil {
		sel = parsed
	}
	bus, busErr := strconv.Atoi(info.Metadata["busnum"])
	addr, addrErr := strconv.Atoi(info.Metadata["devnum"])
	if busErr == nil && addrErr == nil {
		sel.Bus, sel.Address = bus, addr
	}
	return sel
}

func newTransport(ctrl controller, name string) *Transport {
	t := &Transport{
		ctrl:        ctrl,
		name:        name,
		completions: make(chan pandacan.Completion, completionDepth),
		notify:      make(chan struct{}, 1),
		stop:        make(chan struct{}),
		inflight:    make(map[pandacan.Handle]context.CancelFunc),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

// SelectInterface implements pandacan.Transport. It claims the interface in
// the active configuration and resolves the CAN endpoints.
func (t *Transport) SelectInterface(iface, alt int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return pandacan.ErrTransportClosed
	}
	if t.dev == nil {
		return errors.New("no USB device to configure")
	}
	if t.iface != nil {
		if t.iface.Setting.Number == iface && t.iface.Setting.Alternate == alt {
			return nil
		}
		t.iface.Close()
		t.iface = nil
	}

	if t.cfg == nil {
		cfgNum, err := t.dev.ActiveConfigNum()
		if err != nil {
			return t.classify("active config", err)
		}
		cfg, err := t.dev.Config(cfgNum)
		if err != nil {
			return t.classify("claim config", err)
		}
		t.cfg = cfg
	}

	intf, err := t.cfg.Interface(iface, alt)
	if err != nil {
		return t.classify(fmt.Sprintf("claim interface %d alt %d", iface, alt), err)
	}
	out, err := intf.OutEndpoint(pandacan.BulkOutEndpoint)
	if err != nil {
		intf.Close()
		return fmt.Errorf("bulk OUT endpoint: %w", err)
	}
	in, err := intf.InEndpoint(pandacan.InterruptInEndpoint & 0x0F)
	if err != nil {
		intf.Close()
		return fmt.Errorf("interrupt IN endpoint: %w", err)
	}

	t.iface, t.out, t.in = intf, out, in
	pandacan.Debugf("usb %s: claimed interface %d alt %d", t.name, iface, alt)
	return nil
}

func (t *Transport) submit(buf []byte, write bool) (pandacan.Handle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, pandacan.ErrTransportClosed
	}
	if t.gone {
		t.mu.Unlock()
		return 0, pandacan.NewDeviceGoneError("submit", t.name)
	}
	if (write && t.out == nil) || (!write && t.in == nil) {
		t.mu.Unlock()
		return 0, errors.New("interface not selected")
	}
	t.nextHandle++
	h := t.nextHandle
	if write {
		t.writeQ = append(t.writeQ, transfer{h: h, buf: buf})
	} else {
		t.readQ = append(t.readQ, transfer{h: h, buf: buf})
	}
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return h, nil
}

// SubmitWrite implements pandacan.Transport
func (t *Transport) SubmitWrite(buf []byte) (pandacan.Handle, error) {
	return t.submit(buf, true)
}

// SubmitRead implements pandacan.Transport
func (t *Transport) SubmitRead(buf []byte) (pandacan.Handle, error) {
	return t.submit(buf, false)
}

// Completions implements pandacan.Transport
func (t *Transport) Completions() <-chan pandacan.Completion {
	return t.completions
}

// CancelAll implements pandacan.Transport. Queued transfers are completed
// as cancelled at once; in-flight ones are aborted and report themselves.
func (t *Transport) CancelAll() {
	t.mu.Lock()
	done := make([]pandacan.Completion, 0, len(t.writeQ)+len(t.readQ))
	for _, q := range [][]transfer{t.writeQ, t.readQ} {
		for _, tr := range q {
			done = append(done, pandacan.Completion{Handle: tr.h, Status: pandacan.StatusCancelled})
		}
	}
	t.writeQ, t.readQ = nil, nil
	for _, cancel := range t.inflight {
		cancel()
	}
	t.mu.Unlock()

	for _, c := range done {
		t.completions <- c
	}
}

// Control implements pandacan.Transport
func (t *Transport) Control(ctx context.Context, req pandacan.ControlRequest) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := t.ctrl.Control(req.RequestType, req.Request, req.Value, req.Index, req.Data)
	if err != nil {
		return n, t.classify(fmt.Sprintf("control 0x%02X", req.Request), err)
	}
	return n, nil
}

// Close implements pandacan.Transport. Resources are released in reverse
// order of acquisition.
func (t *Transport) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		t.CancelAll()
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.stop)
		t.wg.Wait()

		if t.iface != nil {
			t.iface.Close()
		}
		if t.cfg != nil {
			errs = append(errs, t.cfg.Close())
		}
		if t.dev != nil {
			errs = append(errs, t.dev.Close())
		}
		if t.usbCtx != nil {
			errs = append(errs, t.usbCtx.Close())
		}
	})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close USB device %s: %w", t.name, err)
	}
	return nil
}

// Type implements pandacan.Transport
func (*Transport) Type() pandacan.TransportType {
	return pandacan.TransportUSB
}

// run starts queued transfers. One write and one read may be in flight at
// a time; writes therefore reach the adapter in submission order.
func (t *Transport) run() {
	defer t.wg.Done()
	var writing, reading bool
	finished := make(chan bool, 2)

	for {
		t.mu.Lock()
		if !writing && len(t.writeQ) > 0 {
			tr := t.writeQ[0]
			t.writeQ = t.writeQ[1:]
			writing = true
			t.launchLocked(tr, true, finished)
		}
		if !reading && len(t.readQ) > 0 {
			tr := t.readQ[0]
			t.readQ = t.readQ[1:]
			reading = true
			t.launchLocked(tr, false, finished)
		}
		t.mu.Unlock()

		select {
		case <-t.stop:
			for writing || reading {
				if <-finished {
					writing = false
				} else {
					reading = false
				}
			}
			return
		case write := <-finished:
			if write {
				writing = false
			} else {
				reading = false
			}
		case <-t.notify:
		}
	}
}

func (t *Transport) launchLocked(tr transfer, write bool, finished chan<- bool) {
	ctx, cancel := context.WithCancel(context.Background())
	t.inflight[tr.h] = cancel
	in, out := t.in, t.out

	go func() {
		var n int
		var err error
		if write {
			n, err = out.WriteContext(ctx, tr.buf)
		} else {
			n, err = in.ReadContext(ctx, tr.buf)
		}
		cancel()

		t.mu.Lock()
		delete(t.inflight, tr.h)
		t.mu.Unlock()

		t.completions <- t.completion(tr.h, write, n, err)
		finished <- write
	}()
}

func (t *Transport) completion(h pandacan.Handle, write bool, n int, err error) pandacan.Completion {
	op := "read"
	if write {
		op = "write"
	}

	c := pandacan.Completion{Handle: h, N: n}
	switch {
	case err == nil:
		c.Status = pandacan.StatusOK
	case errors.Is(err, context.Canceled), errors.Is(err, gousb.TransferCancelled):
		c.Status = pandacan.StatusCancelled
	case isNoDevice(err):
		c.Status = pandacan.StatusNoDevice
		c.Err = pandacan.NewTransportError(op, t.name, err, pandacan.ErrorTypePermanent)
		t.mu.Lock()
		t.gone = true
		t.mu.Unlock()
	case errors.Is(err, gousb.TransferTimedOut), errors.Is(err, context.DeadlineExceeded):
		c.Status = pandacan.StatusError
		c.Err = pandacan.NewTimeoutError(op, t.name)
	case write:
		c.Status = pandacan.StatusError
		pandacan.Debugf("usb %s: write failed: %v", t.name, err)
		c.Err = pandacan.NewTransportWriteError(op, t.name)
	default:
		c.Status = pandacan.StatusError
		pandacan.Debugf("usb %s: read failed: %v", t.name, err)
		c.Err = pandacan.NewTransportReadError(op, t.name)
	}
	return c
}

func (t *Transport) classify(op string, err error) error {
	if isNoDevice(err) {
		return pandacan.NewTransportError(op, t.name, err, pandacan.ErrorTypePermanent)
	}
	return pandacan.NewTransportError(op, t.name, err, pandacan.ErrorTypeTransient)
}

func isNoDevice(err error) bool {
	return errors.Is(err, gousb.ErrorNoDevice) ||
		errors.Is(err, gousb.TransferNoDevice) ||
		pandacan.IsFatal(err)
}
