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

// Package usb detects Panda adapters by enumerating the USB bus through
// libusb. Importing it registers the detector.
package usb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ZaparooProject/go-pandacan/detection"
	"github.com/google/gousb"
)

// candidate is one enumerated device. strings holds the manufacturer, product
// and serial descriptors and is only filled for devices that were opened.
type candidate struct {
	strings map[string]string
	desc    gousb.DeviceDesc
}

// enumerateFunc lists the devices accepted by match. With open set, only
// devices that could be opened are returned.
type enumerateFunc func(match func(*gousb.DeviceDesc) bool, open bool) ([]candidate, error)

type detector struct {
	enumerate enumerateFunc
}

// New creates a new USB detector
func New() detection.Detector {
	return &detector{enumerate: enumerate}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "usb"
}

// Detect lists USB devices whose VID:PID is accepted by opts. Passive mode
// reads device descriptors only; Safe mode also opens each match to confirm
// it is accessible and to read its string descriptors.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	match := func(desc *gousb.DeviceDesc) bool {
		return ctx.Err() == nil &&
			opts.Accepts(vidPID(desc)) &&
			!detection.IsPathIgnored(portPath(desc), opts.IgnorePaths)
	}

	safe := opts.Mode == detection.Safe
	found, err := d.enumerate(match, safe)
	if len(found) == 0 {
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
		}
		return nil, detection.ErrNoDevicesFound
	}

	devices := make([]detection.DeviceInfo, 0, len(found))
	for i := range found {
		devices = append(devices, deviceInfo(&found[i], safe))
	}
	return devices, nil
}

func deviceInfo(c *candidate, opened bool) detection.DeviceInfo {
	device := detection.DeviceInfo{
		Transport:  "usb",
		Path:       portPath(&c.desc),
		Name:       "panda",
		Confidence: detection.Medium,
		Metadata: map[string]string{
			"vidpid": vidPID(&c.desc),
			"busnum": strconv.Itoa(c.desc.Bus),
			"devnum": strconv.Itoa(c.desc.Address),
		},
	}
	if !opened {
		return device
	}

	device.Confidence = detection.High
	for k, v := range c.strings {
		switch {
		case v == "":
		case k == "product":
			device.Name = v
		default:
			device.Metadata[k] = v
		}
	}
	return device
}

func vidPID(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("%04X:%04X", uint16(desc.Vendor), uint16(desc.Product))
}

// portPath names a device the way the kernel does ("1-1.2"), so ignore lists
// written against sysfs or udev names keep working.
func portPath(desc *gousb.DeviceDesc) string {
	if len(desc.Path) == 0 {
		return fmt.Sprintf("usb%d", desc.Bus)
	}
	ports := make([]string, len(desc.Path))
	for i, p := range desc.Path {
		ports[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("%d-%s", desc.Bus, strings.Join(ports, "."))
}

func enumerate(match func(*gousb.DeviceDesc) bool, open bool) (found []candidate, err error) {
	defer func() {
		// gousb.NewContext panics when libusb cannot be initialised.
		if r := recover(); r != nil {
			found, err = nil, fmt.Errorf("%w: %v", detection.ErrUnsupportedPlatform, r)
		}
	}()

	usbCtx := gousb.NewContext()
	defer func() { _ = usbCtx.Close() }()

	devs, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if !match(desc) {
			return false
		}
		if !open {
			found = append(found, candidate{desc: *desc})
			return false
		}
		return true
	})
	for _, dev := range devs {
		found = append(found, candidate{desc: *dev.Desc, strings: readStrings(dev)})
		_ = dev.Close()
	}
	return found, err
}

func readStrings(dev *gousb.Device) map[string]string {
	s := make(map[string]string, 3)
	if v, err := dev.Manufacturer(); err == nil {
		s["manufacturer"] = v
	}
	if v, err := dev.Product(); err == nil {
		s["product"] = v
	}
	if v, err := dev.SerialNumber(); err == nil {
		s["serial"] = v
	}
	return s
}
