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

// Package serial detects adapters exposed as CDC-ACM or USB-UART ports.
// Importing it registers the detector.
package serial

import (
	"context"
	"fmt"
	"strings"

	"github.com/ZaparooProject/go-pandacan/detection"
	"go.bug.st/serial/enumerator"
)

// portLister is swapped out in tests.
type portLister func() ([]*enumerator.PortDetails, error)

type detector struct {
	list portLister
}

// New creates a new serial port detector
func New() detection.Detector {
	return &detector{list: enumerator.GetDetailedPortsList}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "serial"
}

// Detect returns USB serial ports whose VID:PID is accepted by opts. Ports
// matched only by product name are reported with low confidence in Safe
// mode and skipped in Passive mode.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	var devices []detection.DeviceInfo
	for _, port := range ports {
		if ctx.Err() != nil {
			break
		}
		if port == nil || !port.IsUSB || detection.IsPathIgnored(port.Name, opts.IgnorePaths) {
			continue
		}

		vidpid := detection.NormalizeVIDPID(port.VID + ":" + port.PID)
		confidence := detection.Low
		switch {
		case opts.Accepts(vidpid):
			confidence = detection.High
		case detection.IsBlocked(vidpid, opts.Blocklist):
			continue
		case opts.Mode == detection.Safe && strings.Contains(strings.ToLower(port.Product), "panda"):
		default:
			continue
		}

		device := detection.DeviceInfo{
			Transport:  "serial",
			Path:       port.Name,
			Name:       port.Product,
			Confidence: confidence,
			Metadata:   map[string]string{},
		}
		if vidpid != "" {
			device.Metadata["vidpid"] = vidpid
		}
		if port.SerialNumber != "" {
			device.Metadata["serial"] = port.SerialNumber
		}
		devices = append(devices, device)
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}
