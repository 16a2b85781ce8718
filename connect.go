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
	"time"

	"github.com/ZaparooProject/go-pandacan/detection"
)

// Probe brings a freshly attached adapter up: it creates the device, opens
// it and enables CAN output. A failed output-enable request is logged and
// the device is returned anyway; the adapter may already have output on.
func Probe(ctx context.Context, t Transport, adapter NetAdapter, opts ...Option) (*Device, error) {
	device, err := New(t, adapter, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	if err := device.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}

	err = RetryWithConfig(ctx, device.config.RetryConfig, func() error {
		return SetOutputEnable(ctx, t, true)
	})
	if err != nil {
		Warnf("failed to enable output, continuing: %v", err)
	}

	Debugf("probed %s adapter, bitrate %d", t.Type(), device.Bitrate())
	return device, nil
}

// TransportFactory is a function type for creating transports
type TransportFactory func(path string) (Transport, error)

// TransportFromDeviceFactory is a function type for creating transports from detected devices
type TransportFromDeviceFactory func(device detection.DeviceInfo) (Transport, error)

// ConnectOption represents a functional option for ConnectDevice
type ConnectOption func(*connectConfig) error

// connectConfig holds configuration options for device connection
type connectConfig struct {
	adapter                NetAdapter
	transportFactory       TransportFactory
	transportDeviceFactory TransportFromDeviceFactory
	deviceDetector         func(context.Context, *detection.Options) ([]detection.DeviceInfo, error)
	deviceOptions          []Option
	timeout                time.Duration
	autoDetect             bool
	connectionRetries      int
}

// WithAutoDetection enables automatic device detection instead of using a specific path
func WithAutoDetection() ConnectOption {
	return func(c *connectConfig) error {
		c.autoDetect = true
		return nil
	}
}

// WithAdapter sets the network stack adapter the device reports to.
func WithAdapter(adapter NetAdapter) ConnectOption {
	return func(c *connectConfig) error {
		if adapter == nil {
			return errors.New("adapter cannot be nil")
		}
		c.adapter = adapter
		return nil
	}
}

// WithDeviceOptions adds device-level options
func WithDeviceOptions(opts ...Option) ConnectOption {
	return func(c *connectConfig) error {
		c.deviceOptions = append(c.deviceOptions, opts...)
		return nil
	}
}

// WithConnectTimeout bounds detection, transport creation and bring-up.
func WithConnectTimeout(timeout time.Duration) ConnectOption {
	return func(c *connectConfig) error {
		c.timeout = timeout
		return nil
	}
}

// WithTransportFactory sets the transport factory function
func WithTransportFactory(factory TransportFactory) ConnectOption {
	return func(c *connectConfig) error {
		c.transportFactory = factory
		return nil
	}
}

// WithTransportFromDeviceFactory sets the transport from device factory function
func WithTransportFromDeviceFactory(factory TransportFromDeviceFactory) ConnectOption {
	return func(c *connectConfig) error {
		c.transportDeviceFactory = factory
		return nil
	}
}

// WithConnectionRetries sets the number of connection retry attempts
func WithConnectionRetries(maxAttempts int) ConnectOption {
	return func(c *connectConfig) error {
		if maxAttempts < 1 {
			return fmt.Errorf("connection retries must be at least 1, got %d", maxAttempts)
		}
		c.connectionRetries = maxAttempts
		return nil
	}
}

// WithDeviceDetector sets a custom device detector function for auto-detection
func WithDeviceDetector(
	detector func(context.Context, *detection.Options) ([]detection.DeviceInfo, error),
) ConnectOption {
	return func(c *connectConfig) error {
		c.deviceDetector = detector
		return nil
	}
}

func applyConnectOptions(opts []ConnectOption) (*connectConfig, error) {
	config := &connectConfig{
		adapter:           NopAdapter{},
		timeout:           30 * time.Second,
		connectionRetries: DefaultConnectionRetries,
	}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, fmt.Errorf("failed to apply connect option: %w", err)
		}
	}

	return config, nil
}

// ConnectDevice opens and probes an adapter from a path or auto-detection.
// Manual paths are retried while the adapter re-enumerates; auto-detection
// makes a single attempt.
//
// Example usage:
//
//	// Connect to a specific adapter
//	device, err := pandacan.ConnectDevice("bbaa:ddcc",
//		pandacan.WithTransportFactory(usb.Factory),
//		pandacan.WithAdapter(iface))
//
//	// Auto-detect
//	device, err := pandacan.ConnectDevice("", pandacan.WithAutoDetection(),
//		pandacan.WithTransportFromDeviceFactory(factory))
func ConnectDevice(path string, opts ...ConnectOption) (*Device, error) {
	config, err := applyConnectOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to apply connect options: %w", err)
	}

	ctx := context.Background()
	if config.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.timeout)
		defer cancel()
	}

	transport, err := createTransportWithRetry(ctx, path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	device, err := Probe(ctx, transport, config.adapter, config.deviceOptions...)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	return device, nil
}

func createTransportWithRetry(ctx context.Context, path string, config *connectConfig) (Transport, error) {
	if config.autoDetect || path == "" {
		return createAutoDetectedTransport(ctx, config.transportDeviceFactory, config.deviceDetector)
	}

	retryConfig := ConnectionRetryConfig()
	retryConfig.MaxAttempts = config.connectionRetries

	var transport Transport
	err := RetryWithConfig(ctx, retryConfig, func() error {
		var err error
		transport, err = createManualTransport(path, config.transportFactory)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s after %d attempts: %w", path, config.connectionRetries, err)
	}
	return transport, nil
}

// createManualTransport handles creation of transport for a specific path
func createManualTransport(path string, factory TransportFactory) (Transport, error) {
	if factory == nil {
		return nil, errors.New("transport factory not provided")
	}

	transport, err := factory(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for path %s: %w", path, err)
	}

	return transport, nil
}

// createAutoDetectedTransport handles auto-detection of devices
func createAutoDetectedTransport(
	ctx context.Context,
	factory TransportFromDeviceFactory,
	detector func(context.Context, *detection.Options) ([]detection.DeviceInfo, error),
) (Transport, error) {
	if factory == nil {
		return nil, errors.New("transport device factory not provided")
	}

	opts := detection.DefaultOptions()

	var devices []detection.DeviceInfo
	var err error
	if detector != nil {
		devices, err = detector(ctx, &opts)
	} else {
		devices, err = detection.DetectAll(ctx, &opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to detect devices: %w", err)
	}

	if len(devices) == 0 {
		return nil, ErrDeviceNotFound
	}

	Debugf("auto-detected %s", devices[0])
	return factory(devices[0])
}

// Disconnect closes the device and releases its transport.
func (d *Device) Disconnect(ctx context.Context) error {
	closeErr := d.Close(ctx)
	if err := d.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return closeErr
}
