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
	"math/rand/v2"
	"time"
)

// Connection retry constants control adapter bring-up.
const (
	// DefaultConnectionRetries is the number of attempts to open an adapter.
	DefaultConnectionRetries = 3
	// ConnectionInitialBackoff is the initial delay between open attempts;
	// the adapter needs roughly this long to re-enumerate after a reset.
	ConnectionInitialBackoff = 100 * time.Millisecond
	// ConnectionMaxBackoff is the maximum delay between open attempts.
	ConnectionMaxBackoff = 500 * time.Millisecond
	// ConnectionRetryTimeout is the overall timeout for all open attempts.
	ConnectionRetryTimeout = 10 * time.Second
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	// ShouldRetry classifies a failed attempt. Nil retries errors that are
	// retryable and do not mean the adapter is gone.
	ShouldRetry func(error) bool
	// MaxAttempts is the maximum number of attempts (0 = no retry)
	MaxAttempts int
	// InitialBackoff is the delay after the first failed attempt
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which the backoff increases
	BackoffMultiplier float64
	// Jitter is the fraction of the backoff added at random
	Jitter float64
	// RetryTimeout bounds all attempts together
	RetryTimeout time.Duration
}

// DefaultRetryConfig returns the policy for control requests to an open
// adapter.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        1 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryTimeout:      5 * time.Second,
	}
}

// ConnectionRetryConfig returns the retry policy used when opening adapters.
// Besides transient transport errors it retries ErrDeviceNotFound, since the
// adapter drops off the bus for a moment after a reset.
func ConnectionRetryConfig() *RetryConfig {
	return &RetryConfig{
		ShouldRetry:       retryOpen,
		MaxAttempts:       DefaultConnectionRetries,
		InitialBackoff:    ConnectionInitialBackoff,
		MaxBackoff:        ConnectionMaxBackoff,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryTimeout:      ConnectionRetryTimeout,
	}
}

func retryTransient(err error) bool {
	return IsRetryable(err) && !IsFatal(err)
}

func retryOpen(err error) bool {
	return errors.Is(err, ErrDeviceNotFound) || retryTransient(err)
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// RetryWithConfig runs retryFunc until it succeeds, fails with an error the
// policy does not retry, or runs out of attempts or time. The error of the
// last attempt is returned.
func RetryWithConfig(ctx context.Context, config *RetryConfig, retryFunc RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 0 {
		return retryFunc()
	}

	shouldRetry := config.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = retryTransient
	}

	if config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.RetryTimeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry context cancelled: %w", err)
	}

	backoff := config.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := retryFunc()
		if err == nil || !shouldRetry(err) || attempt >= config.MaxAttempts {
			return err
		}
		Debugf("attempt %d/%d failed, retrying: %v", attempt, config.MaxAttempts, err)

		timer := time.NewTimer(calculateJitteredSleep(backoff, config.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		backoff = calculateNextBackoff(backoff, config)
	}
}

func calculateNextBackoff(backoff time.Duration, config *RetryConfig) time.Duration {
	return min(time.Duration(float64(backoff)*config.BackoffMultiplier), config.MaxBackoff)
}

// calculateJitteredSleep adds up to jitterFactor*base of random delay.
func calculateJitteredSleep(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	return base + time.Duration(rand.Float64()*jitterFactor*float64(base)) //nolint:gosec // backoff jitter
}
