/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bufshare

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultEventQueueCap       = 100
	defaultSplitMinChunk       = 4096
	defaultNotifyMaxRetries    = 5
	defaultNotifyRetryInterval = 10 * time.Millisecond
	defaultMonitorPollInterval = 100 * time.Millisecond

	instrumentationName = "github.com/srediag/bufshare"
)

// Config is used to tune the device.
type Config struct {
	// EventQueueCap bounds each client's share-pool event queue.
	EventQueueCap uint32

	// SplitMinChunk is the smallest primary chunk worth taking from a splittable heap
	// when building a composite buffer.
	SplitMinChunk uint64

	// NotifyTimeout is applied to the share-pool notification published when an import
	// count changes. Zero publishes without waiting for an acknowledgement.
	NotifyTimeout time.Duration

	// NotifyMaxRetries bounds how often a notifier retries when every wait slot of a
	// share handle is taken.
	NotifyMaxRetries uint64

	// NotifyRetryInterval is the pause between those retries.
	NotifyRetryInterval time.Duration

	// MonitorPollInterval is how often a blocked monitor re-checks its context.
	MonitorPollInterval time.Duration

	// LogOutput is used to control the log destination.
	LogOutput io.Writer

	// Tracer and Meter default to no-op implementations.
	Tracer trace.Tracer
	Meter  metric.Meter

	// Registerer receives the device's prometheus collectors. Nil keeps them on a
	// private registry reachable through Device.Gatherer.
	Registerer prometheus.Registerer
}

// DefaultConfig is used to return a default configuration
func DefaultConfig() *Config {
	return &Config{
		EventQueueCap:       defaultEventQueueCap,
		SplitMinChunk:       defaultSplitMinChunk,
		NotifyMaxRetries:    defaultNotifyMaxRetries,
		NotifyRetryInterval: defaultNotifyRetryInterval,
		MonitorPollInterval: defaultMonitorPollInterval,
		LogOutput:           os.Stdout,
	}
}

// VerifyConfig is used to verify the sanity of configuration
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("nil config")
	}
	if config.EventQueueCap == 0 {
		return errors.New("EventQueueCap must be positive")
	}
	if config.SplitMinChunk == 0 {
		return errors.New("SplitMinChunk must be positive")
	}
	if config.NotifyTimeout < 0 {
		return fmt.Errorf("NotifyTimeout must not be negative, got %v", config.NotifyTimeout)
	}
	if config.NotifyRetryInterval <= 0 {
		return errors.New("NotifyRetryInterval must be positive")
	}
	if config.MonitorPollInterval <= 0 {
		return errors.New("MonitorPollInterval must be positive")
	}
	return nil
}

func (c *Config) tracer() trace.Tracer {
	if c.Tracer != nil {
		return c.Tracer
	}
	return tracenoop.NewTracerProvider().Tracer(instrumentationName)
}

func (c *Config) meter() metric.Meter {
	if c.Meter != nil {
		return c.Meter
	}
	return metricnoop.NewMeterProvider().Meter(instrumentationName)
}
