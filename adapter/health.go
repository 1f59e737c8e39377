package adapter

import (
	"fmt"
	"net"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/bufshare/pkg/bufshare"
)

const (
	defaultMaxGoroutines = 10000
	socketDialTimeout    = time.Second
)

// HealthOptions tunes NewHealthHandler.
type HealthOptions struct {
	// MaxGoroutines fails liveness above this many goroutines.
	MaxGoroutines int
	// Socket, when set, makes readiness dial the daemon socket.
	Socket string
	// Registerer, when set, exports every check result as a gauge.
	Registerer prometheus.Registerer
}

// NewHealthHandler returns a handler serving /live and /ready for dev.
func NewHealthHandler(dev *bufshare.Device, opts HealthOptions) healthcheck.Handler {
	var h healthcheck.Handler
	if opts.Registerer != nil {
		h = healthcheck.NewMetricsHandler(opts.Registerer, "bufshare")
	} else {
		h = healthcheck.NewHandler()
	}
	max := opts.MaxGoroutines
	if max <= 0 {
		max = defaultMaxGoroutines
	}
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(max))
	h.AddReadinessCheck("device", DeviceCheck(dev))
	h.AddReadinessCheck("heap-capacity", HeapCapacityCheck(dev))
	if opts.Socket != "" {
		h.AddReadinessCheck("socket", SocketCheck(opts.Socket, socketDialTimeout))
	}
	return h
}

// DeviceCheck fails once dev has been closed.
func DeviceCheck(dev *bufshare.Device) healthcheck.Check {
	return func() error {
		if dev.Closed() {
			return fmt.Errorf("device closed")
		}
		return nil
	}
}

// HeapCapacityCheck fails when any heap of dev has no free range left.
func HeapCapacityCheck(dev *bufshare.Device) healthcheck.Check {
	return func() error {
		for _, h := range dev.Heaps() {
			if st := h.Stats(); st.LargestFree == 0 && st.Pending == 0 {
				return fmt.Errorf("heap %s exhausted: %d/%d bytes allocated", h.Name(), st.Allocated, st.Total)
			}
		}
		return nil
	}
}

// SocketCheck dials the unix socket at path.
func SocketCheck(path string, timeout time.Duration) healthcheck.Check {
	return func() error {
		conn, err := net.DialTimeout("unix", path, timeout)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
