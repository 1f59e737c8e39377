// Command bufshared runs a bufshare device behind a unix socket and exposes /metrics,
// /live and /ready over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/bufshare/adapter"
	"github.com/srediag/bufshare/internal/security"
	"github.com/srediag/bufshare/pkg/bufshare"
	"github.com/srediag/bufshare/pkg/heap"
	"github.com/srediag/bufshare/pkg/transport"
)

var logger = bufshare.NamedLogger("bufshared")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bufshared: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	heapConfs, err := parseHeaps(settings.Heaps)
	if err != nil {
		return err
	}
	if err := checkMemory(ctx, heapConfs); err != nil {
		return err
	}
	heaps, err := openHeaps(ctx, heapConfs)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	conf := bufshare.DefaultConfig()
	conf.EventQueueCap = settings.EventQueueCap
	conf.NotifyTimeout = settings.NotifyTimeout
	conf.Registerer = reg
	adapter.Instrument(conf)
	dev, err := bufshare.NewDevice(conf, heaps...)
	if err != nil {
		closeHeaps(heaps)
		return err
	}

	uids, err := security.ParseUIDs(settings.PrivilegedUIDs)
	if err != nil {
		return errors.Join(err, dev.Close(context.Background()))
	}
	tconf := transport.DefaultConfig()
	tconf.Path = settings.Socket
	tconf.MaxClients = settings.MaxClients
	tconf.MaxBlocking = settings.MaxBlocking
	tconf.PrivilegedUIDs = uids
	tconf.ShutdownTimeout = settings.ShutdownTimeout
	if settings.Audit {
		tconf.Audit = adapter.NewLogAuditAdapter()
	}
	srv, err := transport.NewServer(dev, tconf)
	if err != nil {
		return errors.Join(err, dev.Close(context.Background()))
	}

	health := adapter.NewHealthHandler(dev, adapter.HealthOptions{Socket: settings.Socket, Registerer: reg})
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	httpSrv := &http.Server{Addr: settings.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	g.Go(func() error {
		logger.Infof("http listening on %s", settings.HTTPAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	logger.Infof("shutting down, %+v", dev.Stats())

	closeCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, dev.Close(closeCtx))
}

func openHeaps(ctx context.Context, confs []heap.RegionConfig) ([]heap.Heap, error) {
	heaps := make([]heap.Heap, 0, len(confs))
	for _, conf := range confs {
		h, err := heap.NewRegionHeap(ctx, conf)
		if err != nil {
			closeHeaps(heaps)
			return nil, err
		}
		heaps = append(heaps, h)
	}
	return heaps, nil
}

func closeHeaps(heaps []heap.Heap) {
	for _, h := range heaps {
		if rh, ok := h.(*heap.RegionHeap); ok {
			if err := rh.Close(context.Background()); err != nil {
				logger.Warnf("close heap %s: %v", h.Name(), err)
			}
		}
	}
}
