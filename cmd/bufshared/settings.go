package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/srediag/bufshare/pkg/heap"
)

// Settings is the daemon configuration, read from BUFSHARE_* environment variables.
type Settings struct {
	Socket          string        `envconfig:"SOCKET" default:"/run/bufshare.sock"`
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":9464"`
	Heaps           string        `envconfig:"HEAPS" default:"0:system:system:0x10000000:64M"`
	MaxClients      int           `envconfig:"MAX_CLIENTS" default:"64"`
	MaxBlocking     int           `envconfig:"MAX_BLOCKING" default:"1024"`
	PrivilegedUIDs  string        `envconfig:"PRIVILEGED_UIDS" default:"0"`
	EventQueueCap   uint32        `envconfig:"EVENT_QUEUE_CAP" default:"100"`
	NotifyTimeout   time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"0s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
	Audit           bool          `envconfig:"AUDIT" default:"true"`
}

func loadSettings() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("bufshare", &s); err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return &s, nil
}

// parseHeaps reads a comma separated list of heap specs:
//
//	id:name:type:base:size[:priority[:deferred]]
//
// base and size accept 0x prefixes, size also K, M and G suffixes.
func parseHeaps(s string) ([]heap.RegionConfig, error) {
	var confs []heap.RegionConfig
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		conf, err := parseHeap(entry)
		if err != nil {
			return nil, fmt.Errorf("heap %q: %w", entry, err)
		}
		confs = append(confs, conf)
	}
	if len(confs) == 0 {
		return nil, fmt.Errorf("no heaps configured")
	}
	return confs, nil
}

func parseHeap(entry string) (heap.RegionConfig, error) {
	fields := strings.Split(entry, ":")
	if len(fields) < 5 || len(fields) > 7 {
		return heap.RegionConfig{}, fmt.Errorf("want id:name:type:base:size[:priority[:deferred]], got %d fields", len(fields))
	}
	id, err := strconv.ParseUint(fields[0], 10, 5)
	if err != nil {
		return heap.RegionConfig{}, fmt.Errorf("id: %w", err)
	}
	typ, err := heap.ParseType(fields[2])
	if err != nil {
		return heap.RegionConfig{}, err
	}
	base, err := strconv.ParseUint(fields[3], 0, 64)
	if err != nil {
		return heap.RegionConfig{}, fmt.Errorf("base: %w", err)
	}
	size, err := parseSize(fields[4])
	if err != nil {
		return heap.RegionConfig{}, fmt.Errorf("size: %w", err)
	}
	conf := heap.RegionConfig{ID: uint32(id), Name: fields[1], Type: typ, Base: base, Size: size}
	if len(fields) > 5 {
		if conf.Priority, err = strconv.Atoi(fields[5]); err != nil {
			return heap.RegionConfig{}, fmt.Errorf("priority: %w", err)
		}
	}
	if len(fields) > 6 {
		if fields[6] != "deferred" {
			return heap.RegionConfig{}, fmt.Errorf("unknown option %q", fields[6])
		}
		conf.Deferred = true
	}
	return conf, nil
}

func parseSize(s string) (uint64, error) {
	shift := 0
	switch {
	case strings.HasSuffix(s, "K"):
		shift = 10
	case strings.HasSuffix(s, "M"):
		shift = 20
	case strings.HasSuffix(s, "G"):
		shift = 30
	}
	if shift > 0 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}
	if n<<shift>>shift != n {
		return 0, fmt.Errorf("%s overflows", s)
	}
	return n << shift, nil
}

// checkMemory refuses heap layouts whose arenas exceed the memory currently available.
func checkMemory(ctx context.Context, confs []heap.RegionConfig) error {
	var total uint64
	for _, conf := range confs {
		total += conf.Size
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("read memory stats: %w", err)
	}
	if total > vm.Available {
		return fmt.Errorf("heaps need %d bytes, only %d available", total, vm.Available)
	}
	return nil
}
