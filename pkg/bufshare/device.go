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
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/bufshare/api"
	"github.com/srediag/bufshare/pkg/heap"
)

// deviceOwner owns the wait slots of notifications raised by the core itself. Client
// ids start at 1.
const deviceOwner int64 = 0

// Peer identifies the process behind a client.
type Peer struct {
	PID        int32
	UID        uint32
	Name       string
	Privileged bool
}

// Device is the buffer sharing engine: the buffer store, the device-wide id tables and
// the connected clients.
type Device struct {
	conf    *Config
	store   *BufferStore
	metrics *metrics
	tracer  trace.Tracer
	pool    *SharePoolRegistrar

	shares  cmap.ConcurrentMap[uint32, *ShareHandle]
	groups  cmap.ConcurrentMap[uint32, *ShareGroupHandle]
	exports cmap.ConcurrentMap[uint64, *ExportedObject]

	lastShareID  atomic.Uint32
	lastGroupID  atomic.Uint32
	lastExportID atomic.Uint64
	lastClientID atomic.Int64

	mu      sync.Mutex
	clients map[int64]*Client
	closed  bool
}

// DeviceStats is a point-in-time view of the device tables.
type DeviceStats struct {
	Clients       int
	Buffers       int
	Shares        int
	Groups        int
	Exports       int
	Registrations int
}

func shardUint32(key uint32) uint32 { return key }

func shardUint64(key uint64) uint32 { return uint32(key) ^ uint32(key>>32) }

// NewDevice returns a device allocating from heaps. Heap ids must be unique and below
// 32 so they can be selected by a heap mask.
func NewDevice(conf *Config, heaps ...heap.Heap) (*Device, error) {
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}
	if len(heaps) == 0 {
		return nil, errors.New("no heap configured")
	}
	seen := make(map[uint32]string, len(heaps))
	for _, h := range heaps {
		if h.ID() >= 32 {
			return nil, fmt.Errorf("heap %s: id %d does not fit a heap mask", h.Name(), h.ID())
		}
		if other, ok := seen[h.ID()]; ok {
			return nil, fmt.Errorf("heap %s: id %d already used by %s", h.Name(), h.ID(), other)
		}
		seen[h.ID()] = h.Name()
	}
	if conf.LogOutput != nil {
		SetLogOutput(conf.LogOutput)
	}
	m, err := newMetrics(conf)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	d := &Device{
		conf:    conf,
		store:   newBufferStore(heaps, conf.SplitMinChunk, m),
		metrics: m,
		tracer:  conf.tracer(),
		pool:    newSharePoolRegistrar(conf, m),
		shares:  cmap.NewWithCustomShardingFunction[uint32, *ShareHandle](shardUint32),
		groups:  cmap.NewWithCustomShardingFunction[uint32, *ShareGroupHandle](shardUint32),
		exports: cmap.NewWithCustomShardingFunction[uint64, *ExportedObject](shardUint64),
		clients: make(map[int64]*Client),
	}
	for _, h := range d.store.Heaps() {
		d.store.syncHeapGauge(h)
		internalLogger.infof("heap %s (%s) id %d priority %d: %d bytes",
			h.Name(), h.Type(), h.ID(), h.Priority(), h.Stats().Total)
	}
	return d, nil
}

// Connect registers a client for peer.
func (d *Device) Connect(peer Peer) (*Client, error) {
	c := &Client{
		id:         d.lastClientID.Add(1),
		dev:        d,
		pid:        peer.PID,
		uid:        peer.UID,
		name:       peer.Name,
		privileged: peer.Privileged,
		events:     newEventQueue(d.conf.EventQueueCap),
		byID:       make(map[uint32]*Handle),
		byBuffer:   make(map[uint64]*Handle),
		groups:     make(map[uint32]*GroupData),
		exports:    make(map[uint64]*ExportedObject),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClientClosed
	}
	d.clients[c.id] = c
	d.metrics.clientsLive.Inc()
	internalLogger.debugf("client %d connected: pid %d uid %d %q privileged=%v",
		c.id, c.pid, c.uid, c.name, c.privileged)
	return c, nil
}

func (d *Device) removeClient(c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.clients[c.id]; ok {
		delete(d.clients, c.id)
		d.metrics.clientsLive.Dec()
	}
}

// Close disconnects every client, then shuts down heaps that hold workers.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	clients := make([]*Client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, c := range clients {
		_ = c.Close()
	}
	for item := range d.shares.IterBuffered() {
		item.Val.wakeWaitSlots()
	}
	d.pool.wait()
	if n := d.store.Len(); n > 0 {
		internalLogger.warnf("device closed with %d live buffers", n)
	}
	var errs []error
	for _, h := range d.store.Heaps() {
		if cl, ok := h.(interface{ Close(context.Context) error }); ok {
			if err := cl.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("heap %s: %w", h.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Heaps returns the device heaps in priority order.
func (d *Device) Heaps() []heap.Heap { return d.store.Heaps() }

// Gatherer returns the registry holding the device metrics, nil when they were
// registered on a Registerer that cannot gather.
func (d *Device) Gatherer() prometheus.Gatherer {
	if d.metrics.registry != nil {
		return d.metrics.registry
	}
	if g, ok := d.conf.Registerer.(prometheus.Gatherer); ok {
		return g
	}
	return nil
}

// Stats returns the sizes of the device tables.
func (d *Device) Stats() DeviceStats {
	d.mu.Lock()
	clients := len(d.clients)
	d.mu.Unlock()
	return DeviceStats{
		Clients:       clients,
		Buffers:       d.store.Len(),
		Shares:        d.shares.Count(),
		Groups:        d.groups.Count(),
		Exports:       d.exports.Count(),
		Registrations: d.pool.count(),
	}
}

func nextID32(last *atomic.Uint32) uint32 {
	for {
		id := last.Add(1)
		if id != 0 && id != api.WakeAll {
			return id
		}
	}
}

func (d *Device) newShare(b *Buffer) *ShareHandle {
	id := nextID32(&d.lastShareID)
	b.shareID.Store(id)
	sh := newShareHandle(id, b, d.releaseShare)
	d.shares.Set(id, sh)
	return sh
}

// shareFor returns a pinned share handle for b, creating one when b has none. fresh is
// set when the returned handle was created, its initial client count then belongs to
// the caller. Caller holds a reference on b.
func (d *Device) shareFor(b *Buffer) (sh *ShareHandle, fresh bool) {
	for {
		if id := b.shareID.Load(); id != 0 {
			if sh := d.pinShare(id); sh != nil {
				return sh, false
			}
			// released or not yet published
			runtime.Gosched()
			continue
		}
		id := nextID32(&d.lastShareID)
		if !b.shareID.CompareAndSwap(0, id) {
			continue
		}
		sh := newShareHandle(id, b, d.releaseShare)
		d.shares.Set(id, sh)
		return sh, true
	}
}

// pinShare looks up id and takes a reference on the share handle under the table lock.
// It returns nil for unknown or released ids.
func (d *Device) pinShare(id uint32) *ShareHandle {
	var pinned *ShareHandle
	// RemoveCb runs the callback under the shard lock; returning false keeps the entry.
	d.shares.RemoveCb(id, func(_ uint32, sh *ShareHandle, ok bool) bool {
		if ok && sh.ref.getUnlessZero() {
			pinned = sh
		}
		return false
	})
	return pinned
}

func (d *Device) releaseShare(sh *ShareHandle) {
	d.shares.RemoveCb(sh.id, func(_ uint32, v *ShareHandle, ok bool) bool {
		return ok && v == sh
	})
	d.pool.dropShare(sh.id)
}

func (d *Device) newGroup() *ShareGroupHandle {
	sg := newShareGroupHandle(nextID32(&d.lastGroupID), d.releaseGroup)
	d.groups.Set(sg.id, sg)
	return sg
}

func (d *Device) pinGroup(id uint32) *ShareGroupHandle {
	var pinned *ShareGroupHandle
	d.groups.RemoveCb(id, func(_ uint32, sg *ShareGroupHandle, ok bool) bool {
		if ok && sg.ref.getUnlessZero() {
			pinned = sg
		}
		return false
	})
	return pinned
}

func (d *Device) releaseGroup(sg *ShareGroupHandle) {
	d.groups.RemoveCb(sg.id, func(_ uint32, v *ShareGroupHandle, ok bool) bool {
		return ok && v == sg
	})
}

// releaseWaitSlots frees the wait slots owned by a departing client.
func (d *Device) releaseWaitSlots(owner int64) int {
	n := 0
	for item := range d.shares.IterBuffered() {
		n += item.Val.releaseOwnerSlots(owner)
	}
	return n
}

// holders returns the pids of the clients holding a handle on b, at most max of them.
func (d *Device) holders(b *Buffer, max int) []int32 {
	d.mu.Lock()
	clients := make([]*Client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	defer d.mu.Unlock()

	var pids []int32
	for _, c := range clients {
		if len(pids) >= max {
			break
		}
		if c.holds(b) {
			pids = append(pids, c.pid)
		}
	}
	return pids
}
