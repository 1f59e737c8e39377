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
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/bufshare/api"
	"github.com/srediag/bufshare/pkg/heap"
)

// Client is the session of one connected process. It owns the process's handles, group
// registrations and exported objects, and releases all of them on Close.
type Client struct {
	id         int64
	dev        *Device
	pid        int32
	uid        uint32
	name       string
	privileged bool
	events     *eventQueue

	mu           sync.Mutex
	closed       bool
	byID         map[uint32]*Handle
	byBuffer     map[uint64]*Handle
	groups       map[uint32]*GroupData
	exports      map[uint64]*ExportedObject
	lastHandleID uint32
}

var _ api.Session = (*Client)(nil)

// ID returns the device-wide client id.
func (c *Client) ID() int64 { return c.id }

// Peer returns the identity the client connected with.
func (c *Client) Peer() Peer {
	return Peer{PID: c.pid, UID: c.uid, Name: c.name, Privileged: c.privileged}
}

func (c *Client) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.Int64("bufshare.client", c.id))
	return c.dev.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// handle returns the handle id of c. Caller holds c.mu.
func (c *Client) handle(id uint32) (*Handle, error) {
	if c.closed {
		return nil, ErrClientClosed
	}
	h, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("handle %d not held by client %d: %w", id, c.id, ErrInvalidArgument)
	}
	return h, nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) holds(b *Buffer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byBuffer[b.id]
	return ok
}

func (c *Client) checkPrivileged(op string) error {
	if !c.privileged {
		return fmt.Errorf("%s by client %d (pid %d): %w", op, c.id, c.pid, ErrPermissionDenied)
	}
	return nil
}

// insert registers a new handle. Caller holds c.mu.
func (c *Client) insert(h *Handle) {
	c.lastHandleID++
	h.id = c.lastHandleID
	c.byID[h.id] = h
	c.byBuffer[h.buffer.id] = h
}

// Alloc allocates a buffer from the heaps selected by heapMask and returns its handle
// and share id.
func (c *Client) Alloc(ctx context.Context, size, align uint64, heapMask uint32, flags heap.Flags) (res api.AllocResult, err error) {
	_, span := c.startSpan(ctx, "bufshare.Alloc",
		attribute.Int64("bufshare.size", int64(size)), attribute.Int64("bufshare.heap_mask", int64(heapMask)))
	defer func() { endSpan(span, err) }()

	if size == 0 {
		return res, fmt.Errorf("zero-sized allocation: %w", ErrInvalidArgument)
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return res, fmt.Errorf("alignment %d is not a power of two: %w", align, ErrInvalidArgument)
	}
	if !flags.Valid() {
		return res, fmt.Errorf("unknown flags %#x: %w", uint32(flags), ErrInvalidArgument)
	}
	if c.isClosed() {
		return res, ErrClientClosed
	}
	b, err := c.dev.store.create(heapMask, size, align, flags)
	if err != nil {
		return res, err
	}
	sh := c.dev.newShare(b)
	h := &Handle{client: c, buffer: b, share: sh, ref: 1, owner: true}
	b.attachHandle(c.pid, c.name)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		b.detachHandle()
		sh.put()
		b.put()
		return res, ErrClientClosed
	}
	c.insert(h)
	c.mu.Unlock()

	internalLogger.tracef("client %d: alloc %d bytes -> handle %d share %d", c.id, size, h.id, sh.id)
	return api.AllocResult{HandleID: h.id, ShareID: sh.id}, nil
}

// Free drops one reference of the handle: the most recent coalesced import first, the
// handle itself last. Freeing a handle that was already destroyed is logged and ignored.
func (c *Client) Free(handleID uint32) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	h, ok := c.byID[handleID]
	if !ok {
		last := c.lastHandleID
		c.mu.Unlock()
		if handleID != 0 && handleID <= last {
			internalLogger.warnf("client %d: free handle %d: %v, bailing...", c.id, handleID, ErrAlreadyReleased)
			return nil
		}
		return fmt.Errorf("handle %d not held by client %d: %w", handleID, c.id, ErrInvalidArgument)
	}
	rel := h.dropOne()
	if rel.destroy {
		delete(c.byID, h.id)
		delete(c.byBuffer, h.buffer.id)
	}
	c.mu.Unlock()

	rel.run(c.dev)
	return nil
}

// MapKernel maps the handle's buffer for in-process access and returns one segment per
// physical range.
func (c *Client) MapKernel(handleID uint32) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, err := c.handle(handleID)
	if err != nil {
		return nil, err
	}
	segs, err := h.buffer.kmap()
	if err != nil {
		return nil, fmt.Errorf("handle %d: map: %w", handleID, err)
	}
	h.kmapCnt++
	return segs, nil
}

// UnmapKernel undoes one MapKernel.
func (c *Client) UnmapKernel(handleID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, err := c.handle(handleID)
	if err != nil {
		return err
	}
	if h.kmapCnt == 0 {
		internalLogger.warnf("client %d: handle %d is not mapped, bailing...", c.id, handleID)
		return nil
	}
	h.kmapCnt--
	h.buffer.kunmap()
	return nil
}

// Export creates a transferable object holding a reference on the handle's buffer.
func (c *Client) Export(handleID uint32) (uint64, error) {
	c.mu.Lock()
	h, err := c.handle(handleID)
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	b := h.buffer
	b.get()
	c.mu.Unlock()

	d := c.dev
	eo := &ExportedObject{token: d.lastExportID.Add(1), buffer: b, owner: c}
	d.exports.Set(eo.token, eo)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		eo.release(d)
		return 0, ErrClientClosed
	}
	c.exports[eo.token] = eo
	c.mu.Unlock()
	return eo.token, nil
}

// ReleaseExport drops an exported object created by this client.
func (c *Client) ReleaseExport(token uint64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	eo, ok := c.exports[token]
	if ok {
		delete(c.exports, token)
	}
	c.mu.Unlock()

	d := c.dev
	if !ok {
		if d.exports.Has(token) {
			return fmt.Errorf("export %d not owned by client %d: %w", token, c.id, ErrInvalidArgument)
		}
		if token != 0 && token <= d.lastExportID.Load() {
			internalLogger.warnf("client %d: release export %d: %v, bailing...", c.id, token, ErrAlreadyReleased)
			return nil
		}
		return fmt.Errorf("unknown export %d: %w", token, ErrInvalidArgument)
	}
	eo.release(d)
	return nil
}

// Import resolves an exported object to a handle of this client.
func (c *Client) Import(ctx context.Context, token uint64) (id uint32, err error) {
	_, span := c.startSpan(ctx, "bufshare.Import", attribute.Int64("bufshare.token", int64(token)))
	defer func() { endSpan(span, err) }()

	eo, ok := c.dev.exports.Get(token)
	if !ok || eo.released.Load() || !eo.buffer.ref.getUnlessZero() {
		return 0, fmt.Errorf("export %d: %w", token, ErrNotFound)
	}
	b := eo.buffer
	defer b.put()

	sh, fresh := c.dev.shareFor(b)
	return c.attachShare(sh, fresh, "export")
}

// ImportByShareID imports the buffer behind shareID. A non-zero length declares the
// physical range the caller expects, which must lie inside one of the buffer's ranges.
func (c *Client) ImportByShareID(ctx context.Context, shareID uint32, phys, length uint64) (id uint32, err error) {
	_, span := c.startSpan(ctx, "bufshare.ImportByShareID", attribute.Int64("bufshare.share", int64(shareID)))
	defer func() { endSpan(span, err) }()

	sh := c.dev.pinShare(shareID)
	if sh == nil {
		return 0, fmt.Errorf("share %d: %w", shareID, ErrNotFound)
	}
	if length > 0 && !sh.buffer.contains(phys, length) {
		sh.put()
		return 0, fmt.Errorf("share %d: range [%#x, +%#x) outside buffer: %w", shareID, phys, length, ErrInvalidArgument)
	}
	return c.attachShare(sh, false, "share_id")
}

// attachShare turns a pinned share handle into an import of this client, coalescing
// with the handle already held for the same buffer. The pin is consumed on every path.
func (c *Client) attachShare(sh *ShareHandle, fresh bool, kind string) (uint32, error) {
	count := int32(1)
	if !fresh {
		count = sh.addClient()
	}
	b := sh.buffer

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if !fresh {
			sh.removeClient()
		}
		sh.put()
		return 0, ErrClientClosed
	}
	h, ok := c.byBuffer[b.id]
	if ok {
		h.ref++
		h.importCnt++
	} else {
		b.get()
		b.attachHandle(c.pid, c.name)
		h = &Handle{client: c, buffer: b, share: sh, ref: 1, importCnt: 1}
		c.insert(h)
	}
	id := h.id
	c.mu.Unlock()

	c.dev.metrics.imports.WithLabelValues(kind).Inc()
	c.dev.pool.publish(sh, 1, count)
	internalLogger.tracef("client %d: import share %d (%s) -> handle %d, clients %d", c.id, sh.id, kind, id, count)
	return id, nil
}

// ShareInfo returns the client count of the handle's share handle.
func (c *Client) ShareInfo(handleID uint32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, err := c.handle(handleID)
	if err != nil {
		return 0, err
	}
	return int(h.share.clients()), nil
}

// ConsumeInfo returns the consume count of the handle's share handle.
func (c *Client) ConsumeInfo(handleID uint32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, err := c.handle(handleID)
	if err != nil {
		return 0, err
	}
	return int(h.share.consumers()), nil
}

func (c *Client) pinHandleShare(handleID uint32) (*ShareHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, err := c.handle(handleID)
	if err != nil {
		return nil, err
	}
	h.share.get()
	return h.share, nil
}

// WaitShare blocks until the client count of the handle's share handle is at most
// target. A negative timeout waits until ctx ends, zero only checks.
func (c *Client) WaitShare(ctx context.Context, handleID uint32, target int, timeout time.Duration) (n int, err error) {
	ctx, span := c.startSpan(ctx, "bufshare.WaitShare", attribute.Int("bufshare.target", target))
	defer func() { endSpan(span, err) }()

	sh, err := c.pinHandleShare(handleID)
	if err != nil {
		return 0, err
	}
	defer sh.put()
	n, err = sh.waitClientsAtMost(ctx, target, timeout)
	if errors.Is(err, ErrTimedOut) && timeout > 0 {
		c.dev.metrics.waitTimedOut(ctx)
	}
	return n, err
}

// WaitConsume is WaitShare for the consume count.
func (c *Client) WaitConsume(ctx context.Context, handleID uint32, target int, timeout time.Duration) (n int, err error) {
	ctx, span := c.startSpan(ctx, "bufshare.WaitConsume", attribute.Int("bufshare.target", target))
	defer func() { endSpan(span, err) }()

	sh, err := c.pinHandleShare(handleID)
	if err != nil {
		return 0, err
	}
	defer sh.put()
	n, err = sh.waitConsumeAtMost(ctx, target, timeout)
	if errors.Is(err, ErrTimedOut) && timeout > 0 {
		c.dev.metrics.waitTimedOut(ctx)
	}
	return n, err
}

// heldShare pins shareID and returns the handle c holds on it. Caller holds c.mu on
// success and must put the share handle.
func (c *Client) heldShare(shareID uint32) (*ShareHandle, *Handle, error) {
	sh := c.dev.pinShare(shareID)
	if sh == nil {
		return nil, nil, fmt.Errorf("share %d: %w", shareID, ErrNotFound)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sh.put()
		return nil, nil, ErrClientClosed
	}
	h, ok := c.byBuffer[sh.buffer.id]
	if !ok || h.share != sh {
		c.mu.Unlock()
		sh.put()
		return nil, nil, fmt.Errorf("share %d not held by client %d: %w", shareID, c.id, ErrInvalidArgument)
	}
	return sh, h, nil
}

// IncConsume marks one of the client's references on shareID as consuming.
func (c *Client) IncConsume(shareID uint32) error {
	sh, h, err := c.heldShare(shareID)
	if err != nil {
		return err
	}
	defer sh.put()
	defer c.mu.Unlock()
	if h.consumeCnt >= h.shareRefs() {
		return fmt.Errorf("share %d: all %d references of client %d already consuming: %w",
			shareID, h.consumeCnt, c.id, ErrInvalidArgument)
	}
	if err := sh.incConsume(); err != nil {
		return err
	}
	h.consumeCnt++
	return nil
}

// DecConsume undoes IncConsume. An extra call is logged and ignored.
func (c *Client) DecConsume(shareID uint32) error {
	sh, h, err := c.heldShare(shareID)
	if err != nil {
		return err
	}
	defer sh.put()
	defer c.mu.Unlock()
	if h.consumeCnt == 0 {
		internalLogger.warnf("client %d: share %d: consume count already zero, bailing...", c.id, shareID)
		return nil
	}
	h.consumeCnt--
	sh.decConsume()
	return nil
}

// BufferProcessInfo returns the pids of the processes holding the buffer behind shareID.
func (c *Client) BufferProcessInfo(shareID uint32, max int) ([]int32, error) {
	if err := c.checkPrivileged("buffer process info"); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, fmt.Errorf("max %d: %w", max, ErrInvalidArgument)
	}
	sh := c.dev.pinShare(shareID)
	if sh == nil {
		return nil, fmt.Errorf("share %d: %w", shareID, ErrNotFound)
	}
	defer sh.put()
	return c.dev.holders(sh.buffer, max), nil
}

// Close disconnects the client, force-releasing everything it still holds.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handles := make([]*Handle, 0, len(c.byID))
	for _, h := range c.byID {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].id < handles[j].id })
	rels := make([]handleRelease, 0, len(handles))
	for _, h := range handles {
		rels = append(rels, h.drain())
	}
	groups, exports := c.groups, c.exports
	c.byID = make(map[uint32]*Handle)
	c.byBuffer = make(map[uint64]*Handle)
	c.groups = make(map[uint32]*GroupData)
	c.exports = make(map[uint64]*ExportedObject)
	c.mu.Unlock()

	d := c.dev
	if n := c.events.dispose(); n > 0 {
		internalLogger.debugf("client %d: dropped %d pending events", c.id, n)
	}
	d.pool.unregisterAll(c)
	d.releaseWaitSlots(c.id)

	if len(rels) > 0 || len(groups) > 0 || len(exports) > 0 {
		internalLogger.warnf("client %d (pid %d %q): force-releasing %d handles, %d groups, %d exports, bailing...",
			c.id, c.pid, c.name, len(rels), len(groups), len(exports))
	}
	for _, rel := range rels {
		rel.run(d)
	}
	for _, gd := range groups {
		gd.group.put()
	}
	for _, eo := range exports {
		eo.release(d)
	}
	d.removeClient(c)
	internalLogger.debugf("client %d disconnected", c.id)
	return nil
}
