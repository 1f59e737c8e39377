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

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/bufshare/api"
	"github.com/srediag/bufshare/pkg/heap"
)

const (
	dialInitialInterval = 20 * time.Millisecond
	dialMaxElapsed      = 2 * time.Second
)

// Conn is a remote api.Session over the daemon socket. Requests may be issued
// concurrently; a blocked wait or monitor does not hold up other calls.
//
// Cancelling a context abandons the response only. The daemon finishes the request
// on its own timeout or when the connection closes.
type Conn struct {
	conn *net.UnixConn
	wmu  sync.Mutex

	mu      sync.Mutex
	seq     uint32
	pending map[uint32]chan *frame
	err     error
	done    chan struct{}
}

var _ api.Session = (*Conn)(nil)

// Dial connects to the daemon at path, retrying with backoff until the socket accepts
// or ctx ends.
func Dial(ctx context.Context, path string) (*Conn, error) {
	addr := &net.UnixAddr{Name: path, Net: "unix"}
	var conn *net.UnixConn
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = dialInitialInterval
	bo.MaxElapsedTime = dialMaxElapsed
	err := backoff.Retry(func() error {
		c, err := net.DialUnix("unix", nil, addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	c := &Conn{
		conn:    conn,
		pending: make(map[uint32]chan *frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		resp, err := readFrame(c.conn)
		if err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.seq]
		delete(c.pending, resp.seq)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// fail marks the connection dead and unblocks every pending call.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = fmt.Errorf("%v: %w", err, api.ErrClientClosed)
	}
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
}

func (c *Conn) call(ctx context.Context, o op, words ...uint64) ([]uint64, error) {
	ch := make(chan *frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", o, err)
	}
	c.seq++
	seq := c.seq
	c.pending[seq] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	err := writeFrame(c.conn, &frame{op: o, seq: seq, words: words})
	c.wmu.Unlock()
	if err != nil {
		c.forget(seq)
		return nil, fmt.Errorf("%s: %v: %w", o, err, api.ErrClientClosed)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", o, err)
		}
		if err := resp.status.Err(); err != nil {
			return resp.words, fmt.Errorf("%s: %w", o, err)
		}
		return resp.words, nil
	case <-ctx.Done():
		c.forget(seq)
		return nil, fmt.Errorf("%s: %v: %w", o, ctx.Err(), api.ErrInterrupted)
	}
}

func (c *Conn) forget(seq uint32) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Conn) call0(o op, words ...uint64) error {
	_, err := c.call(context.Background(), o, words...)
	return err
}

// callInt returns the first response word, also when a timed out wait reports its count.
func (c *Conn) callInt(ctx context.Context, o op, words ...uint64) (int, error) {
	resp, err := c.call(ctx, o, words...)
	return int(decodeInt(firstWord(resp))), err
}

func (c *Conn) callID(ctx context.Context, o op, words ...uint64) (uint32, error) {
	resp, err := c.call(ctx, o, words...)
	if err != nil {
		return 0, err
	}
	return uint32(firstWord(resp)), nil
}

func firstWord(words []uint64) uint64 {
	if len(words) == 0 {
		return 0
	}
	return words[0]
}

// Close disconnects. The daemon releases everything the session still holds.
func (c *Conn) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Conn) Alloc(ctx context.Context, size, align uint64, heapMask uint32, flags heap.Flags) (api.AllocResult, error) {
	resp, err := c.call(ctx, opAlloc, size, align, uint64(heapMask), uint64(flags))
	if err != nil {
		return api.AllocResult{}, err
	}
	f := frame{words: resp}
	return api.AllocResult{HandleID: uint32(f.word(0)), ShareID: uint32(f.word(1))}, nil
}

func (c *Conn) Free(handleID uint32) error {
	return c.call0(opFree, uint64(handleID))
}

func (c *Conn) Export(handleID uint32) (uint64, error) {
	resp, err := c.call(context.Background(), opExport, uint64(handleID))
	if err != nil {
		return 0, err
	}
	return firstWord(resp), nil
}

func (c *Conn) Import(ctx context.Context, token uint64) (uint32, error) {
	return c.callID(ctx, opImport, token)
}

func (c *Conn) ReleaseExport(token uint64) error {
	return c.call0(opReleaseExport, token)
}

func (c *Conn) ImportByShareID(ctx context.Context, shareID uint32, phys, length uint64) (uint32, error) {
	return c.callID(ctx, opImportByShareID, uint64(shareID), phys, length)
}

func (c *Conn) ShareInfo(handleID uint32) (int, error) {
	return c.callInt(context.Background(), opShareInfo, uint64(handleID))
}

func (c *Conn) WaitShare(ctx context.Context, handleID uint32, target int, timeout time.Duration) (int, error) {
	return c.callInt(ctx, opWaitShare, uint64(handleID), encodeInt(int64(target)), encodeTimeout(timeout))
}

func (c *Conn) IncConsume(shareID uint32) error {
	return c.call0(opIncConsume, uint64(shareID))
}

func (c *Conn) DecConsume(shareID uint32) error {
	return c.call0(opDecConsume, uint64(shareID))
}

func (c *Conn) ConsumeInfo(handleID uint32) (int, error) {
	return c.callInt(context.Background(), opConsumeInfo, uint64(handleID))
}

func (c *Conn) WaitConsume(ctx context.Context, handleID uint32, target int, timeout time.Duration) (int, error) {
	return c.callInt(ctx, opWaitConsume, uint64(handleID), encodeInt(int64(target)), encodeTimeout(timeout))
}

// BufferProcessInfo returns at most one frame worth of pids regardless of max.
func (c *Conn) BufferProcessInfo(shareID uint32, max int) ([]int32, error) {
	resp, err := c.call(context.Background(), opBufferProcessInfo, uint64(shareID), encodeInt(int64(max)))
	if err != nil {
		return nil, err
	}
	pids := make([]int32, len(resp))
	for i, w := range resp {
		pids[i] = int32(decodeInt(w))
	}
	return pids, nil
}

func (c *Conn) SharePoolRegister(shareID uint32, fd int32) error {
	return c.call0(opSharePoolRegister, uint64(shareID), encodeInt(int64(fd)))
}

func (c *Conn) SharePoolUnregister(shareID uint32, fd int32) error {
	return c.call0(opSharePoolUnregister, uint64(shareID), encodeInt(int64(fd)))
}

func (c *Conn) SharePoolRefCount(shareID uint32) (int, error) {
	return c.callInt(context.Background(), opSharePoolRefCount, uint64(shareID))
}

func (c *Conn) SharePoolMonitor(ctx context.Context, timeout time.Duration) (api.Event, error) {
	resp, err := c.call(ctx, opSharePoolMonitor, encodeTimeout(timeout))
	if err != nil {
		return api.Event{}, err
	}
	return decodeEvent(resp), nil
}

func (c *Conn) SharePoolWakeUp(shareID uint32) error {
	return c.call0(opSharePoolWakeUp, uint64(shareID))
}

func (c *Conn) SharePoolNotify(ctx context.Context, shareID uint32, delta int32, timeout time.Duration, isRetry bool) error {
	var retry uint64
	if isRetry {
		retry = 1
	}
	_, err := c.call(ctx, opSharePoolNotify, uint64(shareID), encodeInt(int64(delta)), encodeTimeout(timeout), retry)
	return err
}

func (c *Conn) RegisterGroup(groupID uint32) (uint32, error) {
	return c.callID(context.Background(), opRegisterGroup, uint64(groupID))
}

func (c *Conn) UnregisterGroup(groupID uint32) error {
	return c.call0(opUnregisterGroup, uint64(groupID))
}

func (c *Conn) SetGroupPlanes(groupID uint32, bitmap uint32, shareIDs [api.GroupMaxSlots]uint32) error {
	words := make([]uint64, 0, 2+api.GroupMaxSlots)
	words = append(words, uint64(groupID), uint64(bitmap))
	for _, id := range shareIDs {
		words = append(words, uint64(id))
	}
	return c.call0(opSetGroupPlanes, words...)
}

func (c *Conn) GroupPlanes(groupID uint32) (uint32, [api.GroupMaxSlots]uint32, error) {
	var shares [api.GroupMaxSlots]uint32
	resp, err := c.call(context.Background(), opGroupPlanes, uint64(groupID))
	if err != nil {
		return 0, shares, err
	}
	f := frame{words: resp}
	for i := range shares {
		shares[i] = uint32(f.word(1 + i))
	}
	return uint32(f.word(0)), shares, nil
}

func (c *Conn) ImportGroup(ctx context.Context, desc api.GroupDescriptor) ([api.GroupMaxSlots]uint32, error) {
	var ids [api.GroupMaxSlots]uint32
	resp, err := c.call(ctx, opImportGroup, encodeDescriptor(&desc)...)
	if err != nil {
		return ids, err
	}
	f := frame{words: resp}
	for i := range ids {
		ids[i] = uint32(f.word(i))
	}
	return ids, nil
}

func (c *Conn) FreeGroup(desc api.GroupDescriptor) error {
	return c.call0(opFreeGroup, encodeDescriptor(&desc)...)
}
