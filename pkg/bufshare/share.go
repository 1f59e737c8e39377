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
	"fmt"
	"sync"
	"time"
)

// ShareHandle is the device-wide identity of a Buffer. Its client count is the number
// of Handle references across all clients (the allocating Handle plus every import);
// its consume count is the subset marked as actively consuming.
type ShareHandle struct {
	id     uint32
	buffer *Buffer
	ref    kref

	// onRelease unregisters the handle from the device table.
	onRelease func(*ShareHandle)

	mu         sync.Mutex
	changed    chan struct{}
	clientCnt  int32
	consumeCnt int32
	slots      waitSlots
}

func newShareHandle(id uint32, b *Buffer, onRelease func(*ShareHandle)) *ShareHandle {
	b.get()
	sh := &ShareHandle{
		id:        id,
		buffer:    b,
		onRelease: onRelease,
		changed:   make(chan struct{}),
		clientCnt: 1,
	}
	sh.ref.init()
	return sh
}

// ID returns the device-wide share id.
func (sh *ShareHandle) ID() uint32 { return sh.id }

func (sh *ShareHandle) get() { sh.ref.get() }

func (sh *ShareHandle) put() {
	sh.ref.put("share handle", func() {
		if sh.onRelease != nil {
			sh.onRelease(sh)
		}
		sh.mu.Lock()
		sh.slots.wakeAll()
		sh.mu.Unlock()
		sh.buffer.shareID.CompareAndSwap(sh.id, 0)
		sh.buffer.put()
	})
}

// broadcast wakes every waiter. Caller holds sh.mu.
func (sh *ShareHandle) broadcast() {
	close(sh.changed)
	sh.changed = make(chan struct{})
}

func (sh *ShareHandle) addClient() int32 {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.clientCnt++
	sh.broadcast()
	return sh.clientCnt
}

// removeClient drops one client. An already-zero count is logged and left alone.
func (sh *ShareHandle) removeClient() int32 {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.clientCnt <= 0 {
		internalLogger.warnf("share %d: client count already zero, bailing...", sh.id)
		return 0
	}
	sh.clientCnt--
	if sh.consumeCnt > sh.clientCnt {
		sh.consumeCnt = sh.clientCnt
	}
	sh.broadcast()
	return sh.clientCnt
}

func (sh *ShareHandle) clients() int32 {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.clientCnt
}

func (sh *ShareHandle) incConsume() error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.consumeCnt >= sh.clientCnt {
		return fmt.Errorf("share %d: consume count %d would exceed client count %d: %w",
			sh.id, sh.consumeCnt, sh.clientCnt, ErrInvalidArgument)
	}
	sh.consumeCnt++
	sh.broadcast()
	return nil
}

// decConsume drops one consumer. An already-zero count is logged and left alone.
func (sh *ShareHandle) decConsume() {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.consumeCnt <= 0 {
		internalLogger.warnf("share %d: consume count already zero, bailing...", sh.id)
		return
	}
	sh.consumeCnt--
	sh.broadcast()
}

func (sh *ShareHandle) consumers() int32 {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.consumeCnt
}

func (sh *ShareHandle) waitClientsAtMost(ctx context.Context, target int, timeout time.Duration) (int, error) {
	return sh.waitAtMost(ctx, func() int32 { return sh.clientCnt }, target, timeout)
}

func (sh *ShareHandle) waitConsumeAtMost(ctx context.Context, target int, timeout time.Duration) (int, error) {
	return sh.waitAtMost(ctx, func() int32 { return sh.consumeCnt }, target, timeout)
}

// waitAtMost blocks until count() <= target. timeout < 0 waits until ctx ends, 0 only
// checks. count is evaluated under sh.mu; no lock is held while blocked.
func (sh *ShareHandle) waitAtMost(ctx context.Context, count func() int32, target int, timeout time.Duration) (int, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	sh.mu.Lock()
	for {
		cur := int(count())
		if cur <= target {
			sh.mu.Unlock()
			return cur, nil
		}
		if timeout == 0 {
			sh.mu.Unlock()
			return cur, fmt.Errorf("share %d: count %d above %d: %w", sh.id, cur, target, ErrTimedOut)
		}
		ch := sh.changed
		sh.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			sh.mu.Lock()
			cur = int(count())
			sh.mu.Unlock()
			if cur <= target {
				return cur, nil
			}
			return cur, fmt.Errorf("share %d: count %d above %d after %v: %w", sh.id, cur, target, timeout, ErrTimedOut)
		case <-ctx.Done():
			return cur, fmt.Errorf("share %d: %w: %v", sh.id, ErrInterrupted, ctx.Err())
		}
		sh.mu.Lock()
	}
}

func (sh *ShareHandle) allocWaitSlot(owner int64) (int, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.slots.alloc(owner)
}

// claimWaitSlot binds a slot owner left behind on a timeout, -1 if there is none.
func (sh *ShareHandle) claimWaitSlot(owner int64) int {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.slots.claim(owner)
}

func (sh *ShareHandle) releaseWaitSlot(i int) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.slots.release(i)
}

func (sh *ShareHandle) releaseOwnerSlots(owner int64) int {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.slots.releaseOwner(owner)
}

// wakeWaitSlots acknowledges every pending notifier on this share.
func (sh *ShareHandle) wakeWaitSlots() {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.slots.wakeAll()
}

// waitSlot blocks on slot i, bound by the caller, until it is woken, the timeout fires
// or ctx ends. A woken slot is released. On timeout the slot is kept unbound for a retry
// when keep is set and released otherwise; an interrupted wait always releases it.
func (sh *ShareHandle) waitSlot(ctx context.Context, i int, timeout time.Duration, keep bool) error {
	sh.mu.Lock()
	if !sh.slots.inUse(i) {
		sh.mu.Unlock()
		return fmt.Errorf("share %d: wait slot %d: %w", sh.id, i, ErrNotFound)
	}
	done := sh.slots.slots[i].done
	sh.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	var err error
	select {
	case <-done:
	case <-deadline:
		err = fmt.Errorf("share %d: slot %d not acknowledged after %v: %w", sh.id, i, timeout, ErrTimedOut)
	case <-ctx.Done():
		err = fmt.Errorf("share %d: %w: %v", sh.id, ErrInterrupted, ctx.Err())
		keep = false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if !sh.slots.current(i, done) {
		return err
	}
	if sh.slots.slots[i].woken {
		// acknowledged, possibly while giving up
		sh.slots.release(i)
		return nil
	}
	if keep {
		sh.slots.unbind(i)
	} else {
		sh.slots.release(i)
	}
	return err
}
