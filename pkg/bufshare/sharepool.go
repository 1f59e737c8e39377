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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/srediag/bufshare/api"
)

type registration struct {
	client *Client
	fd     int32
}

// SharePoolRegistrar routes import count changes of a share handle to the clients that
// registered for them.
type SharePoolRegistrar struct {
	conf    *Config
	metrics *metrics

	mu   sync.Mutex
	regs map[uint32][]registration

	// waiters tracks the acknowledgement waits of core notifications.
	waiters sync.WaitGroup
}

func newSharePoolRegistrar(conf *Config, m *metrics) *SharePoolRegistrar {
	return &SharePoolRegistrar{
		conf:    conf,
		metrics: m,
		regs:    make(map[uint32][]registration),
	}
}

func (r *SharePoolRegistrar) register(c *Client, shareID uint32, fd int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.regs[shareID] {
		if reg.client == c && reg.fd == fd {
			return
		}
	}
	r.regs[shareID] = append(r.regs[shareID], registration{client: c, fd: fd})
}

func (r *SharePoolRegistrar) unregister(c *Client, shareID uint32, fd int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.regs[shareID]
	for i, reg := range regs {
		if reg.client == c && reg.fd == fd {
			regs = append(regs[:i], regs[i+1:]...)
			if len(regs) == 0 {
				delete(r.regs, shareID)
			} else {
				r.regs[shareID] = regs
			}
			return nil
		}
	}
	return fmt.Errorf("share %d fd %d not registered: %w", shareID, fd, ErrNotFound)
}

// unregisterAll drops every registration of c.
func (r *SharePoolRegistrar) unregisterAll(c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, regs := range r.regs {
		kept := regs[:0]
		for _, reg := range regs {
			if reg.client == c {
				n++
				continue
			}
			kept = append(kept, reg)
		}
		if len(kept) == 0 {
			delete(r.regs, id)
		} else {
			r.regs[id] = kept
		}
	}
	return n
}

func (r *SharePoolRegistrar) dropShare(shareID uint32) {
	r.mu.Lock()
	delete(r.regs, shareID)
	r.mu.Unlock()
}

func (r *SharePoolRegistrar) registrants(shareID uint32) []registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registration(nil), r.regs[shareID]...)
}

func (r *SharePoolRegistrar) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, regs := range r.regs {
		n += len(regs)
	}
	return n
}

// publish reports an import count change made by the core itself. The events are
// queued before it returns; with a NotifyTimeout the acknowledgement is awaited in the
// background and its slot released on timeout. Failures are logged.
func (r *SharePoolRegistrar) publish(sh *ShareHandle, delta, count int32) {
	regs := r.registrants(sh.id)
	if len(regs) == 0 {
		return
	}
	ctx := context.Background()
	timeout := r.conf.NotifyTimeout
	slot := -1
	if timeout > 0 {
		i, err := sh.allocWaitSlot(deviceOwner)
		if err != nil {
			internalLogger.debugf("share %d: notify delta %d without acknowledgement: %v", sh.id, delta, err)
		} else {
			slot = i
		}
	}
	if r.deliver(ctx, sh, regs, delta, count, slot) == 0 {
		sh.releaseWaitSlot(slot)
		internalLogger.warnf("share %d: notify delta %d: no registrant accepted the event, bailing...", sh.id, delta)
		return
	}
	if slot < 0 {
		return
	}
	r.waiters.Add(1)
	go func() {
		defer r.waiters.Done()
		if err := r.waitSlot(ctx, sh, slot, timeout, false); err != nil {
			internalLogger.warnf("share %d: notify delta %d: %v, bailing...", sh.id, delta, err)
		}
	}()
}

// wait blocks until the background acknowledgement waits are over.
func (r *SharePoolRegistrar) wait() { r.waiters.Wait() }

// notify queues an event for every registrant of sh. With a non-zero timeout the caller
// then blocks on a wait slot until a registrant wakes it; a timed out slot is kept for
// a later isRetry call by the same owner. Each retry claims one such slot, so
// concurrent notifiers of one owner never wait on the same slot.
func (r *SharePoolRegistrar) notify(ctx context.Context, sh *ShareHandle, delta, count int32,
	timeout time.Duration, owner int64, isRetry bool) error {
	if isRetry {
		slot := sh.claimWaitSlot(owner)
		if slot < 0 {
			return fmt.Errorf("share %d: no pending wait slot to retry: %w", sh.id, ErrNotFound)
		}
		return r.waitSlot(ctx, sh, slot, timeout, true)
	}

	regs := r.registrants(sh.id)
	if len(regs) == 0 {
		return nil
	}
	slot := -1
	if timeout != 0 {
		var err error
		if slot, err = r.allocSlot(ctx, sh, owner); err != nil {
			return err
		}
	}
	if r.deliver(ctx, sh, regs, delta, count, slot) == 0 {
		sh.releaseWaitSlot(slot)
		return fmt.Errorf("share %d: no registrant accepted the event: %w", sh.id, ErrResourceExhausted)
	}
	if slot < 0 {
		return nil
	}
	return r.waitSlot(ctx, sh, slot, timeout, true)
}

// deliver queues the event to regs and returns how many accepted it.
func (r *SharePoolRegistrar) deliver(ctx context.Context, sh *ShareHandle, regs []registration,
	delta, count int32, slot int) int {
	ev := api.Event{ShareID: sh.id, Delta: delta, ImportCount: count, Slot: int32(slot)}
	queued := 0
	for _, reg := range regs {
		ev.FD = reg.fd
		if err := reg.client.events.put(ev); err != nil {
			internalLogger.warnf("share %d: event for client %d dropped: %v, bailing...", sh.id, reg.client.id, err)
			r.metrics.eventsDropped.Add(ctx, 1)
			continue
		}
		queued++
	}
	r.metrics.eventsPublish.Add(ctx, int64(queued), metric.WithAttributes(attribute.Int("delta", int(delta))))
	return queued
}

// allocSlot takes a wait slot, retrying while all of them are in use.
func (r *SharePoolRegistrar) allocSlot(ctx context.Context, sh *ShareHandle, owner int64) (int, error) {
	slot := -1
	op := func() error {
		i, err := sh.allocWaitSlot(owner)
		if err != nil {
			if errors.Is(err, ErrResourceExhausted) {
				return err
			}
			return backoff.Permanent(err)
		}
		slot = i
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.conf.NotifyRetryInterval), r.conf.NotifyMaxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return -1, fmt.Errorf("share %d: %w", sh.id, err)
	}
	return slot, nil
}

func (r *SharePoolRegistrar) waitSlot(ctx context.Context, sh *ShareHandle, slot int, timeout time.Duration, keep bool) error {
	err := sh.waitSlot(ctx, slot, timeout, keep)
	if errors.Is(err, ErrTimedOut) {
		r.metrics.waitTimedOut(ctx)
	}
	return err
}

// SharePoolRegister asks for an event on every import count change of shareID. fd is
// echoed back in the events.
func (c *Client) SharePoolRegister(shareID uint32, fd int32) error {
	if err := c.checkPrivileged("share pool register"); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClientClosed
	}
	if !c.dev.shares.Has(shareID) {
		return fmt.Errorf("share %d: %w", shareID, ErrNotFound)
	}
	c.dev.pool.register(c, shareID, fd)
	return nil
}

// SharePoolUnregister undoes SharePoolRegister.
func (c *Client) SharePoolUnregister(shareID uint32, fd int32) error {
	if err := c.checkPrivileged("share pool unregister"); err != nil {
		return err
	}
	return c.dev.pool.unregister(c, shareID, fd)
}

// SharePoolRefCount returns the import count of shareID.
func (c *Client) SharePoolRefCount(shareID uint32) (int, error) {
	if err := c.checkPrivileged("share pool ref count"); err != nil {
		return 0, err
	}
	sh := c.dev.pinShare(shareID)
	if sh == nil {
		return 0, fmt.Errorf("share %d: %w", shareID, ErrNotFound)
	}
	defer sh.put()
	return int(sh.clients()), nil
}

// SharePoolMonitor returns the next event queued for this client. It fails with
// ErrClientClosed once the client is closed.
func (c *Client) SharePoolMonitor(ctx context.Context, timeout time.Duration) (ev api.Event, err error) {
	if err := c.checkPrivileged("share pool monitor"); err != nil {
		return ev, err
	}
	ev, err = c.events.poll(ctx, timeout, c.dev.conf.MonitorPollInterval)
	if errors.Is(err, ErrTimedOut) && timeout > 0 {
		c.dev.metrics.waitTimedOut(ctx)
	}
	return ev, err
}

// SharePoolWakeUp acknowledges the pending notifications on shareID. api.WakeAll
// instead queues a wake-up event to the caller's own monitor.
func (c *Client) SharePoolWakeUp(shareID uint32) error {
	if err := c.checkPrivileged("share pool wake up"); err != nil {
		return err
	}
	if shareID == api.WakeAll {
		return c.events.put(api.Event{FD: -1, ShareID: api.WakeAll, Slot: -1})
	}
	sh := c.dev.pinShare(shareID)
	if sh == nil {
		return fmt.Errorf("share %d: %w", shareID, ErrNotFound)
	}
	sh.wakeWaitSlots()
	sh.put()
	return nil
}

// SharePoolNotify publishes delta for shareID to its registrants. With a non-zero
// timeout it waits for one of them to wake the share; isRetry resumes a wait that
// timed out without publishing again.
func (c *Client) SharePoolNotify(ctx context.Context, shareID uint32, delta int32, timeout time.Duration, isRetry bool) (err error) {
	if err := c.checkPrivileged("share pool notify"); err != nil {
		return err
	}
	ctx, span := c.startSpan(ctx, "bufshare.SharePoolNotify",
		attribute.Int64("bufshare.share", int64(shareID)), attribute.Bool("bufshare.retry", isRetry))
	defer func() { endSpan(span, err) }()

	sh := c.dev.pinShare(shareID)
	if sh == nil {
		return fmt.Errorf("share %d: %w", shareID, ErrNotFound)
	}
	defer sh.put()
	return c.dev.pool.notify(ctx, sh, delta, sh.clients(), timeout, c.id, isRetry)
}
