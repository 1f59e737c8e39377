/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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

	queuepkg "github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/bufshare/api"
)

// eventQueue is a client's bounded share-pool event queue.
type eventQueue struct {
	mu  sync.Mutex
	q   *queuepkg.Queue
	cap int64
}

func newEventQueue(cap uint32) *eventQueue {
	return &eventQueue{q: queuepkg.New(int64(cap)), cap: int64(cap)}
}

// put queues ev unless the queue is full or disposed.
func (q *eventQueue) put(ev api.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.q.Disposed() {
		return ErrClientClosed
	}
	if q.q.Len() >= q.cap {
		return fmt.Errorf("event queue full (%d): %w", q.cap, ErrResourceExhausted)
	}
	return q.q.Put(ev)
}

// poll pops one event. timeout < 0 waits until ctx ends, 0 only checks. The wait is
// sliced by interval so ctx cancellation is noticed.
func (q *eventQueue) poll(ctx context.Context, timeout, interval time.Duration) (api.Event, error) {
	if timeout == 0 {
		if q.q.Disposed() {
			return api.Event{}, ErrClientClosed
		}
		if q.q.Len() == 0 {
			return api.Event{}, fmt.Errorf("no pending event: %w", ErrTimedOut)
		}
		return q.pop(interval)
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return api.Event{}, fmt.Errorf("monitor: %w: %v", ErrInterrupted, err)
		}
		slice := interval
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return api.Event{}, fmt.Errorf("no event after %v: %w", timeout, ErrTimedOut)
			}
			if left < slice {
				slice = left
			}
		}
		ev, err := q.pop(slice)
		if errors.Is(err, queuepkg.ErrTimeout) {
			continue
		}
		return ev, err
	}
}

func (q *eventQueue) pop(timeout time.Duration) (api.Event, error) {
	items, err := q.q.Poll(1, timeout)
	if errors.Is(err, queuepkg.ErrDisposed) {
		return api.Event{}, ErrClientClosed
	}
	if err != nil {
		return api.Event{}, err
	}
	if len(items) == 0 {
		return api.Event{}, queuepkg.ErrTimeout
	}
	ev, ok := items[0].(api.Event)
	if !ok {
		return api.Event{}, fmt.Errorf("invalid queue element type %T", items[0])
	}
	return ev, nil
}

func (q *eventQueue) len() int { return int(q.q.Len()) }

// dispose drops pending events and unblocks every poller with ErrClientClosed.
func (q *eventQueue) dispose() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.q.Disposed() {
		return 0
	}
	return len(q.q.Dispose())
}
