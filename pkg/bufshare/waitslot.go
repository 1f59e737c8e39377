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
	"fmt"
	"math/bits"
)

const maxWaitSlots = 16

type waitSlot struct {
	owner int64
	done  chan struct{}
	woken bool
	// bound is set while a notifier waits on the slot, or is about to.
	bound bool
}

// waitSlots is a fixed table of correlation tokens. A notifier that wants an
// acknowledgement takes a slot, publishes its index with the event and blocks on the
// slot until the registrant wakes it. A slot whose notifier timed out stays allocated
// and unbound until the same owner claims it for a retry.
type waitSlots struct {
	used  uint16
	slots [maxWaitSlots]waitSlot
}

// alloc takes a free slot bound to owner. With every slot in use it reclaims one that
// was acknowledged after its notifier gave up.
func (w *waitSlots) alloc(owner int64) (int, error) {
	i := -1
	if free := ^w.used; free != 0 {
		i = bits.TrailingZeros16(free)
	} else {
		for j := 0; j < maxWaitSlots; j++ {
			if sl := &w.slots[j]; sl.woken && !sl.bound {
				i = j
				break
			}
		}
	}
	if i < 0 {
		return -1, fmt.Errorf("all %d wait slots in use: %w", maxWaitSlots, ErrResourceExhausted)
	}
	w.used |= 1 << uint(i)
	w.slots[i] = waitSlot{owner: owner, done: make(chan struct{}), bound: true}
	return i, nil
}

// claim binds the first unbound slot held by owner and returns it, -1 if none.
func (w *waitSlots) claim(owner int64) int {
	for i := 0; i < maxWaitSlots; i++ {
		if sl := &w.slots[i]; w.used&(1<<uint(i)) != 0 && sl.owner == owner && !sl.bound {
			sl.bound = true
			return i
		}
	}
	return -1
}

func (w *waitSlots) inUse(i int) bool {
	return i >= 0 && i < maxWaitSlots && w.used&(1<<uint(i)) != 0
}

// current reports whether slot i is still the allocation whose channel is done.
func (w *waitSlots) current(i int, done chan struct{}) bool {
	return w.inUse(i) && w.slots[i].done == done
}

func (w *waitSlots) release(i int) {
	if !w.inUse(i) {
		return
	}
	w.wake(i)
	w.used &^= 1 << uint(i)
	w.slots[i] = waitSlot{}
}

// unbind leaves slot i allocated for a retry by its owner.
func (w *waitSlots) unbind(i int) {
	if w.inUse(i) {
		w.slots[i].bound = false
	}
}

// releaseOwner frees every slot held by owner and returns how many there were.
func (w *waitSlots) releaseOwner(owner int64) int {
	n := 0
	for i := 0; i < maxWaitSlots; i++ {
		if w.used&(1<<uint(i)) != 0 && w.slots[i].owner == owner {
			w.release(i)
			n++
		}
	}
	return n
}

func (w *waitSlots) wake(i int) {
	if !w.inUse(i) || w.slots[i].woken {
		return
	}
	w.slots[i].woken = true
	close(w.slots[i].done)
}

func (w *waitSlots) wakeAll() {
	for i := 0; i < maxWaitSlots; i++ {
		w.wake(i)
	}
}

func (w *waitSlots) count() int { return bits.OnesCount16(w.used) }
