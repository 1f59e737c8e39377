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

import "sync/atomic"

// kref is an atomic reference count whose release callback runs exactly once, on the
// transition to zero. Puts past zero are clamped and logged.
type kref struct {
	n atomic.Int32
}

func (k *kref) init() { k.n.Store(1) }

func (k *kref) get() { k.n.Add(1) }

// getUnlessZero takes a reference only if the object is still live.
func (k *kref) getUnlessZero() bool {
	for {
		v := k.n.Load()
		if v <= 0 {
			return false
		}
		if k.n.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// put drops a reference and runs release if it was the last one. It reports whether
// release ran.
func (k *kref) put(what string, release func()) bool {
	for {
		v := k.n.Load()
		if v <= 0 {
			internalLogger.warnf("%s: refcount underflow (%d), bailing...", what, v)
			return false
		}
		if k.n.CompareAndSwap(v, v-1) {
			if v == 1 {
				release()
				return true
			}
			return false
		}
	}
}

func (k *kref) read() int32 { return k.n.Load() }
