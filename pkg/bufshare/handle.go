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

// Handle is a client's private reference to a Buffer. All fields but id and buffer are
// guarded by the owning client's lock.
type Handle struct {
	id     uint32
	client *Client
	buffer *Buffer
	share  *ShareHandle

	// ref counts the Free calls needed to destroy the handle: one for the handle itself
	// plus one per coalesced import.
	ref int32
	// owner is set on the allocating handle, which holds the share handle's creating
	// reference and its initial client count.
	owner      bool
	importCnt  int32
	consumeCnt int32
	kmapCnt    int32
}

// ID returns the handle id, unique within its client.
func (h *Handle) ID() uint32 { return h.id }

// shareRefs is the number of share handle client references held by h.
func (h *Handle) shareRefs() int32 {
	if h.owner {
		return h.importCnt + 1
	}
	return h.importCnt
}

// handleRelease collects the references dropped by one Free so they can be released
// after the client lock is gone.
type handleRelease struct {
	h        *Handle
	imports  int32
	consumes int32
	owner    bool
	kunmaps  int32
	destroy  bool
}

// dropOne releases one import, or the whole handle when it was the last reference.
// Caller holds the client lock.
func (h *Handle) dropOne() handleRelease {
	rel := handleRelease{h: h}
	if h.importCnt > 0 {
		h.importCnt--
		rel.imports = 1
		if h.consumeCnt > h.shareRefs() {
			h.consumeCnt--
			rel.consumes = 1
		}
	}
	h.ref--
	if h.ref <= 0 {
		rel.merge(h.drain())
	}
	return rel
}

// drain takes every reference h still holds. Caller holds the client lock.
func (h *Handle) drain() handleRelease {
	rel := handleRelease{
		h:        h,
		imports:  h.importCnt,
		consumes: h.consumeCnt,
		owner:    h.owner,
		kunmaps:  h.kmapCnt,
		destroy:  true,
	}
	h.ref, h.importCnt, h.consumeCnt, h.kmapCnt = 0, 0, 0, 0
	h.owner = false
	return rel
}

func (r *handleRelease) merge(o handleRelease) {
	r.imports += o.imports
	r.consumes += o.consumes
	r.owner = r.owner || o.owner
	r.kunmaps += o.kunmaps
	r.destroy = r.destroy || o.destroy
}

// run drops the collected references: kernel mappings first, then the buffer, then
// the share handle.
func (r handleRelease) run(d *Device) {
	h := r.h
	if r.destroy {
		for i := int32(0); i < r.kunmaps; i++ {
			h.buffer.kunmap()
		}
		h.buffer.detachHandle()
		h.buffer.put()
	}
	sh := h.share
	for i := int32(0); i < r.consumes; i++ {
		sh.decConsume()
	}
	n := r.imports
	if r.owner {
		n++
	}
	for i := int32(0); i < n; i++ {
		count := sh.removeClient()
		d.pool.publish(sh, -1, count)
		sh.put()
	}
}
