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

	"go.opentelemetry.io/otel/attribute"

	"github.com/srediag/bufshare/api"
)

// ShareGroupHandle ties the share handles forming the planes of one logical object.
// Each client registered to the group holds one reference through its GroupData.
type ShareGroupHandle struct {
	id        uint32
	ref       kref
	onRelease func(*ShareGroupHandle)

	mu     sync.Mutex
	bitmap uint32
	shares [api.GroupMaxSlots]uint32
}

// GroupData is a client's registration to a ShareGroupHandle.
type GroupData struct {
	group     *ShareGroupHandle
	importCnt int32
}

func newShareGroupHandle(id uint32, onRelease func(*ShareGroupHandle)) *ShareGroupHandle {
	sg := &ShareGroupHandle{id: id, onRelease: onRelease}
	sg.ref.init()
	return sg
}

// ID returns the device-wide group id.
func (sg *ShareGroupHandle) ID() uint32 { return sg.id }

func (sg *ShareGroupHandle) put() {
	sg.ref.put("share group", func() {
		if sg.onRelease != nil {
			sg.onRelease(sg)
		}
	})
}

func (sg *ShareGroupHandle) setPlanes(bitmap uint32, shares [api.GroupMaxSlots]uint32) {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	sg.bitmap = bitmap
	for i := range shares {
		if bitmap&(1<<uint(i)) == 0 {
			shares[i] = 0
		}
	}
	sg.shares = shares
}

func (sg *ShareGroupHandle) planes() (uint32, [api.GroupMaxSlots]uint32) {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	return sg.bitmap, sg.shares
}

// RegisterGroup joins the client to groupID, or creates a group when groupID is
// api.GroupNew. Repeated registrations by one client are counted on its GroupData.
func (c *Client) RegisterGroup(groupID uint32) (uint32, error) {
	d := c.dev
	var sg *ShareGroupHandle
	if groupID == api.GroupNew {
		sg = d.newGroup()
	} else if sg = d.pinGroup(groupID); sg == nil {
		return 0, fmt.Errorf("group %d: %w", groupID, ErrNotFound)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sg.put()
		return 0, ErrClientClosed
	}
	if gd, ok := c.groups[sg.id]; ok {
		gd.importCnt++
		c.mu.Unlock()
		// gd keeps the group alive
		sg.put()
		return sg.id, nil
	}
	c.groups[sg.id] = &GroupData{group: sg, importCnt: 1}
	c.mu.Unlock()
	return sg.id, nil
}

// UnregisterGroup undoes one RegisterGroup.
func (c *Client) UnregisterGroup(groupID uint32) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	gd, ok := c.groups[groupID]
	if !ok {
		c.mu.Unlock()
		if c.dev.groups.Has(groupID) {
			return fmt.Errorf("group %d not registered by client %d: %w", groupID, c.id, ErrInvalidArgument)
		}
		return fmt.Errorf("group %d: %w", groupID, ErrNotFound)
	}
	gd.importCnt--
	if gd.importCnt > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.groups, groupID)
	c.mu.Unlock()
	gd.group.put()
	return nil
}

// SetGroupPlanes records the share ids forming the planes of a group the client is
// registered to.
func (c *Client) SetGroupPlanes(groupID uint32, bitmap uint32, shareIDs [api.GroupMaxSlots]uint32) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	gd, ok := c.groups[groupID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("group %d not registered by client %d: %w", groupID, c.id, ErrInvalidArgument)
	}
	for i := 0; i < api.GroupMaxSlots; i++ {
		if bitmap&(1<<uint(i)) != 0 && !c.dev.shares.Has(shareIDs[i]) {
			return fmt.Errorf("group %d slot %d: share %d: %w", groupID, i, shareIDs[i], ErrNotFound)
		}
	}
	gd.group.setPlanes(bitmap, shareIDs)
	return nil
}

// GroupPlanes returns the planes recorded for groupID.
func (c *Client) GroupPlanes(groupID uint32) (uint32, [api.GroupMaxSlots]uint32, error) {
	sg := c.dev.pinGroup(groupID)
	if sg == nil {
		return 0, [api.GroupMaxSlots]uint32{}, fmt.Errorf("group %d: %w", groupID, ErrNotFound)
	}
	defer sg.put()
	bitmap, shares := sg.planes()
	return bitmap, shares, nil
}

// ImportGroup imports every populated slot of desc. All slots are resolved and their
// declared ranges checked before the first import, so a bad descriptor imports nothing.
// The result holds the handle id of each populated slot.
func (c *Client) ImportGroup(ctx context.Context, desc api.GroupDescriptor) (ids [api.GroupMaxSlots]uint32, err error) {
	_, span := c.startSpan(ctx, "bufshare.ImportGroup", attribute.Int64("bufshare.bitmap", int64(desc.Bitmap)))
	defer func() { endSpan(span, err) }()

	if desc.Bitmap == 0 {
		return ids, fmt.Errorf("empty group bitmap: %w", ErrInvalidArgument)
	}
	var pinned [api.GroupMaxSlots]*ShareHandle
	unpin := func() {
		for i, sh := range pinned {
			if sh != nil {
				sh.put()
				pinned[i] = nil
			}
		}
	}
	for i := 0; i < api.GroupMaxSlots; i++ {
		if !desc.Populated(i) {
			continue
		}
		slot := desc.Slots[i]
		sh := c.dev.pinShare(slot.ShareID)
		if sh == nil {
			unpin()
			return ids, fmt.Errorf("group slot %d: share %d: %w", i, slot.ShareID, ErrNotFound)
		}
		pinned[i] = sh
		if slot.Len > 0 && !sh.buffer.contains(slot.Phys, slot.Len) {
			unpin()
			return ids, fmt.Errorf("group slot %d: share %d: range [%#x, +%#x) outside buffer: %w",
				i, slot.ShareID, slot.Phys, slot.Len, ErrInvalidArgument)
		}
	}

	for i := 0; i < api.GroupMaxSlots; i++ {
		sh := pinned[i]
		if sh == nil {
			continue
		}
		pinned[i] = nil
		id, err := c.attachShare(sh, false, "group")
		if err != nil {
			// attachShare only fails on a closed client, whose Close already dropped
			// the slots imported before this one.
			unpin()
			return [api.GroupMaxSlots]uint32{}, fmt.Errorf("group slot %d: %w", i, err)
		}
		ids[i] = id
	}
	return ids, nil
}

// FreeGroup drops one import of every populated slot of desc. Slots the client has not
// imported, including buffers it allocated itself, are logged and skipped.
func (c *Client) FreeGroup(desc api.GroupDescriptor) error {
	if desc.Bitmap == 0 {
		return fmt.Errorf("empty group bitmap: %w", ErrInvalidArgument)
	}
	for i := 0; i < api.GroupMaxSlots; i++ {
		if !desc.Populated(i) {
			continue
		}
		shareID := desc.Slots[i].ShareID
		var hid uint32
		if sh, ok := c.dev.shares.Get(shareID); ok {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return ErrClientClosed
			}
			if h, ok := c.byBuffer[sh.buffer.id]; ok && h.share == sh && h.importCnt > 0 {
				hid = h.id
			}
			c.mu.Unlock()
		}
		if hid == 0 {
			internalLogger.warnf("client %d: group slot %d: share %d not imported, bailing...", c.id, i, shareID)
			continue
		}
		if err := c.Free(hid); err != nil {
			return fmt.Errorf("group slot %d: %w", i, err)
		}
	}
	return nil
}
