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
	"sync"

	"github.com/srediag/bufshare/api"
)

func (s *DeviceTestSuite) TestGroup_Registration() {
	a, b, c := s.connect(false), s.connect(false), s.connect(false)

	gid, err := a.RegisterGroup(api.GroupNew)
	s.Require().NoError(err)
	s.NotZero(gid)
	_, err = b.RegisterGroup(gid + 100)
	s.ErrorIs(err, ErrNotFound)

	for i := 0; i < 2; i++ {
		got, err := b.RegisterGroup(gid)
		s.Require().NoError(err)
		s.Equal(gid, got)
	}
	s.Len(b.groups, 1)
	s.Equal(int32(2), b.groups[gid].importCnt)
	s.Equal(int32(2), b.groups[gid].group.ref.read())

	s.ErrorIs(c.UnregisterGroup(gid), ErrInvalidArgument)
	s.ErrorIs(c.UnregisterGroup(gid+100), ErrNotFound)

	s.Require().NoError(a.UnregisterGroup(gid))
	s.Equal(1, s.dev.Stats().Groups)
	s.Require().NoError(b.UnregisterGroup(gid))
	s.Equal(1, s.dev.Stats().Groups)
	s.Require().NoError(b.UnregisterGroup(gid))
	s.Zero(s.dev.Stats().Groups)
	s.ErrorIs(b.UnregisterGroup(gid), ErrNotFound)
}

func (s *DeviceTestSuite) TestGroup_Planes() {
	a, b := s.connect(false), s.connect(false)
	r0 := s.alloc(a, 4096, carveoutMask)
	r1 := s.alloc(a, 4096, carveoutMask)

	gid, err := a.RegisterGroup(api.GroupNew)
	s.Require().NoError(err)

	var shares [api.GroupMaxSlots]uint32
	shares[0], shares[1], shares[5] = r0.ShareID, r1.ShareID, 12345
	s.ErrorIs(a.SetGroupPlanes(gid, 0b100011, shares), ErrNotFound)
	s.ErrorIs(b.SetGroupPlanes(gid, 0b11, shares), ErrInvalidArgument)
	s.Require().NoError(a.SetGroupPlanes(gid, 0b11, shares))

	bitmap, got, err := b.GroupPlanes(gid)
	s.Require().NoError(err)
	s.Equal(uint32(0b11), bitmap)
	s.Equal(r0.ShareID, got[0])
	s.Equal(r1.ShareID, got[1])
	s.Zero(got[5])
}

func (s *DeviceTestSuite) groupDesc(slots ...api.GroupSlot) api.GroupDescriptor {
	var desc api.GroupDescriptor
	for i, slot := range slots {
		desc.Bitmap |= 1 << uint(i)
		desc.Slots[i] = slot
	}
	return desc
}

func (s *DeviceTestSuite) TestGroup_ImportValidatesEverySlotFirst() {
	a, b := s.connect(false), s.connect(false)
	r0 := s.alloc(a, 4096, carveoutMask)
	r1 := s.alloc(a, 8192, carveoutMask)
	r2 := s.alloc(a, 4096, carveoutMask)
	rng1 := s.buffer(a, r1.HandleID).rng

	bad := s.groupDesc(
		api.GroupSlot{ShareID: r0.ShareID},
		api.GroupSlot{ShareID: r1.ShareID, Phys: rng1.Phys - 4096, Len: rng1.Len},
		api.GroupSlot{ShareID: r2.ShareID},
	)
	_, err := b.ImportGroup(s.ctx, bad)
	s.ErrorIs(err, ErrInvalidArgument)
	for _, r := range []api.AllocResult{r0, r1, r2} {
		s.Equal(1, s.shareInfo(a, r.HandleID))
	}
	s.Empty(b.byID)

	stale := s.groupDesc(api.GroupSlot{ShareID: r0.ShareID}, api.GroupSlot{ShareID: 9999})
	_, err = b.ImportGroup(s.ctx, stale)
	s.ErrorIs(err, ErrNotFound)
	s.Equal(1, s.shareInfo(a, r0.HandleID))

	_, err = b.ImportGroup(s.ctx, api.GroupDescriptor{})
	s.ErrorIs(err, ErrInvalidArgument)
}

func (s *DeviceTestSuite) TestGroup_ImportAndFree() {
	a, b := s.connect(false), s.connect(false)
	r0 := s.alloc(a, 4096, carveoutMask)
	r1 := s.alloc(a, 8192, carveoutMask)
	rng1 := s.buffer(a, r1.HandleID).rng

	desc := s.groupDesc(
		api.GroupSlot{ShareID: r0.ShareID},
		api.GroupSlot{ShareID: r1.ShareID, Phys: rng1.Phys, Len: rng1.Len},
	)
	ids, err := b.ImportGroup(s.ctx, desc)
	s.Require().NoError(err)
	s.NotZero(ids[0])
	s.NotZero(ids[1])
	s.Zero(ids[2])
	s.Equal(2, s.shareInfo(a, r0.HandleID))
	s.Equal(2, s.shareInfo(a, r1.HandleID))
	s.Equal(float64(2), counterValue(s.dev.metrics.imports.WithLabelValues("group")))

	s.Require().NoError(b.FreeGroup(desc))
	s.Equal(1, s.shareInfo(a, r0.HandleID))
	s.Equal(1, s.shareInfo(a, r1.HandleID))
	s.Empty(b.byID)

	// freeing again only logs
	s.NoError(b.FreeGroup(desc))
	s.Equal(1, s.shareInfo(a, r0.HandleID))
}

func (s *DeviceTestSuite) TestGroup_ImportOnClosedClient() {
	a, b := s.connect(false), s.connect(false)
	r0 := s.alloc(a, 4096, carveoutMask)
	s.Require().NoError(b.Close())

	_, err := b.ImportGroup(s.ctx, s.groupDesc(api.GroupSlot{ShareID: r0.ShareID}))
	s.ErrorIs(err, ErrClientClosed)
	s.Equal(1, s.shareInfo(a, r0.HandleID))
}

func (s *DeviceTestSuite) TestGroup_ImportRacingClose() {
	a := s.connect(false)
	var slots []api.GroupSlot
	var handles []uint32
	for i := 0; i < 4; i++ {
		r := s.alloc(a, 4096, carveoutMask)
		slots = append(slots, api.GroupSlot{ShareID: r.ShareID})
		handles = append(handles, r.HandleID)
	}
	desc := s.groupDesc(slots...)

	for i := 0; i < 20; i++ {
		b := s.connect(false)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Close()
		}()
		_, err := b.ImportGroup(s.ctx, desc)
		wg.Wait()
		if err != nil {
			s.ErrorIs(err, ErrClientClosed)
		}
		// whatever the interleaving, the closed client holds nothing
		for _, hid := range handles {
			s.Equal(1, s.shareInfo(a, hid))
		}
		s.Empty(b.byID)
	}
}

func (s *DeviceTestSuite) TestGroup_FreeKeepsOwnAllocation() {
	a, b := s.connect(false), s.connect(false)
	r0 := s.alloc(a, 4096, carveoutMask)
	r1 := s.alloc(a, 4096, carveoutMask)
	desc := s.groupDesc(api.GroupSlot{ShareID: r0.ShareID}, api.GroupSlot{ShareID: r1.ShareID})

	s.NoError(a.FreeGroup(desc))
	s.Equal(1, s.shareInfo(a, r0.HandleID))
	s.Equal(1, s.shareInfo(a, r1.HandleID))
	s.Equal(2, s.dev.Stats().Buffers)

	// the allocator's own group import is dropped, its allocation stays
	_, err := a.ImportGroup(s.ctx, desc)
	s.Require().NoError(err)
	s.Equal(2, s.shareInfo(a, r0.HandleID))
	s.Require().NoError(a.FreeGroup(desc))
	s.Equal(1, s.shareInfo(a, r0.HandleID))
	s.NoError(a.FreeGroup(desc))
	s.Equal(1, s.shareInfo(a, r0.HandleID))
	s.Equal(1, s.shareInfo(a, r1.HandleID))

	_, err = b.ImportGroup(s.ctx, desc)
	s.Require().NoError(err)
	s.Require().NoError(b.FreeGroup(desc))
	s.Empty(b.byID)
	s.Equal(1, s.shareInfo(a, r1.HandleID))
}
