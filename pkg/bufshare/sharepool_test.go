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
	"time"

	"github.com/srediag/bufshare/api"
)

func (s *DeviceTestSuite) monitor(m *Client, timeout time.Duration) api.Event {
	ev, err := m.SharePoolMonitor(s.ctx, timeout)
	s.Require().NoError(err)
	return ev
}

func (s *DeviceTestSuite) TestSharePool_PermissionDenied() {
	a := s.connect(false)
	res := s.alloc(a, 4096, carveoutMask)

	s.ErrorIs(a.SharePoolRegister(res.ShareID, 3), ErrPermissionDenied)
	s.ErrorIs(a.SharePoolUnregister(res.ShareID, 3), ErrPermissionDenied)
	_, err := a.SharePoolRefCount(res.ShareID)
	s.ErrorIs(err, ErrPermissionDenied)
	_, err = a.SharePoolMonitor(s.ctx, api.NoWait)
	s.ErrorIs(err, ErrPermissionDenied)
	s.ErrorIs(a.SharePoolWakeUp(api.WakeAll), ErrPermissionDenied)
	s.ErrorIs(a.SharePoolNotify(s.ctx, res.ShareID, 1, 0, false), ErrPermissionDenied)
}

func (s *DeviceTestSuite) TestSharePool_ImportEvents() {
	a, b, m := s.connect(false), s.connect(false), s.connect(true)
	res := s.alloc(a, 4096, carveoutMask)

	s.ErrorIs(m.SharePoolRegister(res.ShareID+100, 7), ErrNotFound)
	s.Require().NoError(m.SharePoolRegister(res.ShareID, 7))
	s.Require().NoError(m.SharePoolRegister(res.ShareID, 7))
	s.Equal(1, s.dev.Stats().Registrations)

	_, err := m.SharePoolMonitor(s.ctx, api.NoWait)
	s.ErrorIs(err, ErrTimedOut)

	hb, err := b.ImportByShareID(s.ctx, res.ShareID, 0, 0)
	s.Require().NoError(err)
	s.Equal(api.Event{FD: 7, ShareID: res.ShareID, Delta: 1, ImportCount: 2, Slot: -1}, s.monitor(m, time.Second))

	n, err := m.SharePoolRefCount(res.ShareID)
	s.Require().NoError(err)
	s.Equal(2, n)

	s.Require().NoError(b.Free(hb))
	s.Equal(api.Event{FD: 7, ShareID: res.ShareID, Delta: -1, ImportCount: 1, Slot: -1}, s.monitor(m, time.Second))

	s.Require().NoError(m.SharePoolUnregister(res.ShareID, 7))
	s.ErrorIs(m.SharePoolUnregister(res.ShareID, 7), ErrNotFound)
	_, err = b.ImportByShareID(s.ctx, res.ShareID, 0, 0)
	s.Require().NoError(err)
	_, err = m.SharePoolMonitor(s.ctx, 20*time.Millisecond)
	s.ErrorIs(err, ErrTimedOut)
}

func (s *DeviceTestSuite) TestSharePool_MonitorBlocksUntilNotified() {
	a, b, m := s.connect(false), s.connect(false), s.connect(true)
	res := s.alloc(a, 4096, carveoutMask)
	s.Require().NoError(m.SharePoolRegister(res.ShareID, 1))

	got := make(chan api.Event, 1)
	go func() {
		ev, err := m.SharePoolMonitor(s.ctx, api.WaitForever)
		if err == nil {
			got <- ev
		}
		close(got)
	}()
	time.Sleep(20 * time.Millisecond)
	_, err := b.ImportByShareID(s.ctx, res.ShareID, 0, 0)
	s.Require().NoError(err)

	select {
	case ev := <-got:
		s.Equal(res.ShareID, ev.ShareID)
		s.Equal(int32(1), ev.Delta)
	case <-time.After(2 * time.Second):
		s.Fail("monitor was not woken")
	}
}

func (s *DeviceTestSuite) TestSharePool_WakeAllAndShutdown() {
	m := s.connect(true)

	s.Require().NoError(m.SharePoolWakeUp(api.WakeAll))
	ev := s.monitor(m, time.Second)
	s.Equal(api.WakeAll, ev.ShareID)
	s.Equal(int32(-1), ev.Slot)

	ctx, cancel := context.WithCancel(s.ctx)
	errs := make(chan error, 1)
	go func() {
		_, err := m.SharePoolMonitor(ctx, api.WaitForever)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	s.ErrorIs(<-errs, ErrInterrupted)

	go func() {
		_, err := m.SharePoolMonitor(s.ctx, api.WaitForever)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.Require().NoError(m.Close())
	select {
	case err := <-errs:
		s.ErrorIs(err, ErrClientClosed)
	case <-time.After(2 * time.Second):
		s.Fail("monitor survived client close")
	}
}

func (s *DeviceTestSuite) TestSharePool_NotifyAcknowledged() {
	a, drv, m := s.connect(false), s.connect(true), s.connect(true)
	res := s.alloc(a, 4096, carveoutMask)

	// nobody registered: nothing to wait for
	s.NoError(drv.SharePoolNotify(s.ctx, res.ShareID, 1, time.Second, false))

	s.Require().NoError(m.SharePoolRegister(res.ShareID, 9))
	errs := make(chan error, 1)
	go func() { errs <- drv.SharePoolNotify(s.ctx, res.ShareID, 1, 2*time.Second, false) }()

	ev := s.monitor(m, time.Second)
	s.Equal(int32(9), ev.FD)
	s.GreaterOrEqual(ev.Slot, int32(0))
	s.Require().NoError(m.SharePoolWakeUp(res.ShareID))
	s.NoError(<-errs)

	sh := s.dev.pinShare(res.ShareID)
	s.Require().NotNil(sh)
	defer sh.put()
	s.Equal(-1, sh.claimWaitSlot(drv.id))
}

func (s *DeviceTestSuite) TestSharePool_NotifyTimeoutAndRetry() {
	a, drv, m := s.connect(false), s.connect(true), s.connect(true)
	res := s.alloc(a, 4096, carveoutMask)
	s.Require().NoError(m.SharePoolRegister(res.ShareID, 9))

	err := drv.SharePoolNotify(s.ctx, res.ShareID, -1, 20*time.Millisecond, false)
	s.ErrorIs(err, ErrTimedOut)
	ev := s.monitor(m, time.Second)
	s.Equal(int32(-1), ev.Delta)

	// the slot survives the timeout, a retry waits on it again without a new event
	s.Require().NoError(m.SharePoolWakeUp(res.ShareID))
	s.NoError(drv.SharePoolNotify(s.ctx, res.ShareID, -1, time.Second, true))
	_, err = m.SharePoolMonitor(s.ctx, api.NoWait)
	s.ErrorIs(err, ErrTimedOut)

	s.ErrorIs(drv.SharePoolNotify(s.ctx, res.ShareID, -1, time.Second, true), ErrNotFound)
}

func (s *DeviceTestSuite) TestSharePool_WaitSlotsExhausted() {
	a, drv, m := s.connect(false), s.connect(true), s.connect(true)
	res := s.alloc(a, 4096, carveoutMask)
	s.Require().NoError(m.SharePoolRegister(res.ShareID, 9))

	sh := s.dev.pinShare(res.ShareID)
	s.Require().NotNil(sh)
	defer sh.put()
	for i := 0; i < maxWaitSlots; i++ {
		_, err := sh.allocWaitSlot(1000)
		s.Require().NoError(err)
	}

	err := drv.SharePoolNotify(s.ctx, res.ShareID, 1, time.Second, false)
	s.ErrorIs(err, ErrResourceExhausted)

	// a disconnecting owner gives its slots back
	sh.releaseOwnerSlots(1000)
	go func() {
		if _, err := m.SharePoolMonitor(s.ctx, 2*time.Second); err == nil {
			_ = m.SharePoolWakeUp(res.ShareID)
		}
	}()
	s.NoError(drv.SharePoolNotify(s.ctx, res.ShareID, 1, 2*time.Second, false))
}

func (s *DeviceTestSuite) TestSharePool_QueueFull() {
	s.conf.EventQueueCap = 2
	a, m := s.connect(false), s.connect(true)
	res := s.alloc(a, 4096, carveoutMask)
	s.Require().NoError(m.SharePoolRegister(res.ShareID, 1))

	for i := 0; i < 3; i++ {
		_, err := s.connect(false).ImportByShareID(s.ctx, res.ShareID, 0, 0)
		s.Require().NoError(err)
	}
	s.Equal(2, m.events.len())
	s.Equal(int32(2), s.monitor(m, api.NoWait).ImportCount)
	s.Equal(int32(3), s.monitor(m, api.NoWait).ImportCount)
	_, err := m.SharePoolMonitor(s.ctx, api.NoWait)
	s.ErrorIs(err, ErrTimedOut)
	s.Equal(4, s.shareInfo(a, res.HandleID))
}

func (s *DeviceTestSuite) TestSharePool_UnregisterAllOnClose() {
	a, m := s.connect(false), s.connect(true)
	res := s.alloc(a, 4096, carveoutMask)
	s.Require().NoError(m.SharePoolRegister(res.ShareID, 1))
	s.Require().NoError(m.SharePoolRegister(res.ShareID, 2))
	s.Equal(2, s.dev.Stats().Registrations)
	s.Require().NoError(m.Close())
	s.Zero(s.dev.Stats().Registrations)

	m2 := s.connect(true)
	s.Require().NoError(m2.SharePoolRegister(res.ShareID, 1))
	s.Require().NoError(a.Free(res.HandleID))
	s.Zero(s.dev.Stats().Registrations)
}

func (s *DeviceTestSuite) slotCount(sh *ShareHandle) int {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.slots.count()
}

func (s *DeviceTestSuite) TestSharePool_CoreNotifyReleasesSlots() {
	s.conf.NotifyTimeout = 2 * time.Millisecond
	a, b, m := s.connect(false), s.connect(false), s.connect(true)
	res := s.alloc(a, 4096, carveoutMask)
	s.Require().NoError(m.SharePoolRegister(res.ShareID, 5))
	sh := s.dev.pinShare(res.ShareID)
	s.Require().NotNil(sh)
	defer sh.put()

	// nobody acknowledges: every import and free still reaches the monitor
	rounds := 2 * maxWaitSlots
	for i := 0; i < rounds; i++ {
		id, err := b.ImportByShareID(s.ctx, res.ShareID, 0, 0)
		s.Require().NoError(err)
		s.Require().NoError(b.Free(id))
	}
	for i := 0; i < rounds; i++ {
		ev := s.monitor(m, time.Second)
		s.Equal(int32(1), ev.Delta)
		s.Equal(int32(2), ev.ImportCount)
		ev = s.monitor(m, time.Second)
		s.Equal(int32(-1), ev.Delta)
		s.Equal(int32(1), ev.ImportCount)
	}
	s.Eventually(func() bool { return s.slotCount(sh) == 0 }, time.Second, 5*time.Millisecond)

	// a late acknowledgement finds nothing to leak
	s.NoError(m.SharePoolWakeUp(res.ShareID))
	s.Zero(s.slotCount(sh))
}

func (s *DeviceTestSuite) boundSlots(sh *ShareHandle, owner int64) int {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n := 0
	for i := 0; i < maxWaitSlots; i++ {
		if sh.slots.inUse(i) && sh.slots.slots[i].owner == owner && sh.slots.slots[i].bound {
			n++
		}
	}
	return n
}

func (s *DeviceTestSuite) TestSharePool_RetriesClaimDistinctSlots() {
	a, drv, m := s.connect(false), s.connect(true), s.connect(true)
	res := s.alloc(a, 4096, carveoutMask)
	s.Require().NoError(m.SharePoolRegister(res.ShareID, 9))
	sh := s.dev.pinShare(res.ShareID)
	s.Require().NotNil(sh)
	defer sh.put()

	s.ErrorIs(drv.SharePoolNotify(s.ctx, res.ShareID, 1, 10*time.Millisecond, false), ErrTimedOut)
	s.Equal(1, s.slotCount(sh))
	s.Zero(s.boundSlots(sh, drv.id))

	errs := make(chan error, 1)
	go func() { errs <- drv.SharePoolNotify(s.ctx, res.ShareID, 1, 2*time.Second, true) }()
	s.Eventually(func() bool { return s.boundSlots(sh, drv.id) == 1 }, time.Second, 5*time.Millisecond)

	// the only timed out slot is taken by the waiting retry
	s.ErrorIs(drv.SharePoolNotify(s.ctx, res.ShareID, 1, time.Second, true), ErrNotFound)

	s.Require().NoError(m.SharePoolWakeUp(res.ShareID))
	s.NoError(<-errs)
	s.Zero(s.slotCount(sh))
}
