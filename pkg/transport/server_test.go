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
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/bufshare/api"
	"github.com/srediag/bufshare/pkg/bufshare"
	"github.com/srediag/bufshare/pkg/heap"
)

const (
	carveoutID   = 1
	carveoutMask = 1 << carveoutID
	pageSize     = 4096
)

type ServerTestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	dev    *bufshare.Device
	conf   *Config
	srv    *Server
	served chan error
}

func testSocketPath() string {
	return filepath.Join(os.TempDir(),
		"bufshare_unit_test"+strconv.Itoa(int(rand.Int63()))+"_"+strconv.Itoa(time.Now().Nanosecond())+".sock")
}

func (s *ServerTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	carveout, err := heap.NewRegionHeap(s.ctx, heap.RegionConfig{
		ID: carveoutID, Name: "carveout", Type: heap.TypeCarveout, Base: 0x1000_0000, Size: 1 << 20,
	})
	s.Require().NoError(err)
	devConf := bufshare.DefaultConfig()
	devConf.LogOutput = io.Discard
	devConf.MonitorPollInterval = 10 * time.Millisecond
	s.dev, err = bufshare.NewDevice(devConf, carveout)
	s.Require().NoError(err)

	s.conf = DefaultConfig()
	s.conf.Path = testSocketPath()
	s.conf.PrivilegedUIDs = []uint32{uint32(os.Getuid())}
	s.srv, s.served = s.start(s.conf)
}

func (s *ServerTestSuite) start(conf *Config) (*Server, chan error) {
	srv, err := NewServer(s.dev, conf)
	s.Require().NoError(err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(s.ctx) }()
	return srv, served
}

func (s *ServerTestSuite) TearDownTest() {
	s.cancel()
	select {
	case err := <-s.served:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("Serve did not return after cancel")
	}
	s.Require().NoError(s.dev.Close(context.Background()))
	bufshare.SetLogOutput(nil)
}

func (s *ServerTestSuite) dial(path string) *Conn {
	c, err := Dial(s.ctx, path)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = c.Close() })
	return c
}

func (s *ServerTestSuite) TestEndToEnd() {
	owner, peer := s.dial(s.conf.Path), s.dial(s.conf.Path)

	res, err := owner.Alloc(s.ctx, 2*pageSize, pageSize, carveoutMask, heap.FlagZeroOnAlloc)
	s.Require().NoError(err)
	token, err := owner.Export(res.HandleID)
	s.Require().NoError(err)

	imported, err := peer.Import(s.ctx, token)
	s.Require().NoError(err)
	n, err := owner.ShareInfo(res.HandleID)
	s.Require().NoError(err)
	s.Equal(2, n)

	waited := make(chan int, 1)
	go func() {
		n, err := owner.WaitShare(s.ctx, res.HandleID, 1, api.WaitForever)
		s.NoError(err)
		waited <- n
	}()
	// the owner connection keeps serving while its wait is parked
	n, err = owner.ShareInfo(res.HandleID)
	s.Require().NoError(err)
	s.Equal(2, n)

	s.Require().NoError(peer.Free(imported))
	select {
	case n := <-waited:
		s.Equal(1, n)
	case <-time.After(5 * time.Second):
		s.Fail("WaitShare did not return")
	}

	s.Require().NoError(owner.ReleaseExport(token))
	s.Require().NoError(owner.Free(res.HandleID))
	s.Eventually(func() bool { return s.dev.Stats().Buffers == 0 }, time.Second, 10*time.Millisecond)
}

func (s *ServerTestSuite) TestWaitTimeoutReportsCount() {
	owner, peer := s.dial(s.conf.Path), s.dial(s.conf.Path)
	res, err := owner.Alloc(s.ctx, pageSize, pageSize, carveoutMask, 0)
	s.Require().NoError(err)
	_, err = peer.ImportByShareID(s.ctx, res.ShareID, 0, 0)
	s.Require().NoError(err)

	n, err := owner.WaitShare(s.ctx, res.HandleID, 1, api.NoWait)
	s.ErrorIs(err, api.ErrTimedOut)
	s.Equal(2, n)

	s.Require().NoError(peer.IncConsume(res.ShareID))
	n, err = owner.WaitConsume(s.ctx, res.HandleID, 0, 20*time.Millisecond)
	s.ErrorIs(err, api.ErrTimedOut)
	s.Equal(1, n)

	n, err = owner.ShareInfo(res.HandleID + 100)
	s.Error(err)
	s.Zero(n)
}

func (s *ServerTestSuite) TestErrorsKeepTheirIdentity() {
	c := s.dial(s.conf.Path)

	s.ErrorIs(c.Free(999), api.ErrInvalidArgument)
	_, err := c.ImportByShareID(s.ctx, 12345, 0, 0)
	s.ErrorIs(err, api.ErrNotFound)
	_, err = c.Alloc(s.ctx, 1<<30, pageSize, carveoutMask, 0)
	s.ErrorIs(err, api.ErrOutOfMemory)
	_, err = c.WaitShare(s.ctx, 999, 0, api.NoWait)
	s.ErrorIs(err, api.ErrInvalidArgument)

	res, err := c.Alloc(s.ctx, pageSize, pageSize, carveoutMask, 0)
	s.Require().NoError(err)
	_, err = c.WaitShare(s.ctx, res.HandleID, 0, 20*time.Millisecond)
	s.ErrorIs(err, api.ErrTimedOut)
}

func (s *ServerTestSuite) TestContextCancelAbandonsCall() {
	c := s.dial(s.conf.Path)
	res, err := c.Alloc(s.ctx, pageSize, pageSize, carveoutMask, 0)
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err = c.WaitShare(ctx, res.HandleID, 0, api.WaitForever)
	s.ErrorIs(err, api.ErrInterrupted)

	// the connection stays usable
	n, err := c.ShareInfo(res.HandleID)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *ServerTestSuite) TestSharePoolOverWire() {
	monitor, importer := s.dial(s.conf.Path), s.dial(s.conf.Path)

	res, err := monitor.Alloc(s.ctx, pageSize, pageSize, carveoutMask, 0)
	s.Require().NoError(err)
	s.Require().NoError(monitor.SharePoolRegister(res.ShareID, 7))

	events := make(chan api.Event, 1)
	go func() {
		ev, err := monitor.SharePoolMonitor(s.ctx, api.WaitForever)
		s.NoError(err)
		events <- ev
	}()

	_, err = importer.ImportByShareID(s.ctx, res.ShareID, 0, 0)
	s.Require().NoError(err)
	select {
	case ev := <-events:
		s.Equal(int32(7), ev.FD)
		s.Equal(res.ShareID, ev.ShareID)
		s.Equal(int32(1), ev.Delta)
		s.Equal(int32(2), ev.ImportCount)
		s.Equal(int32(-1), ev.Slot)
	case <-time.After(5 * time.Second):
		s.Fail("no event")
	}

	n, err := monitor.SharePoolRefCount(res.ShareID)
	s.Require().NoError(err)
	s.Equal(2, n)

	pids, err := monitor.BufferProcessInfo(res.ShareID, 8)
	s.Require().NoError(err)
	s.Equal([]int32{int32(os.Getpid()), int32(os.Getpid())}, pids)

	s.Require().NoError(monitor.SharePoolWakeUp(api.WakeAll))
	ev, err := monitor.SharePoolMonitor(s.ctx, api.NoWait)
	s.Require().NoError(err)
	s.Equal(api.WakeAll, ev.ShareID)
	s.Require().NoError(monitor.SharePoolUnregister(res.ShareID, 7))
}

func (s *ServerTestSuite) TestUnprivilegedPeer() {
	conf := DefaultConfig()
	conf.Path = testSocketPath()
	srv, served := s.start(conf)
	defer func() {
		s.NoError(srv.Close())
		s.NoError(<-served)
	}()

	c := s.dial(conf.Path)
	res, err := c.Alloc(s.ctx, pageSize, pageSize, carveoutMask, 0)
	s.Require().NoError(err)
	s.ErrorIs(c.SharePoolRegister(res.ShareID, 1), api.ErrPermissionDenied)
	_, err = c.BufferProcessInfo(res.ShareID, 4)
	s.ErrorIs(err, api.ErrPermissionDenied)
}

func (s *ServerTestSuite) TestDisconnectReleases() {
	owner, peer := s.dial(s.conf.Path), s.dial(s.conf.Path)
	res, err := owner.Alloc(s.ctx, pageSize, pageSize, carveoutMask, 0)
	s.Require().NoError(err)
	_, err = peer.ImportByShareID(s.ctx, res.ShareID, 0, 0)
	s.Require().NoError(err)
	s.Equal(2, s.srv.Clients())

	s.Require().NoError(peer.Close())
	s.Eventually(func() bool {
		n, err := owner.ShareInfo(res.HandleID)
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)
	s.Eventually(func() bool { return s.srv.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	s.ErrorIs(peer.Free(1), api.ErrClientClosed)
}

func (s *ServerTestSuite) TestGroupsOverWire() {
	producer, consumer := s.dial(s.conf.Path), s.dial(s.conf.Path)

	var (
		desc   api.GroupDescriptor
		shares [api.GroupMaxSlots]uint32
	)
	for i := 0; i < 2; i++ {
		res, err := producer.Alloc(s.ctx, pageSize, pageSize, carveoutMask, 0)
		s.Require().NoError(err)
		shares[i] = res.ShareID
		desc.Bitmap |= 1 << uint(i)
		desc.Slots[i] = api.GroupSlot{ShareID: res.ShareID}
	}

	group, err := producer.RegisterGroup(api.GroupNew)
	s.Require().NoError(err)
	s.Require().NoError(producer.SetGroupPlanes(group, desc.Bitmap, shares))

	_, err = consumer.RegisterGroup(group)
	s.Require().NoError(err)
	bitmap, planes, err := consumer.GroupPlanes(group)
	s.Require().NoError(err)
	s.Equal(desc.Bitmap, bitmap)
	s.Equal(shares, planes)

	ids, err := consumer.ImportGroup(s.ctx, desc)
	s.Require().NoError(err)
	s.NotZero(ids[0])
	s.NotZero(ids[1])
	s.Zero(ids[2])
	s.Require().NoError(consumer.FreeGroup(desc))
	s.Require().NoError(consumer.UnregisterGroup(group))
	s.Require().NoError(producer.UnregisterGroup(group))
	s.ErrorIs(consumer.UnregisterGroup(group), api.ErrNotFound)
}

func (s *ServerTestSuite) TestMaxClients() {
	conf := DefaultConfig()
	conf.Path = testSocketPath()
	conf.MaxClients = 1
	srv, served := s.start(conf)
	defer func() {
		s.NoError(srv.Close())
		s.NoError(<-served)
	}()

	first := s.dial(conf.Path)
	_, err := first.RegisterGroup(api.GroupNew)
	s.Require().NoError(err)

	// the kernel accepts the second connection, the server closes it right away
	second := s.dial(conf.Path)
	_, err = second.RegisterGroup(api.GroupNew)
	s.ErrorIs(err, api.ErrClientClosed)
}

func (s *ServerTestSuite) TestDialGivesUp() {
	ctx, cancel := context.WithTimeout(s.ctx, 100*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, testSocketPath())
	s.Error(err)
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}
