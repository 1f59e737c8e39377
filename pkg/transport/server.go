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


// Package transport is the command front end of a bufshare Device: a unix socket
// server where every connection is one Client, and Conn, the matching remote session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/srediag/bufshare/api"
	"github.com/srediag/bufshare/internal/security"
	internaltransport "github.com/srediag/bufshare/internal/transport"
	"github.com/srediag/bufshare/pkg/bufshare"
)

var (
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("transport: server closed")

	logger = bufshare.NamedLogger("transport")
)

// Config of a Server.
type Config struct {
	// Path of the listening unix socket. A stale socket file is replaced.
	Path string
	// MaxClients bounds concurrently connected processes; extra connections are refused.
	MaxClients int
	// MaxBlocking bounds requests parked in a wait or monitor across all clients.
	MaxBlocking int
	// PrivilegedUIDs may issue share pool and process introspection commands.
	PrivilegedUIDs []uint32
	// ShutdownTimeout bounds how long Close waits for connection goroutines.
	ShutdownTimeout time.Duration
	// Audit receives connection and privilege events. Nil disables auditing.
	Audit Auditor
}

// Auditor records security relevant events of the front end.
type Auditor interface {
	LogEvent(event string, details map[string]interface{}) error
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Path:            "/run/bufshare.sock",
		MaxClients:      64,
		MaxBlocking:     1024,
		ShutdownTimeout: 5 * time.Second,
	}
}

// VerifyConfig checks conf.
func VerifyConfig(conf *Config) error {
	if conf == nil {
		return errors.New("config is nil")
	}
	if conf.Path == "" {
		return errors.New("Path couldn't be empty")
	}
	if conf.MaxClients <= 0 {
		return fmt.Errorf("MaxClients must be positive, got %d", conf.MaxClients)
	}
	if conf.MaxBlocking <= 0 {
		return fmt.Errorf("MaxBlocking must be positive, got %d", conf.MaxBlocking)
	}
	return nil
}

// Server accepts unix socket connections and serves each as one bufshare Client.
type Server struct {
	conf    *Config
	dev     *bufshare.Device
	policy  *security.Policy
	conns   *ants.Pool
	waiters *ants.Pool

	mu     sync.Mutex
	ln     *net.UnixListener
	active map[*serverConn]struct{}
	closed bool
}

type serverConn struct {
	srv    *Server
	conn   *net.UnixConn
	client *bufshare.Client
	ctx    context.Context
	cancel context.CancelFunc
	wmu    sync.Mutex
	wg     sync.WaitGroup // blocking requests in flight
}

// NewServer returns a server for dev. It does not listen until Serve.
func NewServer(dev *bufshare.Device, conf *Config) (*Server, error) {
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}
	conns, err := ants.NewPool(conf.MaxClients, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	waiters, err := ants.NewPool(conf.MaxBlocking, ants.WithNonblocking(true))
	if err != nil {
		conns.Release()
		return nil, err
	}
	return &Server{
		conf:    conf,
		dev:     dev,
		policy:  security.NewPolicy(conf.PrivilegedUIDs...),
		conns:   conns,
		waiters: waiters,
		active:  make(map[*serverConn]struct{}),
	}, nil
}

// Serve listens on the configured path and serves connections until ctx ends or
// Close is called, after which it returns nil.
func (s *Server) Serve(ctx context.Context) error {
	if fi, err := os.Lstat(s.conf.Path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		_ = os.Remove(s.conf.Path)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.conf.Path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.conf.Path, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	logger.Infof("listening on %s, max clients:%d", s.conf.Path, s.conf.MaxClients)
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if err := s.conns.Submit(func() { s.serve(conn) }); err != nil {
			logger.Warnf("refusing connection: %v, %d clients connected", err, s.conns.Running())
			s.audit("refuse", map[string]interface{}{"reason": err.Error()})
			_ = conn.Close()
		}
	}
}

func (s *Server) audit(event string, details map[string]interface{}) {
	if s.conf.Audit == nil {
		return
	}
	if err := s.conf.Audit.LogEvent(event, details); err != nil {
		logger.Warnf("audit %s: %v", event, err)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close stops accepting, disconnects every client and waits for their goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	active := make([]*serverConn, 0, len(s.active))
	for sc := range s.active {
		active = append(active, sc)
	}
	s.mu.Unlock()

	var errs []error
	if ln != nil {
		errs = append(errs, ln.Close())
	}
	for _, sc := range active {
		_ = sc.conn.Close()
	}
	if err := s.conns.ReleaseTimeout(s.conf.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("connections: %w", err))
	}
	if err := s.waiters.ReleaseTimeout(s.conf.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("blocking requests: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) peer(conn *net.UnixConn) bufshare.Peer {
	cred, err := internaltransport.PeerCred(conn)
	if err != nil {
		logger.Warnf("peer credentials: %v, serving as unprivileged", err)
		return bufshare.Peer{PID: -1}
	}
	return bufshare.Peer{
		PID:        cred.PID,
		UID:        cred.UID,
		Name:       internaltransport.ProcessName(cred.PID),
		Privileged: s.policy.Privileged(cred.UID),
	}
}

func (s *Server) serve(conn *net.UnixConn) {
	peer := s.peer(conn)
	client, err := s.dev.Connect(peer)
	if err != nil {
		logger.Warnf("connect pid:%d: %v", peer.PID, err)
		s.audit("refuse", map[string]interface{}{"pid": peer.PID, "uid": peer.UID, "reason": err.Error()})
		_ = conn.Close()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sc := &serverConn{srv: s, conn: conn, client: client, ctx: ctx, cancel: cancel}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.drop(sc)
		return
	}
	s.active[sc] = struct{}{}
	s.mu.Unlock()
	logger.Infof("client %d connected, pid:%d uid:%d name:%q privileged:%v",
		client.ID(), peer.PID, peer.UID, peer.Name, peer.Privileged)
	s.audit("connect", map[string]interface{}{
		"client": client.ID(), "pid": peer.PID, "uid": peer.UID, "name": peer.Name, "privileged": peer.Privileged,
	})

	defer s.drop(sc)
	for {
		req, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warnf("client %d: %v, closing connection", client.ID(), err)
			}
			return
		}
		logger.Tracef("client %d recv %s", client.ID(), req)
		if !req.op.blocking() {
			sc.run(req)
			continue
		}
		sc.wg.Add(1)
		if err := s.waiters.Submit(func() {
			defer sc.wg.Done()
			sc.run(req)
		}); err != nil {
			sc.wg.Done()
			sc.reply(req, nil, fmt.Errorf("%s: %v: %w", req.op, err, bufshare.ErrResourceExhausted))
		}
	}
}

// drop tears down the client first so that parked requests return before the wait.
func (s *Server) drop(sc *serverConn) {
	sc.cancel()
	_ = sc.client.Close()
	sc.wg.Wait()
	_ = sc.conn.Close()
	s.mu.Lock()
	delete(s.active, sc)
	s.mu.Unlock()
	logger.Infof("client %d disconnected", sc.client.ID())
	s.audit("disconnect", map[string]interface{}{"client": sc.client.ID()})
}

func (sc *serverConn) run(req *frame) {
	words, err := dispatch(sc.ctx, sc.client, req)
	sc.reply(req, words, err)
}

func (sc *serverConn) reply(req *frame, words []uint64, err error) {
	resp := &frame{op: req.op, seq: req.seq, status: bufshare.StatusOf(err)}
	if err == nil || (resp.status == api.StatusTimedOut && req.op.countOnTimeout()) {
		resp.words = words
	}
	if err != nil {
		logger.Debugf("client %d %s: %v", sc.client.ID(), req.op, err)
		if resp.status == api.StatusPermissionDenied {
			sc.srv.audit("denied", map[string]interface{}{"client": sc.client.ID(), "op": req.op.String()})
		}
	}
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	if werr := writeFrame(sc.conn, resp); werr != nil {
		logger.Debugf("client %d reply %s: %v", sc.client.ID(), req.op, werr)
	}
}
