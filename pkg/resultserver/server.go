/*
 * Copyright 2019-2020 by Nedim Sabic Sabic
 * https://www.fibratus.io
 * All Rights Reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package resultserver accepts agent connections and runs an independent
// decoding session for each of them.
package resultserver

import (
	"context"
	"expvar"
	"io"
	"net"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rabbitstack/sandtrap/pkg/capture"
	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/session"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var (
	connsAccepted = expvar.NewInt("resultserver.conns.accepted")
	connsRejected = expvar.NewInt("resultserver.conns.rejected")
	acceptErrors  = expvar.NewInt("resultserver.accept.errors")
)

// SessionOptions yields the options of the session created for the connection.
type SessionOptions func(id string) []session.Option

// Option customizes the server.
type Option func(*Server)

// WithSessionOptions sets the factory of per-session options.
func WithSessionOptions(fn SessionOptions) Option { return func(s *Server) { s.sessionOpts = fn } }

// WithFs sets the filesystem where captures are written.
func WithFs(fs afero.Fs) Option { return func(s *Server) { s.fs = fs } }

// Server listens for agent connections.
type Server struct {
	config      *config.Config
	fs          afero.Fs
	sessionOpts SessionOptions
	sem         chan struct{}
	wg          sync.WaitGroup

	mu       sync.RWMutex
	ln       net.Listener
	active   map[string]*session.Session
	finished *backlog
}

// New creates the result server.
func New(c *config.Config, opts ...Option) *Server {
	max := c.ResultServer.MaxConnections
	if max <= 0 {
		max = 32
	}
	s := &Server{
		config:   c,
		fs:       afero.NewOsFs(),
		sem:      make(chan struct{}, max),
		active:   make(map[string]*session.Session),
		finished: newBacklog(BacklogSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on the configured address and serves connections
// until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ResultServer.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections on the listener. Temporary accept errors are
// retried with exponential backoff. When the context is cancelled, the
// listener is closed and Serve waits for the running sessions to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	log.Infof("result server listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 5,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Second,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				acceptErrors.Add(1)
				d := b.NextBackOff()
				log.Warnf("result server accept error: %v. Retrying in %v...", err, d)
				time.Sleep(d)
				continue
			}
			s.wg.Wait()
			return err
		}
		b.Reset()

		select {
		case s.sem <- struct{}{}:
		default:
			connsRejected.Add(1)
			log.Warnf("rejecting connection from %s: too many sessions", conn.RemoteAddr())
			conn.Close()
			continue
		}
		connsAccepted.Add(1)
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		// unblocks the session read loop
		conn.Close()
	}()

	id := uuid.New().String()
	log.Infof("agent connected from %s, session %s", conn.RemoteAddr(), id)

	var r io.Reader = conn
	if dir := s.config.ResultServer.CaptureDir; dir != "" {
		w, err := capture.NewWriter(s.fs, filepath.Join(dir, id), s.config.Session.Protocol)
		if err != nil {
			log.Warnf("unable to capture session %s: %v", id, err)
		} else {
			defer w.Close()
			r = capture.Tee(conn, w)
		}
	}

	opts := []session.Option{session.WithFs(s.fs)}
	if s.sessionOpts != nil {
		opts = append(opts, s.sessionOpts(id)...)
	}
	opts = append(opts, session.WithID(id))
	sess := session.New(r, s.config, opts...)

	s.mu.Lock()
	s.active[id] = sess
	s.mu.Unlock()

	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		log.Warnf("session %s from %s ended with error: %v", id, conn.RemoteAddr(), err)
	}

	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
	s.finished.put(sess.Stats())
}

// Sessions returns the summaries of running sessions followed by finished ones.
func (s *Server) Sessions() []session.Stats {
	s.mu.RLock()
	active := make([]session.Stats, 0, len(s.active))
	for _, sess := range s.active {
		active = append(active, sess.Stats())
	}
	s.mu.RUnlock()
	sort.Slice(active, func(i, j int) bool { return active[i].Started.Before(active[j].Started) })
	return append(active, s.finished.list()...)
}

// Session returns the summary of the session by its identifier.
func (s *Server) Session(id string) (session.Stats, bool) {
	s.mu.RLock()
	sess, ok := s.active[id]
	s.mu.RUnlock()
	if ok {
		return sess.Stats(), true
	}
	return s.finished.get(id)
}

// Release releases the suspension of the session. It returns false if the
// session is unknown or not suspended.
func (s *Server) Release(id string) bool {
	s.mu.RLock()
	sess, ok := s.active[id]
	s.mu.RUnlock()
	return ok && sess.Diag().Release()
}

// ReleaseAll releases suspensions of all running sessions and returns the
// number of released sessions.
func (s *Server) ReleaseAll() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	for _, sess := range s.active {
		if sess.Diag().Release() {
			n++
		}
	}
	return n
}
