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

// Package session runs the decoding pipeline for one monitored guest: the
// byte source is framed by the negotiated decoder and every event flows
// through the call history and the trigger engine before reaching the sink.
package session

import (
	"bufio"
	"context"
	"expvar"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitstack/sandtrap/pkg/bson"
	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/diag"
	kerrors "github.com/rabbitstack/sandtrap/pkg/errors"
	"github.com/rabbitstack/sandtrap/pkg/event"
	"github.com/rabbitstack/sandtrap/pkg/history"
	"github.com/rabbitstack/sandtrap/pkg/netlog"
	"github.com/rabbitstack/sandtrap/pkg/trigger"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

var (
	sessionsStarted    = expvar.NewInt("session.started")
	sessionsTerminated = expvar.NewMap("session.terminated")
	droppedMessages    = expvar.NewInt("session.messages.dropped")
	suppressedWarnings = expvar.NewInt("session.warnings.suppressed")
)

// warning limits used when logging config leaves them unset
const (
	warnLimit = rate.Limit(5)
	warnBurst = 20
)

// Decoder reads the next event from the framed stream.
type Decoder interface {
	ReadNextMessage() (*event.Event, error)
}

// Sink receives events that went through the history and the trigger engine.
type Sink func(*event.Event)

// Stats summarizes the session.
type Stats struct {
	ID       string           `json:"id"`
	Protocol string           `json:"protocol"`
	Events   uint64           `json:"events"`
	Dropped  uint64           `json:"dropped"`
	Firings  []trigger.Firing `json:"firings"`
	Started  time.Time        `json:"started"`
	Finished time.Time        `json:"finished,omitempty"`
	Err      string           `json:"error,omitempty"`
}

// Option customizes the session.
type Option func(*Session)

// WithID assigns the session identifier.
func WithID(id string) Option { return func(s *Session) { s.id = id } }

// WithProtocol overrides the configured protocol.
func WithProtocol(protocol string) Option { return func(s *Session) { s.protocol = protocol } }

// WithDumper sets the memory dumper used by the trigger engine.
func WithDumper(d trigger.Dumper) Option { return func(s *Session) { s.dumper = d } }

// WithController sets the controller suspending the monitored guest.
func WithController(c diag.Controller) Option { return func(s *Session) { s.ctrl = c } }

// WithSink sets the event sink.
func WithSink(sink Sink) Option { return func(s *Session) { s.sink = sink } }

// WithFs sets the filesystem where the release marker is watched.
func WithFs(fs afero.Fs) Option { return func(s *Session) { s.fs = fs } }

// Session owns the per-session state: the call history, the argument schemas,
// the trigger engine and the diagnostic session.
type Session struct {
	id       string
	r        *bufio.Reader
	config   *config.Config
	protocol string

	history *history.History
	schema  *bson.Schema
	engine  *trigger.Engine
	diag    *diag.Session
	dumper  trigger.Dumper
	ctrl    diag.Controller
	sink    Sink
	fs      afero.Fs
	limiter *rate.Limiter

	seq     uint64
	events  uint64
	dropped uint64

	once     sync.Once
	mu       sync.Mutex
	started  time.Time
	finished time.Time
	err      error
}

func newLimiter(r float64, burst int) *rate.Limiter {
	limit := rate.Limit(r)
	if limit <= 0 {
		limit = warnLimit
	}
	if burst <= 0 {
		burst = warnBurst
	}
	return rate.NewLimiter(limit, burst)
}

// New creates the session reading from r.
func New(r io.Reader, c *config.Config, opts ...Option) *Session {
	s := &Session{
		r:        bufio.NewReader(r),
		config:   c,
		protocol: c.Session.Protocol,
		history:  history.New(c.Session.HistorySize),
		schema:   bson.NewSchema(),
		sink:     func(e *event.Event) { log.Debug(e) },
		fs:       afero.NewOsFs(),
		limiter:  newLimiter(c.Log.WarnRate, c.Log.WarnBurst),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.New().String()
	}
	s.diag = diag.NewSession(s.ctrl, c.Session.SuspendTimeout)
	s.engine = trigger.NewEngine(c, s.history, s.diag, s.dumper)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// History returns the call history of the session.
func (s *Session) History() *history.History { return s.history }

// Schema returns the argument schemas explained in the session.
func (s *Session) Schema() *bson.Schema { return s.schema }

// Engine returns the trigger engine of the session.
func (s *Session) Engine() *trigger.Engine { return s.engine }

// Diag returns the diagnostic session.
func (s *Session) Diag() *diag.Session { return s.diag }

// Run decodes the stream until it ends, the context is cancelled or a
// session fatal error occurs. A clean end of stream returns nil.
func (s *Session) Run(ctx context.Context) error {
	sessionsStarted.Add(1)
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dec, err := s.decoder()
	if err != nil {
		s.terminate(err)
		return err
	}
	log.Infof("session %s started with %s protocol", s.id, s.protocol)

	if path := s.config.Session.MarkerPath; path != "" {
		go s.diag.WatchMarker(ctx, s.fs, path, s.config.Session.MarkerPollInterval)
	}

	q := event.NewQueue(s.config.Session.QueueSize)
	q.RegisterListener(s.history)
	q.RegisterListener(s.engine.Listener(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range q.Events() {
			s.sink(e)
		}
	}()

	err = s.loop(ctx, dec, q)
	q.Close()
	<-done

	if err == io.EOF {
		err = nil
	}
	s.terminate(err)
	return err
}

func (s *Session) loop(ctx context.Context, dec Decoder, q *event.Queue) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := dec.ReadNextMessage()
		if err != nil {
			if kerrors.IsRecoverable(err) {
				atomic.AddUint64(&s.dropped, 1)
				droppedMessages.Add(1)
				s.warn("session %s dropped message: %v", s.id, err)
				continue
			}
			return err
		}
		s.seq++
		e.Seq = s.seq
		if err := q.Push(e); err != nil {
			return err
		}
		atomic.AddUint64(&s.events, 1)
	}
}

func (s *Session) decoder() (Decoder, error) {
	if s.protocol == "" || s.protocol == config.ProtocolAuto {
		protocol, err := negotiate(s.r)
		if err != nil {
			return nil, err
		}
		s.protocol = protocol
	}
	switch s.protocol {
	case config.ProtocolNetlog:
		return netlog.NewParser(s.r), nil
	case config.ProtocolBSON:
		return bson.NewParser(s.r, s.schema, s.config.Session.MaxMessageSize), nil
	default:
		return nil, kerrors.ErrUnknownProtocol(s.protocol)
	}
}

// warn logs the warning unless the session is flooding the log.
func (s *Session) warn(format string, args ...any) {
	if !s.limiter.Allow() {
		suppressedWarnings.Add(1)
		return
	}
	log.Warnf(format, args...)
}

// terminate reports the terminating condition exactly once.
func (s *Session) terminate(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.finished = time.Now()
		s.err = err
		s.mu.Unlock()
		switch {
		case err == nil:
			sessionsTerminated.Add("eof", 1)
			log.Infof("session %s terminated: stream closed after %d events", s.id, atomic.LoadUint64(&s.events))
		case err == context.Canceled || err == context.DeadlineExceeded:
			sessionsTerminated.Add("cancelled", 1)
			log.Infof("session %s terminated: %v", s.id, err)
		case kerrors.IsSessionFatal(err):
			sessionsTerminated.Add("fatal", 1)
			log.Errorf("session %s terminated: %v", s.id, err)
		default:
			sessionsTerminated.Add("error", 1)
			log.Errorf("session %s terminated: %v", s.id, err)
		}
	})
}

// Stats returns the session summary.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		ID:       s.id,
		Protocol: s.protocol,
		Events:   atomic.LoadUint64(&s.events),
		Dropped:  atomic.LoadUint64(&s.dropped),
		Firings:  s.engine.Firings(),
		Started:  s.started,
		Finished: s.finished,
	}
	if s.err != nil {
		st.Err = s.err.Error()
	}
	return st
}
