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

package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/rabbitstack/sandtrap/pkg/api"
	"github.com/rabbitstack/sandtrap/pkg/capture"
	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/resultserver"
	"github.com/rabbitstack/sandtrap/pkg/session"
	"github.com/rabbitstack/sandtrap/pkg/trigger"
	"github.com/rabbitstack/sandtrap/pkg/util/multierror"
	"github.com/rabbitstack/sandtrap/pkg/util/signals"
	"github.com/rabbitstack/sandtrap/pkg/util/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// App centralizes the building blocks responsible for accepting agent
// connections, capturing and replaying raw session streams, and exposing
// the session registry over the HTTP API.
type App struct {
	config  *config.Config
	fs      afero.Fs
	server  *resultserver.Server
	writer  *capture.Writer
	reader  *capture.Reader
	signals chan struct{}
	release func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option enables changing the behaviour of the bootstrap application.
type Option func(*opts)

type opts struct {
	installSignals  bool
	isCaptureReplay bool
	fs              afero.Fs
}

// WithSignals installs signal handlers.
func WithSignals() Option {
	return func(o *opts) {
		o.installSignals = true
	}
}

// WithCaptureReplay denotes the capture file is being replayed.
func WithCaptureReplay() Option {
	return func(o *opts) {
		o.isCaptureReplay = true
	}
}

// WithFs sets the filesystem for captures, dump requests and markers.
func WithFs(fs afero.Fs) Option {
	return func(o *opts) {
		o.fs = fs
	}
}

// NewApp constructs a new bootstrap application with the specified configuration
// and a list of options. The configuration is passed from individual command work
// functions.
func NewApp(cfg *config.Config, options ...Option) (*App, error) {
	if err := InitConfigAndLogger(cfg); err != nil {
		return nil, err
	}
	var opts opts
	for _, opt := range options {
		opt(&opts)
	}
	fs := opts.fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		config: cfg,
		fs:     fs,
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.installSignals {
		app.signals = signals.Install()
	}
	if opts.isCaptureReplay {
		reader, err := capture.NewReader(fs, cfg.CaptureFile)
		if err != nil {
			cancel()
			return nil, err
		}
		app.reader = reader
	}
	return app, nil
}

// sessionOptions wires the dump request spool of the session.
func (f *App) sessionOptions(id string) []session.Option {
	return []session.Option{
		session.WithFs(f.fs),
		session.WithDumper(trigger.NewSpoolDumper(f.fs, f.config.Triggers.DumpDir, id)),
	}
}

// Run starts the result server accepting agent connections and the HTTP
// API server. SIGUSR1 releases all suspended sessions.
func (f *App) Run() error {
	cfg := f.config
	log.Infof("bootstrapping with pid %d. Version: %s", os.Getpid(), version.Get())
	if dump, err := cfg.Print(); err == nil {
		log.Debugf("configuration dump %s", dump)
	}

	f.server = resultserver.New(cfg,
		resultserver.WithFs(f.fs),
		resultserver.WithSessionOptions(f.sessionOptions),
	)
	ln, err := net.Listen("tcp", cfg.ResultServer.Address)
	if err != nil {
		return err
	}
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		if err := f.server.Serve(f.ctx, ln); err != nil {
			log.Errorf("result server failed: %v", err)
			f.stop()
		}
	}()

	f.release = signals.OnRelease(func() {
		n := f.server.ReleaseAll()
		log.Infof("released %d suspended session(s)", n)
	})

	// start the HTTP server
	return api.StartServer(cfg, f.server)
}

// WriteCapture accepts a single agent connection and stores the raw stream
// in the capture file while the stream is decoded by the session.
func (f *App) WriteCapture() error {
	cfg := f.config
	ln, err := net.Listen("tcp", cfg.ResultServer.Address)
	if err != nil {
		return err
	}
	f.writer, err = capture.NewWriter(f.fs, cfg.CaptureFile, cfg.Session.Protocol)
	if err != nil {
		ln.Close()
		return err
	}
	log.Infof("waiting for the agent on %s", ln.Addr())

	go func() {
		<-f.ctx.Done()
		ln.Close()
	}()

	registry := &single{}
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			if f.ctx.Err() == nil {
				log.Errorf("unable to accept the agent connection: %v", err)
			}
			f.stop()
			return
		}
		go func() {
			<-f.ctx.Done()
			conn.Close()
		}()
		id := uuid.New().String()
		log.Infof("agent connected from %s, session %s", conn.RemoteAddr(), id)
		sess := session.New(capture.Tee(conn, f.writer), cfg, append(f.sessionOptions(id), session.WithID(id))...)
		registry.set(sess)
		f.runSession(sess)
	}()

	return api.StartServer(cfg, registry)
}

// ReadCapture reconstructs the session from the capture file. The trigger
// engine acts on the replayed calls the same way it does for live sessions.
func (f *App) ReadCapture() error {
	if f.reader == nil {
		panic("reader is nil")
	}
	log.Infof("replaying %s capture produced by %s", f.reader.Protocol(), f.reader.Producer())
	id := uuid.New().String()
	opts := append(f.sessionOptions(id), session.WithID(id), session.WithProtocol(f.reader.Protocol()))
	sess := session.New(f.reader, f.config, opts...)
	registry := &single{}
	registry.set(sess)
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		f.runSession(sess)
	}()
	return api.StartServer(f.config, registry)
}

func (f *App) runSession(sess *session.Session) {
	if err := sess.Run(f.ctx); err != nil && f.ctx.Err() == nil {
		log.Warnf("session %s ended with error: %v", sess.ID(), err)
	}
	st := sess.Stats()
	log.Infof("session %s decoded %d events, dropped %d messages, fired %d triggers", st.ID, st.Events, st.Dropped, len(st.Firings))
	f.stop()
}

// Wait waits for the app to receive the termination signal or for the
// session of a capture or replay to end.
func (f *App) Wait() {
	if f.signals != nil {
		select {
		case <-f.signals:
		case <-f.ctx.Done():
		}
		return
	}
	<-f.ctx.Done()
}

// Sessions returns the session registry of the running result server.
func (f *App) Sessions() api.Sessions {
	if f.server == nil {
		return nil
	}
	return f.server
}

// PrintCaptureStats writes the statistics of the capture file.
func (f *App) PrintCaptureStats(w io.Writer) {
	if f.writer != nil {
		f.writer.PrintStats(w)
	}
}

// Shutdown is responsible for tearing down everything gracefully.
func (f *App) Shutdown() error {
	f.cancel()
	if f.release != nil {
		f.release()
	}
	if f.done != nil {
		<-f.done
	}
	errs := make([]error, 0)
	if f.writer != nil {
		if err := f.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unable to close capture: %v", err))
		}
	}
	if f.reader != nil {
		if err := f.reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := api.CloseServer(); err != nil {
		errs = append(errs, err)
	}
	return multierror.Wrap(errs...)
}

func (f *App) stop() {
	f.cancel()
}
