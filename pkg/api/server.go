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

package api

import (
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime/debug"

	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/session"
	log "github.com/sirupsen/logrus"
	// register expvar stats
	_ "expvar"
	// register pprof handlers
	_ "net/http/pprof"
)

// Sessions is the registry of agent sessions exposed by the API.
type Sessions interface {
	// Sessions returns summaries of running and finished sessions.
	Sessions() []session.Stats
	// Release ends the suspension of the given session.
	Release(id string) bool
	// ReleaseAll ends suspensions of all running sessions.
	ReleaseAll() int
}

var (
	listener net.Listener
	srv      *http.Server
)

// StartServer starts the HTTP server with the specified configuration.
func StartServer(c *config.Config, sessions Sessions) error {
	var err error
	listener, err = net.Listen("tcp", c.API.Transport)
	if err != nil {
		return err
	}

	srv = &http.Server{
		WriteTimeout: c.API.Timeout,
		Handler:      newMux(c, sessions),
	}

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("unable to bind the API server: %v", err)
		}
	}()

	return nil
}

func newMux(c *config.Config, sessions Sessions) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/config", configHandler(c))
	mux.Handle("/debug/vars", expvar.Handler())
	if sessions != nil {
		mux.Handle("/sessions", sessionsHandler(sessions))
		mux.Handle("/sessions/release", releaseHandler(sessions))
	}

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/freemem", func(writer http.ResponseWriter, request *http.Request) {
		debug.FreeOSMemory()
	})
	return mux
}

// Addr returns the address of the API server listener.
func Addr() net.Addr {
	if listener == nil {
		return nil
	}
	return listener.Addr()
}

// CloseServer shutdowns the server by stopping the listener.
func CloseServer() error {
	if srv != nil {
		return srv.Close()
	}
	if listener != nil {
		return listener.Close()
	}
	return nil
}
