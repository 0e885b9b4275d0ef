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

package capture

import (
	"expvar"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rabbitstack/sandtrap/pkg/capture/section"
	"github.com/rabbitstack/sandtrap/pkg/util/bytes"
	"github.com/rabbitstack/sandtrap/pkg/util/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	zstd "github.com/valyala/gozstd"
)

var (
	errWriteMagic   = func(err error) error { return fmt.Errorf("couldn't write magic number: %v", err) }
	errWriteVersion = func(v string, err error) error { return fmt.Errorf("couldn't write %s capture digit: %v", v, err) }
	errWriteSection = func(s section.Type, err error) error {
		return fmt.Errorf("couldn't write %s capture section: %v", s, err)
	}

	chunkWriteErrors = expvar.NewInt("capture.chunk.write.errors")
	flusherErrors    = expvar.NewMap("capture.flusher.errors")
)

// Stats contains the capture statistics.
type Stats struct {
	File          string
	Protocol      string
	ChunksWritten uint64
	BytesWritten  uint64
}

// Writer records the raw agent stream into the capture file.
type Writer struct {
	zw       *zstd.Writer
	f        afero.File
	fs       afero.Fs
	flusher  *time.Ticker
	stop     chan struct{}
	filename string
	protocol string

	chunks uint64
	bytes  uint64

	// mu protects the underlying zstd buffer
	mu     sync.Mutex
	closed bool
}

// NewWriter creates the capture file and writes the header followed by the
// meta section describing the protocol of the stream.
func NewWriter(fs afero.Fs, filename, protocol string) (*Writer, error) {
	if filepath.Ext(filename) == "" {
		filename += Extension
	}
	if err := fs.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, err
	}
	f, err := fs.Create(filename)
	if err != nil {
		return nil, err
	}
	zw := zstd.NewWriter(f)
	w := &Writer{
		zw:       zw,
		f:        f,
		fs:       fs,
		flusher:  time.NewTicker(time.Second),
		stop:     make(chan struct{}),
		filename: filename,
		protocol: protocol,
	}
	if err := w.writeHeader(); err != nil {
		zw.Release()
		_ = f.Close()
		return nil, err
	}
	go w.flush()
	return w, nil
}

func (w *Writer) writeHeader() error {
	if _, err := w.zw.Write(bytes.WriteUint64(magic)); err != nil {
		return errWriteMagic(err)
	}
	if _, err := w.zw.Write([]byte{major}); err != nil {
		return errWriteVersion("major", err)
	}
	if _, err := w.zw.Write([]byte{minor}); err != nil {
		return errWriteVersion("minor", err)
	}
	if _, err := w.zw.Write(bytes.WriteUint64(flags)); err != nil {
		return err
	}
	producer := version.ProductToken()
	if err := w.ws(section.Meta, section.MetaSecV1, uint32(len(w.protocol)), uint32(len(producer))); err != nil {
		return err
	}
	if _, err := w.zw.Write([]byte(w.protocol + producer)); err != nil {
		return err
	}
	return w.zw.Flush()
}

// Write appends the chunk of the raw stream.
func (w *Writer) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if err := w.ws(section.Stream, section.StreamSecV1, 0, uint32(len(b))); err != nil {
		chunkWriteErrors.Add(1)
		return 0, err
	}
	n, err := w.zw.Write(b)
	if err != nil {
		chunkWriteErrors.Add(1)
		return n, err
	}
	atomic.AddUint64(&w.chunks, 1)
	atomic.AddUint64(&w.bytes, uint64(n))
	return n, nil
}

// Filename returns the path of the capture file.
func (w *Writer) Filename() string { return w.filename }

// Stats returns the capture statistics.
func (w *Writer) Stats() Stats {
	return Stats{
		File:          w.filename,
		Protocol:      w.protocol,
		ChunksWritten: atomic.LoadUint64(&w.chunks),
		BytesWritten:  atomic.LoadUint64(&w.bytes),
	}
}

// PrintStats renders the capture statistics table.
func (w *Writer) PrintStats(out io.Writer) {
	s := w.Stats()
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetTitle("Capture Statistics")
	t.SetStyle(table.StyleLight)

	t.AppendRow(table.Row{"File", filepath.Base(s.File)})
	t.AppendRow(table.Row{"Protocol", s.Protocol})
	t.AppendSeparator()

	t.AppendRow(table.Row{"Chunks written", s.ChunksWritten})
	t.AppendRow(table.Row{"Bytes written", humanize.Bytes(s.BytesWritten)})

	f, err := w.fs.Stat(s.File)
	if err != nil {
		t.Render()
		return
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{"Capture size", humanize.Bytes(uint64(f.Size()))})

	t.Render()
}

// Close flushes the pending chunks and closes the capture file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.flusher.Stop()
	close(w.stop)

	err := w.zw.Close()
	w.zw.Release()
	if ferr := w.f.Close(); err == nil {
		err = ferr
	}
	return err
}

func (w *Writer) flush() {
	for {
		select {
		case <-w.flusher.C:
			w.mu.Lock()
			var err error
			if !w.closed {
				err = w.zw.Flush()
			}
			w.mu.Unlock()
			if err != nil {
				flusherErrors.Add(err.Error(), 1)
			}
		case <-w.stop:
			return
		}
	}
}

// Tee returns the reader that records everything read from r into the
// capture. Capture failures never interrupt the session: the first one
// is logged and recording stops.
func Tee(r io.Reader, w *Writer) io.Reader { return &tee{r: r, w: w} }

type tee struct {
	r      io.Reader
	w      *Writer
	failed bool
}

func (t *tee) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 && !t.failed {
		if _, werr := t.w.Write(p[:n]); werr != nil {
			t.failed = true
			log.Warnf("stopped capturing to %s: %v", t.w.Filename(), werr)
		}
	}
	return n, err
}
