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
	"errors"
	"expvar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rabbitstack/sandtrap/pkg/capture/section"
	"github.com/rabbitstack/sandtrap/pkg/util/bytes"
	"github.com/rabbitstack/sandtrap/pkg/util/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	zstd "github.com/valyala/gozstd"
)

var (
	errMagicMismatch = errors.New("invalid capture file magic number")
	errMajorVer      = errors.New("incompatible capture version format. Please upgrade sandtrap to newer version")
	errReadVersion   = func(s string, err error) error { return fmt.Errorf("couldn't read %s version digit: %v", s, err) }
	errReadSection   = func(s section.Type, err error) error { return fmt.Errorf("couldn't read %s section: %v", s, err) }

	readChunks = expvar.NewInt("capture.read.chunks")
	readBytes  = expvar.NewInt("capture.read.bytes")
)

// Reader replays the raw agent stream recorded in the capture file.
type Reader struct {
	zr        *zstd.Reader
	f         afero.File
	protocol  string
	producer  string
	remaining uint32
	mu        sync.Mutex // guards the underlying zstd byte buffer
}

// NewReader opens the capture file and validates its header.
func NewReader(fs afero.Fs, filename string) (*Reader, error) {
	if filepath.Ext(filename) == "" {
		filename += Extension
	}
	f, err := fs.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%q capture file does not exist", filename)
		}
		return nil, err
	}
	r := &Reader{f: f, zr: zstd.NewReader(f)}
	if err := r.readHeader(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readHeader() error {
	mag := make([]byte, 8)
	if _, err := io.ReadFull(r.zr, mag); err != nil {
		return errMagicMismatch
	}
	if bytes.ReadUint64(mag) != magic {
		return errMagicMismatch
	}

	maj := make([]byte, 1)
	min := make([]byte, 1)
	if _, err := io.ReadFull(r.zr, maj); err != nil {
		return errReadVersion("major", err)
	}
	if _, err := io.ReadFull(r.zr, min); err != nil {
		return errReadVersion("minor", err)
	}
	if maj[0] != major {
		return errMajorVer
	}

	// read the flags bit vector but do nothing with it at the moment
	fl := make([]byte, 8)
	if _, err := io.ReadFull(r.zr, fl); err != nil {
		return fmt.Errorf("fail to read capture flags: %v", err)
	}

	var sec section.Section
	if _, err := io.ReadFull(r.zr, sec[:]); err != nil {
		return errReadSection(section.Meta, err)
	}
	if sec.Type() != section.Meta {
		return errReadSection(section.Meta, fmt.Errorf("unexpected %s section", sec.Type()))
	}
	meta := make([]byte, sec.Len()+sec.Size())
	if _, err := io.ReadFull(r.zr, meta); err != nil {
		return errReadSection(section.Meta, err)
	}
	r.protocol = string(meta[:sec.Len()])
	r.producer = string(meta[sec.Len():])

	ver := strings.TrimPrefix(r.producer, "sandtrap/")
	ok, err := version.Satisfies(ver, compatibleProducers)
	if err != nil {
		log.Warnf("unable to check the version of capture producer %s: %v", r.producer, err)
		return nil
	}
	if !ok {
		return fmt.Errorf("capture produced by %s can't be replayed by %s", r.producer, version.ProductToken())
	}
	return nil
}

// Protocol returns the protocol the capture was recorded with.
func (r *Reader) Protocol() string { return r.protocol }

// Producer returns the product token of the capture producer.
func (r *Reader) Producer() string { return r.producer }

// Read reads the next bytes of the recorded stream. It returns io.EOF when all
// chunks were consumed.
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.remaining == 0 {
		var sec section.Section
		if _, err := io.ReadFull(r.zr, sec[:]); err != nil {
			if err == io.EOF {
				return 0, io.EOF
			}
			return 0, errReadSection(section.Stream, err)
		}
		if sec.Type() != section.Stream {
			return 0, errReadSection(section.Stream, fmt.Errorf("unexpected %s section", sec.Type()))
		}
		r.remaining = sec.Size()
		readChunks.Add(1)
	}
	if uint32(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.zr.Read(p)
	r.remaining -= uint32(n)
	readBytes.Add(int64(n))
	if err == io.EOF && r.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Close releases the decompressor and closes the capture file.
func (r *Reader) Close() error {
	r.zr.Release()
	return r.f.Close()
}
