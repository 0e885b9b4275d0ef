/*
 * Copyright 2021-2022 by Nedim Sabic Sabic
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

package netlog

import (
	"expvar"
	"fmt"
	"io"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	kerrors "github.com/rabbitstack/sandtrap/pkg/errors"
	"github.com/rabbitstack/sandtrap/pkg/event"
	"github.com/rabbitstack/sandtrap/pkg/util/bytes"
	"github.com/rabbitstack/sandtrap/pkg/util/filetime"
	log "github.com/sirupsen/logrus"
)

const (
	// MaxFieldLength is the upper bound for string and buffer lengths
	MaxFieldLength = 0x10000
	// maxProcessNameLength is the longest process name we accept before
	// assuming the stream is out of sync
	maxProcessNameLength = 255

	// StringTruncated is appended to strings whose max length exceeds the logged length
	StringTruncated = "... (truncated)"
	// BufferTruncated is appended to buffers whose max length exceeds the logged length
	BufferTruncated = " ... (truncated)"
	// UnknownRegistryValue replaces registry values of unsupported types
	UnknownRegistryValue = "(unable to dump buffer content)"
)

// registry value types
const (
	regSz                = 1
	regExpandSz          = 2
	regDwordLittleEndian = 4
	regDwordBigEndian    = 5
)

var (
	netlogMessages          = expvar.NewInt("netlog.messages")
	netlogDesyncs           = expvar.NewInt("netlog.desyncs")
	netlogUnknownSpecifiers = expvar.NewMap("netlog.unknown.specifiers")
)

type fieldReader func(p *Parser) (any, error)

// readers maps field kinds to the readers that decode them.
var readers = map[FieldKind]fieldReader{
	String:   func(p *Parser) (any, error) { return p.readString() },
	Buffer:   func(p *Parser) (any, error) { return p.readBuffer() },
	Int32:    func(p *Parser) (any, error) { return p.readUint32() },
	Pointer:  func(p *Parser) (any, error) { return p.readPointer() },
	Argv:     func(p *Parser) (any, error) { return p.readArgv() },
	Registry: func(p *Parser) (any, error) { return p.readRegistry() },
}

// Parser decodes the frozen fixed-format Netlog protocol. The protocol
// has no resynchronization marker, so any structural error terminates
// the parser. Once terminated, every subsequent call fails.
type Parser struct {
	r    io.Reader
	err  error
	seen *bitset.BitSet // API indices we already warned about
}

// NewParser creates a legacy protocol parser on top of the byte source.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: r, seen: bitset.New(uint(len(Table)))}
}

// ReadNextMessage reads and decodes one message. It returns io.EOF if the
// stream ends cleanly on a message boundary.
func (p *Parser) ReadNextMessage() (*event.Event, error) {
	if p.err != nil {
		return nil, p.err
	}
	e, err := p.next()
	if err != nil {
		if err != io.EOF {
			netlogDesyncs.Add(1)
		}
		p.err = err
		return nil, err
	}
	netlogMessages.Add(1)
	return e, nil
}

func (p *Parser) next() (*event.Event, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(p.r, hdr); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, kerrors.Desync("short message header: %v", err)
	}
	b, err := p.read(12)
	if err != nil {
		return nil, err
	}
	ctx := event.Context{
		Index:       int32(hdr[0]),
		Status:      uint32(hdr[1]),
		ReturnValue: bytes.ReadUint32(b[0:]),
		Tid:         bytes.ReadUint32(b[4:]),
		Timestamp:   bytes.ReadUint32(b[8:]),
	}

	switch hdr[0] {
	case 0:
		return p.readProcess(ctx)
	case 1:
		pid, err := p.readUint32()
		if err != nil {
			return nil, err
		}
		return event.NewThread(ctx, pid), nil
	}

	api, ok := Lookup(hdr[0])
	if !ok {
		log.Errorf("netlog table lookup error for API index %d (tid=%d)", hdr[0], ctx.Tid)
		return nil, kerrors.Desync("unknown API index %d", hdr[0])
	}

	format := ExpandFormat(api.Format)
	var pars event.Params
	for i := 0; i < len(format); i++ {
		kind := KindOf(format[i])
		read, ok := readers[kind]
		if !ok {
			p.warnSpecifier(hdr[0], format[i], api.Name)
			continue
		}
		v, err := read(p)
		if err != nil {
			log.Errorf("exception in netlog protocol decoding %s, stopping parser: %v", api.Name, err)
			return nil, err
		}
		var name string
		if i < len(api.Args) {
			name = api.Args[i]
		} else {
			name = fmt.Sprintf("arg%d", i)
		}
		pars.Append(name, v)
	}

	return event.NewCall(ctx, api.Name, api.Category, pars), nil
}

func (p *Parser) readProcess(ctx event.Context) (*event.Event, error) {
	b, err := p.read(16)
	if err != nil {
		return nil, err
	}
	ts, err := filetime.ToEpoch(filetime.Join(bytes.ReadUint32(b[0:]), bytes.ReadUint32(b[4:])))
	if err != nil {
		log.Errorf("vmtime in new process message out of range (protocol out of sync?): %v", err)
		return nil, kerrors.Desync("process creation time: %v", err)
	}
	pid, ppid := bytes.ReadUint32(b[8:]), bytes.ReadUint32(b[12:])

	path, err := p.readString()
	if err != nil {
		return nil, err
	}
	name := FilenameFromPath(path)
	if len(name) > maxProcessNameLength {
		log.Errorf("huge process name (>%d), assuming netlog protocol out of sync", maxProcessNameLength)
		log.Debugf("process name: %q", name)
		return nil, kerrors.Desync("process name of %d bytes", len(name))
	}

	return event.NewProcess(ctx, ts, pid, ppid, path, name), nil
}

func (p *Parser) warnSpecifier(index uint8, letter byte, api string) {
	netlogUnknownSpecifiers.Add(string(letter), 1)
	if p.seen.Test(uint(index)) {
		return
	}
	p.seen.Set(uint(index))
	log.Warn(errors.Wrapf(kerrors.ErrUnrecognizedFormatSpecifier, "%q on api %s", letter, api))
}

// read blocks until exactly n bytes are available. A short read in the
// middle of a message means the stream ended mid-frame.
func (p *Parser) read(n uint32) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(p.r, b); err != nil {
		return nil, kerrors.Desync("short read of %d bytes: %v", n, err)
	}
	return b, nil
}

func (p *Parser) readUint32() (uint32, error) {
	b, err := p.read(4)
	if err != nil {
		return 0, err
	}
	return bytes.ReadUint32(b), nil
}

func (p *Parser) readPointer() (string, error) {
	v, err := p.readUint32()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("0x%08x", v), nil
}

// readLengths reads the length and max length pair and enforces the length
// bound before a single byte of the payload is consumed.
func (p *Parser) readLengths() (uint32, uint32, error) {
	b, err := p.read(8)
	if err != nil {
		return 0, 0, err
	}
	length, maxLength := bytes.ReadUint32(b[0:]), bytes.ReadUint32(b[4:])
	if length > MaxFieldLength {
		log.Errorf("read string length weirdness length: %d max length: %d", length, maxLength)
		return 0, 0, errors.Wrapf(kerrors.ErrLengthOutOfRange, "length %d", length)
	}
	return length, maxLength, nil
}

func (p *Parser) readString() (string, error) {
	length, maxLength, err := p.readLengths()
	if err != nil {
		return "", err
	}
	b, err := p.read(length)
	if err != nil {
		return "", err
	}
	s := string(b)
	if maxLength > length {
		s += StringTruncated
	}
	return s, nil
}

func (p *Parser) readBuffer() ([]byte, error) {
	length, maxLength, err := p.readLengths()
	if err != nil {
		return nil, err
	}
	b, err := p.read(length)
	if err != nil {
		return nil, err
	}
	if maxLength > length {
		b = append(b, BufferTruncated...)
	}
	return b, nil
}

func (p *Parser) readArgv() ([]string, error) {
	n, err := p.readUint32()
	if err != nil {
		return nil, err
	}
	argv := make([]string, 0)
	for i := uint32(0); i < n; i++ {
		s, err := p.readString()
		if err != nil {
			return nil, err
		}
		argv = append(argv, s)
	}
	return argv, nil
}

func (p *Parser) readRegistry() (any, error) {
	typ, err := p.readUint32()
	if err != nil {
		return nil, err
	}
	switch typ {
	case regDwordLittleEndian, regDwordBigEndian:
		return p.readUint32()
	case regSz, regExpandSz:
		return p.readString()
	default:
		return UnknownRegistryValue, nil
	}
}

// FilenameFromPath returns the last element of a Windows or POSIX path.
func FilenameFromPath(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}
