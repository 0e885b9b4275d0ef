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

package bson

import (
	"encoding/hex"
	"expvar"
	"io"

	"github.com/pkg/errors"
	kerrors "github.com/rabbitstack/sandtrap/pkg/errors"
	"github.com/rabbitstack/sandtrap/pkg/event"
	"github.com/rabbitstack/sandtrap/pkg/event/params"
	"github.com/rabbitstack/sandtrap/pkg/netlog"
	"github.com/rabbitstack/sandtrap/pkg/util/bytes"
	"github.com/rabbitstack/sandtrap/pkg/util/filetime"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

// MaxMessageLength is the default ceiling for the declared message length.
const MaxMessageLength = 20 * 1024 * 1024

// message types
const (
	infoMessage       = "info"
	debugMessage      = "debug"
	newProcessMessage = "new_process"
)

var (
	bsonMessages = expvar.NewInt("bson.messages")
	bsonDropped  = expvar.NewInt("bson.messages.dropped")
	bsonSchemas  = expvar.NewInt("bson.schemas")
)

// message is the envelope of every self-describing message. Fields are
// absent depending on the message type.
type message struct {
	Type      string  `bson:"type"`
	Index     int64   `bson:"I"`
	Tid       int64   `bson:"T"`
	Time      int64   `bson:"t"`
	Name      string  `bson:"name"`
	Category  string  `bson:"category"`
	Args      bson.A  `bson:"args"`
	Aux       bson.D  `bson:"aux"`
	Msg       string  `bson:"msg"`
	StartTime float64 `bson:"starttime"`
}

// Parser decodes the length-prefixed self-describing protocol. Unlike the
// legacy protocol, messages referencing unknown schemas are dropped and
// decoding carries on.
type Parser struct {
	r         io.Reader
	schema    *Schema
	maxLength uint32
	err       error
}

// NewParser creates a parser reading from r. Schemas explained by the agent are
// registered in the given schema registry. If maxLength is zero, MaxMessageLength
// is used.
func NewParser(r io.Reader, schema *Schema, maxLength uint32) *Parser {
	if maxLength == 0 {
		maxLength = MaxMessageLength
	}
	if schema == nil {
		schema = NewSchema()
	}
	return &Parser{r: r, schema: schema, maxLength: maxLength}
}

// Schema returns the schema registry of this parser.
func (p *Parser) Schema() *Schema { return p.schema }

// ReadNextMessage returns the next event. Info and debug messages are
// consumed silently. Recoverable errors are returned for dropped messages
// and the caller may continue reading. io.EOF is returned when the stream
// ends on a message boundary.
func (p *Parser) ReadNextMessage() (*event.Event, error) {
	for {
		if p.err != nil {
			return nil, p.err
		}
		msg, err := p.readFrame()
		if err != nil {
			p.err = err
			return nil, err
		}
		bsonMessages.Add(1)
		e, err := p.handle(msg)
		if err != nil {
			if kerrors.IsRecoverable(err) {
				bsonDropped.Add(1)
			} else {
				p.err = err
			}
			return nil, err
		}
		if e != nil {
			return e, nil
		}
	}
}

func (p *Parser) readFrame() (*message, error) {
	b := make([]byte, 4)
	if _, err := io.ReadFull(p.r, b); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, kerrors.Desync("short message length: %v", err)
	}
	n := bytes.ReadUint32(b)
	if n > p.maxLength {
		log.Errorf("BSON message larger than max message length (%d > %d), stopping session", n, p.maxLength)
		return nil, errors.Wrapf(kerrors.ErrMessageTooLarge, "%d bytes", n)
	}
	if n < 5 {
		return nil, kerrors.Desync("message length %d", n)
	}
	data := make([]byte, n)
	copy(data, b)
	if _, err := io.ReadFull(p.r, data[4:]); err != nil {
		return nil, kerrors.Desync("short message of %d bytes: %v", n, err)
	}
	msg := &message{Index: -1}
	if err := bson.Unmarshal(data, msg); err != nil {
		log.Warnf("BSON decoding problem %v on data[:50] %q", err, head(data, 50))
		return nil, kerrors.Desync("undecodable message: %v", err)
	}
	return msg, nil
}

func (p *Parser) handle(msg *message) (*event.Event, error) {
	ctx := event.Context{
		Index:     int32(msg.Index),
		Status:    1,
		Tid:       uint32(msg.Tid),
		Timestamp: uint32(msg.Time),
	}

	switch msg.Type {
	case infoMessage:
		name := msg.Name
		if name == "" {
			name = "NONAME"
		}
		entry := p.schema.Register(msg.Index, name, msg.Category, msg.Args)
		bsonSchemas.Add(1)
		log.Debugf("registered schema for %s at index %d with args %v", entry.Name, msg.Index, entry.ArgNames)
		return nil, nil
	case debugMessage:
		log.Infof("debug message from monitor: %s", msg.Msg)
		return nil, nil
	case newProcessMessage:
		ts, err := filetime.FromSeconds(msg.StartTime)
		if err != nil {
			log.Errorf("starttime in new_process message out of range (protocol out of sync?): %v", err)
			return nil, kerrors.Desync("new_process: %v", err)
		}
		name := msg.Name
		if name == "" {
			name = "NONAME"
		}
		return event.NewProcess(ctx, ts, 0, 0, "DUMMY", name), nil
	}

	entry, ok := p.schema.Lookup(msg.Index)
	if !ok {
		log.Debugf("got API with unknown index %d, monitor needs to explain first", msg.Index)
		return nil, errors.Wrapf(kerrors.ErrSchemaMissing, "index %d", msg.Index)
	}
	if len(msg.Args) != len(entry.ArgNames) {
		log.Debugf("inconsistent arg count (compared to arg names) on %s: %d args, names %v",
			entry.Name, len(msg.Args), entry.ArgNames)
		return nil, errors.Wrapf(kerrors.ErrArgumentCountMismatch, "%s: %d != %d", entry.Name, len(msg.Args), len(entry.ArgNames))
	}

	pars := make(event.Params, 0, len(msg.Args)+len(msg.Aux))
	for i, arg := range msg.Args {
		pars.Append(entry.ArgNames[i], entry.Converters[i](arg))
	}

	switch entry.Name {
	case "__process__":
		return processEvent(ctx, pars)
	case "__thread__":
		pid, err := pars.GetUint32(params.ProcessIdentifier)
		if err != nil {
			return nil, errors.Wrap(kerrors.ErrArgumentCountMismatch, err.Error())
		}
		return event.NewThread(ctx, pid), nil
	case "WriteProcessMemory":
		if buf, err := pars.Get(params.Buffer); err == nil {
			switch b := buf.(type) {
			case []byte:
				pars.Set(params.Buffer, hex.EncodeToString(b))
			case string:
				pars.Set(params.Buffer, hex.EncodeToString([]byte(b)))
			}
		}
	}

	if v, ok := pars.Pop(params.IsSuccess); ok {
		if n, ok := event.ToUint64(v); ok {
			ctx.Status = uint32(n)
		}
	}
	if v, ok := pars.Pop(params.Retval); ok {
		if n, ok := event.ToUint64(v); ok {
			ctx.ReturnValue = uint32(n)
		}
	}
	for _, aux := range msg.Aux {
		pars.Append(aux.Key, Normalize(aux.Value))
	}

	return event.NewCall(ctx, entry.Name, entry.Category, pars), nil
}

// processEvent translates the bookkeeping __process__ call into the process event.
func processEvent(ctx event.Context, pars event.Params) (*event.Event, error) {
	low, err1 := pars.GetUint32(params.TimeLow)
	high, err2 := pars.GetUint32(params.TimeHigh)
	pid, err3 := pars.GetUint32(params.ProcessIdentifier)
	ppid, err4 := pars.GetUint32(params.ParentProcessIdentifier)
	path, err5 := pars.GetString(params.ModulePath)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return nil, errors.Wrap(kerrors.ErrArgumentCountMismatch, err.Error())
		}
	}
	ts, err := filetime.ToEpoch(filetime.Join(low, high))
	if err != nil {
		log.Errorf("vmtime in __process__ message out of range (protocol out of sync?): %v", err)
		return nil, kerrors.Desync("__process__: %v", err)
	}
	return event.NewProcess(ctx, ts, pid, ppid, path, netlog.FilenameFromPath(path)), nil
}

func head(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}
