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

package bytes

import (
	"encoding/binary"
)

// ByteOrder is the byte order of every integer on the agent wire. Agents run on
// x86 guests, so all protocols are little-endian regardless of the host.
var ByteOrder binary.ByteOrder = binary.LittleEndian

// ReadUint16 reads the uint16 value from the byte slice.
func ReadUint16(b []byte) uint16 {
	return ByteOrder.Uint16(b)
}

// ReadUint32 reads the uint32 value from the byte slice.
func ReadUint32(b []byte) uint32 {
	return ByteOrder.Uint32(b)
}

// ReadUint64 reads the uint64 value from the byte slice.
func ReadUint64(b []byte) uint64 {
	return ByteOrder.Uint64(b)
}

// WriteUint16 writes the provided uint16 value to byte slice.
func WriteUint16(v uint16) (b []byte) {
	b = make([]byte, 2)
	ByteOrder.PutUint16(b, v)
	return
}

// WriteUint32 writes the provided uint32 value to byte slice.
func WriteUint32(v uint32) (b []byte) {
	b = make([]byte, 4)
	ByteOrder.PutUint32(b, v)
	return
}

// WriteUint64 writes the provided uint64 value to byte slice.
func WriteUint64(v uint64) (b []byte) {
	b = make([]byte, 8)
	ByteOrder.PutUint64(b, v)
	return
}

// AppendUint32 appends the wire representation of v to b.
func AppendUint32(b []byte, v uint32) []byte {
	return ByteOrder.(binary.AppendByteOrder).AppendUint32(b, v)
}
