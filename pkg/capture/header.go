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

// Package capture records the raw stream of agent sessions into compressed
// capture files and replays them through new sessions. The capture file has
// the layout as depicted in the following diagram:
//
//	+-+-+-+-+-+-+-+-++-+-+-+-+-+-+-+-++-+-+-+
//	| Magic Number  | Major | Minor | Flags |
//	|----------------------------------------
//	| Meta Section  | Protocol | Producer   |
//	-----------------------------------------
//	| Stream Section | Chunk ...............|
//	| ......................................|
//	| ...... Stream Section n  Chunk n  EOF |
//	+-+-+-+-+-+-+-+-++-+-+-+-+-+-+-+-++-+-+-+
//
// The whole file is zstd compressed.
package capture

import (
	"github.com/rabbitstack/sandtrap/pkg/capture/section"
)

// magic identifies capture files. The magic is stored within the first 8 bytes of the file.
const magic = 0x7061727464746e73

// major represents the major digit of the capture file format. Incrementing the major digit makes older
// readers not capable to replay the capture file.
const major = uint8(1)

// minor represents the minor digit of the capture file format
const minor = uint8(0)

// flags denotes extra flags for the purpose of the header description
const flags = uint64(0)

// Extension is appended to capture file names without extension.
const Extension = ".stcap"

// compatibleProducers is the constraint the producer of the replayed capture must satisfy.
const compatibleProducers = "< 2.0.0"

// ws writes the section block with the specified parameters.
func (w *Writer) ws(typ section.Type, ver section.Version, l, size uint32) error {
	sec := section.New(typ, ver, l, size)
	if _, err := w.zw.Write(sec[:]); err != nil {
		return errWriteSection(typ, err)
	}
	return nil
}
