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

import "strings"

// FieldKind is the type of the argument as described by the format letter.
type FieldKind uint8

const (
	// Unrecognized is the kind of format letters without a reader
	Unrecognized FieldKind = iota
	// String is the length-prefixed string
	String
	// Buffer is the length-prefixed raw byte buffer
	Buffer
	// Int32 is the 32-bit integer
	Int32
	// Pointer is the 32-bit integer rendered as zero padded hex
	Pointer
	// Argv is the counted list of strings
	Argv
	// Registry is the registry value prefixed by its type
	Registry
)

// String returns the field kind name.
func (k FieldKind) String() string {
	switch k {
	case String:
		return "string"
	case Buffer:
		return "buffer"
	case Int32:
		return "int32"
	case Pointer:
		return "pointer"
	case Argv:
		return "argv"
	case Registry:
		return "registry"
	default:
		return "unrecognized"
	}
}

// KindOf maps the format letter to its field kind.
func KindOf(letter byte) FieldKind {
	switch letter {
	case 's', 'S', 'u', 'U', 'o', 'O':
		return String
	case 'b', 'B':
		return Buffer
	case 'i', 'l', 'L':
		return Int32
	case 'p', 'P':
		return Pointer
	case 'a', 'A':
		return Argv
	case 'r', 'R':
		return Registry
	default:
		return Unrecognized
	}
}

// ExpandFormat expands the compact format string. A digit N followed
// by a format letter expands to N repetitions of that letter, so
// "2s1i" becomes "ssi". A trailing digit without a letter is ignored.
func ExpandFormat(fs string) string {
	var sb strings.Builder
	for i := 0; i < len(fs); i++ {
		c := fs[i]
		if c >= '0' && c <= '9' {
			if i+1 < len(fs) {
				sb.WriteString(strings.Repeat(string(fs[i+1]), int(c-'0')))
			}
			i++
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
