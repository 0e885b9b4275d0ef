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

package escalation

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// page protection constants
const (
	pageNoAccess         = 0x01
	pageReadOnly         = 0x02
	pageReadWrite        = 0x04
	pageWriteCopy        = 0x08
	pageExecute          = 0x10
	pageExecuteRead      = 0x20
	pageExecuteReadWrite = 0x40
	pageExecuteWriteCopy = 0x80
	pageGuard            = 0x100
	pageNoCache          = 0x200
	pageWriteCombine     = 0x400
)

var pageProtections = map[uint64]string{
	pageNoAccess:         "PAGE_NOACCESS",
	pageReadOnly:         "PAGE_READONLY",
	pageReadWrite:        "PAGE_READWRITE",
	pageWriteCopy:        "PAGE_WRITECOPY",
	pageExecute:          "PAGE_EXECUTE",
	pageExecuteRead:      "PAGE_EXECUTE_READ",
	pageExecuteReadWrite: "PAGE_EXECUTE_READWRITE",
	pageExecuteWriteCopy: "PAGE_EXECUTE_WRITECOPY",
}

var pageModifiers = []struct {
	flag uint64
	name string
}{
	{pageGuard, "PAGE_GUARD"},
	{pageNoCache, "PAGE_NOCACHE"},
	{pageWriteCombine, "PAGE_WRITECOMBINE"},
}

// Protection returns the symbolic name of the memory protection, e.g.
// PAGE_EXECUTE_READWRITE|PAGE_GUARD. Unknown values yield an empty string.
func Protection(prot uint64) string {
	name, ok := pageProtections[prot&0xff]
	if !ok {
		return ""
	}
	for _, m := range pageModifiers {
		if prot&m.flag != 0 {
			name += "|" + m.name
		}
	}
	return name
}

// IsExecutable determines if the protection allows code execution.
func IsExecutable(prot uint64) bool {
	return strings.Contains(Protection(prot), "EXECUTE")
}

// DisasmSize is the number of bytes disassembled at the thread start routine.
const DisasmSize = 100

// Disassemble renders the 32-bit code listing. Each line holds the
// instruction address, the instruction bytes and the instruction text.
// Undecodable bytes are emitted one at a time as data.
func Disassemble(code []byte, addr uint64) string {
	var b strings.Builder
	for i := 0; i < len(code); {
		pc := addr + uint64(i)
		size, text := 1, fmt.Sprintf("db %#02x", code[i])
		if ins, err := x86asm.Decode(code[i:], 32); err == nil && ins.Len > 0 {
			size, text = ins.Len, x86asm.IntelSyntax(ins, pc, nil)
		}
		fmt.Fprintf(&b, "%-8s %-32s %s\n", fmt.Sprintf("%#x", pc), hex.EncodeToString(code[i:i+size]), text)
		i += size
	}
	return b.String()
}
