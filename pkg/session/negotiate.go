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

package session

import (
	"bufio"
	"strings"

	"github.com/pkg/errors"
	"github.com/rabbitstack/sandtrap/pkg/config"
	kerrors "github.com/rabbitstack/sandtrap/pkg/errors"
)

// maxHandshakeLength bounds the protocol line sent by the agent.
const maxHandshakeLength = 16

// negotiate reads the protocol line the agent sends before the first message.
func negotiate(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for sb.Len() < maxHandshakeLength {
		b, err := r.ReadByte()
		if err != nil {
			return "", errors.Wrap(kerrors.ErrProtocolDesync, "short protocol handshake")
		}
		if b == '\n' {
			return protocolOf(strings.TrimSpace(sb.String()))
		}
		sb.WriteByte(b)
	}
	return "", kerrors.Desync("protocol handshake exceeds %d bytes", maxHandshakeLength)
}

func protocolOf(line string) (string, error) {
	switch strings.ToUpper(line) {
	case "BSON":
		return config.ProtocolBSON, nil
	case "NETLOG":
		return config.ProtocolNetlog, nil
	default:
		return "", kerrors.ErrUnknownProtocol(line)
	}
}
