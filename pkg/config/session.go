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

package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	sessionProtocol       = "session.protocol"
	sessionMaxMessageSize = "session.max-message-size"
	sessionHistorySize    = "session.history-size"
	sessionQueueSize      = "session.queue-size"
	sessionCorrelate      = "session.correlate"
	sessionSuspendTimeout = "session.suspend-timeout"
	sessionMarkerPath     = "session.marker-path"
	sessionMarkerPoll     = "session.marker-poll-interval"

	resultServerAddress    = "resultserver.address"
	resultServerCaptureDir = "resultserver.capture-dir"
	resultServerMaxConns   = "resultserver.max-connections"
)

// Protocol names accepted by the session.
const (
	// ProtocolAuto negotiates the protocol from the first line sent by the agent.
	ProtocolAuto = "auto"
	// ProtocolNetlog is the legacy fixed-format protocol.
	ProtocolNetlog = "netlog"
	// ProtocolBSON is the self-describing protocol.
	ProtocolBSON = "bson"
)

// SessionConfig contains the settings for the agent decoding sessions.
type SessionConfig struct {
	// Protocol is the protocol spoken by the agent (auto|netlog|bson).
	Protocol string `json:"protocol" yaml:"protocol"`
	// MaxMessageSize is the ceiling of self-describing messages.
	MaxMessageSize uint32 `json:"max-message-size" yaml:"max-message-size"`
	// HistorySize is the number of calls kept for chain correlation.
	HistorySize int `json:"history-size" yaml:"history-size"`
	// QueueSize is the capacity of the event queue feeding the sinks.
	QueueSize int `json:"queue-size" yaml:"queue-size"`
	// Correlate enables chain rules and the conditional rules that need
	// the hypervisor side of the sandbox.
	Correlate bool `json:"correlate" yaml:"correlate"`
	// SuspendTimeout bounds how long the monitored execution stays suspended.
	SuspendTimeout time.Duration `json:"suspend-timeout" yaml:"suspend-timeout"`
	// MarkerPath is the file whose appearance ends interactive investigation sessions.
	MarkerPath string `json:"marker-path" yaml:"marker-path"`
	// MarkerPollInterval is how often the marker path is checked.
	MarkerPollInterval time.Duration `json:"marker-poll-interval" yaml:"marker-poll-interval"`
}

func (c *SessionConfig) initFromViper(v *viper.Viper) {
	c.Protocol = v.GetString(sessionProtocol)
	c.MaxMessageSize = v.GetUint32(sessionMaxMessageSize)
	c.HistorySize = v.GetInt(sessionHistorySize)
	c.QueueSize = v.GetInt(sessionQueueSize)
	c.Correlate = v.GetBool(sessionCorrelate)
	c.SuspendTimeout = v.GetDuration(sessionSuspendTimeout)
	c.MarkerPath = v.GetString(sessionMarkerPath)
	c.MarkerPollInterval = v.GetDuration(sessionMarkerPoll)
}

func (c *SessionConfig) addFlags(flags *pflag.FlagSet) {
	flags.String(sessionProtocol, ProtocolAuto, "Specifies the protocol spoken by the agent (auto|netlog|bson)")
	flags.Uint32(sessionMaxMessageSize, 20*1024*1024, "Determines the maximum length of self-describing messages in bytes")
	flags.Int(sessionHistorySize, 4096, "Specifies the number of API calls retained for chain correlation")
	flags.Int(sessionQueueSize, 500, "Specifies the capacity of the decoded event queue")
	flags.Bool(sessionCorrelate, true, "Enables chain rules and cross-process conditional rules")
	flags.Duration(sessionSuspendTimeout, 10*time.Minute, "Determines how long the monitored execution can stay suspended before it is resumed")
	flags.String(sessionMarkerPath, "/tmp/marker", "Specifies the path of the marker file that ends interactive investigation sessions")
	flags.Duration(sessionMarkerPoll, time.Second, "Specifies how often the marker file is checked")
}

// ResultServerConfig contains the settings of the agent listener.
type ResultServerConfig struct {
	// Address is the TCP address the server listens on.
	Address string `json:"address" yaml:"address"`
	// CaptureDir is the directory where raw session streams are captured, if set.
	CaptureDir string `json:"capture-dir" yaml:"capture-dir"`
	// MaxConnections limits the number of concurrent agent sessions.
	MaxConnections int `json:"max-connections" yaml:"max-connections"`
}

func (c *ResultServerConfig) initFromViper(v *viper.Viper) {
	c.Address = v.GetString(resultServerAddress)
	c.CaptureDir = v.GetString(resultServerCaptureDir)
	c.MaxConnections = v.GetInt(resultServerMaxConns)
}

func (c *ResultServerConfig) addFlags(flags *pflag.FlagSet) {
	flags.String(resultServerAddress, "0.0.0.0:2042", "Specifies the address the result server listens on for agent connections")
	flags.String(resultServerCaptureDir, "", "Specifies the directory where the raw stream of every session is captured")
	flags.Int(resultServerMaxConns, 32, "Limits the number of concurrent agent sessions")
}
