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
	"bytes"
	"sort"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

var schema = `
{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"definitions": {
		"duration": {"type": "string", "minLength": 2, "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"},
		"facet": {
			"type": "object",
			"properties": {
				"enabled":	{"type": "boolean"},
				"desc":		{"type": "string"},
				"options":	{"type": "object"}
			},
			"additionalProperties": false
		},
		"rule": {
			"type": "object",
			"properties": {
				"enabled":				{"type": "boolean"},
				"dump-memory":			{"type": "boolean"},
				"break-on-volshell":	{"type": "boolean"},
				"breakpoint":			{"type": "boolean"},
				"run-plugins":			{"type": "array", "items": {"type": "string", "minLength": 1}},
				"run-smart-plugins":	{"type": "boolean"},
				"times":				{"type": "integer", "minimum": 0}
			},
			"additionalProperties": false
		}
	},

	"type": "object",
	"properties": {
		"config-file":		{"type": "string"},
		"triggered-dumps":	{"type": "boolean"},
		"capture": {
			"type": "object",
			"properties": {
				"file":	{"type": "string"}
			},
			"additionalProperties": false
		},
		"session": {
			"type": "object",
			"properties": {
				"protocol":				{"type": "string", "enum": {{ .Protocols | toJson }}},
				"max-message-size":		{"type": "integer", "minimum": 5},
				"history-size":			{"type": "integer", "minimum": 1},
				"queue-size":			{"type": "integer", "minimum": 1},
				"correlate":			{"type": "boolean"},
				"suspend-timeout":		{"$ref": "#/definitions/duration"},
				"marker-path":			{"type": "string", "minLength": 1},
				"marker-poll-interval":	{"$ref": "#/definitions/duration"}
			},
			"additionalProperties": false
		},
		"resultserver": {
			"type": "object",
			"properties": {
				"address":			{"type": "string", "minLength": 1},
				"capture-dir":		{"type": "string"},
				"max-connections":	{"type": "integer", "minimum": 1}
			},
			"additionalProperties": false
		},
		"api": {
			"type": "object",
			"properties": {
				"transport":	{"type": "string", "minLength": 1},
				"timeout":		{"$ref": "#/definitions/duration"}
			},
			"additionalProperties": false
		},
		"triggers": {
			"type": "object",
			"properties": {
				"consume-two-step-chains":	{"type": "boolean"},
				"dump-dir":					{"type": "string", "minLength": 1},
				"rules": {
					"type": "object",
					"additionalProperties": {"$ref": "#/definitions/rule"}
				}
			},
			"additionalProperties": false
		},
		"escalation": {
			"type": "object",
			"additionalProperties": {"type": "array", "items": {"type": "string", "enum": {{ .Facets | toJson }}}}
		},
		"memory": {
			"type": "object",
			"properties": {
				"clean-snapshot":		{"type": "string"},
				"infected-snapshot":	{"type": "string"},
				"info-file":			{"type": "string"},
				"artifacts-dir":		{"type": "string"},
				"monitor-process":		{"type": "string"},
				"malware-process":		{"type": "string"},
				"malfind-name":			{"type": "string", "minLength": 1},
				"moddump-name":			{"type": "string", "minLength": 1},
				"moddump-dest":			{"type": "string", "minLength": 1},
				"autostart-keys":		{"type": "array", "items": {"type": "string", "minLength": 1}},
				"tool":					{"type": "string"},
				"tool-timeout":			{"$ref": "#/definitions/duration"},
				"facets": {
					"type": "object",
					"properties": {
						{{- range $i, $facet := .Facets }}{{ if $i }},{{ end }}
						"{{ $facet }}": {"$ref": "#/definitions/facet"}
						{{- end }}
					},
					"additionalProperties": false
				},
				"exclusions": {
					"type": "object",
					"properties": {
						"local-ports":		{"type": "array", "items": {"type": "integer", "minimum": 0, "maximum": 65535}},
						"remote-ports":		{"type": "array", "items": {"type": "integer", "minimum": 0, "maximum": 65535}},
						"remote-addresses":	{"type": "array", "items": {"type": "string"}}
					},
					"additionalProperties": false
				},
				"cross-view-rules": {"type": "array", "items": {"type": "object", "minProperties": 1}}
			},
			"additionalProperties": false
		},
		"logging": {
			"type": "object",
			"properties": {
				"level":		{"type": "string", "enum": {{ .Levels | toJson }}},
				"max-age":		{"type": "integer", "minimum": 0},
				"max-backups":	{"type": "integer", "minimum": 0},
				"max-size":		{"type": "integer", "minimum": 1},
				"formatter":	{"type": "string", "enum": ["json", "text"]},
				"path":			{"type": "string"},
				"log-stdout":	{"type": "boolean"},
				"warn-rate":	{"type": "number", "minimum": 0},
				"warn-burst":	{"type": "integer", "minimum": 0}
			},
			"additionalProperties": false
		}
	},
	"additionalProperties": false
}
`

type schemaConfig struct {
	Protocols []string
	Facets    []string
	Levels    []string
}

func interpolateSchema() string {
	tmpl := template.Must(template.New("schema").Funcs(sprig.TxtFuncMap()).Parse(schema))

	facets := make([]string, 0)
	for name := range DefaultFacets() {
		facets = append(facets, name)
	}
	facets = append(facets, "injected_dll", "injected_thread")
	sort.Strings(facets)

	var b bytes.Buffer
	err := tmpl.Execute(&b, &schemaConfig{
		Protocols: []string{ProtocolAuto, ProtocolNetlog, ProtocolBSON},
		Facets:    facets,
		Levels:    []string{"panic", "fatal", "error", "warn", "warning", "info", "debug", "trace"},
	})
	if err != nil {
		return ""
	}

	return b.String()
}
