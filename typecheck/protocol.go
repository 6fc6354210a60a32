/*
Copyright © 2026 Benny Powers <web@bennypowers.com>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package typecheck runs full type checking in a long-lived worker
// process so that it stays off the emit path. The Bridge owns the worker
// session; Serve is the worker side of the protocol.
package typecheck

import (
	"bennypowers.dev/ngtools/config"
	"bennypowers.dev/ngtools/diagnostics"
	"bennypowers.dev/ngtools/lazyroute"
)

// Kind is a protocol message type.
type Kind string

const (
	// KindInit carries the base configuration. The worker answers with
	// KindReady or KindError using the same ID.
	KindInit  Kind = "init"
	KindReady Kind = "ready"

	// KindUpdate asks for a check of a generation. It supersedes any check
	// still running.
	KindUpdate Kind = "update"

	// KindReport carries the results of an update, tagged with its ID and
	// generation.
	KindReport   Kind = "report"
	KindShutdown Kind = "shutdown"
	KindError    Kind = "error"
)

// InitParams is the base configuration a worker builds programs from.
type InitParams struct {
	TSConfigPath         string            `msgpack:"tsConfigPath"`
	BasePath             string            `msgpack:"basePath"`
	Structured           bool              `msgpack:"structured"`
	EntryModule          string            `msgpack:"entryModule,omitempty"`
	HostReplacementPaths map[string]string `msgpack:"hostReplacementPaths,omitempty"`
	Platform             config.Platform   `msgpack:"platform"`
}

// Message is one frame on the worker's stdin or stdout. Frames are
// self-delimiting msgpack values.
type Message struct {
	Kind Kind `msgpack:"kind"`
	// ID correlates replies with requests.
	ID         int64  `msgpack:"id"`
	Generation uint64 `msgpack:"generation,omitempty"`
	Session    string `msgpack:"session,omitempty"`

	Init        *InitParams              `msgpack:"init,omitempty"`
	RootNames   []string                 `msgpack:"rootNames,omitempty"`
	Changed     []string                 `msgpack:"changed,omitempty"`
	Diagnostics []diagnostics.Diagnostic `msgpack:"diagnostics,omitempty"`
	Routes      []lazyroute.Route        `msgpack:"routes,omitempty"`
	Error       string                   `msgpack:"error,omitempty"`
}

// Report is a worker's answer to one update.
type Report struct {
	Session     string
	ID          int64
	Generation  uint64
	Diagnostics []diagnostics.Diagnostic
	Routes      []lazyroute.Route
	// Err is set when the worker could not check the generation.
	Err string
}
