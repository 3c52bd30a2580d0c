// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracehttp wraps a round tripper with request/response
// logging for debugging the wire protocol.
package tracehttp

import (
	"log"
	"net/http"
	"net/http/httputil"
)

// traceTransport is an http.RoundTripper that logs the request and
// response while delegating the real work to another round tripper.
type traceTransport struct {
	delegate http.RoundTripper
}

// RoundTrip logs a dump of the request and response while delegating
// the round trip to the delegate.  Bodies are omitted; message
// payloads would swamp the log.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	if dump, dumpErr := httputil.DumpRequestOut(req, false); dumpErr == nil {
		log.Printf("request:\n%s", dump)
	}
	resp, err = t.delegate.RoundTrip(req)
	if err == nil {
		if dump, dumpErr := httputil.DumpResponse(resp, false); dumpErr == nil {
			log.Printf("response:\n%s", dump)
		}
	}
	return resp, err
}

// Wrap returns a tracing round tripper delegating to d.
func Wrap(d http.RoundTripper) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{d}
}
