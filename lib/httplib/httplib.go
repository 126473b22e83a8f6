/*
Copyright 2025 Creek Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/creekmq/creek/lib/defaults"
	"github.com/creekmq/creek/lib/utils"
)

// HandlerFunc specifies an HTTP handler function that returns the value
// to encode as the JSON response, or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads the bounded HTTP request body and unmarshals it into
// val.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := utils.GetAndReplaceReqBody(r, defaults.MaxPayloadBytes)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("failed to decode request body: %v", err)
	}
	return nil
}

// ReplyJSON encodes val as the JSON response body with the given status.
func ReplyJSON(w http.ResponseWriter, code int, val interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if val == nil {
		val = struct{}{}
	}
	// The status line is already written; an encode failure here means
	// the connection is gone.
	_ = json.NewEncoder(w).Encode(val)
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ReplyError maps an error to its HTTP status and writes the JSON error
// body.
func ReplyError(w http.ResponseWriter, err error) {
	ReplyJSON(w, StatusCode(err), ErrorResponse{Error: trace.UserMessage(err)})
}

// StatusCode maps an error to an HTTP status. Authentication failures
// are reported as 401 so a signed client retries with fresh credentials
// instead of treating the denial as authorization.
func StatusCode(err error) int {
	switch {
	case trace.IsAccessDenied(err):
		return http.StatusUnauthorized
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsLimitExceeded(err):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
