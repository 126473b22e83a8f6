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

// Package utils implements small helpers shared by the broker packages.
package utils

import (
	"bytes"
	"crypto/rand"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/mr-tron/base58"
)

// RandomToken returns a base58 token built from n bytes of CSPRNG output.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err)
	}
	return base58.Encode(buf), nil
}

// GetAndReplaceReqBody drains the request body and replaces it with an
// io.NopCloser over the same bytes so the downstream handler observes an
// unchanged request. Reads are bounded by limit; exceeding it returns a
// LimitExceeded error.
func GetAndReplaceReqBody(req *http.Request, limit int64) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return []byte{}, nil
	}
	payload, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := req.Body.Close(); err != nil {
		return nil, trace.Wrap(err)
	}
	if int64(len(payload)) > limit {
		return nil, trace.LimitExceeded("request body exceeds %v bytes", limit)
	}
	req.Body = io.NopCloser(bytes.NewReader(payload))
	return payload, nil
}
