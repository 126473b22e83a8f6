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

package web

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
)

// CookieName is the name of the management-plane session cookie.
const CookieName = "creek_session"

// SessionCookie addresses a server-side session. Key proves possession;
// the session state itself never leaves the database.
type SessionCookie struct {
	SID string `json:"sid"`
	Key string `json:"key"`
}

// EncodeCookie renders the session cookie value.
func EncodeCookie(sid, key string) (string, error) {
	bytes, err := json.Marshal(SessionCookie{SID: sid, Key: key})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(bytes), nil
}

// DecodeCookie parses a session cookie value.
func DecodeCookie(b string) (*SessionCookie, error) {
	bytes, err := hex.DecodeString(b)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var c SessionCookie
	if err := json.Unmarshal(bytes, &c); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// SetSessionCookie writes the session cookie on the response.
func SetSessionCookie(w http.ResponseWriter, sid, key string) error {
	d, err := EncodeCookie(sid, key)
	if err != nil {
		return trace.Wrap(err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    d,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		MaxAge:   -1,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}
