// Copyright 2018-2022 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package appctx manages context-scoped values: the request logger, the
// session id and the caller credentials forwarded to the object store.
package appctx

import (
	"context"

	"github.com/rs/zerolog"
)

type key int

const (
	sessionKey key = iota
	authTokenKey
)

// SessionHeader is the header carrying the caller's session id.
const SessionHeader = "Session-Id"

// AuthTokens holds the caller's identity-provider tokens, forwarded to the
// object-store gateway for the client-grants exchange.
type AuthTokens struct {
	AccessToken  string
	RefreshToken string
}

// WithLogger returns a context with an associated logger.
func WithLogger(ctx context.Context, l *zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// GetLogger returns the logger associated with the given context
// or a disabled logger in case no logger is stored inside the context.
func GetLogger(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// ContextSetSession stores the session id in the context.
func ContextSetSession(ctx context.Context, s string) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// ContextGetSession returns the session id if set in the given context.
func ContextGetSession(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(sessionKey).(string)
	return s, ok
}

// ContextSetAuthTokens stores the caller tokens in the context.
func ContextSetAuthTokens(ctx context.Context, t AuthTokens) context.Context {
	return context.WithValue(ctx, authTokenKey, t)
}

// ContextGetAuthTokens returns the caller tokens if set in the given context.
func ContextGetAuthTokens(ctx context.Context) (AuthTokens, bool) {
	t, ok := ctx.Value(authTokenKey).(AuthTokens)
	return t, ok
}
