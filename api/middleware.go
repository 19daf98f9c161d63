// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"suprema/gateway/ratelimit"
)

type contextKey string

const sessionKey contextKey = "session"

// unguarded paths bypass authentication and rate limiting entirely.
var unguarded = map[string]bool{
	"/":           true,
	"/health":     true,
	"/login":      true,
	"/metrics":    true,
	"/prometheus": true,
}

// gate authenticates the bearer token and applies the rate limit engine
// before any dataset handler runs. Logout is authenticated but never
// rate limited, so a blocked user can still end their session.
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unguarded[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeDetail(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		session, err := s.sessions.Resolve(token)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, detailForAuthError(err))
			return
		}

		r = r.WithContext(withSession(r.Context(), session))

		if r.URL.Path == "/logout" {
			next.ServeHTTP(w, r)
			return
		}

		verdict, err := s.engine.Check(r.Context(), session.Username, session.Role, r.URL.Path)
		if err != nil {
			if errors.Is(err, ratelimit.ErrKVUnavailable) {
				writeDetail(w, http.StatusServiceUnavailable, "rate limit store unavailable")
				return
			}
			writeDetail(w, http.StatusServiceUnavailable, "rate limit check failed")
			return
		}
		if !verdict.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", verdict.RetryAfter))
			writeDetail(w, http.StatusTooManyRequests, verdict.Reason)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the opaque token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func withSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// sessionFrom returns the authenticated session stored by the gate.
func sessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}

// contextWithDeadline caps a request-scoped operation at d.
func contextWithDeadline(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), d)
}
