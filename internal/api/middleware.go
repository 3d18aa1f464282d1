package api

import (
	"bufio"
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sglegalhelp/offlinesync/internal/api/response"
	"github.com/sglegalhelp/offlinesync/internal/auth"
	errs "github.com/sglegalhelp/offlinesync/internal/errors"
	"github.com/sglegalhelp/offlinesync/internal/logging"
	"github.com/sglegalhelp/offlinesync/internal/ratelimit"
)

type contextKey string

const userIDKey contextKey = "userID"

// UserID returns the authenticated user of r, or "" for public routes.
func UserID(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey).(string)
	return userID
}

// userHolder lets the logging middleware see the user set by inner middleware.
type userHolder struct{ id string }

const holderKey contextKey = "userHolder"

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Logger records method, path, status, duration and user of every request.
func Logger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			holder := &userHolder{}
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), holderKey, holder)))

			userID := holder.id
			if userID == "" {
				userID = "anonymous"
			}
			fields := logging.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rw.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
				"user":        userID,
				"remote":      r.RemoteAddr,
			}
			if rw.statusCode >= http.StatusInternalServerError {
				logger.Warn("API request failed", fields)
				return
			}
			logger.Debug("API request", fields)
		})
	}
}

// Auth requires a bearer JWT issued by issuer. Websocket clients that cannot
// set headers may pass the token as the access_token query parameter.
func Auth(issuer *auth.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.URL.Query().Get("access_token")
			if header := r.Header.Get("Authorization"); header != "" {
				parts := strings.Split(header, " ")
				if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
					response.Unauthorized(w, "Invalid authorization header format")
					return
				}
				token = parts[1]
			}
			if token == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			claims, err := issuer.Verify(token)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			userID := claims.UserID()
			if holder, ok := r.Context().Value(holderKey).(*userHolder); ok {
				holder.id = userID
			}
			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit rejects requests over the limiter's budget with 429. Requests are
// keyed by authenticated user, or by client address on public routes. A
// limiter error lets the request through.
func RateLimit(limiter ratelimit.Limiter, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIP(r)
			if userID := UserID(r); userID != "" {
				key = "user:" + userID
			}

			d, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Error("Rate limiter unavailable", err, logging.Fields{"key": key})
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				response.Error(w, http.StatusTooManyRequests, errs.ErrRateLimited, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
