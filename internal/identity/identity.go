// Package identity tags requests with who is calling: the admin UI holding
// the operator bearer token, or the public (candidates and providers).
package identity

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// Actors.
const (
	ActorAdmin  = "admin"
	ActorPublic = "public"
)

// OperatorHeaderName carries an optional operator name for audit logs.
const OperatorHeaderName = "X-Operator-ID"

type contextKey int

const (
	actorKey contextKey = iota
	operatorKey
)

var operatorPattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,64}$`)

// ActorFromContext returns the actor of the request, ActorPublic if unset.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return ActorPublic
}

// IsAdmin reports whether the request presented the admin token.
func IsAdmin(ctx context.Context) bool {
	return ActorFromContext(ctx) == ActorAdmin
}

// OperatorFromContext returns the sanitized operator name, if any.
func OperatorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(operatorKey).(string); ok {
		return v
	}
	return ""
}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func sanitizeOperator(id string) string {
	id = strings.TrimSpace(id)
	if !operatorPattern.MatchString(id) {
		return ""
	}
	return id
}

// Middleware resolves the actor from the bearer token. An empty adminToken
// disables admin access entirely.
func Middleware(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorPublic
			if adminToken != "" {
				if tok := bearerToken(r); tok != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(adminToken)) == 1 {
					actor = ActorAdmin
				}
			}

			ctx := WithActor(r.Context(), actor)
			if actor == ActorAdmin {
				if op := sanitizeOperator(r.Header.Get(OperatorHeaderName)); op != "" {
					ctx = context.WithValue(ctx, operatorKey, op)
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
