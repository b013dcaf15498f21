package mid

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vast-data/cosmos-labs-sub001/pkg/resilience"
)

// UserHeader carries the authenticated requester identity, set by the
// gateway in front of the service.
const UserHeader = "X-User-ID"

type requesterKey struct{}

// WithRequester returns a context carrying the requester identity.
func WithRequester(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requesterKey{}, id)
}

// Requester returns the identity stored by Identity, or "" for anonymous
// requests.
func Requester(ctx context.Context) string {
	id, _ := ctx.Value(requesterKey{}).(string)
	return id
}

// Identity copies the X-User-ID header into the request context. Identity
// comparison downstream is exact, so only surrounding whitespace is trimmed.
func Identity() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(UserHeader))
			next.ServeHTTP(w, r.WithContext(WithRequester(r.Context(), id)))
		})
	}
}

// RateLimit rejects requests over the per-requester budget with 429.
// Anonymous requests share the remote address bucket.
func RateLimit(lim *resilience.KeyedLimiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := Requester(r.Context())
			if key == "" {
				key = "addr:" + r.RemoteAddr
			}
			if !lim.Allow(key) {
				w.Header().Set("Retry-After", "1")
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteError writes {"error": msg} with the given status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
