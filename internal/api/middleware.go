package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

type contextKey string

const contextKeyParty contextKey = "party"

// partyFrom returns the authenticated party stored by the auth
// middleware.
func partyFrom(ctx context.Context) *ocpi.RemoteParty {
	p, _ := ctx.Value(contextKeyParty).(*ocpi.RemoteParty)
	return p
}

// bearerToken extracts the token from "Authorization: Token <value>".
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Token") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// tokenAuth authenticates every request against the access-token
// registry and stores the resolved party in the request context.
// Failure reasons stay distinct on the wire.
func (a *API) tokenAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		party, err := a.registry.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			a.countAuth(err)
			sendError(w, err)
			return
		}
		a.countAuth(nil)
		ctx := context.WithValue(r.Context(), contextKeyParty, party)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) countAuth(err error) {
	if a.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		switch ocpi.ReasonOf(err) {
		case ocpi.AuthExpired:
			result = "expired"
		case ocpi.AuthNotYetValid:
			result = "not_yet_valid"
		case ocpi.AuthBlocked:
			result = "blocked"
		default:
			result = "unknown"
		}
	}
	a.metrics.AuthResults.WithLabelValues(result).Inc()
}

// ipRateLimit is a token-bucket limiter per client IP, used on the
// open version-discovery endpoint.
func ipRateLimit(next http.Handler, perSecond, burst int) http.Handler {
	type bucket struct {
		lim  *rate.Limiter
		seen time.Time
	}
	var mu sync.Mutex
	buckets := map[string]*bucket{}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		mu.Lock()
		b, ok := buckets[host]
		if !ok {
			b = &bucket{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
			buckets[host] = b
		}
		b.seen = time.Now()
		if len(buckets) > 10000 {
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, v := range buckets {
				if v.seen.Before(cutoff) {
					delete(buckets, k)
				}
			}
		}
		allowed := b.lim.Allow()
		mu.Unlock()

		if !allowed {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminClaims are the JWT claims the admin API expects.
type adminClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// adminAuth guards the administrative API with an HS256 JWT carrying
// an "admin" role claim. Party tokens never grant admin access.
func (a *API) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")
		claims := &adminClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(a.adminSecret), nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		for _, role := range claims.Roles {
			if role == "admin" {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, "admin role required", http.StatusForbidden)
	})
}

// timed records request latency per route.
func (a *API) timed(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		if a.metrics != nil {
			a.metrics.RequestLatency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		}
	}
}
