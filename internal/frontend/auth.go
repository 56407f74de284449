package frontend

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/undoable-org/undoable/internal/config"
)

// admission returns the auth middleware for the configured mode.
//
// With a token configured, every request must carry a matching bearer token
// (compared in constant time). With a JWT secret, the bearer must be a valid
// HS256 token. With neither, only loopback peers are admitted, and any
// X-Forwarded-For chain must be loopback all the way through.
func admission(server config.Server) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case server.AuthMode == config.AuthModeToken && server.Token != "":
				if !bearerMatches(r, server.Token) {
					writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
					return
				}
			case server.AuthMode == config.AuthModeJWT && server.JWTSecret != "":
				if !jwtValid(r, server.JWTSecret) {
					writeError(w, http.StatusUnauthorized, "invalid or missing JWT")
					return
				}
			default:
				if !loopbackOnly(r) {
					writeError(w, http.StatusUnauthorized,
						"daemon is in loopback-only mode; configure a token to allow remote access")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return auth[len(prefix):]
}

func bearerMatches(r *http.Request, token string) bool {
	presented := bearerToken(r)
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func jwtValid(r *http.Request, secret string) bool {
	presented := bearerToken(r)
	if presented == "" {
		return false
	}
	_, err := jwt.Parse(presented, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil
}

// loopbackOnly accepts the request only when the peer and every hop in the
// X-Forwarded-For chain are loopback addresses.
func loopbackOnly(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !isLoopbackHost(host) {
		return false
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return true
	}
	for _, hop := range strings.Split(forwarded, ",") {
		if !isLoopbackHost(strings.TrimSpace(hop)) {
			return false
		}
	}
	return true
}

// isLoopbackHost accepts loopback addresses only; hostnames are rejected,
// so a "localhost" entry in a forwarding chain does not pass.
func isLoopbackHost(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
