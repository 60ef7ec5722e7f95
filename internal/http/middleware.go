package http

import (
	"fmt"
	"net/http"

	"github.com/quantumauth-io/quantum-auth-provider/internal/provider"
)

type corsPolicy struct {
	allowedOrigins map[string]struct{}
	allowMethods   string
	allowHeaders   string
	maxAge         int
}

func (s *Server) withCORS(policy corsPolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originRaw := r.Header.Get("Origin")
		if originRaw != "" {
			origin := normalizeOrigin(originRaw)
			if origin == "" {
				http.Error(w, "forbidden origin", http.StatusForbidden)
				return
			}
			if _, ok := policy.allowedOrigins[origin]; !ok {
				http.Error(w, "forbidden origin", http.StatusForbidden)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")

			if policy.allowMethods != "" {
				w.Header().Set("Access-Control-Allow-Methods", policy.allowMethods)
			}
			if policy.allowHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", policy.allowHeaders)
			} else if reqHdrs := r.Header.Get("Access-Control-Request-Headers"); reqHdrs != "" {
				w.Header().Set("Access-Control-Allow-Headers", reqHdrs)
			}
			if policy.maxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", policy.maxAge))
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func (s *Server) withLoopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackRequest(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// withLocalGuards admits loopback requests addressed to a local host name,
// from an allowed origin or no origin at all.
func (s *Server) withLocalGuards(policy corsPolicy, next http.HandlerFunc) http.HandlerFunc {
	return s.withCORS(policy, func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackRequest(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if !isSafeLocalHost(r.Host) {
			http.Error(w, "forbidden host", http.StatusForbidden)
			return
		}
		next(w, r)
	})
}

func requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// requireMethodRPC is requireMethod with a JSON-RPC error body.
func requireMethodRPC(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeRPCError(w, http.StatusMethodNotAllowed, nil, provider.CodeInvalidRequest, "method not allowed")
			return
		}
		next(w, r)
	}
}
