// Package http exposes the provider on a local loopback endpoint.
package http

import (
	"net/http"

	"github.com/quantumauth-io/quantum-auth-provider/internal/provider"
)

type Server struct {
	mux      *http.ServeMux
	provider *provider.Provider

	allowedOrigins map[string]struct{}
}

// NewServer builds the local endpoint for p. Browser requests are accepted
// only from allowedOrigins; requests without an Origin header (local tools)
// are always accepted from loopback addresses.
func NewServer(p *provider.Provider, allowedOrigins []string) *Server {
	s := &Server{
		mux:            http.NewServeMux(),
		provider:       p,
		allowedOrigins: make(map[string]struct{}, len(allowedOrigins)),
	}
	for _, o := range allowedOrigins {
		o = normalizeOrigin(o)
		if o == "" {
			continue
		}
		s.allowedOrigins[o] = struct{}{}
	}

	healthCors := corsPolicy{
		allowedOrigins: s.allowedOrigins,
		allowMethods:   "GET,OPTIONS",
		maxAge:         600,
	}
	rpcCors := corsPolicy{
		allowedOrigins: s.allowedOrigins,
		allowMethods:   "POST,OPTIONS",
		allowHeaders:   "", // echo
		maxAge:         600,
	}
	eventsCors := corsPolicy{
		allowedOrigins: s.allowedOrigins,
		allowMethods:   "GET,OPTIONS",
		maxAge:         600,
	}

	s.mux.HandleFunc("/healthz", s.withCORS(healthCors, s.withLoopbackOnly(requireMethod(http.MethodGet, s.handleHealth))))
	s.mux.HandleFunc("/rpc", s.withLocalGuards(rpcCors, requireMethodRPC(http.MethodPost, s.handleRPC)))
	s.mux.HandleFunc("/events", s.withLocalGuards(eventsCors, requireMethod(http.MethodGet, s.handleEvents)))
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.provider.Store().GetState()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": st.Connected(),
	})
}
