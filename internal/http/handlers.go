package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quantumauth-io/quantum-auth-provider/internal/host"
	"github.com/quantumauth-io/quantum-auth-provider/internal/provider"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

// eventBuffer is the per-stream backlog; Emit blocks once a stream falls
// this far behind.
const eventBuffer = 64

const keepAliveInterval = 15 * time.Second

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req provider.Request
	if err := readJSONBody(w, r, &req); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, provider.CodeParseError, "invalid JSON-RPC request")
		return
	}

	ctx := r.Context()
	if origin := host.Normalize(r.Header.Get("Origin")); origin != "" {
		ctx = provider.WithOrigin(ctx, origin)
	}

	resp := s.provider.Handle(ctx, req)
	if resp.Error != nil {
		log.Warn("http: rpc request failed", "method", req.Method, "code", resp.Error.Code, "error", resp.Error.Message)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams provider events as server-sent events, one
// "event: <kind>" frame per event with the JSON data on the data line.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan provider.Event, eventBuffer)
	sub := s.provider.Emitter().Subscribe(ch)
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case err := <-sub.Err():
			if err != nil {
				log.Warn("http: event subscription closed", "error", err)
			}
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-ch:
			data, err := json.Marshal(ev.Data)
			if err != nil {
				log.Error("http: encode event", "event", ev.Kind, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
