package relay

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chat-relay/pkg/transcript"
)

type RouterOptions struct {
	// StaticDir, when set, is served at "/" for the widget assets.
	StaticDir         string
	AllowedOrigins    []string
	EnableDebugRoutes bool
}

// NewRouter mounts the websocket endpoint, health check, optional debug API and
// optional static files on a gorilla/mux router.
func NewRouter(h *Hub, opts RouterOptions) http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"connections": h.pool.Count(),
		})
	}).Methods(http.MethodGet)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Warn().Err(err).Str("component", "relay").Msg("websocket upgrade failed")
			return
		}
		if _, err := h.Attach(conn); err != nil {
			log.Error().Err(err).Str("component", "relay").Msg("attach websocket")
			_ = conn.Close()
		}
	})

	if opts.EnableDebugRoutes {
		registerDebugRoutes(r.PathPrefix("/api/debug").Subrouter(), h)
	}

	if opts.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(opts.StaticDir)))
	}
	return r
}

func registerDebugRoutes(r *mux.Router, h *Hub) {
	r.HandleFunc("/connections", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"items":       h.Sessions(),
			"transcripts": h.Store().Len(),
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/transcripts/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		t, ok := h.Store().Get(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "transcript not found"})
			return
		}
		resp := map[string]any{
			"id":    id,
			"turns": t,
		}
		if tokens, err := transcript.EstimateTokens(t); err == nil {
			resp["token_estimate"] = tokens
		}
		writeJSON(w, http.StatusOK, resp)
	}).Methods(http.MethodGet)
}

// originChecker accepts requests without an Origin header, any origin when the list
// contains "*", and otherwise only exact (case-insensitive) matches.
func originChecker(allowed []string) func(*http.Request) bool {
	allowAll := len(allowed) == 0
	set := map[string]struct{}{}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		if o != "" {
			set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("component", "http").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
