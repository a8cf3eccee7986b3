// Package server provides the HTTP surface of the session store
// server: a WebSocket sync endpoint protected by Bearer token
// middleware, plus a health endpoint.
package server

import (
	"log/slog"
	"net/http"

	"github.com/nthall/editsync/internal/store"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store     *store.Bolt
	TokenHash string
	Logger    *slog.Logger
}

// NewMux builds the HTTP mux. The sync endpoint is protected by Bearer
// token middleware; health is open.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	authMiddleware := Middleware(cfg.TokenHash, cfg.Logger)
	mux.Handle("/sync", authMiddleware(NewSessionHandler(cfg.Store, cfg.Logger)))

	return mux
}
