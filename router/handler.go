package router

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/flashbots/ledger-router/api/httpserver"
	"github.com/flashbots/ledger-router/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// ClientHandler serves the client-facing routes.
type ClientHandler struct {
	router         *Router
	transport      Transport
	allowedOrigins []string
	log            *slog.Logger
}

// NewClientHandler creates the client routes. Auth requests are relayed to
// shards through transport.
func NewClientHandler(router *Router, transport Transport, allowedOrigins []string, log *slog.Logger) *ClientHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ClientHandler{router: router, transport: transport, allowedOrigins: allowedOrigins, log: log}
}

func (h *ClientHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
		r.Use(h.httpLogger)

		r.Post("/v1/auth", h.handleAuth)
		r.Post("/v1/query", h.handleQuery)
		r.Get("/v1/shards", h.handleShards)
		// preflight requests are answered by the cors middleware
		r.Options("/v1/*", func(http.ResponseWriter, *http.Request) {})
	})
}

func (h *ClientHandler) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(h.log, next)
}

// handleAuth relays a client's first handshake message to the named shard.
// The router takes no part in the client-shard key agreement.
func (h *ClientHandler) handleAuth(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[protocol.AuthRequest](r.Body)
	if err != nil || req.ShardURI == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	endpoints, err := h.router.Registry().Snapshot()
	if err != nil {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if indexOf(endpoints, req.ShardURI) < 0 {
		http.Error(w, "unknown shard", http.StatusNotFound)
		return
	}

	resp, err := h.transport.Auth(r.Context(), req.ShardURI, &protocol.AuthRequest{Message: req.Message})
	switch {
	case errors.Is(err, ErrHandshakeRejected):
		http.Error(w, "handshake rejected", http.StatusForbidden)
		return
	case err != nil:
		h.log.Debug("auth relay failed", "shard", req.ShardURI, "err", err)
		http.Error(w, "shard unavailable", http.StatusBadGateway)
		return
	}

	writeJSON(w, resp)
}

func (h *ClientHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[protocol.MultiShardRequest](r.Body)
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	resp, err := h.router.Submit(r.Context(), req)
	switch {
	case errors.Is(err, ErrRegistryUnavailable):
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	case errors.Is(err, ErrRequestCancelled):
		// the client is gone; the status is only seen by the logger
		w.WriteHeader(499)
		return
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, resp)
}

func (h *ClientHandler) handleShards(w http.ResponseWriter, r *http.Request) {
	descriptors := h.router.Registry().List()
	resp := &protocol.ShardListResponse{Shards: make([]protocol.ShardInfo, len(descriptors))}
	for i, d := range descriptors {
		resp.Shards[i] = protocol.ShardInfo{URI: d.URI, IdentityKey: d.IdentityKey}
	}
	writeJSON(w, resp)
}

// AdminHandler serves the registry administration routes behind basic
// auth.
type AdminHandler struct {
	registry   *Registry
	adminToken string
	log        *slog.Logger
}

func NewAdminHandler(registry *Registry, adminToken string, log *slog.Logger) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{registry: registry, adminToken: adminToken, log: log}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return httplogger.LoggingMiddlewareSlog(h.log, next)
		})
		r.Use(httpserver.AdminAuth("router-admin", h.adminToken))

		r.Post("/shards", h.handleRegister)
		r.Get("/shards", h.handleList)
		r.Delete("/shards/{uri}", h.handleRemove)
	})
}

func (h *AdminHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	signed, err := protocol.DecodeMessage[protocol.Signed[protocol.ShardRegistration]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = h.registry.Register(r.Context(), signed)
	switch {
	case errors.Is(err, ErrRegistrationRejected):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case errors.Is(err, ErrRegistryUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		h.log.Error("registering shard", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.registry.List())
}

func (h *AdminHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.registry.List())
}

// handleRemove takes the uri path-escaped, e.g. /admin/shards/http%3A%2F%2Fshard-0%3A8081.
func (h *AdminHandler) handleRemove(w http.ResponseWriter, r *http.Request) {
	uri, err := url.PathUnescape(chi.URLParam(r, "uri"))
	if err != nil {
		http.Error(w, "invalid uri", http.StatusBadRequest)
		return
	}

	err = h.registry.Remove(r.Context(), uri)
	switch {
	case errors.Is(err, ErrShardNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrRegistryUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		h.log.Error("removing shard", "shard", uri, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
