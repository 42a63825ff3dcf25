package shard

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/flashbots/ledger-router/api/httpserver"
	"github.com/flashbots/ledger-router/crypto"
	"github.com/flashbots/ledger-router/protocol"
	"github.com/go-chi/chi/v5"
)

// Handler exposes a shard Service over HTTP.
type Handler struct {
	svc        *Service
	adminToken string
	log        *slog.Logger
}

func NewHandler(svc *Service, adminToken string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, adminToken: adminToken, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.httpLogger)
		r.Post("/v1/auth", h.handleAuth)
		r.Post("/v1/query", h.handleQuery)
		r.Get("/registration-data", h.handleRegistrationData)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.httpLogger)
		r.Use(httpserver.AdminAuth("shard-admin", h.adminToken))
		r.Post("/rotate", h.handleRotate)
	})
}

func (h *Handler) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(h.log, next)
}

func (h *Handler) handleAuth(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[protocol.AuthRequest](r.Body)
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	msg2, err := h.svc.Auth(r.Context(), req.Message)
	if err != nil {
		var he *crypto.HandshakeError
		if errors.As(err, &he) {
			h.log.Warn("handshake rejected", "err", err)
			http.Error(w, "handshake rejected", http.StatusForbidden)
			return
		}
		h.log.Error("handshake failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, &protocol.AuthResponse{Message: msg2})
}

// handleQuery always answers 200 with a status; an undecodable body is
// reported as InvalidArgument like any other malformed request.
func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[protocol.ShardQueryRequest](r.Body)
	if err != nil {
		h.svc.violation("decode", err)
		writeJSON(w, &protocol.ShardQueryResponse{Status: protocol.StatusInvalidArgument})
		return
	}

	writeJSON(w, h.svc.Query(r.Context(), req))
}

func (h *Handler) handleRegistrationData(w http.ResponseWriter, r *http.Request) {
	signed, err := h.svc.RegistrationData()
	if err != nil {
		h.log.Error("building registration data", "err", err)
		http.Error(w, "attestation unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, signed)
}

func (h *Handler) handleRotate(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RotateKeys(); err != nil {
		h.log.Error("key rotation failed", "err", err)
		http.Error(w, "rotation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]uint64{"epoch": h.svc.KeyEpoch()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
