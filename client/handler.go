package client

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/flashbots/ledger-router/ledger"
	"github.com/flashbots/ledger-router/protocol"
	"github.com/go-chi/chi/v5"
)

// MaxLookupKeys bounds the keys accepted by one lookup request.
const MaxLookupKeys = 256

// LookupRequest is the body of POST /client/lookup.
type LookupRequest struct {
	Keys []protocol.Key `json:"keys"`
}

// KeyResult is one merged result as returned over HTTP.
type KeyResult struct {
	Key             protocol.Key `json:"key"`
	Code            string       `json:"code"`
	LocatedAt       *uint64      `json:"located_at,omitempty"`
	FreshnessBound  uint64       `json:"freshness_bound"`
	GlobalItemCount uint64       `json:"global_item_count"`
}

// LookupResponse is returned by POST /client/lookup.
type LookupResponse struct {
	Results   []KeyResult       `json:"results"`
	Outcomes  map[string]string `json:"outcomes"`
	Anomalies []string          `json:"anomalies,omitempty"`
}

// Handler exposes a Client over HTTP for local tooling. It holds the
// client's channels, so it must not be reachable by untrusted callers.
type Handler struct {
	client *Client
	log    *slog.Logger
}

func NewHandler(client *Client, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{client: client, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return httplogger.LoggingMiddlewareSlog(h.log, next)
		})
		r.Get("/client/status", h.handleStatus)
		r.Post("/client/lookup", h.handleLookup)
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	shards := h.client.Shards()

	status := map[string]any{
		"shards": shards,
	}
	authenticated := 0
	for _, s := range shards {
		if h.client.channel(s.URI) != nil {
			authenticated++
		}
	}
	status["authenticated"] = authenticated

	writeJSON(w, status)
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[LookupRequest](r.Body)
	if err != nil || len(req.Keys) == 0 || len(req.Keys) > MaxLookupKeys {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	result, err := h.client.Query(r.Context(), req.Keys)
	switch {
	case errors.Is(err, ledger.ErrInsufficientCoverage):
		resp := NewLookupResponse(result)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(resp)
		return
	case errors.Is(err, ErrNoShards), errors.Is(err, ErrRouterUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		h.log.Error("lookup failed", "err", err)
		http.Error(w, "lookup failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, NewLookupResponse(result))
}

// NewLookupResponse converts a query result into its HTTP form.
func NewLookupResponse(result *Result) *LookupResponse {
	resp := &LookupResponse{
		Results:  make([]KeyResult, 0, len(result.Results)),
		Outcomes: make(map[string]string, len(result.Outcomes)),
	}
	for _, res := range result.Results {
		resp.Results = append(resp.Results, KeyResult{
			Key:             res.Key,
			Code:            res.Code.String(),
			LocatedAt:       res.LocatedAt,
			FreshnessBound:  res.FreshnessBound,
			GlobalItemCount: res.GlobalItemCount,
		})
	}
	for uri, kind := range result.Outcomes {
		resp.Outcomes[uri] = kind.String()
	}
	for _, a := range result.Anomalies {
		resp.Anomalies = append(resp.Anomalies, a.String())
	}
	return resp
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
