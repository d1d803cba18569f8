package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dchatpar/inboxgrove/internal/dkim"
	"github.com/dchatpar/inboxgrove/internal/dnsrecord"
	"github.com/dchatpar/inboxgrove/internal/keystore"
)

// maxBundleSize caps an imported bundle
const maxBundleSize = 1 << 20

// KeyManagement exposes the stored DKIM bundle
type KeyManagement struct {
	store  *keystore.Store
	bundle string
	logger *slog.Logger
}

// NewKeyManagement creates the DKIM bundle handlers
func NewKeyManagement(store *keystore.Store, bundle string, logger *slog.Logger) *KeyManagement {
	return &KeyManagement{store: store, bundle: bundle, logger: logger}
}

// KeyInfo describes one stored selector without its private key
type KeyInfo struct {
	Selector  string    `json:"selector"`
	PublicKey string    `json:"public_key"`
	DNSValue  string    `json:"dns_value"`
	CreatedAt time.Time `json:"created_at"`
}

// ImportResponse is the response for POST /dkim/import
type ImportResponse struct {
	Imported int `json:"imported"`
}

// RegisterRoutes registers DKIM bundle routes
func (k *KeyManagement) RegisterRoutes(r chi.Router) {
	r.Route("/dkim", func(r chi.Router) {
		r.Get("/", k.handleList)
		r.Get("/export", k.handleExport)
		r.Post("/import", k.handleImport)
		r.Delete("/{selector}", k.handleDelete)
	})
}

// handleList handles GET /api/v1/dkim
func (k *KeyManagement) handleList(w http.ResponseWriter, r *http.Request) {
	bundle, err := k.store.Load(r.Context(), k.bundle)
	if err != nil {
		k.logger.Error("failed to load DKIM bundle", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load DKIM bundle")
		return
	}

	keys := make([]KeyInfo, 0, len(bundle.Keys))
	for _, sel := range bundle.Selectors() {
		e := bundle.Keys[sel]
		pub := dkim.ExtractPublicKeyBase64(e.Public)
		keys = append(keys, KeyInfo{
			Selector:  sel,
			PublicKey: pub,
			DNSValue:  dnsrecord.DKIMValue(pub),
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// handleExport handles GET /api/v1/dkim/export
func (k *KeyManagement) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := k.store.Export(r.Context(), k.bundle)
	if err != nil {
		k.logger.Error("failed to export DKIM bundle", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to export DKIM bundle")
		return
	}

	k.logger.Warn("DKIM bundle exported", "remote_addr", r.RemoteAddr)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+k.bundle+`.json"`)
	w.Write(data)
}

// handleImport handles POST /api/v1/dkim/import
func (k *KeyManagement) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBundleSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	n, err := k.store.Import(r.Context(), k.bundle, data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid DKIM bundle: "+err.Error())
		return
	}

	k.logger.Info("DKIM bundle imported", "selectors", n)
	writeJSON(w, http.StatusOK, ImportResponse{Imported: n})
}

// handleDelete handles DELETE /api/v1/dkim/{selector}
func (k *KeyManagement) handleDelete(w http.ResponseWriter, r *http.Request) {
	selector := chi.URLParam(r, "selector")
	if err := k.store.Delete(r.Context(), k.bundle, selector); err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "DKIM key not found")
			return
		}
		k.logger.Error("failed to delete DKIM key", "selector", selector, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete DKIM key")
		return
	}

	k.logger.Info("DKIM key deleted", "selector", selector)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
