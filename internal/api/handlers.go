package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dchatpar/inboxgrove/internal/dnsrecord"
	"github.com/dchatpar/inboxgrove/internal/provider"
	"github.com/dchatpar/inboxgrove/internal/wizard"
)

// SessionResponse is a session snapshot with its advance guard
type SessionResponse struct {
	wizard.Session
	CanAdvance    bool   `json:"can_advance"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

// SearchRequest is the request body for POST /sessions/{id}/search
type SearchRequest struct {
	Domain string `json:"domain"`
}

// RecordsResponse is the JSON form of GET /sessions/{id}/records
type RecordsResponse struct {
	Set     dnsrecord.RecordSet    `json:"set"`
	Records []dnsrecord.HostRecord `json:"records"`
	MTA     []dnsrecord.HostRecord `json:"mta_records,omitempty"`
	Publish []dnsrecord.HostRecord `json:"publish,omitempty"`
}

// PurchaseRequest is the optional body for POST /purchase. Zero years
// uses the configured term.
type PurchaseRequest struct {
	Years int `json:"years,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
	Step  string `json:"step,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		Sessions: s.sessions.Len(),
	})
}

// handleCreateSession handles POST /api/v1/sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	wz, err := s.sessions.Create(r.Context())
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	s.sendSession(w, http.StatusCreated, wz)
}

// handleListSessions handles GET /api/v1/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string][]string{"sessions": s.sessions.IDs()})
}

// handleGetSession handles GET /api/v1/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	wz, ok := s.session(w, r)
	if !ok {
		return
	}
	s.sendSession(w, http.StatusOK, wz)
}

// handleDeleteSession handles DELETE /api/v1/sessions/{id}
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(chi.URLParam(r, "id")); err != nil {
		s.sendWizardError(w, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSearch handles POST /api/v1/sessions/{id}/search
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Domain) == "" {
		s.sendError(w, http.StatusBadRequest, "domain is required")
		return
	}

	s.runStep(w, r, func(ctx context.Context, wz *wizard.Wizard) error {
		return wz.Search(ctx, req.Domain)
	})
}

// handlePurchase handles POST /api/v1/sessions/{id}/purchase
func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.runStep(w, r, func(ctx context.Context, wz *wizard.Wizard) error {
		return wz.Purchase(ctx, req.Years)
	})
}

// handleOwned handles POST /api/v1/sessions/{id}/owned
func (s *Server) handleOwned(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, func(_ context.Context, wz *wizard.Wizard) error {
		return wz.AssertOwned()
	})
}

// handleConnectDNSHost handles POST /api/v1/sessions/{id}/dns-host
func (s *Server) handleConnectDNSHost(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, func(ctx context.Context, wz *wizard.Wizard) error {
		return wz.ConnectDNSHost(ctx)
	})
}

// handleSkipDNSHost handles POST /api/v1/sessions/{id}/dns-host/skip
func (s *Server) handleSkipDNSHost(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, func(_ context.Context, wz *wizard.Wizard) error {
		_, err := wz.SkipDNSHost()
		return err
	})
}

// handleGenerateDKIM handles POST /api/v1/sessions/{id}/dkim/{selector}
func (s *Server) handleGenerateDKIM(w http.ResponseWriter, r *http.Request) {
	selector := chi.URLParam(r, "selector")
	s.runStep(w, r, func(ctx context.Context, wz *wizard.Wizard) error {
		return wz.GenerateDKIM(ctx, selector)
	})
}

// handleDeploy handles POST /api/v1/sessions/{id}/deploy
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, func(ctx context.Context, wz *wizard.Wizard) error {
		return wz.Deploy(ctx)
	})
}

// handleVerify handles POST /api/v1/sessions/{id}/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, func(ctx context.Context, wz *wizard.Wizard) error {
		return wz.Verify(ctx)
	})
}

// handleAdvance handles POST /api/v1/sessions/{id}/advance
func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, func(_ context.Context, wz *wizard.Wizard) error {
		_, err := wz.Advance()
		return err
	})
}

// handleBack handles POST /api/v1/sessions/{id}/back
func (s *Server) handleBack(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, func(_ context.Context, wz *wizard.Wizard) error {
		_, err := wz.Back()
		return err
	})
}

// handleRecords handles GET /api/v1/sessions/{id}/records?format=json|csv|bind|text
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	wz, ok := s.session(w, r)
	if !ok {
		return
	}

	set, err := wz.RecordSet()
	if err != nil {
		s.sendWizardError(w, err, "")
		return
	}
	snap := wz.Snapshot()

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		s.sendJSON(w, http.StatusOK, RecordsResponse{
			Set:     set,
			Records: set.HostRecords(),
			MTA:     snap.MTARecords,
			Publish: snap.Publish,
		})
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="`+set.Domain+`-records.csv"`)
		if err := dnsrecord.WriteCSV(w, set); err != nil {
			s.logger.Error("failed to write CSV", "error", err)
		}
	case "bind":
		records := snap.Publish
		if len(records) == 0 {
			records = set.HostRecords()
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(dnsrecord.BindZone(set.Domain, records)))
	case "text":
		p := dnsrecord.ProviderCloudflare
		if name := r.URL.Query().Get("provider"); name != "" {
			if p, err = dnsrecord.ParseProvider(name); err != nil {
				s.sendError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(dnsrecord.Instructions(set, p)))
	default:
		s.sendError(w, http.StatusBadRequest, "format must be json, csv, bind or text")
	}
}

// runStep runs op against the session named in the URL and replies with the
// resulting snapshot. The step outlives a disconnecting client; its own
// timeout still applies.
func (s *Server) runStep(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, wz *wizard.Wizard) error) {
	wz, ok := s.session(w, r)
	if !ok {
		return
	}

	if err := op(context.WithoutCancel(r.Context()), wz); err != nil {
		s.sendWizardError(w, err, wz.Snapshot().Step.String())
		return
	}
	s.sendSession(w, http.StatusOK, wz)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*wizard.Wizard, bool) {
	wz, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.sendWizardError(w, err, "")
		return nil, false
	}
	return wz, true
}

func (s *Server) sendSession(w http.ResponseWriter, status int, wz *wizard.Wizard) {
	ok, reason := wz.CanAdvance()
	s.sendJSON(w, status, SessionResponse{
		Session:       wz.Snapshot(),
		CanAdvance:    ok,
		BlockedReason: reason,
	})
}

// sendWizardError maps wizard and provider errors onto HTTP statuses
func (s *Server) sendWizardError(w http.ResponseWriter, err error, step string) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("wizard step failed", "step", step, "error", err)
	}
	s.sendJSON(w, status, ErrorResponse{Error: provider.Message(err), Step: step})
}

func errorStatus(err error) int {
	var verr *wizard.ValidationError
	var perr *provider.Error
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, wizard.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, wizard.ErrClosed):
		return http.StatusGone
	case errors.Is(err, wizard.ErrBusy),
		errors.Is(err, wizard.ErrWrongStep),
		errors.Is(err, wizard.ErrCannotAdvance),
		errors.Is(err, wizard.ErrCannotGoBack),
		errors.Is(err, wizard.ErrStale):
		return http.StatusConflict
	case errors.Is(err, wizard.ErrNoDNSHost):
		return http.StatusPreconditionFailed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
