// Package api exposes the health records and sync operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Unfixab1e/fitfolio/internal/auth"
	"github.com/Unfixab1e/fitfolio/internal/domain"
	"github.com/Unfixab1e/fitfolio/internal/persistence"
	"github.com/Unfixab1e/fitfolio/internal/syncer"
)

// Operator is the slice of syncer.Operations the API drives.
type Operator interface {
	SetupUser(ctx context.Context, username, subjectID string) (domain.SyncProfile, bool, error)
	DisableUser(ctx context.Context, username string) error
	GetProfile(ctx context.Context, username string) (domain.SyncProfile, error)
	SyncUser(ctx context.Context, username string) (domain.SyncSummary, error)
	SyncAllUsers(ctx context.Context) (syncer.FleetResult, error)
}

// Handler coordinates HTTP requests with the record service and sync operations.
type Handler struct {
	service *domain.Service
	ops     Operator
	logger  *log.Logger
}

// NewHandler builds a Handler. A nil logger uses the default api logger.
func NewHandler(service *domain.Service, ops Operator, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default().WithPrefix("api")
	}
	return &Handler{service: service, ops: ops, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", healthz)
	mux.HandleFunc("GET /v1/records/{metric}", h.listRecords)
	mux.HandleFunc("POST /v1/records/{metric}", h.createRecord)
	mux.HandleFunc("GET /v1/dashboard", h.dashboard)
	mux.HandleFunc("GET /v1/profiles/{username}", h.getProfile)
	mux.HandleFunc("PUT /v1/profiles/{username}", h.putProfile)
	mux.HandleFunc("DELETE /v1/profiles/{username}", h.deleteProfile)
	mux.HandleFunc("POST /v1/sync/{username}", h.syncUser)
	mux.HandleFunc("POST /v1/sync", h.syncAll)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// authorize resolves the caller and checks scope. It writes the error response and returns nil on failure.
func authorize(w http.ResponseWriter, r *http.Request, scope string) *auth.Claims {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil
	}
	return claims
}

// ownerOf returns the user_id the request targets, defaulting to the caller.
func ownerOf(w http.ResponseWriter, r *http.Request, claims *auth.Claims, userID string) (string, bool) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = claims.Subject
	}
	if !claims.CanActOn(userID) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot access another user's records")
		return "", false
	}
	return userID, true
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	claims := authorize(w, r, auth.ScopeRead)
	if claims == nil {
		return
	}
	metric, err := domain.ParseMetricType(r.PathValue("metric"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	query := r.URL.Query()
	userID, ok := ownerOf(w, r, claims, query.Get("user_id"))
	if !ok {
		return
	}

	q := domain.RecordQuery{UserID: userID, Metric: metric}
	if q.From, err = parseDateParam(query.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid from date")
		return
	}
	if q.To, err = parseDateParam(query.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid to date")
		return
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}
	if q.Cursor, err = persistence.DecodeCursor(query.Get("cursor")); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	records, next, err := h.service.ListRecords(r.Context(), q)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := ListRecordsResponse{
		Metric:     string(metric),
		Items:      make([]RecordView, 0, len(records)),
		NextCursor: persistence.EncodeCursor(next),
	}
	for _, rec := range records {
		resp.Items = append(resp.Items, toRecordView(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createRecord(w http.ResponseWriter, r *http.Request) {
	claims := authorize(w, r, auth.ScopeWrite)
	if claims == nil {
		return
	}
	metric, err := domain.ParseMetricType(r.PathValue("metric"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	var req CreateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	userID, ok := ownerOf(w, r, claims, req.UserID)
	if !ok {
		return
	}
	req.UserID = userID

	rec, err := req.toRecord(metric)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	stored, created, err := h.service.CreateForUser(r.Context(), rec)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, CreateRecordResponse{Created: created, Record: toRecordView(stored)})
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	claims := authorize(w, r, auth.ScopeRead)
	if claims == nil {
		return
	}
	userID, ok := ownerOf(w, r, claims, r.URL.Query().Get("user_id"))
	if !ok {
		return
	}

	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "validation_failed", "days must be a positive integer")
			return
		}
		days = parsed
	}

	dash, err := h.service.Dashboard(r.Context(), userID, days)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDashboardView(dash))
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	if authorize(w, r, auth.ScopeAdmin) == nil {
		return
	}
	profile, err := h.ops.GetProfile(r.Context(), r.PathValue("username"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileView(profile))
}

func (h *Handler) putProfile(w http.ResponseWriter, r *http.Request) {
	if authorize(w, r, auth.ScopeAdmin) == nil {
		return
	}
	var req SetupProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	profile, created, err := h.ops.SetupUser(r.Context(), r.PathValue("username"), req.SubjectID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toProfileView(profile))
}

func (h *Handler) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if authorize(w, r, auth.ScopeAdmin) == nil {
		return
	}
	if err := h.ops.DisableUser(r.Context(), r.PathValue("username")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) syncUser(w http.ResponseWriter, r *http.Request) {
	if authorize(w, r, auth.ScopeAdmin) == nil {
		return
	}
	summary, err := h.ops.SyncUser(r.Context(), r.PathValue("username"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) syncAll(w http.ResponseWriter, r *http.Request) {
	if authorize(w, r, auth.ScopeAdmin) == nil {
		return
	}
	result, err := h.ops.SyncAllUsers(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFleetView(result))
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var unknown *domain.UnknownUserError
	switch {
	case errors.As(err, &unknown), errors.Is(err, domain.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, syncer.ErrProfileMissing):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, syncer.ErrSyncDisabled), errors.Is(err, syncer.ErrSubjectMissing):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrInvalidRecord), errors.Is(err, domain.ErrUnsupportedMetric):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	default:
		h.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func parseDateParam(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return time.Parse(domain.DateLayout, raw)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"type":   code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
