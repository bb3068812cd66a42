/**
 * @description
 * This file contains the HTTP handlers for the disbursement-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * The error mapping is the important part: a definitive payment rejection is a
 * 502 with the application safely back in pending, while an indeterminate
 * outcome is a 202 because the disbursement may still complete once the
 * reconciler has settled it.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarscholar/disbursement-service/internal/app"
	"github.com/stellarscholar/disbursement-service/internal/domain"
	"github.com/stellarscholar/disbursement-service/internal/store"
)

// ScholarshipHandlers holds the application services that handlers will use.
type ScholarshipHandlers struct {
	service       *app.Service
	reconciler    *app.Reconciler
	sourceAccount string
	log           *zap.SugaredLogger
}

// NewScholarshipHandlers creates a new instance of ScholarshipHandlers.
func NewScholarshipHandlers(service *app.Service, reconciler *app.Reconciler, sourceAccount string, log *zap.SugaredLogger) *ScholarshipHandlers {
	return &ScholarshipHandlers{
		service:       service,
		reconciler:    reconciler,
		sourceAccount: sourceAccount,
		log:           log,
	}
}

// applicationResponse decorates an application with its display amounts.
// Amounts travel as decimal strings; the raw stroop values stay available for
// clients that prefer integers.
type applicationResponse struct {
	domain.Application
	RequestedAmountDisplay string  `json:"requested_amount_display"`
	DisbursedAmountDisplay *string `json:"disbursed_amount_display,omitempty"`
}

func buildApplicationResponse(a domain.Application) applicationResponse {
	resp := applicationResponse{
		Application:            a,
		RequestedAmountDisplay: domain.FormatAmount(a.RequestedAmount),
	}
	if a.DisbursedAmount != nil {
		display := domain.FormatAmount(*a.DisbursedAmount)
		resp.DisbursedAmountDisplay = &display
	}
	return resp
}

type disbursementResponse struct {
	Application   applicationResponse        `json:"application"`
	Record        *domain.DisbursementRecord `json:"record,omitempty"`
	TransactionID string                     `json:"transaction_id"`
	Status        string                     `json:"status"`
	Message       string                     `json:"message"`
}

// SubmitApplicationHandler handles new scholarship application submissions.
func (h *ScholarshipHandlers) SubmitApplicationHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	application, err := h.service.SubmitApplication(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, buildApplicationResponse(*application))
}

// GetApplicationHandler returns one application by id.
func (h *ScholarshipHandlers) GetApplicationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseApplicationID(w, r)
	if !ok {
		return
	}

	application, err := h.service.GetApplication(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, buildApplicationResponse(*application))
}

// ListApplicationsHandler returns applications for review, optionally
// filtered by status via the `status` query parameter.
func (h *ScholarshipHandlers) ListApplicationsHandler(w http.ResponseWriter, r *http.Request) {
	opts := domain.ApplicationListOptions{}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		switch domain.ApplicationStatus(status) {
		case domain.StatusPending, domain.StatusProcessing, domain.StatusRejected, domain.StatusDisbursed:
			opts.Status = domain.ApplicationStatus(status)
		default:
			h.writeError(w, http.StatusBadRequest, "Unknown status filter")
			return
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}

	applications, err := h.service.ListApplications(r.Context(), opts)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	responses := make([]applicationResponse, 0, len(applications))
	for _, a := range applications {
		responses = append(responses, buildApplicationResponse(a))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"applications": responses,
		"count":        len(responses),
	})
}

// ApproveApplicationHandler approves an application and disburses the
// scholarship in one atomic business operation.
func (h *ScholarshipHandlers) ApproveApplicationHandler(w http.ResponseWriter, r *http.Request) {
	adminID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	id, okID := h.parseApplicationID(w, r)
	if !okID {
		return
	}

	var req domain.ApproveApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.ApproveApplication(r.Context(), id, adminID, req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, disbursementResponse{
		Application:   buildApplicationResponse(*result.Application),
		Record:        result.Record,
		TransactionID: result.TransactionID,
		Status:        "disbursed",
		Message:       "Scholarship disbursed successfully",
	})
}

// RejectApplicationHandler rejects a pending application.
func (h *ScholarshipHandlers) RejectApplicationHandler(w http.ResponseWriter, r *http.Request) {
	adminID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	id, okID := h.parseApplicationID(w, r)
	if !okID {
		return
	}

	var req domain.RejectApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	application, err := h.service.RejectApplication(r.Context(), id, adminID, req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, buildApplicationResponse(*application))
}

// StudentApplicationsHandler returns all applications for one wallet.
func (h *ScholarshipHandlers) StudentApplicationsHandler(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")

	applications, err := h.service.ListApplicationsByStudent(r.Context(), wallet)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	responses := make([]applicationResponse, 0, len(applications))
	for _, a := range applications {
		responses = append(responses, buildApplicationResponse(a))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"applications": responses,
		"count":        len(responses),
	})
}

// StudentSummaryHandler returns a wallet's aggregate and its receipts.
func (h *ScholarshipHandlers) StudentSummaryHandler(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")

	summary, err := h.service.GetStudentSummary(r.Context(), wallet)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary":                summary,
		"total_received_display": domain.FormatAmount(summary.Aggregate.TotalReceived),
	})
}

// ListRecordsHandler returns recent disbursement receipts.
func (h *ScholarshipHandlers) ListRecordsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	records, err := h.service.ListDisbursementRecords(r.Context(), limit)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// DashboardHandler returns the admin dashboard payload.
func (h *ScholarshipHandlers) DashboardHandler(w http.ResponseWriter, r *http.Request) {
	dashboard, err := h.service.GetDashboard(r.Context(), h.sourceAccount)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, dashboard)
}

// StatisticsHandler returns derived analytics and the consistency flag.
func (h *ScholarshipHandlers) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	statistics, err := h.service.GetStatistics(r.Context(), h.sourceAccount)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, statistics)
}

// ReconcileHandler triggers one reconciliation run and returns its report.
func (h *ScholarshipHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Run(r.Context())
	if err != nil {
		h.log.Errorw("reconciliation run failed", "err", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *ScholarshipHandlers) parseApplicationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid application ID format")
		return uuid.Nil, false
	}
	return id, true
}

// respondServiceError translates the domain error taxonomy into HTTP status
// codes and response bodies.
func (h *ScholarshipHandlers) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *domain.ValidationError
	var stateErr *domain.InvalidStateError
	var paymentErr *domain.PaymentFailedError
	var indeterminateErr *domain.PaymentIndeterminateError

	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, validationErr.Error())

	case errors.Is(err, store.ErrApplicationNotFound), errors.Is(err, store.ErrRecordNotFound):
		h.writeError(w, http.StatusNotFound, "Not found")

	case errors.As(err, &stateErr):
		h.writeJSON(w, http.StatusConflict, map[string]string{
			"error":  stateErr.Error(),
			"status": string(stateErr.Status),
		})

	case errors.Is(err, domain.ErrConcurrentModification):
		h.writeError(w, http.StatusConflict, "Application was modified concurrently; re-fetch and retry if appropriate")

	case errors.Is(err, app.ErrApproveRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "Approval rate limit exceeded; slow down")

	case errors.As(err, &paymentErr):
		h.writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":  paymentErr.Error(),
			"status": string(domain.StatusPending),
		})

	case errors.As(err, &indeterminateErr):
		// The payment may have executed. The application stays claimed until
		// reconciliation settles it, so this is neither success nor failure.
		h.writeJSON(w, http.StatusAccepted, map[string]string{
			"status":         "pending_verification",
			"message":        "Payment outcome could not be confirmed; the disbursement is pending verification",
			"application_id": indeterminateErr.ApplicationID,
		})

	default:
		h.log.Errorw("unhandled service error", "path", r.URL.Path, "err", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *ScholarshipHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *ScholarshipHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
