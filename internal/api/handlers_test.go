package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarscholar/disbursement-service/internal/app"
	"github.com/stellarscholar/disbursement-service/internal/domain"
	"github.com/stellarscholar/disbursement-service/internal/store"
)

func TestRespondServiceErrorMapping(t *testing.T) {
	appID := uuid.New()
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "validation error maps to 400",
			err:        &domain.ValidationError{Field: "approved_amount", Reason: "must be positive"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "not found maps to 404",
			err:        store.ErrApplicationNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "invalid state maps to 409",
			err:        &domain.InvalidStateError{ApplicationID: appID.String(), Status: domain.StatusDisbursed},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "concurrent modification maps to 409",
			err:        domain.ErrConcurrentModification,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "rate limit maps to 429",
			err:        app.ErrApproveRateLimited,
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "definitive payment failure maps to 502",
			err:        &domain.PaymentFailedError{Reason: "destination account does not exist"},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "indeterminate outcome maps to 202",
			err:        &domain.PaymentIndeterminateError{ApplicationID: appID.String(), Err: errors.New("timeout")},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "unknown error maps to 500",
			err:        errors.New("broken pipe"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	h := &ScholarshipHandlers{log: zap.NewNop().Sugar()}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			request := httptest.NewRequest(http.MethodPost, "/api/scholarships/applications", nil)

			h.respondServiceError(recorder, request, tt.err)

			if recorder.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, recorder.Code)
			}
			if ct := recorder.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("expected JSON response, got %q", ct)
			}
		})
	}
}

func TestRespondServiceErrorIndeterminateBody(t *testing.T) {
	appID := uuid.New()
	h := &ScholarshipHandlers{log: zap.NewNop().Sugar()}
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/scholarships/applications", nil)

	h.respondServiceError(recorder, request, &domain.PaymentIndeterminateError{
		ApplicationID: appID.String(),
		Err:           errors.New("timeout"),
	})

	var body map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["status"] != "pending_verification" {
		t.Fatalf("expected pending_verification status, got %q", body["status"])
	}
	if body["application_id"] != appID.String() {
		t.Fatalf("expected application id in body, got %q", body["application_id"])
	}
}
