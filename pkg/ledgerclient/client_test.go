package ledgerclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSubmitPaymentSuccess(t *testing.T) {
	var gotIdempotencyKey, gotAPIKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/payments" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		gotAPIKey = r.Header.Get("x-ledger-key")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"tx1","type":"Payment","attributes":{"status":"completed","ledger":123}}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "GSOURCE")
	resp, err := client.SubmitPayment(context.Background(), "GDEST", 5000000000, "app:abc")
	if err != nil {
		t.Fatalf("SubmitPayment returned error: %v", err)
	}
	if resp.Data.ID != "tx1" {
		t.Fatalf("expected transaction id tx1, got %q", resp.Data.ID)
	}
	if gotIdempotencyKey != "app:abc" {
		t.Fatalf("expected idempotency key app:abc, got %q", gotIdempotencyKey)
	}
	if gotAPIKey != "secret" {
		t.Fatalf("expected api key header, got %q", gotAPIKey)
	}
}

func TestSubmitPaymentParsedRejectionIsDefinitive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":[{"title":"Invalid destination","detail":"destination account does not exist","status":"400"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "GSOURCE")
	_, err := client.SubmitPayment(context.Background(), "GDEST", 100, "app:abc")

	var errResp *ErrorResponse
	if !errors.As(err, &errResp) {
		t.Fatalf("expected *ErrorResponse, got %v", err)
	}
	if !errResp.IsDefinitiveRejection() {
		t.Fatal("parsed 4xx must be a definitive rejection")
	}
	if errors.Is(err, ErrIndeterminate) {
		t.Fatal("definitive rejection must not be indeterminate")
	}
	if errResp.Reason() != "destination account does not exist" {
		t.Fatalf("unexpected reason: %q", errResp.Reason())
	}
}

func TestSubmitPaymentServerErrorIsIndeterminate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "GSOURCE")
	_, err := client.SubmitPayment(context.Background(), "GDEST", 100, "app:abc")
	if !errors.Is(err, ErrIndeterminate) {
		t.Fatalf("expected indeterminate outcome for 5xx, got %v", err)
	}
}

func TestSubmitPaymentUnparsableErrorIsIndeterminate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("<html>gateway error</html>"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "GSOURCE")
	_, err := client.SubmitPayment(context.Background(), "GDEST", 100, "app:abc")
	if !errors.Is(err, ErrIndeterminate) {
		t.Fatalf("expected indeterminate outcome for unparsable error, got %v", err)
	}
}

func TestSubmitPaymentTransportFailureIsIndeterminate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	client := NewClient(server.URL, "secret", "GSOURCE")
	client.HTTPClient.Timeout = 2 * time.Second
	_, err := client.SubmitPayment(context.Background(), "GDEST", 100, "app:abc")
	if !errors.Is(err, ErrIndeterminate) {
		t.Fatalf("expected indeterminate outcome for transport failure, got %v", err)
	}
}

func TestSubmitPaymentMissingIDIsIndeterminate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"type":"Payment"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "GSOURCE")
	_, err := client.SubmitPayment(context.Background(), "GDEST", 100, "app:abc")
	if !errors.Is(err, ErrIndeterminate) {
		t.Fatalf("expected indeterminate outcome for missing id, got %v", err)
	}
}

func TestGetPaymentByReference(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("reference"); got != "app:abc" {
			t.Fatalf("expected reference query app:abc, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"tx1","destination":"GDEST","amount":5000000000,"reference":"app:abc"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "GSOURCE")
	payment, err := client.GetPaymentByReference(context.Background(), "app:abc")
	if err != nil {
		t.Fatalf("GetPaymentByReference returned error: %v", err)
	}
	if payment.ID != "tx1" || payment.Amount != 5000000000 {
		t.Fatalf("unexpected payment: %+v", payment)
	}
}

func TestGetPaymentByReferenceNotFound(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "404 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
		},
		{
			name: "empty listing",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"data":[]}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := NewClient(server.URL, "secret", "GSOURCE")
			_, err := client.GetPaymentByReference(context.Background(), "app:abc")
			if !errors.Is(err, ErrPaymentNotFound) {
				t.Fatalf("expected ErrPaymentNotFound, got %v", err)
			}
		})
	}
}

func TestGetPaymentByReferenceServerErrorIsIndeterminate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "GSOURCE")
	_, err := client.GetPaymentByReference(context.Background(), "app:abc")
	if errors.Is(err, ErrPaymentNotFound) {
		t.Fatal("a server error must never read as a definitive not-found")
	}
	if !errors.Is(err, ErrIndeterminate) {
		t.Fatalf("expected indeterminate outcome, got %v", err)
	}
}

func TestGetAccountReceivedTotal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/GDEST/received" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"account":"GDEST","received":5000000000}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "GSOURCE")
	total, err := client.GetAccountReceivedTotal(context.Background(), "GDEST")
	if err != nil {
		t.Fatalf("GetAccountReceivedTotal returned error: %v", err)
	}
	if total != 5000000000 {
		t.Fatalf("expected 5000000000, got %d", total)
	}
}

func TestGetAccountSentTotal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/GSOURCE/sent" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"account":"GSOURCE","sent":7500000000}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "GSOURCE")
	total, err := client.GetAccountSentTotal(context.Background(), "GSOURCE")
	if err != nil {
		t.Fatalf("GetAccountSentTotal returned error: %v", err)
	}
	if total != 7500000000 {
		t.Fatalf("expected 7500000000, got %d", total)
	}
}
