package commerce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BakeDesk/OrderPilot/internal/models"
)

func TestHTTPClientCheckAvailability(t *testing.T) {
	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		var req AvailabilityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.BranchID != "b-1" {
			t.Errorf("branch_id = %q; want b-1", req.BranchID)
		}
		json.NewEncoder(w).Encode(AvailabilityResult{Available: true})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "secret-key")
	result, err := client.CheckAvailability(context.Background(), AvailabilityRequest{
		FlowKind:     models.FlowKindOrderCreate,
		BranchID:     "b-1",
		DeliveryDate: "2026-01-05",
	})
	if err != nil {
		t.Fatalf("CheckAvailability failed: %v", err)
	}
	if !result.Available {
		t.Error("expected available result")
	}
	if gotAuth != "Bearer secret-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/availability/check" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestHTTPClientCheckAvailabilityUnavailableIsNotError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(AvailabilityResult{
			Available:    false,
			Reason:       "sold out for that date",
			Alternatives: []string{"2026-01-06", "2026-01-07"},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "")
	result, err := client.CheckAvailability(context.Background(), AvailabilityRequest{})
	if err != nil {
		t.Fatalf("unavailable should not be an error: %v", err)
	}
	if result.Available {
		t.Error("expected unavailable result")
	}
	if len(result.Alternatives) != 2 {
		t.Errorf("alternatives = %v", result.Alternatives)
	}
}

func TestHTTPClientCommitStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantClass models.ErrorClass
	}{
		{"conflict is race lost", http.StatusConflict, models.ErrorClassRaceLost},
		{"forbidden is authorization", http.StatusForbidden, models.ErrorClassAuthorization},
		{"unprocessable is policy denied", http.StatusUnprocessableEntity, models.ErrorClassPolicyDenied},
		{"server error is transport", http.StatusBadGateway, models.ErrorClassTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]string{"error": "backend said no"})
			}))
			defer server.Close()

			client := NewHTTPClient(server.URL, "")
			_, err := client.CommitChange(context.Background(), CommitRequest{IdempotencyKey: "key-1"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := models.ClassOf(err); got != tt.wantClass {
				t.Errorf("ClassOf = %v; want %v", got, tt.wantClass)
			}
		})
	}
}

func TestHTTPClientCommitSendsIdempotencyKey(t *testing.T) {
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Idempotency-Key")
		json.NewEncoder(w).Encode(CommitResult{OrderRef: "ORD-100", Status: models.OrderStatusConfirmed})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "")
	result, err := client.CommitChange(context.Background(), CommitRequest{IdempotencyKey: "key-abc"})
	if err != nil {
		t.Fatalf("CommitChange failed: %v", err)
	}
	if gotHeader != "key-abc" {
		t.Errorf("Idempotency-Key header = %q", gotHeader)
	}
	if result.OrderRef != "ORD-100" {
		t.Errorf("order ref = %q", result.OrderRef)
	}
}

func TestHTTPClientCommitWithoutKeyIsInvariantViolation(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", "")
	_, err := client.CommitChange(context.Background(), CommitRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := models.ClassOf(err); got != models.ErrorClassInvariant {
		t.Errorf("ClassOf = %v; want invariant", got)
	}
}

func TestHTTPClientCommitNetworkFailureIsTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	client := NewHTTPClient(server.URL, "")
	_, err := client.CommitChange(context.Background(), CommitRequest{IdempotencyKey: "key-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := models.ClassOf(err); got != models.ErrorClassTransport {
		t.Errorf("ClassOf = %v; want transport", got)
	}
}

func TestHTTPClientFindOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders/ORD-42":
			if r.URL.Query().Get("contact") != "+34911111111" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			json.NewEncoder(w).Encode(models.Order{
				Ref:          "ORD-42",
				BranchID:     "b-1",
				DeliveryDate: "2026-01-05",
				Status:       models.OrderStatusConfirmed,
				OwnerProof:   "proof-token",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "")

	order, err := client.FindOrder(context.Background(), "ORD-42", "+34911111111")
	if err != nil {
		t.Fatalf("FindOrder failed: %v", err)
	}
	if order == nil || order.OwnerProof != "proof-token" {
		t.Errorf("order = %+v", order)
	}

	missing, err := client.FindOrder(context.Background(), "ORD-404", "+34911111111")
	if err != nil {
		t.Fatalf("FindOrder for missing order errored: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown order")
	}

	_, err = client.FindOrder(context.Background(), "ORD-42", "+34900000000")
	if err == nil {
		t.Fatal("expected authorization error for contact mismatch")
	}
	if got := models.ClassOf(err); got != models.ErrorClassAuthorization {
		t.Errorf("ClassOf = %v; want authorization", got)
	}
}

func TestHTTPPolicySource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/policies/b-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(models.Policy{
			AllowReschedule:   true,
			AllowBranchChange: false,
			ConfirmTTLSeconds: 120,
		})
	}))
	defer server.Close()

	source := NewHTTPPolicySource(server.URL)
	policy, err := source.GetPolicy(context.Background(), "b-1")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if !policy.AllowReschedule || policy.AllowBranchChange {
		t.Errorf("policy = %+v", policy)
	}
	if policy.ConfirmTTLSeconds != 120 {
		t.Errorf("confirm ttl = %d", policy.ConfirmTTLSeconds)
	}

	_, err = source.GetPolicy(context.Background(), "b-404")
	if err == nil {
		t.Fatal("expected error for unknown branch")
	}
	if got := models.ClassOf(err); got != models.ErrorClassTransport {
		t.Errorf("ClassOf = %v; want transport", got)
	}
}

func TestStaticPolicySource(t *testing.T) {
	source := StaticPolicySource{Policy: DefaultPolicy()}
	policy, err := source.GetPolicy(context.Background(), "anything")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if !policy.AllowReschedule || !policy.AllowBranchChange {
		t.Errorf("default policy = %+v", policy)
	}
}
