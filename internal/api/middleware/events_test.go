package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var eventSecret = []byte("0123456789abcdef0123456789abcdef")

func eventHandler(gotCallID *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotCallID = EventCallIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestEventTokenRoundTrip(t *testing.T) {
	token, err := GenerateEventToken(eventSecret, "call-123")
	if err != nil {
		t.Fatalf("GenerateEventToken() error: %v", err)
	}

	var gotCallID string
	handler := RequireEventToken(eventSecret)(eventHandler(&gotCallID))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events/call-end", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if gotCallID != "call-123" {
		t.Errorf("call ID from context = %q, want call-123", gotCallID)
	}
}

func TestRequireEventTokenRejects(t *testing.T) {
	wrongSecret := []byte("ffffffffffffffffffffffffffffffff")
	badSignature, err := GenerateEventToken(wrongSecret, "call-123")
	if err != nil {
		t.Fatalf("GenerateEventToken() error: %v", err)
	}

	tests := []struct {
		name string
		auth string
	}{
		{"missing header", ""},
		{"not a bearer token", "Basic abc"},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong signing secret", "Bearer " + badSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCallID string
			handler := RequireEventToken(eventSecret)(eventHandler(&gotCallID))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/events/call-end", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rr.Code)
			}
			if gotCallID != "" {
				t.Errorf("handler ran with call ID %q, want rejection", gotCallID)
			}
		})
	}
}
