package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("test-secret")

func bearerHandler(t *testing.T, v TokenVerifier, gotSubject *string) http.Handler {
	t.Helper()
	return RequireBearer(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotSubject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
}

func TestRequireBearerValidToken(t *testing.T) {
	token, err := SignHMACToken(testSecret, "callforward", "operator@example.com", time.Hour)
	if err != nil {
		t.Fatalf("SignHMACToken() error: %v", err)
	}

	var subject string
	handler := bearerHandler(t, NewHMACVerifier(testSecret, "callforward"), &subject)

	req := httptest.NewRequest(http.MethodPost, "/updateNumber", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if subject != "operator@example.com" {
		t.Fatalf("expected subject operator@example.com, got %q", subject)
	}
}

func TestRequireBearerRejects(t *testing.T) {
	good, _ := SignHMACToken(testSecret, "callforward", "op", time.Hour)
	expired, _ := SignHMACToken(testSecret, "callforward", "op", -time.Minute)
	otherKey, _ := SignHMACToken([]byte("other"), "callforward", "op", time.Hour)
	wrongIssuer, _ := SignHMACToken(testSecret, "someone-else", "op", time.Hour)
	noSubject, _ := SignHMACToken(testSecret, "callforward", "", time.Hour)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic " + good},
		{"garbage", "Bearer not-a-jwt"},
		{"expired", "Bearer " + expired},
		{"wrong key", "Bearer " + otherKey},
		{"wrong issuer", "Bearer " + wrongIssuer},
		{"no subject", "Bearer " + noSubject},
	}

	verifier := NewHMACVerifier(testSecret, "callforward")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var subject string
			handler := bearerHandler(t, verifier, &subject)

			req := httptest.NewRequest(http.MethodPost, "/queryNumber", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if body["error"] == "" {
				t.Fatal("expected error message in body")
			}
		})
	}
}

func TestRequireBearerRejectsNoneAlgorithm(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "op",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing none token: %v", err)
	}

	_, err = NewHMACVerifier(testSecret, "").Verify(token)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestRequireBearerNilVerifierPassesThrough(t *testing.T) {
	var subject string
	handler := bearerHandler(t, nil, &subject)

	req := httptest.NewRequest(http.MethodPost, "/queryNumber", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if subject != "" {
		t.Fatalf("expected empty subject, got %q", subject)
	}
}
