package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHS256RoundTrip(t *testing.T) {
	secret := "test-secret"
	token, err := IssueStaffToken(secret, "user-1", "org-1", RoleOwner, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueStaffToken failed: %v", err)
	}
	parsed, err := ParseAndVerifyHS256(token, secret)
	if err != nil {
		t.Fatalf("ParseAndVerifyHS256 failed: %v", err)
	}
	if parsed.Subject != "user-1" || parsed.OrganizationID != "org-1" || parsed.Role != RoleOwner {
		t.Fatalf("claims mismatch: got %+v", parsed)
	}
	if _, err := ParseAndVerifyHS256(token, "wrong-secret"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken with wrong secret, got %v", err)
	}
}

func TestExpiredAndRoleChecks(t *testing.T) {
	secret := "test-secret"
	expired, err := IssueStaffToken(secret, "user-1", "org-1", RoleStaff, time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAndVerifyHS256(expired, secret); err == nil {
		t.Fatal("expected expired token to fail")
	}

	patient, err := SignHS256(Claims{
		OrganizationID: "org-1",
		Role:           "patient",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAndVerifyHS256(patient, secret); err == nil {
		t.Fatal("expected unknown role to fail")
	}

	noExp, err := SignHS256(Claims{OrganizationID: "org-1", Role: RoleOwner}, secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAndVerifyHS256(noExp, secret); err == nil {
		t.Fatal("expected token without exp to fail")
	}
}

func TestRequireStaff(t *testing.T) {
	secret := "test-secret"
	var gotOrg string
	h := RequireStaff(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := ClaimsFromContext(r.Context())
		gotOrg = c.OrganizationID
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, _ := IssueStaffToken(secret, "user-1", "org-9", RoleStaff, time.Hour, time.Now())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || gotOrg != "org-9" {
		t.Fatalf("expected 204 for org-9, got %d %q", rec.Code, gotOrg)
	}
}
