package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/paydesk/backend/internal/auth"
)

type mockAuthService struct {
	staffID uuid.UUID
	role    string
	err     error
}

func (m *mockAuthService) Register(context.Context, string, string, string, string) (*auth.Staff, error) {
	return nil, errors.New("not implemented")
}

func (m *mockAuthService) Login(context.Context, string, string) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockAuthService) ValidateToken(context.Context, string) (uuid.UUID, string, error) {
	return m.staffID, m.role, m.err
}

func TestStaffAuthAttachesIdentity(t *testing.T) {
	staffID := uuid.New()
	mw := StaffAuth(&mockAuthService{staffID: staffID, role: auth.RolePayer})

	var seen *StaffIdentity
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = StaffFromCtx(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trades", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if seen == nil || seen.ID != staffID || seen.Role != auth.RolePayer {
		t.Fatalf("staff identity = %+v", seen)
	}
}

func TestStaffAuthMissingHeader(t *testing.T) {
	mw := StaffAuth(&mockAuthService{})
	handler := mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without credentials")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trades", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestStaffAuthMalformedHeader(t *testing.T) {
	mw := StaffAuth(&mockAuthService{})
	handler := mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	for _, h := range []string{"some-token", "Basic abc", "Bearer", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/trades", nil)
		req.Header.Set("Authorization", h)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", h, rr.Code)
		}
	}
}

func TestStaffAuthInvalidToken(t *testing.T) {
	mw := StaffAuth(&mockAuthService{err: errors.New("token is expired")})
	handler := mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trades", nil)
	req.Header.Set("Authorization", "Bearer expired-token")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}
