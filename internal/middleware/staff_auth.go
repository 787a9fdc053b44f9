package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/paydesk/backend/internal/auth"
)

type contextKey string

const ctxStaffKey contextKey = "staff"

// StaffIdentity is the authenticated staff member attached to the request.
type StaffIdentity struct {
	ID   uuid.UUID
	Role string
}

// StaffAuth validates the Bearer session token and stows the staff
// identity into the request context.
func StaffAuth(svc auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			id, role, err := svc.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxStaffKey, &StaffIdentity{ID: id, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// StaffFromCtx returns the authenticated staff identity or nil.
func StaffFromCtx(ctx context.Context) *StaffIdentity {
	st, _ := ctx.Value(ctxStaffKey).(*StaffIdentity)
	return st
}

// WithStaff returns a context carrying the given staff identity, for tests.
func WithStaff(ctx context.Context, st *StaffIdentity) context.Context {
	return context.WithValue(ctx, ctxStaffKey, st)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
