package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/bookyardhq/bookyard-backend/api/responses"
	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
	"github.com/bookyardhq/bookyard-backend/pkg/logger"
)

// Identity headers are stamped by the edge proxy after it authenticates the
// caller; this service never sees credentials, only the resolved principal.
const (
	userIDHeader  = "X-User-Id"
	staffIDHeader = "X-Staff-Id"
)

type contextKey string

const (
	ctxUserID  contextKey = "user_id"
	ctxStaffID contextKey = "staff_id"
)

// RequireUser rejects requests without a parseable user identity and stores
// it in the context.
func RequireUser(logg *logger.Logger) func(http.Handler) http.Handler {
	return requireIdentity(logg, userIDHeader, ctxUserID)
}

// RequireStaff guards the admin surface the same way, from the staff header.
func RequireStaff(logg *logger.Logger) func(http.Handler) http.Handler {
	return requireIdentity(logg, staffIDHeader, ctxStaffID)
}

func requireIdentity(logg *logger.Logger, header string, key contextKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(header)
			id, err := uuid.Parse(raw)
			if raw == "" || err != nil {
				responses.WriteError(r.Context(), logg, w,
					pkgerrors.New(pkgerrors.CodeUnauthorized, "caller identity missing"))
				return
			}

			ctx := context.WithValue(r.Context(), key, id)
			if logg != nil && key == ctxUserID {
				ctx = logg.WithUserID(ctx, id.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext returns the authenticated user id, or uuid.Nil when the
// request did not pass RequireUser.
func UserIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(ctxUserID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// StaffIDFromContext returns the authenticated staff id, or uuid.Nil.
func StaffIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(ctxStaffID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
