package api

import (
	"context"
	"net/http"

	"github.com/tmarkovic/chainsmith/directory"
)

type contextKey string

const callerKey contextKey = "caller"

// callerHeader names the header carrying the authenticated subject ID. The
// deployment's front proxy terminates authentication and forwards the
// identity; the core treats it as an explicit caller parameter, never as
// ambient state.
const callerHeader = "X-User-ID"

// IdentityMiddleware resolves the caller against the directory and rejects
// requests without a known identity.
func (a *API) IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(callerHeader)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing caller identity")
			return
		}
		user, err := a.dir.Lookup(userID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unknown caller identity")
			return
		}
		ctx := context.WithValue(r.Context(), callerKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// caller returns the authenticated identity stored by IdentityMiddleware.
func caller(r *http.Request) directory.UserInfo {
	user, _ := r.Context().Value(callerKey).(directory.UserInfo)
	return user
}

// canAccessCertificate reports whether the caller may operate on a
// certificate record: its owner, or an administrator.
func canAccessCertificate(user directory.UserInfo, ownerID string) bool {
	return user.Role == directory.RoleAdmin || (ownerID != "" && ownerID == user.ID)
}
