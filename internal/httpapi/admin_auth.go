package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorizeAdmin checks the operator bearer token on admin routes.
func (h *Handler) authorizeAdmin(r *http.Request) error {
	if h.adminToken == "" {
		return httpError{
			Status: http.StatusForbidden,
			Code:   "admin_disabled",
			Detail: "admin endpoints are disabled; configure an admin token",
		}
	}
	presented, ok := bearerToken(r)
	if !ok {
		return httpError{
			Status: http.StatusUnauthorized,
			Code:   "unauthorized",
			Detail: "bearer token required",
		}
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.adminToken)) != 1 {
		return httpError{
			Status: http.StatusForbidden,
			Code:   "forbidden",
			Detail: "invalid admin token",
		}
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
