package httpapi

import (
	"net/http"
	"strings"
	"time"

	"commonsdata.org/internal/token"
)

type tokenRequest struct {
	Subject       string   `json:"subject"`
	Roles         []string `json:"roles"`
	Organizations []string `json:"organizations"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

const tokenTTL = 15 * time.Minute

// handleAuthToken mints a development credential carrying the subject, its
// roles, and the organization ids it currently claims membership in.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, "subject is required")
		return
	}

	signed, err := token.GenerateToken(subject, req.Roles, req.Organizations, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(tokenTTL)
	a.audit(r.Context(), "auth.token.issued", map[string]any{
		"subject":       subject,
		"roles":         req.Roles,
		"organizations": req.Organizations,
		"expires_at":    expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     signed,
		ExpiresAt: expiresAt,
	})
}
