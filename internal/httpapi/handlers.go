// Package httpapi is the HTTP surface over the authorization engine: health
// probes, a development token mint, grant administration, and the protected
// entity collections.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"commonsdata.org/internal/audit"
	"commonsdata.org/internal/authz"
	"commonsdata.org/internal/obs"
)

// ReadyProbe reports readiness, pinging the database when one is wired.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *authz.Service
	readyProbe ReadyProbe
	version    string

	maxBodyBytes int64
	rateBurst    int
	ratePerSec   int
}

func New(svc *authz.Service, rp ReadyProbe, version string) *API {
	a := &API{
		mux:          http.NewServeMux(),
		svc:          svc,
		readyProbe:   rp,
		version:      version,
		maxBodyBytes: 1 << 20,
		rateBurst:    50,
		ratePerSec:   25,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/permission-grants", a.handleGrantCollection)
	a.mux.HandleFunc("/v1/permission-grants/", a.handleGrantResource)
	a.mux.HandleFunc("/v1/users/", a.handleUserPermissions)
	a.mux.HandleFunc("/v1/groups/", a.handleGroupPermissions)

	for segment, t := range entityCollections {
		base := "/v1/" + segment
		a.mux.HandleFunc(base, a.entityCollectionHandler(t))
		a.mux.HandleFunc(base+"/", a.entityResourceHandler(t))
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server. RequestID runs
// first so every later layer, rate limiting included, can tag its output.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(CORS(h))
	h = LoggingJSON(h)
	return obs.Instrument(RequestID(h))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "commons-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "commons-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// actor extracts the authenticated actor; false means the auth middleware
// did not run or the path slipped through unauthenticated.
func (a *API) actor(w http.ResponseWriter, r *http.Request) (authz.Actor, bool) {
	id, ok := authz.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return authz.Actor{}, false
	}
	return id.Actor, true
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleAuthzError maps engine sentinel errors onto status codes. Privilege
// and referential failures on writes surface as unprocessable rather than
// forbidden, and invisible resources as not found, so responses never
// disclose what the caller may not see.
func handleAuthzError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authz.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, authz.ErrConflict):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, authz.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, authz.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	default:
		writeError(w, r, http.StatusInternalServerError, "operation failed")
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
