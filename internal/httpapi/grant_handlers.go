package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"commonsdata.org/internal/authz"
)

type createGrantRequest struct {
	GranteeType       string   `json:"grantee_type"`
	GranteeID         string   `json:"grantee_id"`
	ContextEntityType string   `json:"context_entity_type"`
	ContextEntityID   string   `json:"context_entity_id"`
	Scope             []string `json:"scope"`
	Verbs             []string `json:"verbs"`
}

func (a *API) handleGrantCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleCreateGrant(w, r)
	case http.MethodGet:
		a.handleListGrants(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	var req createGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	g := authz.PermissionGrant{
		GranteeType:       authz.GranteeType(strings.TrimSpace(strings.ToLower(req.GranteeType))),
		GranteeID:         req.GranteeID,
		ContextEntityType: authz.EntityType(strings.TrimSpace(strings.ToLower(req.ContextEntityType))),
		ContextEntityID:   req.ContextEntityID,
	}
	for _, s := range req.Scope {
		g.Scope = append(g.Scope, authz.EntityType(strings.TrimSpace(strings.ToLower(s))))
	}
	for _, v := range req.Verbs {
		g.Verbs = append(g.Verbs, authz.Verb(strings.TrimSpace(strings.ToLower(v))))
	}

	created, err := a.svc.CreateGrant(r.Context(), actor, g)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "authz.grant.create", map[string]any{
		"grant_id":            created.ID,
		"grantee_type":        created.GranteeType,
		"grantee_id":          created.GranteeID,
		"context_entity_type": created.ContextEntityType,
		"context_entity_id":   created.ContextEntityID,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/permission-grants/%s", created.ID))
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleListGrants(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := authz.GrantFilter{
		GranteeID:       strings.TrimSpace(q.Get("granteeId")),
		ContextEntityID: strings.TrimSpace(q.Get("entityId")),
		Limit:           queryInt(r, "limit", 0),
		Offset:          queryInt(r, "offset", 0),
	}
	if raw := strings.TrimSpace(q.Get("granteeType")); raw != "" {
		gt, err := authz.ParseGranteeType(raw)
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		f.GranteeType = gt
	}
	if raw := strings.TrimSpace(q.Get("entityType")); raw != "" {
		t, err := authz.ParseEntityType(raw)
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		f.ContextEntityType = t
	}

	grants, err := a.svc.ListGrants(r.Context(), actor, f)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	if grants == nil {
		grants = []authz.PermissionGrant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (a *API) handleGrantResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/permission-grants/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		g, err := a.svc.GetGrant(r.Context(), actor, id)
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	case http.MethodDelete:
		if err := a.svc.DeleteGrant(r.Context(), actor, id); err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.audit(r.Context(), "authz.grant.delete", map[string]any{"grant_id": id})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

// legacyTarget parses {granteeID}/permissions/{entityType}/{entityID}/{verb}.
func legacyTarget(path, prefix string) (granteeID string, t authz.EntityType, entityID string, v authz.Verb, err error) {
	path = strings.Trim(strings.TrimPrefix(path, prefix), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 5 || parts[1] != "permissions" {
		return "", "", "", "", authz.ErrNotFound
	}
	granteeID = parts[0]
	if t, err = authz.ParseEntityType(parts[2]); err != nil {
		return "", "", "", "", err
	}
	entityID = parts[3]
	if v, err = authz.ParseVerb(parts[4]); err != nil {
		return "", "", "", "", err
	}
	return granteeID, t, entityID, v, nil
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	subjectID, t, entityID, v, err := legacyTarget(r.URL.Path, "/v1/users/")
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPut:
		p, err := a.svc.PutDirectPermission(r.Context(), actor, authz.DirectEntityPermission{
			SubjectID:  subjectID,
			EntityType: t,
			EntityID:   entityID,
			Verb:       v,
		})
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.audit(r.Context(), "authz.permission.put", map[string]any{
			"subject_id": subjectID, "entity_type": t, "entity_id": entityID, "verb": v,
		})
		writeJSON(w, http.StatusCreated, p)
	case http.MethodDelete:
		if err := a.svc.RemoveDirectPermission(r.Context(), actor, subjectID, t, entityID, v); err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.audit(r.Context(), "authz.permission.remove", map[string]any{
			"subject_id": subjectID, "entity_type": t, "entity_id": entityID, "verb": v,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleGroupPermissions(w http.ResponseWriter, r *http.Request) {
	organizationID, t, entityID, v, err := legacyTarget(r.URL.Path, "/v1/groups/")
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPut:
		p, err := a.svc.PutGroupPermission(r.Context(), actor, authz.GroupEntityPermission{
			OrganizationID: organizationID,
			EntityType:     t,
			EntityID:       entityID,
			Verb:           v,
		})
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.audit(r.Context(), "authz.group_permission.put", map[string]any{
			"organization_id": organizationID, "entity_type": t, "entity_id": entityID, "verb": v,
		})
		writeJSON(w, http.StatusCreated, p)
	case http.MethodDelete:
		if err := a.svc.RemoveGroupPermission(r.Context(), actor, organizationID, t, entityID, v); err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.audit(r.Context(), "authz.group_permission.remove", map[string]any{
			"organization_id": organizationID, "entity_type": t, "entity_id": entityID, "verb": v,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodDelete)
	}
}
