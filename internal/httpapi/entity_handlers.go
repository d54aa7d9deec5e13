package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"commonsdata.org/internal/authz"
)

// entityCollections maps URL segments onto entity kinds.
var entityCollections = map[string]authz.EntityType{
	"funders":                  authz.EntityFunder,
	"changemakers":             authz.EntityChangemaker,
	"data-providers":           authz.EntityDataProvider,
	"sources":                  authz.EntitySource,
	"opportunities":            authz.EntityOpportunity,
	"changemaker-field-values": authz.EntityChangemakerFieldValue,
}

func collectionSegment(t authz.EntityType) string {
	for seg, kind := range entityCollections {
		if kind == t {
			return seg
		}
	}
	return string(t)
}

type createEntityRequest struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
}

func (a *API) entityCollectionHandler(t authz.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := a.actor(w, r)
		if !ok {
			return
		}
		switch r.Method {
		case http.MethodPost:
			var req createEntityRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			e, err := a.svc.CreateEntity(r.Context(), actor, authz.Entity{
				Type:     t,
				Name:     req.Name,
				ParentID: req.ParentID,
			})
			if err != nil {
				handleAuthzError(w, r, err)
				return
			}
			a.audit(r.Context(), "entity.create", map[string]any{
				"entity_type": t, "entity_id": e.ID, "name": e.Name,
			})
			w.Header().Set("Location", fmt.Sprintf("/v1/%s/%s", collectionSegment(t), e.ID))
			writeJSON(w, http.StatusCreated, e)
		case http.MethodGet:
			entities, err := a.svc.ListEntities(r.Context(), actor, t,
				queryInt(r, "limit", 0), queryInt(r, "offset", 0))
			if err != nil {
				handleAuthzError(w, r, err)
				return
			}
			if entities == nil {
				entities = []authz.Entity{}
			}
			writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
		default:
			methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
		}
	}
}

func (a *API) entityResourceHandler(t authz.EntityType) http.HandlerFunc {
	prefix := "/v1/" + collectionSegment(t) + "/"
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
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
			e, err := a.svc.GetEntity(r.Context(), actor, t, id)
			if err != nil {
				handleAuthzError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, e)
		case http.MethodDelete:
			if err := a.svc.DeleteEntity(r.Context(), actor, t, id); err != nil {
				handleAuthzError(w, r, err)
				return
			}
			a.audit(r.Context(), "entity.delete", map[string]any{
				"entity_type": t, "entity_id": id,
			})
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
	}
}
