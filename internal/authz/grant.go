package authz

import (
	"fmt"
	"strings"
	"time"
)

// DirectEntityPermission is a legacy grant: one subject, one entity, one verb.
type DirectEntityPermission struct {
	SubjectID  string     `json:"subject_id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Verb       Verb       `json:"verb"`
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Validate checks the legacy invariants: a known legacy kind, a verb legal
// for that kind, and non-empty identifiers.
func (p DirectEntityPermission) Validate() error {
	if strings.TrimSpace(p.SubjectID) == "" {
		return fmt.Errorf("%w: subject_id is required", ErrInvalidInput)
	}
	return validateLegacyTarget(p.EntityType, p.EntityID, p.Verb)
}

// GroupEntityPermission is the group-directed legacy grant: every currently
// active member of the organization holds the verb.
type GroupEntityPermission struct {
	OrganizationID string     `json:"organization_id"`
	EntityType     EntityType `json:"entity_type"`
	EntityID       string     `json:"entity_id"`
	Verb           Verb       `json:"verb"`
	CreatedBy      string     `json:"created_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Validate checks the legacy invariants for a group-directed row.
func (p GroupEntityPermission) Validate() error {
	if strings.TrimSpace(p.OrganizationID) == "" {
		return fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	return validateLegacyTarget(p.EntityType, p.EntityID, p.Verb)
}

func validateLegacyTarget(t EntityType, id string, v Verb) error {
	if !IsLegacyEntityType(t) {
		return fmt.Errorf("%w: entity type %q has no legacy permissions", ErrInvalidInput, t)
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: entity_id is required", ErrInvalidInput)
	}
	if !LegacyVerbAllowed(t, v) {
		return fmt.Errorf("%w: verb %q is not valid for %q", ErrInvalidInput, v, t)
	}
	return nil
}

// PermissionGrant is the generalized polymorphic grant: a grantee holds a set
// of verbs over a set of entity kinds, anchored to one context entity
// instance. The grantee and context are tagged unions keyed by GranteeType
// and ContextEntityType; the storage layer maps them onto typed columns.
type PermissionGrant struct {
	ID                string       `json:"id"`
	GranteeType       GranteeType  `json:"grantee_type"`
	GranteeID         string       `json:"grantee_id"`
	ContextEntityType EntityType   `json:"context_entity_type"`
	ContextEntityID   string       `json:"context_entity_id"`
	Scope             []EntityType `json:"scope"`
	Verbs             []Verb       `json:"verbs"`
	CreatedBy         string       `json:"created_by,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// Normalize dedupes scope and verbs in place, preserving first-seen order.
func (g *PermissionGrant) Normalize() {
	g.GranteeID = strings.TrimSpace(g.GranteeID)
	g.ContextEntityID = strings.TrimSpace(g.ContextEntityID)

	seenScope := make(map[EntityType]struct{}, len(g.Scope))
	scope := g.Scope[:0]
	for _, t := range g.Scope {
		if _, ok := seenScope[t]; ok {
			continue
		}
		seenScope[t] = struct{}{}
		scope = append(scope, t)
	}
	g.Scope = scope

	seenVerbs := make(map[Verb]struct{}, len(g.Verbs))
	vs := g.Verbs[:0]
	for _, v := range g.Verbs {
		if _, ok := seenVerbs[v]; ok {
			continue
		}
		seenVerbs[v] = struct{}{}
		vs = append(vs, v)
	}
	g.Verbs = vs
}

// Validate enforces the schema invariants: valid enums, exactly one grantee
// and one context identifier, non-empty scope and verbs, and a scope drawn
// from the allow list for the context kind.
func (g PermissionGrant) Validate() error {
	if g.GranteeType != GranteeUser && g.GranteeType != GranteeUserGroup {
		return fmt.Errorf("%w: unknown grantee type %q", ErrInvalidInput, g.GranteeType)
	}
	if strings.TrimSpace(g.GranteeID) == "" {
		return fmt.Errorf("%w: grantee_id is required", ErrInvalidInput)
	}
	if !IsContextEntityType(g.ContextEntityType) {
		return fmt.Errorf("%w: %q is not a grant context kind", ErrInvalidInput, g.ContextEntityType)
	}
	if strings.TrimSpace(g.ContextEntityID) == "" {
		return fmt.Errorf("%w: context_entity_id is required", ErrInvalidInput)
	}
	if len(g.Scope) == 0 {
		return fmt.Errorf("%w: scope must not be empty", ErrInvalidInput)
	}
	for _, t := range g.Scope {
		if _, ok := entityTypes[t]; !ok {
			return fmt.Errorf("%w: unknown entity type %q in scope", ErrInvalidInput, t)
		}
		if !ScopeAllows(g.ContextEntityType, t) {
			return fmt.Errorf("%w: scope type %q is not permitted for context %q", ErrInvalidInput, t, g.ContextEntityType)
		}
	}
	if len(g.Verbs) == 0 {
		return fmt.Errorf("%w: verbs must not be empty", ErrInvalidInput)
	}
	for _, v := range g.Verbs {
		if _, ok := verbs[v]; !ok {
			return fmt.Errorf("%w: unknown verb %q", ErrInvalidInput, v)
		}
		if v == VerbCreateProposal {
			return fmt.Errorf("%w: verb %q is restricted to legacy opportunity permissions", ErrInvalidInput, v)
		}
	}
	return nil
}

// HasVerb reports whether the grant carries the verb.
func (g PermissionGrant) HasVerb(v Verb) bool {
	for _, gv := range g.Verbs {
		if gv == v {
			return true
		}
	}
	return false
}

// ScopeIncludes reports whether the grant's scope covers the kind.
func (g PermissionGrant) ScopeIncludes(t EntityType) bool {
	for _, gt := range g.Scope {
		if gt == t {
			return true
		}
	}
	return false
}
