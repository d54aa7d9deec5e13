package authz

import (
	"fmt"
	"strings"
)

// EntityType enumerates the protected record kinds the engine decides over.
type EntityType string

const (
	EntityFunder                EntityType = "funder"
	EntityChangemaker           EntityType = "changemaker"
	EntityDataProvider          EntityType = "data_provider"
	EntitySource                EntityType = "source"
	EntityOpportunity           EntityType = "opportunity"
	EntityChangemakerFieldValue EntityType = "changemaker_field_value"
)

var entityTypes = map[EntityType]struct{}{
	EntityFunder:                {},
	EntityChangemaker:           {},
	EntityDataProvider:          {},
	EntitySource:                {},
	EntityOpportunity:           {},
	EntityChangemakerFieldValue: {},
}

// ParseEntityType normalizes and validates an entity type value.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.TrimSpace(strings.ToLower(s)))
	if _, ok := entityTypes[t]; !ok {
		return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, s)
	}
	return t, nil
}

// Verb enumerates the closed set of allowed actions.
type Verb string

const (
	VerbView           Verb = "view"
	VerbEdit           Verb = "edit"
	VerbManage         Verb = "manage"
	VerbCreateProposal Verb = "create_proposal"
)

var verbs = map[Verb]struct{}{
	VerbView:           {},
	VerbEdit:           {},
	VerbManage:         {},
	VerbCreateProposal: {},
}

// ParseVerb normalizes and validates a verb value.
func ParseVerb(s string) (Verb, error) {
	v := Verb(strings.TrimSpace(strings.ToLower(s)))
	if _, ok := verbs[v]; !ok {
		return "", fmt.Errorf("%w: unknown verb %q", ErrInvalidInput, s)
	}
	return v, nil
}

// GranteeType distinguishes grants held by a single subject from grants held
// by every active member of an organization.
type GranteeType string

const (
	GranteeUser      GranteeType = "user"
	GranteeUserGroup GranteeType = "user_group"
)

// ParseGranteeType normalizes and validates a grantee type value.
func ParseGranteeType(s string) (GranteeType, error) {
	g := GranteeType(strings.TrimSpace(strings.ToLower(s)))
	if g != GranteeUser && g != GranteeUserGroup {
		return "", fmt.Errorf("%w: unknown grantee type %q", ErrInvalidInput, s)
	}
	return g, nil
}

// ScopeAllowList is the single source of truth for which entity types a
// grant anchored to a given context kind may scope its verbs to.
var ScopeAllowList = map[EntityType][]EntityType{
	EntityFunder:       {EntityFunder, EntityOpportunity},
	EntityChangemaker:  {EntityChangemaker, EntityChangemakerFieldValue},
	EntityDataProvider: {EntityDataProvider, EntitySource},
	EntitySource:       {EntitySource},
}

// IsContextEntityType reports whether grants may be anchored to this kind.
func IsContextEntityType(t EntityType) bool {
	_, ok := ScopeAllowList[t]
	return ok
}

// ScopeAllows reports whether a grant anchored to contextType may include
// target in its scope.
func ScopeAllows(contextType, target EntityType) bool {
	for _, t := range ScopeAllowList[contextType] {
		if t == target {
			return true
		}
	}
	return false
}

// legacyEntityTypes are the kinds the per-entity permission rows cover.
var legacyEntityTypes = map[EntityType]struct{}{
	EntityFunder:       {},
	EntityChangemaker:  {},
	EntityDataProvider: {},
	EntityOpportunity:  {},
}

// IsLegacyEntityType reports whether direct/group entity permission rows may
// reference this kind.
func IsLegacyEntityType(t EntityType) bool {
	_, ok := legacyEntityTypes[t]
	return ok
}

// LegacyVerbAllowed reports whether a verb is valid for a legacy permission
// row of the given kind. create_proposal exists only for opportunities.
func LegacyVerbAllowed(t EntityType, v Verb) bool {
	switch v {
	case VerbView, VerbEdit, VerbManage:
		return true
	case VerbCreateProposal:
		return t == EntityOpportunity
	default:
		return false
	}
}

// parentOf records sub-resource ownership: a grant whose context entity is
// the parent covers targets of the child kind owned by that parent.
var parentOf = map[EntityType]EntityType{
	EntityOpportunity:           EntityFunder,
	EntitySource:                EntityDataProvider,
	EntityChangemakerFieldValue: EntityChangemaker,
}

// ParentEntityType returns the owning kind for sub-resource kinds.
func ParentEntityType(t EntityType) (EntityType, bool) {
	p, ok := parentOf[t]
	return p, ok
}
