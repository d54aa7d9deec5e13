package authz

import (
	"context"
	"time"
)

// Grantee selects whose grants a read is about: either a single subject or
// any of a set of organizations. Exactly one side is populated.
type Grantee struct {
	SubjectID       string
	OrganizationIDs []string
}

// SubjectGrantee builds a user-directed selector.
func SubjectGrantee(subjectID string) Grantee {
	return Grantee{SubjectID: subjectID}
}

// GroupGrantee builds an organization-directed selector.
func GroupGrantee(organizationIDs []string) Grantee {
	return Grantee{OrganizationIDs: organizationIDs}
}

// GrantReader is the read surface the resolver sources run on. Sub-resource
// containment (a field value under its owning changemaker, an opportunity
// under its funder) is the implementation's concern: a generalized grant
// matches a target when its context entity is, or contains, the target.
type GrantReader interface {
	// Legacy direct/group entity permission rows.
	LegacyPermissionExists(ctx context.Context, g Grantee, t EntityType, entityID string, v Verb) (bool, error)
	LegacyPermissionIDs(ctx context.Context, g Grantee, t EntityType, v Verb) ([]string, error)

	// Generalized permission grants.
	GrantExists(ctx context.Context, g Grantee, t EntityType, entityID string, v Verb) (bool, error)
	GrantEntityIDs(ctx context.Context, g Grantee, t EntityType, v Verb) ([]string, error)
}

// GrantFilter narrows ListPermissionGrants. Visibility, when set, is part of
// the query itself: stores apply it before Limit/Offset so pages are cut from
// the rows the caller may actually see.
type GrantFilter struct {
	GranteeType       GranteeType
	GranteeID         string
	ContextEntityType EntityType
	ContextEntityID   string
	Visibility        *GrantVisibility
	Limit             int
	Offset            int
}

// GrantVisibility restricts a listing to grants a subject may see: grants
// naming them as direct grantee, plus grants anchored on a context entity
// they effectively manage (one selector per context kind).
type GrantVisibility struct {
	SubjectID string
	Managed   map[EntityType]Selector
}

// Allows reports whether the grant falls inside the restriction. A nil
// restriction admits everything.
func (v *GrantVisibility) Allows(g PermissionGrant) bool {
	if v == nil {
		return true
	}
	if v.SubjectID != "" && g.GranteeType == GranteeUser && g.GranteeID == v.SubjectID {
		return true
	}
	sel, ok := v.Managed[g.ContextEntityType]
	return ok && sel.Allows(g.ContextEntityID)
}

// GrantStore persists both grant shapes. A changed verb set is
// delete-and-recreate; there is no in-place grant mutation.
type GrantStore interface {
	GrantReader

	CreatePermissionGrant(ctx context.Context, g *PermissionGrant) error
	GetPermissionGrant(ctx context.Context, id string) (PermissionGrant, error)
	ListPermissionGrants(ctx context.Context, f GrantFilter) ([]PermissionGrant, error)
	DeletePermissionGrant(ctx context.Context, id string) error

	PutDirectPermission(ctx context.Context, p DirectEntityPermission) error
	RemoveDirectPermission(ctx context.Context, subjectID string, t EntityType, entityID string, v Verb) error
	PutGroupPermission(ctx context.Context, p GroupEntityPermission) error
	RemoveGroupPermission(ctx context.Context, organizationID string, t EntityType, entityID string, v Verb) error
}

// MembershipReader answers time-bounded membership questions from the ledger
// alone, so checks stay possible after the original credential is gone.
type MembershipReader interface {
	IsActiveMember(ctx context.Context, subjectID, organizationID string, now time.Time) (bool, error)
	ActiveOrganizations(ctx context.Context, subjectID string, now time.Time) ([]string, error)
}

// MembershipStore adds the claim-sync write path.
type MembershipStore interface {
	MembershipReader

	// SyncMembership upserts one row per organization with the credential's
	// expiry. Idempotent; concurrent syncs race safely (last write wins).
	SyncMembership(ctx context.Context, subjectID string, organizationIDs []string, notAfter time.Time) error
}

// Entity is the minimal projection of a protected domain record the engine
// needs: identity, a display name, and the owning parent for sub-resources.
type Entity struct {
	ID        string     `json:"id"`
	Type      EntityType `json:"type"`
	Name      string     `json:"name"`
	ParentID  string     `json:"parent_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// EntityStore is the engine's view of the protected records. DeleteEntity
// must remove every legacy and generalized grant referencing the entity in
// the same transaction as the entity row itself.
type EntityStore interface {
	CreateEntity(ctx context.Context, e *Entity) error
	GetEntity(ctx context.Context, t EntityType, id string) (Entity, error)
	EntityExists(ctx context.Context, t EntityType, id string) (bool, error)
	ListEntities(ctx context.Context, t EntityType, sel Selector, limit, offset int) ([]Entity, error)
	DeleteEntity(ctx context.Context, t EntityType, id string) error
}

// Store is the full persistence surface the engine runs on.
type Store interface {
	GrantStore
	MembershipStore
	EntityStore
}
