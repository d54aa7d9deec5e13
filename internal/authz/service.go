package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"commonsdata.org/internal/ids"
)

// Service carries the grant administration operations: create/read/delete
// over both grant shapes, the per-call membership sync, and the
// entity-deletion hook that cascades grant cleanup. Every mutating operation
// requires the caller to be an administrator or to hold effective MANAGE
// over the entity the grant is about, and a delegation can never exceed what
// the delegator effectively holds.
type Service struct {
	store    Store
	resolver *Resolver
	now      func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the administration service.
func NewService(store Store, resolver *Resolver, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("authz store is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	svc := &Service{store: store, resolver: resolver, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Resolver exposes the decision surface to callers holding only the service.
func (s *Service) Resolver() *Resolver { return s.resolver }

// SyncMembership upserts one ledger row per claimed organization, bounded by
// the credential's expiry. It runs before any permission check on every
// authenticated call. A call with no organization claims writes nothing;
// previously synced rows stay authoritative until they lapse.
func (s *Service) SyncMembership(ctx context.Context, id Identity) error {
	if id.SubjectID == "" || len(id.ClaimedOrganizations) == 0 {
		return nil
	}
	return s.store.SyncMembership(ctx, id.SubjectID, id.ClaimedOrganizations, id.TokenExpiry)
}

// CreateGrant validates, authorizes and persists one generalized grant.
// Requests referencing a nonexistent context entity, and requests from
// callers without sufficient effective privilege, fail with ErrConflict:
// the invalid reference is payload data, not a path identifier.
func (s *Service) CreateGrant(ctx context.Context, actor Actor, g PermissionGrant) (PermissionGrant, error) {
	g.Normalize()
	if err := g.Validate(); err != nil {
		return PermissionGrant{}, err
	}
	exists, err := s.store.EntityExists(ctx, g.ContextEntityType, g.ContextEntityID)
	if err != nil {
		return PermissionGrant{}, err
	}
	if !exists {
		return PermissionGrant{}, fmt.Errorf("%w: %s %s does not exist", ErrConflict, g.ContextEntityType, g.ContextEntityID)
	}
	if err := s.ensureMayDelegate(ctx, actor, g.ContextEntityType, g.ContextEntityID, g.Verbs); err != nil {
		return PermissionGrant{}, err
	}
	g.ID = ids.New()
	g.CreatedBy = actor.SubjectID
	g.CreatedAt = s.now().UTC()
	if err := s.store.CreatePermissionGrant(ctx, &g); err != nil {
		return PermissionGrant{}, err
	}
	return g, nil
}

// GetGrant returns a grant visible to the actor. Grants the actor may not
// see are reported as not found rather than forbidden, so their existence
// is not disclosed.
func (s *Service) GetGrant(ctx context.Context, actor Actor, id string) (PermissionGrant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return PermissionGrant{}, fmt.Errorf("%w: grant id is required", ErrInvalidInput)
	}
	g, err := s.store.GetPermissionGrant(ctx, id)
	if err != nil {
		return PermissionGrant{}, err
	}
	visible, err := s.mayAdminister(ctx, actor, g)
	if err != nil {
		return PermissionGrant{}, err
	}
	if !visible {
		return PermissionGrant{}, ErrNotFound
	}
	return g, nil
}

// ListGrants lists grants, restricted to those the actor may see: grants
// naming them as grantee plus grants over entities they effectively manage.
// The restriction rides inside the store query ahead of pagination, so a
// page is never shortened by rows the actor could not see anyway.
func (s *Service) ListGrants(ctx context.Context, actor Actor, f GrantFilter) ([]PermissionGrant, error) {
	if !actor.IsAdministrator {
		vis, err := s.grantVisibility(ctx, actor, f.ContextEntityType)
		if err != nil {
			return nil, err
		}
		f.Visibility = vis
	}
	return s.store.ListPermissionGrants(ctx, f)
}

// grantVisibility computes the actor's managed-entity selectors, one per
// context kind the listing can touch.
func (s *Service) grantVisibility(ctx context.Context, actor Actor, only EntityType) (*GrantVisibility, error) {
	vis := &GrantVisibility{
		SubjectID: actor.SubjectID,
		Managed:   make(map[EntityType]Selector, len(ScopeAllowList)),
	}
	for t := range ScopeAllowList {
		if only != "" && t != only {
			continue
		}
		sel, err := s.resolver.AccessibleIDs(ctx, actor, VerbManage, t)
		if err != nil {
			return nil, err
		}
		if sel.Empty() {
			continue
		}
		vis.Managed[t] = sel
	}
	return vis, nil
}

// DeleteGrant removes a grant. Deleting an absent grant, or one the actor
// may not see, reports not found.
func (s *Service) DeleteGrant(ctx context.Context, actor Actor, id string) error {
	g, err := s.GetGrant(ctx, actor, id)
	if err != nil {
		return err
	}
	if !actor.IsAdministrator {
		held, err := s.resolver.HasPermission(ctx, actor, VerbManage, g.ContextEntityType, g.ContextEntityID)
		if err != nil {
			return err
		}
		if !held {
			return fmt.Errorf("%w: requester does not manage %s %s", ErrConflict, g.ContextEntityType, g.ContextEntityID)
		}
	}
	return s.store.DeletePermissionGrant(ctx, g.ID)
}

// PutDirectPermission creates (idempotently) one legacy subject-directed row.
func (s *Service) PutDirectPermission(ctx context.Context, actor Actor, p DirectEntityPermission) (DirectEntityPermission, error) {
	if err := p.Validate(); err != nil {
		return DirectEntityPermission{}, err
	}
	if err := s.authorizeLegacyMutation(ctx, actor, p.EntityType, p.EntityID, p.Verb); err != nil {
		return DirectEntityPermission{}, err
	}
	p.CreatedBy = actor.SubjectID
	p.CreatedAt = s.now().UTC()
	if err := s.store.PutDirectPermission(ctx, p); err != nil {
		return DirectEntityPermission{}, err
	}
	return p, nil
}

// RemoveDirectPermission deletes one legacy subject-directed row; removing
// an absent row reports not found.
func (s *Service) RemoveDirectPermission(ctx context.Context, actor Actor, subjectID string, t EntityType, entityID string, v Verb) error {
	if err := (DirectEntityPermission{SubjectID: subjectID, EntityType: t, EntityID: entityID, Verb: v}).Validate(); err != nil {
		return err
	}
	if err := s.authorizeLegacyRemoval(ctx, actor, t, entityID); err != nil {
		return err
	}
	return s.store.RemoveDirectPermission(ctx, subjectID, t, entityID, v)
}

// PutGroupPermission creates (idempotently) one legacy group-directed row.
func (s *Service) PutGroupPermission(ctx context.Context, actor Actor, p GroupEntityPermission) (GroupEntityPermission, error) {
	if err := p.Validate(); err != nil {
		return GroupEntityPermission{}, err
	}
	if err := s.authorizeLegacyMutation(ctx, actor, p.EntityType, p.EntityID, p.Verb); err != nil {
		return GroupEntityPermission{}, err
	}
	p.CreatedBy = actor.SubjectID
	p.CreatedAt = s.now().UTC()
	if err := s.store.PutGroupPermission(ctx, p); err != nil {
		return GroupEntityPermission{}, err
	}
	return p, nil
}

// RemoveGroupPermission deletes one legacy group-directed row; removing an
// absent row reports not found.
func (s *Service) RemoveGroupPermission(ctx context.Context, actor Actor, organizationID string, t EntityType, entityID string, v Verb) error {
	if err := (GroupEntityPermission{OrganizationID: organizationID, EntityType: t, EntityID: entityID, Verb: v}).Validate(); err != nil {
		return err
	}
	if err := s.authorizeLegacyRemoval(ctx, actor, t, entityID); err != nil {
		return err
	}
	return s.store.RemoveGroupPermission(ctx, organizationID, t, entityID, v)
}

// CreateEntity registers a protected record. Administrator only: plain
// domain persistence is a collaborator concern, and this surface exists for
// the grant lifecycle around it.
func (s *Service) CreateEntity(ctx context.Context, actor Actor, e Entity) (Entity, error) {
	if !actor.IsAdministrator {
		return Entity{}, ErrUnauthorized
	}
	if _, ok := entityTypes[e.Type]; !ok {
		return Entity{}, fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, e.Type)
	}
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return Entity{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	parent, needsParent := ParentEntityType(e.Type)
	if needsParent {
		if strings.TrimSpace(e.ParentID) == "" {
			return Entity{}, fmt.Errorf("%w: %s requires an owning %s", ErrInvalidInput, e.Type, parent)
		}
		exists, err := s.store.EntityExists(ctx, parent, e.ParentID)
		if err != nil {
			return Entity{}, err
		}
		if !exists {
			return Entity{}, fmt.Errorf("%w: %s %s does not exist", ErrConflict, parent, e.ParentID)
		}
	} else if e.ParentID != "" {
		return Entity{}, fmt.Errorf("%w: %s has no owning entity", ErrInvalidInput, e.Type)
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	e.CreatedAt = s.now().UTC()
	if err := s.store.CreateEntity(ctx, &e); err != nil {
		return Entity{}, err
	}
	return e, nil
}

// GetEntity returns a record the actor may view; anything else is not found.
func (s *Service) GetEntity(ctx context.Context, actor Actor, t EntityType, id string) (Entity, error) {
	e, err := s.store.GetEntity(ctx, t, id)
	if err != nil {
		return Entity{}, err
	}
	ok, err := s.resolver.HasPermission(ctx, actor, VerbView, t, id)
	if err != nil {
		return Entity{}, err
	}
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e, nil
}

// ListEntities returns the page of records of kind t the actor may view.
// The visibility selector is intersected with pagination in the store, so
// the round-trip cost stays constant regardless of result size.
func (s *Service) ListEntities(ctx context.Context, actor Actor, t EntityType, limit, offset int) ([]Entity, error) {
	sel, err := s.resolver.AccessibleIDs(ctx, actor, VerbView, t)
	if err != nil {
		return nil, err
	}
	if sel.Empty() {
		return nil, nil
	}
	return s.store.ListEntities(ctx, t, sel, limit, offset)
}

// DeleteEntity removes a protected record and, in the same transaction,
// every grant referencing it. A dangling grant over a deleted and
// potentially id-reused entity is a privilege escalation hazard, so the
// cascade is mandatory, not best-effort.
func (s *Service) DeleteEntity(ctx context.Context, actor Actor, t EntityType, id string) error {
	if _, ok := entityTypes[t]; !ok {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, t)
	}
	if !actor.IsAdministrator {
		held, err := s.resolver.HasPermission(ctx, actor, VerbManage, t, id)
		if err != nil {
			return err
		}
		if !held {
			return ErrNotFound
		}
	}
	return s.store.DeleteEntity(ctx, t, id)
}

// ensureMayDelegate enforces the delegation rule for grant creation: the
// actor must be an administrator, or hold effective MANAGE over the context
// entity plus every verb being delegated. Holding MANAGE authorizes
// delegating, but does not substitute for the delegated verbs themselves.
func (s *Service) ensureMayDelegate(ctx context.Context, actor Actor, t EntityType, entityID string, vs []Verb) error {
	if actor.IsAdministrator {
		return nil
	}
	held, err := s.resolver.HasPermission(ctx, actor, VerbManage, t, entityID)
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("%w: requester does not manage %s %s", ErrConflict, t, entityID)
	}
	for _, v := range vs {
		if v == VerbManage {
			continue
		}
		held, err := s.resolver.HasPermission(ctx, actor, v, t, entityID)
		if err != nil {
			return err
		}
		if !held {
			return fmt.Errorf("%w: requester does not hold %q on %s %s", ErrConflict, v, t, entityID)
		}
	}
	return nil
}

func (s *Service) authorizeLegacyMutation(ctx context.Context, actor Actor, t EntityType, entityID string, v Verb) error {
	exists, err := s.store.EntityExists(ctx, t, entityID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s %s does not exist", ErrConflict, t, entityID)
	}
	return s.ensureMayDelegate(ctx, actor, t, entityID, []Verb{v})
}

func (s *Service) authorizeLegacyRemoval(ctx context.Context, actor Actor, t EntityType, entityID string) error {
	if actor.IsAdministrator {
		return nil
	}
	held, err := s.resolver.HasPermission(ctx, actor, VerbManage, t, entityID)
	if err != nil {
		return err
	}
	if !held {
		return ErrNotFound
	}
	return nil
}

// mayAdminister reports whether the actor may see or act on the grant: an
// administrator, the grant's direct grantee, or a MANAGE holder over the
// grant's context entity.
func (s *Service) mayAdminister(ctx context.Context, actor Actor, g PermissionGrant) (bool, error) {
	if actor.IsAdministrator {
		return true, nil
	}
	if g.GranteeType == GranteeUser && g.GranteeID == actor.SubjectID {
		return true, nil
	}
	return s.resolver.HasPermission(ctx, actor, VerbManage, g.ContextEntityType, g.ContextEntityID)
}
