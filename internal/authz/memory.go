package authz

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. It backs the
// dev server when no database is configured and the engine's own tests; its
// semantics mirror the Postgres store, cascades included.
type InMemory struct {
	mu          sync.RWMutex
	entities    map[EntityType]map[string]Entity
	memberships map[string]map[string]Membership // subject -> org -> row
	direct      []DirectEntityPermission
	group       []GroupEntityPermission
	grants      map[string]PermissionGrant
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	s := &InMemory{
		entities:    make(map[EntityType]map[string]Entity),
		memberships: make(map[string]map[string]Membership),
		grants:      make(map[string]PermissionGrant),
	}
	for t := range entityTypes {
		s.entities[t] = make(map[string]Entity)
	}
	return s
}

var _ Store = (*InMemory)(nil)

// --- MembershipStore ---

func (s *InMemory) SyncMembership(ctx context.Context, subjectID string, organizationIDs []string, notAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.memberships[subjectID]
	if !ok {
		rows = make(map[string]Membership)
		s.memberships[subjectID] = rows
	}
	now := time.Now().UTC()
	for _, org := range organizationIDs {
		expiry := notAfter
		row, exists := rows[org]
		if !exists {
			row = Membership{SubjectID: subjectID, OrganizationID: org, CreatedAt: now}
		}
		row.NotAfter = &expiry
		row.UpdatedAt = now
		rows[org] = row
	}
	return nil
}

func (s *InMemory) IsActiveMember(ctx context.Context, subjectID, organizationID string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.memberships[subjectID][organizationID]
	if !ok {
		return false, nil
	}
	return row.ActiveAt(now), nil
}

func (s *InMemory) ActiveOrganizations(ctx context.Context, subjectID string, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var orgs []string
	for org, row := range s.memberships[subjectID] {
		if row.ActiveAt(now) {
			orgs = append(orgs, org)
		}
	}
	sort.Strings(orgs)
	return orgs, nil
}

// --- GrantReader ---

func (g Grantee) matchesSubject(subjectID string) bool {
	return g.SubjectID != "" && g.SubjectID == subjectID
}

func (g Grantee) matchesOrganization(organizationID string) bool {
	for _, o := range g.OrganizationIDs {
		if o == organizationID {
			return true
		}
	}
	return false
}

func (s *InMemory) LegacyPermissionExists(ctx context.Context, g Grantee, t EntityType, entityID string, v Verb) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g.SubjectID != "" {
		for _, p := range s.direct {
			if g.matchesSubject(p.SubjectID) && p.EntityType == t && p.EntityID == entityID && p.Verb == v {
				return true, nil
			}
		}
		return false, nil
	}
	for _, p := range s.group {
		if g.matchesOrganization(p.OrganizationID) && p.EntityType == t && p.EntityID == entityID && p.Verb == v {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemory) LegacyPermissionIDs(ctx context.Context, g Grantee, t EntityType, v Verb) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	if g.SubjectID != "" {
		for _, p := range s.direct {
			if g.matchesSubject(p.SubjectID) && p.EntityType == t && p.Verb == v {
				add(p.EntityID)
			}
		}
		return out, nil
	}
	for _, p := range s.group {
		if g.matchesOrganization(p.OrganizationID) && p.EntityType == t && p.Verb == v {
			add(p.EntityID)
		}
	}
	return out, nil
}

// grantCovers reports whether grant gr reaches target (t, entityID): the
// context entity is the target itself, or owns it.
func (s *InMemory) grantCovers(gr PermissionGrant, t EntityType, entityID string) bool {
	if !gr.ScopeIncludes(t) {
		return false
	}
	if gr.ContextEntityType == t && gr.ContextEntityID == entityID {
		return true
	}
	parent, ok := ParentEntityType(t)
	if !ok || gr.ContextEntityType != parent {
		return false
	}
	target, ok := s.entities[t][entityID]
	return ok && target.ParentID == gr.ContextEntityID
}

func (s *InMemory) grantMatchesGrantee(gr PermissionGrant, g Grantee) bool {
	if g.SubjectID != "" {
		return gr.GranteeType == GranteeUser && gr.GranteeID == g.SubjectID
	}
	return gr.GranteeType == GranteeUserGroup && g.matchesOrganization(gr.GranteeID)
}

func (s *InMemory) GrantExists(ctx context.Context, g Grantee, t EntityType, entityID string, v Verb) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, gr := range s.grants {
		if s.grantMatchesGrantee(gr, g) && gr.HasVerb(v) && s.grantCovers(gr, t, entityID) {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemory) GrantEntityIDs(ctx context.Context, g Grantee, t EntityType, v Verb) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	parent, hasParent := ParentEntityType(t)
	for _, gr := range s.grants {
		if !s.grantMatchesGrantee(gr, g) || !gr.HasVerb(v) || !gr.ScopeIncludes(t) {
			continue
		}
		if gr.ContextEntityType == t {
			add(gr.ContextEntityID)
			continue
		}
		if hasParent && gr.ContextEntityType == parent {
			for id, e := range s.entities[t] {
				if e.ParentID == gr.ContextEntityID {
					add(id)
				}
			}
		}
	}
	return out, nil
}

// --- GrantStore ---

func (s *InMemory) CreatePermissionGrant(ctx context.Context, g *PermissionGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[g.ContextEntityType][g.ContextEntityID]; !ok {
		return ErrConflict
	}
	s.grants[g.ID] = *g
	return nil
}

func (s *InMemory) GetPermissionGrant(ctx context.Context, id string) (PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return PermissionGrant{}, ErrNotFound
	}
	return g, nil
}

func (s *InMemory) ListPermissionGrants(ctx context.Context, f GrantFilter) ([]PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PermissionGrant
	for _, g := range s.grants {
		if f.GranteeType != "" && g.GranteeType != f.GranteeType {
			continue
		}
		if f.GranteeID != "" && g.GranteeID != f.GranteeID {
			continue
		}
		if f.ContextEntityType != "" && g.ContextEntityType != f.ContextEntityType {
			continue
		}
		if f.ContextEntityID != "" && g.ContextEntityID != f.ContextEntityID {
			continue
		}
		if !f.Visibility.Allows(g) {
			continue
		}
		out = append(out, g)
	}
	// Same page shape as the database store: (created_at, id) order, default
	// page size 100, hard cap 500.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return paginate(out, limit, max(f.Offset, 0)), nil
}

func (s *InMemory) DeletePermissionGrant(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[id]; !ok {
		return ErrNotFound
	}
	delete(s.grants, id)
	return nil
}

func (s *InMemory) PutDirectPermission(ctx context.Context, p DirectEntityPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.direct {
		if existing.SubjectID == p.SubjectID && existing.EntityType == p.EntityType &&
			existing.EntityID == p.EntityID && existing.Verb == p.Verb {
			return nil
		}
	}
	s.direct = append(s.direct, p)
	return nil
}

func (s *InMemory) RemoveDirectPermission(ctx context.Context, subjectID string, t EntityType, entityID string, v Verb) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.direct {
		if p.SubjectID == subjectID && p.EntityType == t && p.EntityID == entityID && p.Verb == v {
			s.direct = append(s.direct[:i], s.direct[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemory) PutGroupPermission(ctx context.Context, p GroupEntityPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.group {
		if existing.OrganizationID == p.OrganizationID && existing.EntityType == p.EntityType &&
			existing.EntityID == p.EntityID && existing.Verb == p.Verb {
			return nil
		}
	}
	s.group = append(s.group, p)
	return nil
}

func (s *InMemory) RemoveGroupPermission(ctx context.Context, organizationID string, t EntityType, entityID string, v Verb) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.group {
		if p.OrganizationID == organizationID && p.EntityType == t && p.EntityID == entityID && p.Verb == v {
			s.group = append(s.group[:i], s.group[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// --- EntityStore ---

func (s *InMemory) CreateEntity(ctx context.Context, e *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[e.Type][e.ID]; ok {
		return ErrConflict
	}
	if parent, ok := ParentEntityType(e.Type); ok {
		if _, exists := s.entities[parent][e.ParentID]; !exists {
			return ErrConflict
		}
	}
	s.entities[e.Type][e.ID] = *e
	return nil
}

func (s *InMemory) GetEntity(ctx context.Context, t EntityType, id string) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[t][id]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e, nil
}

func (s *InMemory) EntityExists(ctx context.Context, t EntityType, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[t][id]
	return ok, nil
}

func (s *InMemory) ListEntities(ctx context.Context, t EntityType, sel Selector, limit, offset int) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entity
	for id, e := range s.entities[t] {
		if sel.Allows(id) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, limit, offset), nil
}

// DeleteEntity removes the record, every contained sub-resource, and every
// grant referencing any of them, atomically under the store lock.
func (s *InMemory) DeleteEntity(ctx context.Context, t EntityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[t][id]; !ok {
		return ErrNotFound
	}
	s.deleteEntityLocked(t, id)
	return nil
}

func (s *InMemory) deleteEntityLocked(t EntityType, id string) {
	for child, parent := range parentOf {
		if parent != t {
			continue
		}
		for childID, e := range s.entities[child] {
			if e.ParentID == id {
				s.deleteEntityLocked(child, childID)
			}
		}
	}
	s.direct = filterDirect(s.direct, t, id)
	s.group = filterGroup(s.group, t, id)
	for gid, g := range s.grants {
		if g.ContextEntityType == t && g.ContextEntityID == id {
			delete(s.grants, gid)
		}
	}
	delete(s.entities[t], id)
}

func filterDirect(rows []DirectEntityPermission, t EntityType, id string) []DirectEntityPermission {
	out := rows[:0]
	for _, p := range rows {
		if p.EntityType == t && p.EntityID == id {
			continue
		}
		out = append(out, p)
	}
	return out
}

func filterGroup(rows []GroupEntityPermission, t EntityType, id string) []GroupEntityPermission {
	out := rows[:0]
	for _, p := range rows {
		if p.EntityType == t && p.EntityID == id {
			continue
		}
		out = append(out, p)
	}
	return out
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
