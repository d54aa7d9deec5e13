package authz

import (
	"context"
	"sort"
	"time"

	"commonsdata.org/internal/obs"
)

// Selector is the set-valued answer to "which entities of kind T may this
// actor reach with verb V". Administrators get an unrestricted selector;
// everyone else gets an explicit finite id set usable inside list queries.
type Selector struct {
	Unrestricted bool     `json:"unrestricted"`
	IDs          []string `json:"ids"`
}

// Allows reports whether the selector admits the id.
func (s Selector) Allows(id string) bool {
	if s.Unrestricted {
		return true
	}
	for _, v := range s.IDs {
		if v == id {
			return true
		}
	}
	return false
}

// Empty reports whether the selector admits nothing.
func (s Selector) Empty() bool {
	return !s.Unrestricted && len(s.IDs) == 0
}

// Query carries one evaluation through the registered sources. EntityID is
// empty for set-valued lookups.
type Query struct {
	SubjectID           string
	ActiveOrganizations []string
	Verb                Verb
	EntityType          EntityType
	EntityID            string
}

// PermissionSource is one registered origin of authorization facts. Sources
// are evaluated as a union: the first positive check wins, and set lookups
// merge every source's ids.
type PermissionSource struct {
	Name      string
	Check     func(ctx context.Context, q Query) (bool, error)
	EntityIDs func(ctx context.Context, q Query) ([]string, error)
}

// Resolver combines the administrator bypass, the registered permission
// sources, and the membership ledger into boolean checks and selectors.
// It performs reads only; the per-call membership sync happens upstream.
type Resolver struct {
	members MembershipReader
	sources []PermissionSource
	now     func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverClock overrides the time source, for tests.
func WithResolverClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithExtraSource registers an additional permission source after the
// built-in four.
func WithExtraSource(src PermissionSource) ResolverOption {
	return func(r *Resolver) {
		r.sources = append(r.sources, src)
	}
}

// NewResolver builds a resolver over the grant reader and membership ledger
// with the four standard sources registered in order: legacy-direct,
// legacy-group, grant-direct, grant-group.
func NewResolver(grants GrantReader, members MembershipReader, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		members: members,
		now:     time.Now,
		sources: []PermissionSource{
			{
				Name: "legacy-direct",
				Check: func(ctx context.Context, q Query) (bool, error) {
					return grants.LegacyPermissionExists(ctx, SubjectGrantee(q.SubjectID), q.EntityType, q.EntityID, q.Verb)
				},
				EntityIDs: func(ctx context.Context, q Query) ([]string, error) {
					return grants.LegacyPermissionIDs(ctx, SubjectGrantee(q.SubjectID), q.EntityType, q.Verb)
				},
			},
			{
				Name: "legacy-group",
				Check: func(ctx context.Context, q Query) (bool, error) {
					if len(q.ActiveOrganizations) == 0 {
						return false, nil
					}
					return grants.LegacyPermissionExists(ctx, GroupGrantee(q.ActiveOrganizations), q.EntityType, q.EntityID, q.Verb)
				},
				EntityIDs: func(ctx context.Context, q Query) ([]string, error) {
					if len(q.ActiveOrganizations) == 0 {
						return nil, nil
					}
					return grants.LegacyPermissionIDs(ctx, GroupGrantee(q.ActiveOrganizations), q.EntityType, q.Verb)
				},
			},
			{
				Name: "grant-direct",
				Check: func(ctx context.Context, q Query) (bool, error) {
					return grants.GrantExists(ctx, SubjectGrantee(q.SubjectID), q.EntityType, q.EntityID, q.Verb)
				},
				EntityIDs: func(ctx context.Context, q Query) ([]string, error) {
					return grants.GrantEntityIDs(ctx, SubjectGrantee(q.SubjectID), q.EntityType, q.Verb)
				},
			},
			{
				Name: "grant-group",
				Check: func(ctx context.Context, q Query) (bool, error) {
					if len(q.ActiveOrganizations) == 0 {
						return false, nil
					}
					return grants.GrantExists(ctx, GroupGrantee(q.ActiveOrganizations), q.EntityType, q.EntityID, q.Verb)
				},
				EntityIDs: func(ctx context.Context, q Query) ([]string, error) {
					if len(q.ActiveOrganizations) == 0 {
						return nil, nil
					}
					return grants.GrantEntityIDs(ctx, GroupGrantee(q.ActiveOrganizations), q.EntityType, q.Verb)
				},
			},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HasPermission reports whether the actor may apply verb to the entity.
// Administrators bypass grant evaluation entirely. MANAGE is its own verb
// and is never expanded into view or edit here; callers wanting
// edit-or-manage semantics ask for both. A false result is ordinary output,
// never an error.
func (r *Resolver) HasPermission(ctx context.Context, actor Actor, v Verb, t EntityType, entityID string) (bool, error) {
	if actor.IsAdministrator {
		obs.ObserveAuthzDecision("admin", true)
		return true, nil
	}
	q, err := r.buildQuery(ctx, actor, v, t, entityID)
	if err != nil {
		return false, err
	}
	for _, src := range r.sources {
		ok, err := src.Check(ctx, q)
		if err != nil {
			return false, err
		}
		if ok {
			obs.ObserveAuthzDecision(src.Name, true)
			return true, nil
		}
	}
	obs.ObserveAuthzDecision("none", false)
	return false, nil
}

// AccessibleIDs computes one selector equal to the union of every source's
// reachable ids, for narrowing list queries ahead of pagination. An id is in
// the selector exactly when HasPermission would return true for it.
func (r *Resolver) AccessibleIDs(ctx context.Context, actor Actor, v Verb, t EntityType) (Selector, error) {
	if actor.IsAdministrator {
		return Selector{Unrestricted: true}, nil
	}
	q, err := r.buildQuery(ctx, actor, v, t, "")
	if err != nil {
		return Selector{}, err
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, src := range r.sources {
		got, err := src.EntityIDs(ctx, q)
		if err != nil {
			return Selector{}, err
		}
		for _, id := range got {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return Selector{IDs: ids}, nil
}

func (r *Resolver) buildQuery(ctx context.Context, actor Actor, v Verb, t EntityType, entityID string) (Query, error) {
	orgs, err := r.members.ActiveOrganizations(ctx, actor.SubjectID, r.now())
	if err != nil {
		return Query{}, err
	}
	return Query{
		SubjectID:           actor.SubjectID,
		ActiveOrganizations: orgs,
		Verb:                v,
		EntityType:          t,
		EntityID:            entityID,
	}, nil
}
