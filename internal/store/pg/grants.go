package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"commonsdata.org/internal/authz"
)

// granteeClause renders the SQL predicate selecting grants held by the
// grantee, returning the predicate and its bind argument for placeholder idx.
func granteeClause(g authz.Grantee, idx int) (string, any) {
	if g.SubjectID != "" {
		return fmt.Sprintf("g.grantee_type = 'user' and g.subject_id = $%d", idx), g.SubjectID
	}
	return fmt.Sprintf("g.grantee_type = 'user_group' and g.organization_id = any($%d)", idx), g.OrganizationIDs
}

func (s *Store) LegacyPermissionExists(ctx context.Context, g authz.Grantee, t authz.EntityType, entityID string, v authz.Verb) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var (
		query string
		arg   any
	)
	if g.SubjectID != "" {
		query = `
			select exists(
				select 1 from direct_entity_permissions
				where subject_id = $1 and entity_type = $2 and entity_id = $3 and verb = $4
			)`
		arg = g.SubjectID
	} else {
		query = `
			select exists(
				select 1 from group_entity_permissions
				where organization_id = any($1) and entity_type = $2 and entity_id = $3 and verb = $4
			)`
		arg = g.OrganizationIDs
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, query, arg, string(t), entityID, string(v)).Scan(&exists)
	return exists, err
}

func (s *Store) LegacyPermissionIDs(ctx context.Context, g authz.Grantee, t authz.EntityType, v authz.Verb) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var (
		query string
		arg   any
	)
	if g.SubjectID != "" {
		query = `
			select distinct entity_id from direct_entity_permissions
			where subject_id = $1 and entity_type = $2 and verb = $3`
		arg = g.SubjectID
	} else {
		query = `
			select distinct entity_id from group_entity_permissions
			where organization_id = any($1) and entity_type = $2 and verb = $3`
		arg = g.OrganizationIDs
	}
	return s.queryIDs(ctx, query, arg, string(t), string(v))
}

// grantTargetConditions renders the predicates under which a generalized
// grant reaches a target of kind t identified by the given placeholder:
// the grant's context entity is the target itself, or owns it.
func grantTargetConditions(t authz.EntityType, idPlaceholder string) []string {
	tbl := entityTables[t]
	var conds []string
	if tbl.grantFK != "" {
		conds = append(conds, fmt.Sprintf("g.%s = %s", tbl.grantFK, idPlaceholder))
	}
	if tbl.parentCol != "" {
		parentFK := entityTables[tbl.parent].grantFK
		conds = append(conds, fmt.Sprintf(
			"g.%s = (select %s from %s where id = %s)",
			parentFK, tbl.parentCol, tbl.name, idPlaceholder,
		))
	}
	return conds
}

func (s *Store) GrantExists(ctx context.Context, g authz.Grantee, t authz.EntityType, entityID string, v authz.Verb) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	clause, arg := granteeClause(g, 1)
	conds := grantTargetConditions(t, "$4")
	if len(conds) == 0 {
		return false, nil
	}
	query := fmt.Sprintf(`
		select exists(
			select 1 from permission_grants g
			where %s and g.verbs ? $2 and g.scope ? $3 and (%s)
		)`, clause, strings.Join(conds, " or "))
	var exists bool
	err := s.db.QueryRowContext(ctx, query, arg, string(v), string(t), entityID).Scan(&exists)
	return exists, err
}

func (s *Store) GrantEntityIDs(ctx context.Context, g authz.Grantee, t authz.EntityType, v authz.Verb) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	tbl := entityTables[t]
	clause, arg := granteeClause(g, 1)

	var selects []string
	if tbl.grantFK != "" {
		selects = append(selects, fmt.Sprintf(`
			select g.%s as id from permission_grants g
			where %s and g.verbs ? $2 and g.scope ? $3 and g.%s is not null`,
			tbl.grantFK, clause, tbl.grantFK))
	}
	if tbl.parentCol != "" {
		parentFK := entityTables[tbl.parent].grantFK
		selects = append(selects, fmt.Sprintf(`
			select c.id from %s c
			join permission_grants g on g.%s = c.%s
			where %s and g.verbs ? $2 and g.scope ? $3`,
			tbl.name, parentFK, tbl.parentCol, clause))
	}
	if len(selects) == 0 {
		return nil, nil
	}
	query := strings.Join(selects, "\n\t\t\tunion\n") + "\n\t\t\torder by id"
	return s.queryIDs(ctx, query, arg, string(v), string(t))
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) CreatePermissionGrant(ctx context.Context, g *authz.PermissionGrant) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tbl := entityTables[g.ContextEntityType]
	scopeJSON, err := json.Marshal(g.Scope)
	if err != nil {
		return fmt.Errorf("marshal scope: %w", err)
	}
	verbsJSON, err := json.Marshal(g.Verbs)
	if err != nil {
		return fmt.Errorf("marshal verbs: %w", err)
	}

	var subjectID, organizationID sql.NullString
	switch g.GranteeType {
	case authz.GranteeUser:
		subjectID = nullIfEmpty(g.GranteeID)
	case authz.GranteeUserGroup:
		organizationID = nullIfEmpty(g.GranteeID)
	}

	query := fmt.Sprintf(`
		insert into permission_grants
			(id, grantee_type, subject_id, organization_id, context_entity_type, %s, scope, verbs, created_by, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tbl.grantFK)
	if _, err := s.db.ExecContext(ctx, query,
		g.ID, string(g.GranteeType), subjectID, organizationID,
		string(g.ContextEntityType), g.ContextEntityID,
		scopeJSON, verbsJSON, nullIfEmpty(g.CreatedBy), g.CreatedAt,
	); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation, pgErrForeignKeyViolation:
				return authz.ErrConflict
			}
		}
		return err
	}
	return nil
}

const grantProjection = `
	select id, grantee_type, coalesce(subject_id, organization_id), context_entity_type,
	       ` + grantContextCoalesce + `, scope, verbs, coalesce(created_by, ''), created_at
	from permission_grants`

func scanGrant(row interface{ Scan(...any) error }) (authz.PermissionGrant, error) {
	var (
		g          authz.PermissionGrant
		scopeJSON  []byte
		verbsJSON  []byte
		granteeTyp string
		contextTyp string
	)
	if err := row.Scan(&g.ID, &granteeTyp, &g.GranteeID, &contextTyp,
		&g.ContextEntityID, &scopeJSON, &verbsJSON, &g.CreatedBy, &g.CreatedAt); err != nil {
		return authz.PermissionGrant{}, err
	}
	g.GranteeType = authz.GranteeType(granteeTyp)
	g.ContextEntityType = authz.EntityType(contextTyp)
	if err := json.Unmarshal(scopeJSON, &g.Scope); err != nil {
		return authz.PermissionGrant{}, fmt.Errorf("decode scope: %w", err)
	}
	if err := json.Unmarshal(verbsJSON, &g.Verbs); err != nil {
		return authz.PermissionGrant{}, fmt.Errorf("decode verbs: %w", err)
	}
	return g, nil
}

func (s *Store) GetPermissionGrant(ctx context.Context, id string) (authz.PermissionGrant, error) {
	if s.db == nil {
		return authz.PermissionGrant{}, errors.New("database connection unavailable")
	}
	g, err := scanGrant(s.db.QueryRowContext(ctx, grantProjection+` where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return authz.PermissionGrant{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.PermissionGrant{}, err
	}
	return g, nil
}

func (s *Store) ListPermissionGrants(ctx context.Context, f authz.GrantFilter) ([]authz.PermissionGrant, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var (
		where []string
		args  []any
		idx   = 1
	)
	if f.GranteeType != "" {
		where = append(where, fmt.Sprintf("grantee_type = $%d", idx))
		args = append(args, string(f.GranteeType))
		idx++
	}
	if f.GranteeID != "" {
		where = append(where, fmt.Sprintf("coalesce(subject_id, organization_id) = $%d", idx))
		args = append(args, f.GranteeID)
		idx++
	}
	if f.ContextEntityType != "" {
		where = append(where, fmt.Sprintf("context_entity_type = $%d", idx))
		args = append(args, string(f.ContextEntityType))
		idx++
	}
	if f.ContextEntityID != "" {
		where = append(where, fmt.Sprintf("%s = $%d", grantContextCoalesce, idx))
		args = append(args, f.ContextEntityID)
		idx++
	}
	if v := f.Visibility; v != nil {
		var ors []string
		if v.SubjectID != "" {
			ors = append(ors, fmt.Sprintf("(grantee_type = 'user' and subject_id = $%d)", idx))
			args = append(args, v.SubjectID)
			idx++
		}
		types := make([]string, 0, len(v.Managed))
		for t := range v.Managed {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, ts := range types {
			sel := v.Managed[authz.EntityType(ts)]
			if sel.Empty() {
				continue
			}
			if sel.Unrestricted {
				ors = append(ors, fmt.Sprintf("context_entity_type = $%d", idx))
				args = append(args, ts)
				idx++
				continue
			}
			ors = append(ors, fmt.Sprintf(
				"(context_entity_type = $%d and %s = any($%d))", idx, grantContextCoalesce, idx+1))
			args = append(args, ts, sel.IDs)
			idx += 2
		}
		if len(ors) == 0 {
			where = append(where, "false")
		} else {
			where = append(where, "("+strings.Join(ors, " or ")+")")
		}
	}

	query := grantProjection
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" order by created_at, id limit $%d offset $%d", idx, idx+1)
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []authz.PermissionGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *Store) DeletePermissionGrant(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `delete from permission_grants where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrNotFound
	}
	return nil
}

func (s *Store) PutDirectPermission(ctx context.Context, p authz.DirectEntityPermission) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into direct_entity_permissions (subject_id, entity_type, entity_id, verb, created_by, created_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (subject_id, entity_type, entity_id, verb) do nothing
	`, p.SubjectID, string(p.EntityType), p.EntityID, string(p.Verb), nullIfEmpty(p.CreatedBy), p.CreatedAt)
	return err
}

func (s *Store) RemoveDirectPermission(ctx context.Context, subjectID string, t authz.EntityType, entityID string, v authz.Verb) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		delete from direct_entity_permissions
		where subject_id = $1 and entity_type = $2 and entity_id = $3 and verb = $4
	`, subjectID, string(t), entityID, string(v))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrNotFound
	}
	return nil
}

func (s *Store) PutGroupPermission(ctx context.Context, p authz.GroupEntityPermission) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into group_entity_permissions (organization_id, entity_type, entity_id, verb, created_by, created_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (organization_id, entity_type, entity_id, verb) do nothing
	`, p.OrganizationID, string(p.EntityType), p.EntityID, string(p.Verb), nullIfEmpty(p.CreatedBy), p.CreatedAt)
	return err
}

func (s *Store) RemoveGroupPermission(ctx context.Context, organizationID string, t authz.EntityType, entityID string, v authz.Verb) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		delete from group_entity_permissions
		where organization_id = $1 and entity_type = $2 and entity_id = $3 and verb = $4
	`, organizationID, string(t), entityID, string(v))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrNotFound
	}
	return nil
}
