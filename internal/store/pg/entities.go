package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"commonsdata.org/internal/authz"
)

func (s *Store) CreateEntity(ctx context.Context, e *authz.Entity) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tbl := entityTables[e.Type]
	var (
		query string
		args  []any
	)
	if tbl.parentCol == "" {
		query = fmt.Sprintf(`insert into %s (id, name, created_at) values ($1, $2, $3)`, tbl.name)
		args = []any{e.ID, e.Name, e.CreatedAt}
	} else {
		query = fmt.Sprintf(`insert into %s (id, name, %s, created_at) values ($1, $2, $3, $4)`, tbl.name, tbl.parentCol)
		args = []any{e.ID, e.Name, e.ParentID, e.CreatedAt}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
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

func (s *Store) GetEntity(ctx context.Context, t authz.EntityType, id string) (authz.Entity, error) {
	if s.db == nil {
		return authz.Entity{}, errors.New("database connection unavailable")
	}
	tbl := entityTables[t]
	e := authz.Entity{Type: t}
	var (
		query string
		err   error
	)
	if tbl.parentCol == "" {
		query = fmt.Sprintf(`select id, name, created_at from %s where id = $1`, tbl.name)
		err = s.db.QueryRowContext(ctx, query, id).Scan(&e.ID, &e.Name, &e.CreatedAt)
	} else {
		query = fmt.Sprintf(`select id, name, %s, created_at from %s where id = $1`, tbl.parentCol, tbl.name)
		err = s.db.QueryRowContext(ctx, query, id).Scan(&e.ID, &e.Name, &e.ParentID, &e.CreatedAt)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Entity{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.Entity{}, err
	}
	return e, nil
}

func (s *Store) EntityExists(ctx context.Context, t authz.EntityType, id string) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	tbl := entityTables[t]
	var exists bool
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`select exists(select 1 from %s where id = $1)`, tbl.name), id,
	).Scan(&exists)
	return exists, err
}

func (s *Store) ListEntities(ctx context.Context, t authz.EntityType, sel authz.Selector, limit, offset int) ([]authz.Entity, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	if sel.Empty() {
		return nil, nil
	}
	tbl := entityTables[t]
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	cols := "id, name, created_at"
	if tbl.parentCol != "" {
		cols = fmt.Sprintf("id, name, %s, created_at", tbl.parentCol)
	}
	var (
		query string
		args  []any
	)
	if sel.Unrestricted {
		query = fmt.Sprintf(`select %s from %s order by id limit $1 offset $2`, cols, tbl.name)
		args = []any{limit, offset}
	} else {
		query = fmt.Sprintf(`select %s from %s where id = any($1) order by id limit $2 offset $3`, cols, tbl.name)
		args = []any{sel.IDs, limit, offset}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []authz.Entity
	for rows.Next() {
		e := authz.Entity{Type: t}
		if tbl.parentCol == "" {
			err = rows.Scan(&e.ID, &e.Name, &e.CreatedAt)
		} else {
			err = rows.Scan(&e.ID, &e.Name, &e.ParentID, &e.CreatedAt)
		}
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// childTables returns the sub-resource tables owned by kind t.
func childTables(t authz.EntityType) []entityTable {
	var children []entityTable
	for _, tbl := range entityTables {
		if tbl.parentCol != "" && tbl.parent == t {
			children = append(children, tbl)
		}
	}
	return children
}

var tableEntityType = func() map[string]authz.EntityType {
	m := make(map[string]authz.EntityType, len(entityTables))
	for t, tbl := range entityTables {
		m[tbl.name] = t
	}
	return m
}()

// DeleteEntity removes the entity row and every permission referencing it,
// or referencing a sub-resource it owns, in a single transaction. Entity
// rows of owned sub-resources go with it via their FK cascade; the grant
// tables referencing those rows cascade the same way, so only the legacy
// rows, which carry no FK, and the entity's own references need explicit
// deletes here.
func (s *Store) DeleteEntity(ctx context.Context, t authz.EntityType, id string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tbl := entityTables[t]
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, legacy := range []string{"direct_entity_permissions", "group_entity_permissions"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`delete from %s where entity_type = $1 and entity_id = $2`, legacy,
		), string(t), id); err != nil {
			return err
		}
		for _, child := range childTables(t) {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				`delete from %s where entity_type = $1 and entity_id in (select id from %s where %s = $2)`,
				legacy, child.name, child.parentCol,
			), string(tableEntityType[child.name]), id); err != nil {
				return err
			}
		}
	}

	if tbl.grantFK != "" {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`delete from permission_grants where %s = $1`, tbl.grantFK,
		), id); err != nil {
			return err
		}
	}
	for _, child := range childTables(t) {
		if child.grantFK == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`delete from permission_grants where %s in (select id from %s where %s = $1)`,
			child.grantFK, child.name, child.parentCol,
		), id); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where id = $1`, tbl.name), id)
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
	return tx.Commit()
}
