// Package pg implements the authorization engine's persistence over
// PostgreSQL via database/sql with the pgx stdlib driver.
package pg

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"commonsdata.org/internal/authz"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store provides Postgres-backed grant, membership and entity persistence.
type Store struct {
	db *sql.DB
}

var _ authz.Store = (*Store)(nil)

// Open connects to PostgreSQL and tunes the connection pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection, used by tests.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// entityTable maps one entity kind onto its table, the FK column naming its
// owner when the kind is a sub-resource, and the permission_grants column
// referencing it when the kind may anchor grants.
type entityTable struct {
	name      string
	parentCol string
	parent    authz.EntityType
	grantFK   string
}

var entityTables = map[authz.EntityType]entityTable{
	authz.EntityFunder:       {name: "funders", grantFK: "funder_id"},
	authz.EntityChangemaker:  {name: "changemakers", grantFK: "changemaker_id"},
	authz.EntityDataProvider: {name: "data_providers", grantFK: "data_provider_id"},
	authz.EntitySource: {
		name:      "sources",
		parentCol: "data_provider_id",
		parent:    authz.EntityDataProvider,
		grantFK:   "source_id",
	},
	authz.EntityOpportunity: {
		name:      "opportunities",
		parentCol: "funder_id",
		parent:    authz.EntityFunder,
	},
	authz.EntityChangemakerFieldValue: {
		name:      "changemaker_field_values",
		parentCol: "changemaker_id",
		parent:    authz.EntityChangemaker,
	},
}

// grantContextColumns, in the fixed order used by coalesce projections.
const grantContextCoalesce = "coalesce(funder_id, changemaker_id, data_provider_id, source_id)"

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
