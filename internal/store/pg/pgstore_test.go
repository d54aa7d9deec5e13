package pg

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"commonsdata.org/internal/authz"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSyncMembershipUpsertsPerOrganization(t *testing.T) {
	s, mock := newMockStore(t)
	notAfter := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("insert into group_memberships").
		WithArgs("u1", "org-a", notAfter).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into group_memberships").
		WithArgs("u1", "org-b", notAfter).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.SyncMembership(context.Background(), "u1", []string{"org-a", "org-b"}, notAfter); err != nil {
		t.Fatalf("SyncMembership: %v", err)
	}
	expectMet(t, mock)
}

func TestSyncMembershipNoClaimsIsNoop(t *testing.T) {
	s, mock := newMockStore(t)
	if err := s.SyncMembership(context.Background(), "u1", nil, time.Now()); err != nil {
		t.Fatalf("SyncMembership: %v", err)
	}
	expectMet(t, mock)
}

func TestIsActiveMember(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select exists").
		WithArgs("u1", "org-a", now).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	active, err := s.IsActiveMember(context.Background(), "u1", "org-a", now)
	if err != nil {
		t.Fatalf("IsActiveMember: %v", err)
	}
	if !active {
		t.Fatal("expected active membership")
	}
	expectMet(t, mock)
}

func TestLegacyPermissionExistsForSubject(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select exists.*direct_entity_permissions").
		WithArgs("u1", "funder", "f1", "view").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.LegacyPermissionExists(context.Background(),
		authz.SubjectGrantee("u1"), authz.EntityFunder, "f1", authz.VerbView)
	if err != nil {
		t.Fatalf("LegacyPermissionExists: %v", err)
	}
	if !ok {
		t.Fatal("expected row to exist")
	}
	expectMet(t, mock)
}

func TestLegacyPermissionIDsForSubject(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select distinct entity_id from direct_entity_permissions").
		WithArgs("u1", "funder", "view").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}).AddRow("f1").AddRow("f2"))

	ids, err := s.LegacyPermissionIDs(context.Background(),
		authz.SubjectGrantee("u1"), authz.EntityFunder, authz.VerbView)
	if err != nil {
		t.Fatalf("LegacyPermissionIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "f1" || ids[1] != "f2" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	expectMet(t, mock)
}

func TestGrantExistsChecksContextAndOwner(t *testing.T) {
	s, mock := newMockStore(t)

	// Sources carry their own grant column and may be covered through their
	// owning data provider, so both branches appear in one query.
	mock.ExpectQuery("select exists.*permission_grants g.*g.source_id = \\$4.*g.data_provider_id = \\(select data_provider_id from sources").
		WithArgs("u1", "view", "source", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.GrantExists(context.Background(),
		authz.SubjectGrantee("u1"), authz.EntitySource, "s1", authz.VerbView)
	if err != nil {
		t.Fatalf("GrantExists: %v", err)
	}
	if !ok {
		t.Fatal("expected grant to cover the source")
	}
	expectMet(t, mock)
}

func TestGrantEntityIDsForOwnedKind(t *testing.T) {
	s, mock := newMockStore(t)

	// Opportunities anchor no grants directly; reachable ids come from the
	// owning funder join alone.
	mock.ExpectQuery("select c.id from opportunities c.*join permission_grants g on g.funder_id = c.funder_id").
		WithArgs("u1", "view", "opportunity").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("o1"))

	ids, err := s.GrantEntityIDs(context.Background(),
		authz.SubjectGrantee("u1"), authz.EntityOpportunity, authz.VerbView)
	if err != nil {
		t.Fatalf("GrantEntityIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "o1" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	expectMet(t, mock)
}

func TestCreatePermissionGrantMapsConstraintViolations(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("insert into permission_grants").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	err := s.CreatePermissionGrant(context.Background(), &authz.PermissionGrant{
		ID:                "g1",
		GranteeType:       authz.GranteeUser,
		GranteeID:         "u1",
		ContextEntityType: authz.EntityFunder,
		ContextEntityID:   "f1",
		Scope:             []authz.EntityType{authz.EntityFunder},
		Verbs:             []authz.Verb{authz.VerbView},
		CreatedAt:         time.Now().UTC(),
	})
	if !errors.Is(err, authz.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectMet(t, mock)
}

func TestGetPermissionGrantRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	scopeJSON, _ := json.Marshal([]authz.EntityType{authz.EntityFunder, authz.EntityOpportunity})
	verbsJSON, _ := json.Marshal([]authz.Verb{authz.VerbView})

	mock.ExpectQuery("select id, grantee_type, coalesce\\(subject_id, organization_id\\)").
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "grantee_type", "grantee_id", "context_entity_type",
			"context_entity_id", "scope", "verbs", "created_by", "created_at",
		}).AddRow("g1", "user", "u1", "funder", "f1", scopeJSON, verbsJSON, "admin-1", createdAt))

	g, err := s.GetPermissionGrant(context.Background(), "g1")
	if err != nil {
		t.Fatalf("GetPermissionGrant: %v", err)
	}
	if g.GranteeType != authz.GranteeUser || g.GranteeID != "u1" {
		t.Fatalf("unexpected grantee: %+v", g)
	}
	if len(g.Scope) != 2 || len(g.Verbs) != 1 {
		t.Fatalf("unexpected sets: %+v", g)
	}
	if !g.CreatedAt.Equal(createdAt) {
		t.Fatalf("unexpected created_at: %v", g.CreatedAt)
	}
	expectMet(t, mock)
}

func TestGetPermissionGrantNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select id, grantee_type").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetPermissionGrant(context.Background(), "missing")
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestListPermissionGrantsVisibilityPrecedesPaging(t *testing.T) {
	s, mock := newMockStore(t)
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	scopeJSON, _ := json.Marshal([]authz.EntityType{authz.EntityFunder})
	verbsJSON, _ := json.Marshal([]authz.Verb{authz.VerbView})

	// The own-grantee/managed-entity predicate sits in the where clause, so
	// limit and offset cut pages from visible rows only.
	mock.ExpectQuery("select id, grantee_type.*from permission_grants where \\(\\(grantee_type = 'user' and subject_id = \\$1\\) or context_entity_type = \\$2\\) order by created_at, id limit \\$3 offset \\$4").
		WithArgs("u1", "funder", 1, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "grantee_type", "grantee_id", "context_entity_type",
			"context_entity_id", "scope", "verbs", "created_by", "created_at",
		}).AddRow("g1", "user", "u1", "funder", "f1", scopeJSON, verbsJSON, "admin-1", createdAt))

	got, err := s.ListPermissionGrants(context.Background(), authz.GrantFilter{
		Visibility: &authz.GrantVisibility{
			SubjectID: "u1",
			Managed: map[authz.EntityType]authz.Selector{
				authz.EntityFunder: {Unrestricted: true},
			},
		},
		Limit: 1,
	})
	if err != nil {
		t.Fatalf("ListPermissionGrants: %v", err)
	}
	if len(got) != 1 || got[0].ID != "g1" {
		t.Fatalf("unexpected page: %+v", got)
	}
	expectMet(t, mock)
}

func TestDeletePermissionGrantNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("delete from permission_grants where id").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeletePermissionGrant(context.Background(), "missing"); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestRemoveDirectPermissionNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("delete from direct_entity_permissions").
		WithArgs("u1", "funder", "f1", "view").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.RemoveDirectPermission(context.Background(), "u1", authz.EntityFunder, "f1", authz.VerbView)
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestEntityExists(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select exists.*from funders").
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.EntityExists(context.Background(), authz.EntityFunder, "f1")
	if err != nil {
		t.Fatalf("EntityExists: %v", err)
	}
	if !ok {
		t.Fatal("expected funder to exist")
	}
	expectMet(t, mock)
}

func TestListEntitiesUnrestricted(t *testing.T) {
	s, mock := newMockStore(t)
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select id, name, created_at from funders order by id").
		WithArgs(100, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at"}).
			AddRow("f1", "Funder One", createdAt).
			AddRow("f2", "Funder Two", createdAt))

	got, err := s.ListEntities(context.Background(), authz.EntityFunder, authz.Selector{Unrestricted: true}, 0, 0)
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(got) != 2 || got[0].Type != authz.EntityFunder {
		t.Fatalf("unexpected entities: %+v", got)
	}
	expectMet(t, mock)
}

func TestListEntitiesEmptySelectorShortCircuits(t *testing.T) {
	s, mock := newMockStore(t)

	got, err := s.ListEntities(context.Background(), authz.EntityFunder, authz.Selector{}, 0, 0)
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no rows without a query, got %+v", got)
	}
	expectMet(t, mock)
}

func TestDeleteEntityCascadesInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	// Legacy rows of the funder itself and of its contained opportunities.
	mock.ExpectExec("delete from direct_entity_permissions where entity_type = \\$1 and entity_id = \\$2").
		WithArgs("funder", "f1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from direct_entity_permissions where entity_type = \\$1 and entity_id in \\(select id from opportunities").
		WithArgs("opportunity", "f1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("delete from group_entity_permissions where entity_type = \\$1 and entity_id = \\$2").
		WithArgs("funder", "f1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from group_entity_permissions where entity_type = \\$1 and entity_id in \\(select id from opportunities").
		WithArgs("opportunity", "f1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Generalized grants anchored on the funder.
	mock.ExpectExec("delete from permission_grants where funder_id").
		WithArgs("f1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The entity row last; FK cascade takes the contained rows with it.
	mock.ExpectExec("delete from funders where id").
		WithArgs("f1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.DeleteEntity(context.Background(), authz.EntityFunder, "f1"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	expectMet(t, mock)
}

func TestDeleteEntityNotFoundRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from direct_entity_permissions").
		WithArgs("source", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from group_entity_permissions").
		WithArgs("source", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from permission_grants where source_id").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from sources where id").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.DeleteEntity(context.Background(), authz.EntitySource, "missing")
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}
