package authz

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestListPermissionGrantsPageShape(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateEntity(ctx, &Entity{ID: "f1", Type: EntityFunder, Name: "Funder One", CreatedAt: base}); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	// Ids run opposite to creation times, so the sort key order is
	// observable: created_at first, id as tie-break only.
	for i := 0; i < 120; i++ {
		g := PermissionGrant{
			ID:                fmt.Sprintf("g-%03d", i),
			GranteeType:       GranteeUser,
			GranteeID:         "u1",
			ContextEntityType: EntityFunder,
			ContextEntityID:   "f1",
			Scope:             []EntityType{EntityFunder},
			Verbs:             []Verb{VerbView},
			CreatedAt:         base.Add(-time.Duration(i) * time.Minute),
		}
		if err := store.CreatePermissionGrant(ctx, &g); err != nil {
			t.Fatalf("CreatePermissionGrant: %v", err)
		}
	}

	page, err := store.ListPermissionGrants(ctx, GrantFilter{})
	if err != nil {
		t.Fatalf("ListPermissionGrants: %v", err)
	}
	if len(page) != 100 {
		t.Fatalf("expected default page of 100, got %d", len(page))
	}
	if page[0].ID != "g-119" {
		t.Fatalf("oldest grant should lead the page, got %s", page[0].ID)
	}
	for i := 1; i < len(page); i++ {
		if page[i].CreatedAt.Before(page[i-1].CreatedAt) {
			t.Fatalf("page not ordered by created_at at index %d", i)
		}
	}

	rest, err := store.ListPermissionGrants(ctx, GrantFilter{Offset: 100})
	if err != nil {
		t.Fatalf("ListPermissionGrants offset: %v", err)
	}
	if len(rest) != 20 {
		t.Fatalf("expected 20 remaining grants, got %d", len(rest))
	}
	if rest[len(rest)-1].ID != "g-000" {
		t.Fatalf("newest grant should close the listing, got %s", rest[len(rest)-1].ID)
	}
}
