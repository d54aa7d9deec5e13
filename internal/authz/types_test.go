package authz

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestParseEnums(t *testing.T) {
	if got, err := ParseEntityType("  Data_Provider "); err != nil || got != EntityDataProvider {
		t.Fatalf("ParseEntityType: %v %v", got, err)
	}
	if _, err := ParseEntityType("galaxy"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if got, err := ParseVerb("MANAGE"); err != nil || got != VerbManage {
		t.Fatalf("ParseVerb: %v %v", got, err)
	}
	if _, err := ParseVerb("fly"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if got, err := ParseGranteeType("User_Group"); err != nil || got != GranteeUserGroup {
		t.Fatalf("ParseGranteeType: %v %v", got, err)
	}
}

func TestScopeAllowList(t *testing.T) {
	cases := []struct {
		context EntityType
		target  EntityType
		want    bool
	}{
		{EntityFunder, EntityFunder, true},
		{EntityFunder, EntityOpportunity, true},
		{EntityFunder, EntityChangemaker, false},
		{EntityChangemaker, EntityChangemakerFieldValue, true},
		{EntityDataProvider, EntitySource, true},
		{EntitySource, EntitySource, true},
		{EntitySource, EntityDataProvider, false},
	}
	for _, tc := range cases {
		if got := ScopeAllows(tc.context, tc.target); got != tc.want {
			t.Fatalf("ScopeAllows(%s, %s)=%v, want %v", tc.context, tc.target, got, tc.want)
		}
	}
	for _, t2 := range []EntityType{EntityOpportunity, EntityChangemakerFieldValue} {
		if IsContextEntityType(t2) {
			t.Fatalf("%s must not anchor grants", t2)
		}
	}
}

func TestLegacyVerbRules(t *testing.T) {
	if LegacyVerbAllowed(EntityFunder, VerbCreateProposal) {
		t.Fatal("create_proposal must be opportunity only")
	}
	if !LegacyVerbAllowed(EntityOpportunity, VerbCreateProposal) {
		t.Fatal("create_proposal must be valid on opportunities")
	}
	if IsLegacyEntityType(EntitySource) || IsLegacyEntityType(EntityChangemakerFieldValue) {
		t.Fatal("sources and field values carry no legacy rows")
	}
}

func TestGrantNormalizeDedupes(t *testing.T) {
	g := PermissionGrant{
		GranteeID:       " u1 ",
		ContextEntityID: " f1 ",
		Scope:           []EntityType{EntityFunder, EntityOpportunity, EntityFunder},
		Verbs:           []Verb{VerbView, VerbView, VerbEdit},
	}
	g.Normalize()
	if g.GranteeID != "u1" || g.ContextEntityID != "f1" {
		t.Fatalf("identifiers not trimmed: %+v", g)
	}
	if !reflect.DeepEqual(g.Scope, []EntityType{EntityFunder, EntityOpportunity}) {
		t.Fatalf("scope not deduped: %v", g.Scope)
	}
	if !reflect.DeepEqual(g.Verbs, []Verb{VerbView, VerbEdit}) {
		t.Fatalf("verbs not deduped: %v", g.Verbs)
	}
}

func TestMembershipActiveAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	open := Membership{SubjectID: "u1", OrganizationID: "org-a"}
	if !open.ActiveAt(now) {
		t.Fatal("membership without expiry must be active")
	}
	future := now.Add(time.Hour)
	bounded := Membership{SubjectID: "u1", OrganizationID: "org-a", NotAfter: &future}
	if !bounded.ActiveAt(now) {
		t.Fatal("membership expiring later must be active")
	}
	if bounded.ActiveAt(future) {
		t.Fatal("membership is inactive at its expiry instant")
	}
}
