package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                          "/",
		"/metrics":                  "/metrics",
		"/v1/permission-grants":     "/v1/permission-grants",
		"/v1/permission-grants/abc": "/v1/permission-grants/:id",
		"/v1/funders/abc":           "/v1/funders/:id",
		"/v1/users/u1/permissions/funder/f1/view":  "/v1/users/:id/permissions/:type/:entity/:verb",
		"/v1/groups/g1/permissions/funder/f1/edit": "/v1/groups/:id/permissions/:type/:entity/:verb",
		"/v1/funders?limit=10":                     "/v1/funders",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
