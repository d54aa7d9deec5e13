package httpapi

import (
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", false},
		{"bearer abc.def.ghi", "abc.def.ghi", false},
		{"  Bearer   spaced  ", "spaced", false},
		{"", "", true},
		{"Basic dXNlcjpwYXNz", "", true},
		{"Bearer ", "", true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("extractBearerToken(%q): expected error", tc.header)
			}
			continue
		}
		if err != nil {
			t.Fatalf("extractBearerToken(%q): %v", tc.header, err)
		}
		if got != tc.want {
			t.Fatalf("extractBearerToken(%q)=%q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestIsPublicPath(t *testing.T) {
	public := []string{"/healthz", "/readyz", "/metrics", "/v1/info", "/v1/auth/token", "/"}
	for _, p := range public {
		if !isPublicPath(p) {
			t.Fatalf("%s should be public", p)
		}
	}
	private := []string{"/v1/funders", "/v1/permission-grants", "/v1/users/u1/permissions/funder/f1/view"}
	for _, p := range private {
		if isPublicPath(p) {
			t.Fatalf("%s should require authentication", p)
		}
	}
}
