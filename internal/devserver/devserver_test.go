package devserver

import (
	"context"
	"testing"
)

func TestUpdateURL(t *testing.T) {
	cases := []struct {
		name      string
		proxyPort int
		cachePath string
		want      string
	}{
		{"direct", 0, "update/au/abc", "http://127.0.0.1:8080/update/au/abc"},
		{"through proxy", 9223, "update/au/abc", "http://127.0.0.1:9223/update/au/abc"},
		{"leading slash trimmed", 0, "/update/au/abc", "http://127.0.0.1:8080/update/au/abc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := UpdateURL(tc.proxyPort, tc.cachePath); got != tc.want {
				t.Fatalf("UpdateURL(%d, %q) = %q, want %q", tc.proxyPort, tc.cachePath, got, tc.want)
			}
		})
	}
}

func TestServerRequiresTool(t *testing.T) {
	s := &Server{}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("starting without a tool path must fail")
	}
}
