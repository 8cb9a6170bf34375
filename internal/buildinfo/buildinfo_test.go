package buildinfo

import "testing"

func TestString(t *testing.T) {
	defer func(v, c, b string) { Version, GitCommit, BuildTime = v, c, b }(Version, GitCommit, BuildTime)

	Version, GitCommit, BuildTime = "", "", ""
	if got := String(); got != "dutconsole dev" {
		t.Fatalf("String() = %q", got)
	}

	Version, GitCommit, BuildTime = "1.2.0", "abc123", "2026-10-01T12:00:00Z"
	if got := String(); got != "dutconsole 1.2.0 (abc123) built at 2026-10-01T12:00:00Z" {
		t.Fatalf("String() = %q", got)
	}
}
