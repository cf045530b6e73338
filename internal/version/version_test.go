package version

import (
	"strings"
	"testing"
)

func TestStringIncludesShortCommit(t *testing.T) {
	oldV, oldC := Version, Commit
	t.Cleanup(func() { Version, Commit = oldV, oldC })

	Version = "v0.3.0"
	Commit = "0123456789abcdef0123"
	if got, want := String(), "s4train v0.3.0 (0123456789ab)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestResolveFallsBackToDev(t *testing.T) {
	oldV, oldB := Version, BuildTime
	t.Cleanup(func() { Version, BuildTime = oldV, oldB })

	Version, BuildTime = "", ""
	if got := Resolve().Version; !strings.HasPrefix(got, "dev-") {
		t.Fatalf("expected dev- prefix, got %q", got)
	}
	BuildTime = "2026-10-19T00:00:00Z"
	if got := Resolve().Version; got != BuildTime {
		t.Fatalf("expected build time fallback, got %q", got)
	}
}
