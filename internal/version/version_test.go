package version

import (
	"runtime"
	"testing"
)

func setVars(t *testing.T, v, c, b string) {
	t.Helper()
	origVersion, origCommit, origBuildTime := Version, Commit, BuildTime
	t.Cleanup(func() {
		Version, Commit, BuildTime = origVersion, origCommit, origBuildTime
	})
	Version, Commit, BuildTime = v, c, b
}

func TestString(t *testing.T) {
	setVars(t, "1.2.3", "abc1234", "2024-01-15T10:00:00Z")

	expected := "1.2.3 (abc1234) built 2024-01-15T10:00:00Z"
	if got := String(); got != expected {
		t.Errorf("String() = %q, want %q", got, expected)
	}
}

func TestGet(t *testing.T) {
	t.Run("ldflags values", func(t *testing.T) {
		setVars(t, "1.2.3", "abc1234", "2024-01-15T10:00:00Z")

		info := Get()
		if info.Version != "1.2.3" || info.Commit != "abc1234" || info.BuildTime != "2024-01-15T10:00:00Z" {
			t.Errorf("Get() = %+v", info)
		}
		if info.GoVersion != runtime.Version() {
			t.Errorf("GoVersion = %q, want %q", info.GoVersion, runtime.Version())
		}
	})

	t.Run("default values", func(t *testing.T) {
		setVars(t, "dev", "unknown", "unknown")

		info := Get()
		if info.Version != "dev" {
			t.Errorf("Version = %q, want dev", info.Version)
		}
		if info.Commit == "" {
			t.Error("Commit should not be empty")
		}
		if len(info.Commit) > 7 && info.Commit != "unknown" {
			t.Errorf("Commit = %q, want a short revision", info.Commit)
		}
	})
}
