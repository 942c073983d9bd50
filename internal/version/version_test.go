package version

import (
	"strings"
	"testing"
)

func TestFullIncludesProductAndCommit(t *testing.T) {
	prevVersion, prevCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = prevVersion, prevCommit })

	Version, Commit = "1.2.3", "abc123"
	full := Full()
	if !strings.HasPrefix(full, "offline-hub ") {
		t.Fatalf("unexpected prefix: %s", full)
	}
	if !strings.Contains(full, "1.2.3") || !strings.Contains(full, "(abc123)") {
		t.Fatalf("version or commit missing: %s", full)
	}
}
