package workflow

import (
	"errors"
	"testing"

	"github.com/devloop/devloop/pkg/engine"
)

func TestRegistryListAndIssueLocks(t *testing.T) {
	r := newRegistry()
	for _, id := range []string{"inst-c", "inst-a", "inst-b"} {
		r.add(&task{instanceID: id})
	}

	got := r.list()
	if len(got) != 3 || r.count() != 3 {
		t.Fatalf("list() = %d tasks, count() = %d, want 3", len(got), r.count())
	}
	for i, want := range []string{"inst-a", "inst-b", "inst-c"} {
		if got[i].instanceID != want {
			t.Errorf("list()[%d] = %s, want %s", i, got[i].instanceID, want)
		}
	}

	r.remove("inst-b")
	if _, ok := r.get("inst-b"); ok || len(r.list()) != 2 {
		t.Errorf("inst-b still registered after remove")
	}

	if err := r.lockIssue("acme/api#1", "inst-a"); err != nil {
		t.Fatalf("lockIssue() error = %v", err)
	}
	if err := r.lockIssue("acme/api#1", "inst-c"); !errors.Is(err, engine.ErrIssueLocked) {
		t.Errorf("second lockIssue() error = %v, want ErrIssueLocked", err)
	}
	r.unlockIssue("acme/api#1", "inst-c")
	if err := r.lockIssue("acme/api#1", "inst-c"); !errors.Is(err, engine.ErrIssueLocked) {
		t.Errorf("unlock by a non-owner released the lock: %v", err)
	}
	r.unlockIssue("acme/api#1", "inst-a")
	if err := r.lockIssue("acme/api#1", "inst-c"); err != nil {
		t.Errorf("lockIssue() after unlock error = %v", err)
	}
}
