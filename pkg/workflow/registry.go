package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/devloop/devloop/pkg/engine"
)

// registry holds the running instance tasks and the per-issue locks.
type registry struct {
	mu     sync.RWMutex
	tasks  map[string]*task
	issues map[string]string
}

func newRegistry() *registry {
	return &registry{
		tasks:  make(map[string]*task),
		issues: make(map[string]string),
	}
}

// lockIssue reserves issueRef for instanceID.
func (r *registry) lockIssue(issueRef, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, held := r.issues[issueRef]; held {
		return fmt.Errorf("%w: %s is owned by instance %s", engine.ErrIssueLocked, issueRef, owner)
	}
	r.issues[issueRef] = instanceID
	return nil
}

func (r *registry) unlockIssue(issueRef, instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.issues[issueRef] == instanceID {
		delete(r.issues, issueRef)
	}
}

func (r *registry) add(t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.instanceID] = t
}

func (r *registry) remove(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, instanceID)
}

func (r *registry) get(instanceID string) (*task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[instanceID]
	return t, ok
}

// list returns the running tasks ordered by instance ID.
func (r *registry) list() []*task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].instanceID < out[j].instanceID })
	return out
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
