package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devloop/devloop/pkg/engine"
)

type fakeGitHub struct {
	mu       sync.Mutex
	refs     map[string]string
	comments []string
	trees    int
	auth     []string
}

func newFakeGitHub(t *testing.T) (*Platform, *fakeGitHub) {
	t.Helper()
	f := &fakeGitHub{refs: map[string]string{"heads/main": "base-sha"}}

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"default_branch": "main"})
	})
	mux.HandleFunc("/repos/acme/api/issues/42", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"number": 42, "title": "Crash on empty config", "body": "stack trace"})
	})
	mux.HandleFunc("/repos/acme/api/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Body string `json:"body"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.comments = append(f.comments, body.Body)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]interface{}{"id": 1, "body": body.Body})
	})
	mux.HandleFunc("/repos/acme/api/git/ref/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/repos/acme/api/git/ref/"):]
		f.mu.Lock()
		sha, ok := f.refs[name]
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ref": "refs/" + name, "object": map[string]string{"sha": sha}})
	})
	mux.HandleFunc("/repos/acme/api/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		name := body.Ref[len("refs/"):]
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, exists := f.refs[name]; exists {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"message": "Reference already exists"})
			return
		}
		f.refs[name] = body.SHA
		writeJSON(w, http.StatusCreated, map[string]interface{}{"ref": body.Ref, "object": map[string]string{"sha": body.SHA}})
	})
	mux.HandleFunc("/repos/acme/api/git/refs/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/repos/acme/api/git/refs/"):]
		var body struct {
			SHA string `json:"sha"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.refs[name] = body.SHA
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{"ref": "refs/" + name, "object": map[string]string{"sha": body.SHA}})
	})
	mux.HandleFunc("/repos/acme/api/git/commits/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"sha": "base-sha", "tree": map[string]string{"sha": "base-tree"}})
	})
	mux.HandleFunc("/repos/acme/api/git/trees", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.trees++
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]interface{}{"sha": "new-tree"})
	})
	mux.HandleFunc("/repos/acme/api/git/commits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]interface{}{"sha": "new-commit"})
	})
	mux.HandleFunc("/repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]interface{}{"number": 7, "html_url": "https://github.test/acme/api/pull/7"})
	})
	mux.HandleFunc("/repos/acme/api/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"merged": true, "sha": "merge-sha"})
	})
	mux.HandleFunc("/repos/acme/api/pulls/8/merge", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"message": "Pull Request is not mergeable"})
	})
	mux.HandleFunc("/repos/acme/api/commits/ok/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"state": "success", "total_count": 1, "statuses": []map[string]string{{"state": "success", "context": "ci/build"}}})
	})
	mux.HandleFunc("/repos/acme/api/commits/ok/check-runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"total_count": 1, "check_runs": []map[string]string{{"name": "lint", "status": "completed", "conclusion": "success"}}})
	})
	mux.HandleFunc("/repos/acme/api/commits/bad/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"state": "pending", "total_count": 0})
	})
	mux.HandleFunc("/repos/acme/api/commits/bad/check-runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"total_count": 2, "check_runs": []map[string]string{
			{"name": "unit", "status": "completed", "conclusion": "failure", "html_url": "https://ci.test/unit"},
			{"name": "e2e", "status": "in_progress"},
		}})
	})
	mux.HandleFunc("/repos/acme/broken/issues/1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"message": "upstream"})
	})
	mux.HandleFunc("/repos/acme/private/issues/1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"message": "Bad credentials"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p, err := New(context.Background(), Config{Token: "test-token", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	return p, f
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("acme/api#42")
	require.NoError(t, err)
	assert.Equal(t, Ref{Owner: "acme", Repo: "api", Number: 42}, ref)
	assert.Equal(t, "acme/api#42", ref.String())

	for _, bad := range []string{"", "acme/api", "acme#1", "acme/api#x", "acme/api#0", "a/b/c#1"} {
		_, err := ParseRef(bad)
		assert.True(t, engine.IsValidation(err), "ParseRef(%q) error = %v", bad, err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(context.Background(), Config{}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, engine.IsStructural(err))
}

func TestGetIssueAndComment(t *testing.T) {
	p, f := newFakeGitHub(t)
	ctx := context.Background()

	issue, err := p.GetIssue(ctx, "acme/api#42")
	require.NoError(t, err)
	assert.Equal(t, "Crash on empty config", issue.Title)
	assert.Equal(t, "stack trace", issue.Body)

	require.NoError(t, p.PostComment(ctx, "acme/api#42", "plan"))
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"plan"}, f.comments)
	assert.Equal(t, "Bearer test-token", f.auth[0])
}

func TestBranchCommitAndPullRequest(t *testing.T) {
	p, f := newFakeGitHub(t)
	ctx := context.Background()

	require.NoError(t, p.CreateBranch(ctx, "acme/api#42", "devloop/acme-api-42"))
	require.NoError(t, p.CreateBranch(ctx, "acme/api#42", "devloop/acme-api-42"), "existing branch is reused")

	sha, err := p.PushCommit(ctx, "acme/api#42", "devloop/acme-api-42", &engine.CodeChanges{
		Message: "Fix crash",
		Files:   []engine.FileChange{{Path: "config.go", Content: "package config\n"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "new-commit", sha)

	f.mu.Lock()
	assert.Equal(t, "new-commit", f.refs["heads/devloop/acme-api-42"])
	assert.Equal(t, 1, f.trees)
	f.mu.Unlock()

	pr, err := p.CreatePR(ctx, "acme/api#42", "devloop/acme-api-42", "Fix crash", "body")
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "https://github.test/acme/api/pull/7", pr.URL)

	mergeSHA, err := p.MergePR(ctx, "acme/api#42", 7)
	require.NoError(t, err)
	assert.Equal(t, "merge-sha", mergeSHA)

	_, err = p.MergePR(ctx, "acme/api#42", 8)
	require.Error(t, err)
	assert.True(t, engine.IsStructural(err), "unmergeable PR is structural: %v", err)
}

func TestPushCommitRequiresChanges(t *testing.T) {
	p, _ := newFakeGitHub(t)
	_, err := p.PushCommit(context.Background(), "acme/api#42", "b", &engine.CodeChanges{})
	assert.True(t, engine.IsValidation(err))
}

func TestGetCIStatus(t *testing.T) {
	p, _ := newFakeGitHub(t)
	ctx := context.Background()

	ok, err := p.GetCIStatus(ctx, "acme/api#42", "ok")
	require.NoError(t, err)
	assert.Equal(t, engine.CISuccess, ok.State)

	bad, err := p.GetCIStatus(ctx, "acme/api#42", "bad")
	require.NoError(t, err)
	assert.Equal(t, engine.CIFailure, bad.State)
	assert.Contains(t, bad.Details, "unit (failure)")
	assert.Equal(t, "https://ci.test/unit", bad.URL)
}

func TestTriggerCIWithoutWorkflowIsNoop(t *testing.T) {
	p, _ := newFakeGitHub(t)
	assert.NoError(t, p.TriggerCI(context.Background(), "acme/api#42", "main"))
}

func TestErrorClassification(t *testing.T) {
	p, _ := newFakeGitHub(t)
	ctx := context.Background()

	_, err := p.GetIssue(ctx, "acme/broken#1")
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err), "5xx is transient: %v", err)

	_, err = p.GetIssue(ctx, "acme/private#1")
	require.Error(t, err)
	assert.True(t, engine.IsStructural(err), "401 is structural: %v", err)

	_, err = p.GetIssue(ctx, "acme/missing#1")
	require.Error(t, err)
	assert.True(t, engine.IsStructural(err), "404 is structural: %v", err)
}

var _ engine.GitPlatform = (*Platform)(nil)
