// Package github implements engine.GitPlatform on the GitHub REST API.
//
// Issue references take the form "owner/repo#number". Commits are written
// through the Git data API (tree, commit, ref update), so no local clone is
// needed.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	gogithub "github.com/google/go-github/v57/github"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/devloop/devloop/pkg/engine"
)

// Config configures the GitHub platform.
type Config struct {
	// Token is a personal access token or installation token.
	Token string `yaml:"token"`

	// BaseURL overrides the API endpoint, for GitHub Enterprise or tests.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// BaseBranch is the branch new work starts from. Empty uses the
	// repository default branch.
	BaseBranch string `yaml:"base_branch"`

	// CIWorkflow is the Actions workflow file dispatched by TriggerCI. Empty
	// relies on push-triggered CI.
	CIWorkflow string `yaml:"ci_workflow"`

	// MergeMethod is merge, squash or rebase.
	MergeMethod string `yaml:"merge_method" validate:"omitempty,oneof=merge squash rebase"`
}

// Platform talks to GitHub.
type Platform struct {
	client *gogithub.Client
	cfg    Config
	logger zerolog.Logger
}

// New creates a GitHub platform authenticated with cfg.Token.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Platform, error) {
	if cfg.Token == "" {
		return nil, engine.NewStructuralError("GitHub token not set", nil).WithCode(engine.ErrCodeMissingConfig)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	client := gogithub.NewClient(oauth2.NewClient(ctx, ts))

	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
		}
		client.BaseURL = u
	}
	if cfg.MergeMethod == "" {
		cfg.MergeMethod = "squash"
	}

	return &Platform{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "github").Logger(),
	}, nil
}

// Ref is a parsed issue reference.
type Ref struct {
	Owner  string
	Repo   string
	Number int
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// ParseRef parses "owner/repo#number".
func ParseRef(issueRef string) (Ref, error) {
	repoPart, numPart, ok := strings.Cut(issueRef, "#")
	if !ok {
		return Ref{}, engine.NewValidationError(fmt.Sprintf("issue reference %q must look like owner/repo#number", issueRef), nil)
	}
	owner, repo, ok := strings.Cut(repoPart, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return Ref{}, engine.NewValidationError(fmt.Sprintf("issue reference %q has no owner/repo", issueRef), nil)
	}
	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return Ref{}, engine.NewValidationError(fmt.Sprintf("issue reference %q has no issue number", issueRef), err)
	}
	return Ref{Owner: owner, Repo: repo, Number: n}, nil
}

// GetIssue loads the title and body of an issue.
func (p *Platform) GetIssue(ctx context.Context, issueRef string) (*engine.Issue, error) {
	ref, err := ParseRef(issueRef)
	if err != nil {
		return nil, err
	}
	issue, resp, err := p.client.Issues.Get(ctx, ref.Owner, ref.Repo, ref.Number)
	if err != nil {
		return nil, classify("get issue", resp, err)
	}
	return &engine.Issue{Ref: issueRef, Title: issue.GetTitle(), Body: issue.GetBody()}, nil
}

// CreateBranch creates branch from the base branch. An existing branch is
// accepted so that a retried implementation reuses it.
func (p *Platform) CreateBranch(ctx context.Context, issueRef, branch string) error {
	ref, err := ParseRef(issueRef)
	if err != nil {
		return err
	}
	base, err := p.baseBranch(ctx, ref)
	if err != nil {
		return err
	}
	baseRef, resp, err := p.client.Git.GetRef(ctx, ref.Owner, ref.Repo, "heads/"+base)
	if err != nil {
		return classify("get base ref", resp, err)
	}

	_, resp, err = p.client.Git.CreateRef(ctx, ref.Owner, ref.Repo, &gogithub.Reference{
		Ref:    gogithub.String("refs/heads/" + branch),
		Object: &gogithub.GitObject{SHA: baseRef.GetObject().SHA},
	})
	if err != nil {
		if isAlreadyExists(resp, err) {
			p.logger.Debug().Str("branch", branch).Msg("branch already exists")
			return nil
		}
		return classify("create branch", resp, err)
	}
	return nil
}

// PushCommit commits changes on top of branch and returns the commit SHA.
func (p *Platform) PushCommit(ctx context.Context, issueRef, branch string, changes *engine.CodeChanges) (string, error) {
	ref, err := ParseRef(issueRef)
	if err != nil {
		return "", err
	}
	if changes == nil || len(changes.Files) == 0 {
		return "", engine.NewValidationError("no changes to commit", nil)
	}

	head, resp, err := p.client.Git.GetRef(ctx, ref.Owner, ref.Repo, "heads/"+branch)
	if err != nil {
		return "", classify("get branch", resp, err)
	}
	parentSHA := head.GetObject().GetSHA()

	parent, resp, err := p.client.Git.GetCommit(ctx, ref.Owner, ref.Repo, parentSHA)
	if err != nil {
		return "", classify("get parent commit", resp, err)
	}

	entries := make([]*gogithub.TreeEntry, 0, len(changes.Files))
	for _, f := range changes.Files {
		entries = append(entries, &gogithub.TreeEntry{
			Path:    gogithub.String(f.Path),
			Mode:    gogithub.String("100644"),
			Type:    gogithub.String("blob"),
			Content: gogithub.String(f.Content),
		})
	}
	tree, resp, err := p.client.Git.CreateTree(ctx, ref.Owner, ref.Repo, parent.GetTree().GetSHA(), entries)
	if err != nil {
		return "", classify("create tree", resp, err)
	}

	commit, resp, err := p.client.Git.CreateCommit(ctx, ref.Owner, ref.Repo, &gogithub.Commit{
		Message: gogithub.String(changes.Message),
		Tree:    &gogithub.Tree{SHA: tree.SHA},
		Parents: []*gogithub.Commit{{SHA: gogithub.String(parentSHA)}},
	}, nil)
	if err != nil {
		return "", classify("create commit", resp, err)
	}

	_, resp, err = p.client.Git.UpdateRef(ctx, ref.Owner, ref.Repo, &gogithub.Reference{
		Ref:    gogithub.String("refs/heads/" + branch),
		Object: &gogithub.GitObject{SHA: commit.SHA},
	}, false)
	if err != nil {
		return "", classify("update branch", resp, err)
	}

	p.logger.Info().Str("issue_ref", issueRef).Str("branch", branch).Str("sha", commit.GetSHA()).Int("files", len(entries)).Msg("pushed commit")
	return commit.GetSHA(), nil
}

// CreatePR opens a pull request from branch into the base branch.
func (p *Platform) CreatePR(ctx context.Context, issueRef, branch, title, body string) (*engine.PullRequest, error) {
	ref, err := ParseRef(issueRef)
	if err != nil {
		return nil, err
	}
	base, err := p.baseBranch(ctx, ref)
	if err != nil {
		return nil, err
	}

	pr, resp, err := p.client.PullRequests.Create(ctx, ref.Owner, ref.Repo, &gogithub.NewPullRequest{
		Title: gogithub.String(title),
		Head:  gogithub.String(branch),
		Base:  gogithub.String(base),
		Body:  gogithub.String(body),
	})
	if err != nil {
		return nil, classify("create pull request", resp, err)
	}
	return &engine.PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Head: branch}, nil
}

// TriggerCI dispatches the configured Actions workflow for ref.
func (p *Platform) TriggerCI(ctx context.Context, issueRef, ref string) error {
	if p.cfg.CIWorkflow == "" {
		return nil
	}
	r, err := ParseRef(issueRef)
	if err != nil {
		return err
	}
	resp, err := p.client.Actions.CreateWorkflowDispatchEventByFileName(ctx, r.Owner, r.Repo, p.cfg.CIWorkflow,
		gogithub.CreateWorkflowDispatchEventRequest{Ref: ref})
	if err != nil {
		return classify("dispatch workflow", resp, err)
	}
	return nil
}

// GetCIStatus combines commit statuses and check runs for ref. Any failure
// wins over pending, and pending wins over success.
func (p *Platform) GetCIStatus(ctx context.Context, issueRef, ref string) (*engine.CIStatus, error) {
	r, err := ParseRef(issueRef)
	if err != nil {
		return nil, err
	}

	combined, resp, err := p.client.Repositories.GetCombinedStatus(ctx, r.Owner, r.Repo, ref, nil)
	if err != nil {
		return nil, classify("get combined status", resp, err)
	}
	runs, resp, err := p.client.Checks.ListCheckRunsForRef(ctx, r.Owner, r.Repo, ref, &gogithub.ListCheckRunsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, classify("list check runs", resp, err)
	}

	status := &engine.CIStatus{State: engine.CISuccess}
	var failed []string
	pending := false

	// GitHub reports "pending" for a commit with no statuses at all.
	if combined.GetTotalCount() > 0 {
		switch combined.GetState() {
		case "failure", "error":
			for _, s := range combined.Statuses {
				if s.GetState() == "failure" || s.GetState() == "error" {
					failed = append(failed, s.GetContext())
					if status.URL == "" {
						status.URL = s.GetTargetURL()
					}
				}
			}
		case "pending":
			pending = true
		}
	}

	for _, run := range runs.CheckRuns {
		if run.GetStatus() != "completed" {
			pending = true
			continue
		}
		switch run.GetConclusion() {
		case "success", "neutral", "skipped":
		default:
			failed = append(failed, fmt.Sprintf("%s (%s)", run.GetName(), run.GetConclusion()))
			if status.URL == "" {
				status.URL = run.GetHTMLURL()
			}
		}
	}

	switch {
	case len(failed) > 0:
		status.State = engine.CIFailure
		status.Details = "failed: " + strings.Join(failed, ", ")
	case pending:
		status.State = engine.CIPending
	case combined.GetTotalCount() == 0 && runs.GetTotal() == 0:
		status.State = engine.CIPending
		status.Details = "no CI results reported yet"
	}
	return status, nil
}

// PostComment comments on the issue.
func (p *Platform) PostComment(ctx context.Context, issueRef, body string) error {
	ref, err := ParseRef(issueRef)
	if err != nil {
		return err
	}
	_, resp, err := p.client.Issues.CreateComment(ctx, ref.Owner, ref.Repo, ref.Number, &gogithub.IssueComment{
		Body: gogithub.String(body),
	})
	if err != nil {
		return classify("create comment", resp, err)
	}
	return nil
}

// MergePR merges the pull request and returns the merge commit SHA.
func (p *Platform) MergePR(ctx context.Context, issueRef string, number int) (string, error) {
	ref, err := ParseRef(issueRef)
	if err != nil {
		return "", err
	}
	result, resp, err := p.client.PullRequests.Merge(ctx, ref.Owner, ref.Repo, number, "",
		&gogithub.PullRequestOptions{MergeMethod: p.cfg.MergeMethod})
	if err != nil {
		return "", classify("merge pull request", resp, err)
	}
	if !result.GetMerged() {
		return "", engine.NewStructuralError(fmt.Sprintf("pull request #%d not merged: %s", number, result.GetMessage()), nil).
			WithCode(engine.ErrCodeConflict)
	}
	return result.GetSHA(), nil
}

func (p *Platform) baseBranch(ctx context.Context, ref Ref) (string, error) {
	if p.cfg.BaseBranch != "" {
		return p.cfg.BaseBranch, nil
	}
	repo, resp, err := p.client.Repositories.Get(ctx, ref.Owner, ref.Repo)
	if err != nil {
		return "", classify("get repository", resp, err)
	}
	if b := repo.GetDefaultBranch(); b != "" {
		return b, nil
	}
	return "main", nil
}

// classify maps a GitHub API failure onto the engine error classes. Rate
// limits, server errors and network failures are transient; request errors
// are structural.
func classify(op string, resp *gogithub.Response, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := "github " + op + " failed"

	var rateErr *gogithub.RateLimitError
	var abuseErr *gogithub.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return engine.NewTransientError(msg, err).WithCode(engine.ErrCodeRateLimited)
	}

	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}

	switch {
	case status == 0:
		return engine.NewTransientError(msg, err).WithCode(engine.ErrCodeConnection)
	case status == http.StatusTooManyRequests:
		return engine.NewTransientError(msg, err).WithCode(engine.ErrCodeRateLimited)
	case status == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0:
		return engine.NewTransientError(msg, err).WithCode(engine.ErrCodeRateLimited)
	case status >= 500:
		return engine.NewTransientError(msg, err).WithCode(engine.ErrCodeCollaborator).WithDetail("status", status)
	case status == http.StatusUnauthorized:
		return engine.NewStructuralError(msg, err).WithCode(engine.ErrCodeInvalidCreds)
	case status == http.StatusForbidden:
		return engine.NewStructuralError(msg, err).WithCode(engine.ErrCodePermissionDenied)
	case status == http.StatusNotFound:
		return engine.NewStructuralError(msg, err).WithCode(engine.ErrCodeNotFound)
	case status == http.StatusConflict || status == http.StatusMethodNotAllowed:
		return engine.NewStructuralError(msg, err).WithCode(engine.ErrCodeConflict)
	}
	return engine.NewStructuralError(msg, err).WithCode(engine.ErrCodeValidation).WithDetail("status", status)
}

func isAlreadyExists(resp *gogithub.Response, err error) bool {
	if resp == nil || resp.Response == nil || resp.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
