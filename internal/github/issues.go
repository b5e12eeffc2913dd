package github

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Issue states as reported by the REST API.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Issue mirrors the subset of the REST issue object the sync engine uses.
type Issue struct {
	ID          int64      `json:"id"`
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	State       string     `json:"state"`
	StateReason string     `json:"state_reason,omitempty"`
	Labels      []Label    `json:"labels"`
	Assignee    *User      `json:"assignee"`
	Milestone   *Milestone `json:"milestone"`
	UpdatedAt   time.Time  `json:"updated_at"`
	HTMLURL     string     `json:"html_url"`

	// PullRequest is non-nil when the "issue" is a pull request; the issues
	// list endpoint returns both.
	PullRequest *json.RawMessage `json:"pull_request,omitempty"`
}

// Label is a repository label.
type Label struct {
	Name string `json:"name"`
}

// User is a GitHub account reference.
type User struct {
	Login string `json:"login"`
}

// Milestone is a repository milestone.
type Milestone struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
}

// IssueRequest is the body for create and update calls. Labels and Assignees
// replace the full set. Milestone is raw so that "leave unchanged" (empty),
// "clear" (null) and "set" (a number) are all expressible.
type IssueRequest struct {
	Title     string          `json:"title,omitempty"`
	Body      *string         `json:"body,omitempty"`
	State     string          `json:"state,omitempty"`
	Labels    []string        `json:"labels"`
	Assignees []string        `json:"assignees"`
	Milestone json.RawMessage `json:"milestone,omitempty"`
}

func issuesPath(owner, repo string) string {
	return fmt.Sprintf("/repos/%s/%s/issues", url.PathEscape(owner), url.PathEscape(repo))
}

// GetIssue fetches one issue by number.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	path := fmt.Sprintf("%s/%d", issuesPath(owner, repo), number)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var is Issue
	if err := json.NewDecoder(resp.Body).Decode(&is); err != nil {
		return nil, fmt.Errorf("github: decoding issue %s/%s#%d: %w", owner, repo, number, err)
	}

	return &is, nil
}

// ListIssuesSince lists issues (open and closed, pull requests excluded)
// updated at or after since, oldest first. A zero since lists everything.
// The result may be truncated; see FetchAll.
func (c *Client) ListIssuesSince(ctx context.Context, owner, repo string, since time.Time) (*FetchResult[Issue], error) {
	q := url.Values{}
	q.Set("state", "all")
	q.Set("sort", "updated")
	q.Set("direction", "asc")

	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}

	c.logger.Info("listing issues",
		slog.String("repo", owner+"/"+repo),
		slog.Time("since", since),
	)

	res, err := FetchAll[Issue](ctx, c, issuesPath(owner, repo), q)
	if res == nil {
		return nil, err
	}

	kept := res.Items[:0]
	for i := range res.Items {
		if res.Items[i].PullRequest == nil {
			kept = append(kept, res.Items[i])
		}
	}

	res.Items = kept

	return res, err
}

// ListMilestones lists every milestone of the repository.
func (c *Client) ListMilestones(ctx context.Context, owner, repo string) ([]Milestone, error) {
	q := url.Values{}
	q.Set("state", "all")

	path := fmt.Sprintf("/repos/%s/%s/milestones", url.PathEscape(owner), url.PathEscape(repo))

	res, err := FetchAll[Milestone](ctx, c, path, q)
	if res == nil {
		return nil, err
	}

	// A truncated milestone list is still usable for lookups.
	return res.Items, nil
}

// CreateIssue opens a new issue. The REST API cannot create a closed issue;
// callers follow up with UpdateIssue.
func (c *Client) CreateIssue(ctx context.Context, owner, repo string, req *IssueRequest) (*Issue, error) {
	c.logger.Info("creating issue",
		slog.String("repo", owner+"/"+repo),
		slog.String("title", req.Title),
	)

	return c.sendIssue(ctx, http.MethodPost, issuesPath(owner, repo), req)
}

// UpdateIssue patches an existing issue.
func (c *Client) UpdateIssue(ctx context.Context, owner, repo string, number int, req *IssueRequest) (*Issue, error) {
	c.logger.Info("updating issue",
		slog.String("repo", owner+"/"+repo),
		slog.Int("number", number),
	)

	path := fmt.Sprintf("%s/%d", issuesPath(owner, repo), number)

	return c.sendIssue(ctx, http.MethodPatch, path, req)
}

func (c *Client) sendIssue(ctx context.Context, method, path string, req *IssueRequest) (*Issue, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("github: marshaling issue request: %w", err)
	}

	resp, err := c.Do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var is Issue
	if err := json.NewDecoder(resp.Body).Decode(&is); err != nil {
		return nil, fmt.Errorf("github: decoding issue response: %w", err)
	}

	return &is, nil
}
