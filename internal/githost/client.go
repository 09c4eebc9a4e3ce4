// Package githost is the repository-hosting client. It drives the GitHub
// REST API: repository provisioning, atomic multi-file commits through the
// git data API, Pages enablement, and workflow-run status reads.
package githost

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"pagesmith/internal/buildfail"
)

var (
	// ErrNotFound reports a missing repo, ref, or file.
	ErrNotFound = errors.New("not found")
	// ErrNoRuns reports that no workflow run exists yet for a commit.
	ErrNoRuns = errors.New("no workflow runs yet")
)

// Client talks to one GitHub account. All calls go through a shared rate
// limiter so concurrent pipelines respect the API quota together.
type Client struct {
	baseURL    string
	token      string
	owner      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API endpoint. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithRateLimit overrides the default outbound request rate.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewClient builds a client for the given token and repository owner.
func NewClient(token, owner string, opts ...Option) *Client {
	c := &Client{
		baseURL: "https://api.github.com",
		token:   token,
		owner:   owner,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		// GitHub allows 5000 requests/hour for authenticated users.
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Owner returns the account the client commits as.
func (c *Client) Owner() string { return c.owner }

// Repo is the slice of the repository object the pipeline needs.
type Repo struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
}

// TreeEntry is one object in a repository tree listing.
type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"` // blob or tree
	Size int64  `json:"size"`
	SHA  string `json:"sha"`
}

// WorkflowRun is the deploy automation status for a commit.
type WorkflowRun struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`     // queued, in_progress, completed
	Conclusion string `json:"conclusion"` // success, failure, cancelled, ...
	HeadSHA    string `json:"head_sha"`
}

// Change is one entry in an atomic commit. A nil Content deletes the path.
type Change struct {
	Path    string
	Content *string
}

// NewChange is a helper for create/update entries.
func NewChange(path, content string) Change {
	return Change{Path: path, Content: &content}
}

// Delete is a helper for deletion entries.
func Delete(path string) Change {
	return Change{Path: path}
}

// EnsureRepo returns the named repository, creating it (auto-initialized,
// public) when it does not exist yet.
func (c *Client) EnsureRepo(ctx context.Context, name, description string) (*Repo, error) {
	var repo Repo
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", c.owner, name), nil, &repo)
	if err == nil {
		return &repo, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	body := map[string]any{
		"name":        name,
		"description": description,
		"private":     false,
		"auto_init":   true,
	}
	err = c.doJSON(ctx, http.MethodPost, "/user/repos", body, &repo)
	if err == nil {
		return &repo, nil
	}
	// Another instance may have created it between the GET and the POST.
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.status == http.StatusUnprocessableEntity {
		if getErr := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", c.owner, name), nil, &repo); getErr == nil {
			return &repo, nil
		}
	}
	return nil, err
}

// GetTree lists the full recursive tree at ref.
func (c *Client) GetTree(ctx context.Context, repo, ref string) ([]TreeEntry, error) {
	var out struct {
		Tree []TreeEntry `json:"tree"`
	}
	path := fmt.Sprintf("/repos/%s/%s/git/trees/%s?recursive=1", c.owner, repo, ref)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tree, nil
}

// GetFileText fetches one file's decoded text content at ref.
func (c *Client) GetFileText(ctx context.Context, repo, filePath, ref string) (string, error) {
	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	path := fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", c.owner, repo, filePath, ref)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if out.Encoding != "base64" {
		return out.Content, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(out.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", filePath, err)
	}
	return string(decoded), nil
}

// CommitFiles lands every change as one commit and advances the branch ref
// once. The repository never becomes externally visible in a half-applied
// state: blobs and trees are staged server-side, and only the final ref
// update publishes them.
func (c *Client) CommitFiles(ctx context.Context, repo, branch, message string, changes []Change) (string, error) {
	if len(changes) == 0 {
		return "", buildfail.New(buildfail.KindPublish, "empty change set")
	}

	// Base commit and tree.
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	refPath := fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", c.owner, repo, branch)
	if err := c.doJSON(ctx, http.MethodGet, refPath, nil, &ref); err != nil {
		return "", fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	baseSHA := ref.Object.SHA

	var baseCommit struct {
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	commitPath := fmt.Sprintf("/repos/%s/%s/git/commits/%s", c.owner, repo, baseSHA)
	if err := c.doJSON(ctx, http.MethodGet, commitPath, nil, &baseCommit); err != nil {
		return "", fmt.Errorf("load base commit: %w", err)
	}

	// Stage blobs, then the tree.
	type treeEntry struct {
		Path string  `json:"path"`
		Mode string  `json:"mode"`
		Type string  `json:"type"`
		SHA  *string `json:"sha"`
	}
	entries := make([]treeEntry, 0, len(changes))
	for _, ch := range changes {
		if ch.Content == nil {
			// Null SHA removes the path from the tree.
			entries = append(entries, treeEntry{Path: ch.Path, Mode: "100644", Type: "blob", SHA: nil})
			continue
		}
		var blob struct {
			SHA string `json:"sha"`
		}
		blobBody := map[string]string{
			"content":  base64.StdEncoding.EncodeToString([]byte(*ch.Content)),
			"encoding": "base64",
		}
		blobPath := fmt.Sprintf("/repos/%s/%s/git/blobs", c.owner, repo)
		if err := c.doJSON(ctx, http.MethodPost, blobPath, blobBody, &blob); err != nil {
			return "", fmt.Errorf("stage blob %s: %w", ch.Path, err)
		}
		sha := blob.SHA
		entries = append(entries, treeEntry{Path: ch.Path, Mode: "100644", Type: "blob", SHA: &sha})
	}

	var tree struct {
		SHA string `json:"sha"`
	}
	treeBody := map[string]any{
		"base_tree": baseCommit.Tree.SHA,
		"tree":      entries,
	}
	treePath := fmt.Sprintf("/repos/%s/%s/git/trees", c.owner, repo)
	if err := c.doJSON(ctx, http.MethodPost, treePath, treeBody, &tree); err != nil {
		return "", fmt.Errorf("stage tree: %w", err)
	}

	var newCommit struct {
		SHA string `json:"sha"`
	}
	newCommitBody := map[string]any{
		"message": message,
		"tree":    tree.SHA,
		"parents": []string{baseSHA},
	}
	createPath := fmt.Sprintf("/repos/%s/%s/git/commits", c.owner, repo)
	if err := c.doJSON(ctx, http.MethodPost, createPath, newCommitBody, &newCommit); err != nil {
		return "", fmt.Errorf("create commit: %w", err)
	}

	// The single publication point.
	updatePath := fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", c.owner, repo, branch)
	updateBody := map[string]any{"sha": newCommit.SHA, "force": false}
	if err := c.doJSON(ctx, http.MethodPatch, updatePath, updateBody, nil); err != nil {
		return "", fmt.Errorf("advance ref: %w", err)
	}
	return newCommit.SHA, nil
}

// EnablePages turns on workflow-driven Pages builds. Already-enabled is not
// an error.
func (c *Client) EnablePages(ctx context.Context, repo string) error {
	body := map[string]any{
		"build_type": "workflow",
		"source":     map[string]string{"branch": "main", "path": "/"},
	}
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pages", c.owner, repo), body, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && (apiErr.status == http.StatusConflict || apiErr.status == http.StatusUnprocessableEntity) {
		return nil
	}
	return err
}

// LatestRunForSHA returns the newest workflow run for the commit, or
// ErrNoRuns when the automation has not started yet.
func (c *Client) LatestRunForSHA(ctx context.Context, repo, sha string) (*WorkflowRun, error) {
	var out struct {
		TotalCount   int           `json:"total_count"`
		WorkflowRuns []WorkflowRun `json:"workflow_runs"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runs?head_sha=%s&per_page=1", c.owner, repo, sha)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if len(out.WorkflowRuns) == 0 {
		return nil, ErrNoRuns
	}
	return &out.WorkflowRuns[0], nil
}

// PagesURL returns the public URL the repo deploys to.
func (c *Client) PagesURL(repo string) string {
	return fmt.Sprintf("https://%s.github.io/%s/", c.owner, repo)
}

// apiError carries the HTTP status for classification at call sites.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("github api returned %d: %s", e.status, e.body)
}

// doJSON performs one rate-limited API call, decoding the response into out
// when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return buildfail.WrapTransient(buildfail.KindPublish, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return buildfail.WrapTransient(buildfail.KindPublish, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("decode %s %s response: %w", method, path, err)
			}
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return buildfail.Wrap(buildfail.KindPublish, &apiError{status: resp.StatusCode, body: truncate(raw)})
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return buildfail.WrapTransient(buildfail.KindPublish, &apiError{status: resp.StatusCode, body: truncate(raw)})
	default:
		return &apiError{status: resp.StatusCode, body: truncate(raw)}
	}
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
