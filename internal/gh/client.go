// Package gh is a typed client for the GitHub CLI. Every operation shells
// out to `gh` with verbatim arguments and decodes the JSON it prints; REST
// payloads decode into go-github types so field coverage tracks the API.
package gh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v68/github"

	"github.com/m-nash/pr-copilot/internal/retry"
	"github.com/m-nash/pr-copilot/internal/shell"
)

// ErrMergeBlocked reports a merge refused by branch policy (required
// reviews, required checks, or a protected branch rule).
var ErrMergeBlocked = errors.New("merge blocked by branch policy")

// PRInfo is the slice of pull-request data the monitor needs.
type PRInfo struct {
	Title          string
	HeadSHA        string
	HeadBranch     string
	URL            string
	Author         string
	Mergeable      bool
	MergeableState string
	Merged         bool
}

// ThreadComment is one comment inside a review thread.
type ThreadComment struct {
	Author string
	Body   string
	URL    string
}

// ReviewThread is a pull-request review thread from the GraphQL API.
type ReviewThread struct {
	ID         string
	IsResolved bool
	Path       string
	Comments   []ThreadComment
}

// Runner abstracts subprocess execution for testing.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
	RunWithStdin(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

// Client wraps the gh CLI.
type Client struct {
	runner  Runner
	logger  *slog.Logger
	backoff []time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRunner overrides the subprocess runner (used in tests).
func WithRunner(r Runner) Option {
	return func(c *Client) { c.runner = r }
}

// WithLogger sets the debug logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetryBackoff overrides the delays between retried calls.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *Client) { c.backoff = delays }
}

// New creates a Client. Authentication is owned by the gh CLI itself.
func New(opts ...Option) *Client {
	c := &Client{
		runner: &shell.Runner{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PRInfo fetches the pull request and reduces it to a PRInfo record.
func (c *Client) PRInfo(ctx context.Context, owner, repo string, number int) (PRInfo, error) {
	return retry.DoVal(ctx, func() (PRInfo, error) {
		var pr gogithub.PullRequest
		if err := c.getJSON(ctx, &pr, "api", fmt.Sprintf("repos/%s/%s/pulls/%d", owner, repo, number)); err != nil {
			return PRInfo{}, fmt.Errorf("fetching PR info: %w", err)
		}
		info := PRInfo{
			Title:          pr.GetTitle(),
			URL:            pr.GetHTMLURL(),
			Author:         pr.GetUser().GetLogin(),
			Mergeable:      pr.GetMergeable(),
			MergeableState: pr.GetMergeableState(),
			Merged:         pr.GetMerged(),
		}
		if pr.Head != nil {
			info.HeadSHA = pr.Head.GetSHA()
			info.HeadBranch = pr.Head.GetRef()
		}
		return info, nil
	}, c.retryOpts()...)
}

// CheckRuns fetches check runs for a git ref.
func (c *Client) CheckRuns(ctx context.Context, owner, repo, ref string) ([]*gogithub.CheckRun, error) {
	return retry.DoVal(ctx, func() ([]*gogithub.CheckRun, error) {
		var result gogithub.ListCheckRunsResults
		path := fmt.Sprintf("repos/%s/%s/commits/%s/check-runs?per_page=100", owner, repo, ref)
		if err := c.getJSON(ctx, &result, "api", path); err != nil {
			return nil, fmt.Errorf("fetching check runs: %w", err)
		}
		return result.CheckRuns, nil
	}, c.retryOpts()...)
}

// CombinedStatus fetches the legacy commit status rollup for a git ref.
func (c *Client) CombinedStatus(ctx context.Context, owner, repo, ref string) (*gogithub.CombinedStatus, error) {
	return retry.DoVal(ctx, func() (*gogithub.CombinedStatus, error) {
		var status gogithub.CombinedStatus
		path := fmt.Sprintf("repos/%s/%s/commits/%s/status", owner, repo, ref)
		if err := c.getJSON(ctx, &status, "api", path); err != nil {
			return nil, fmt.Errorf("fetching combined status: %w", err)
		}
		return &status, nil
	}, c.retryOpts()...)
}

// Reviews fetches all reviews on the pull request.
func (c *Client) Reviews(ctx context.Context, owner, repo string, number int) ([]*gogithub.PullRequestReview, error) {
	return retry.DoVal(ctx, func() ([]*gogithub.PullRequestReview, error) {
		var reviews []*gogithub.PullRequestReview
		path := fmt.Sprintf("repos/%s/%s/pulls/%d/reviews?per_page=100", owner, repo, number)
		if err := c.getJSON(ctx, &reviews, "api", path); err != nil {
			return nil, fmt.Errorf("fetching reviews: %w", err)
		}
		return reviews, nil
	}, c.retryOpts()...)
}

// CurrentUser returns the login of the authenticated gh session.
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	return retry.DoVal(ctx, func() (string, error) {
		var user gogithub.User
		if err := c.getJSON(ctx, &user, "api", "user"); err != nil {
			return "", fmt.Errorf("fetching current user: %w", err)
		}
		return user.GetLogin(), nil
	}, c.retryOpts()...)
}

// MergePR squash-merges the pull request. Branch-policy refusals are
// reported as ErrMergeBlocked.
func (c *Client) MergePR(ctx context.Context, owner, repo string, number int) error {
	_, err := c.runner.Run(ctx, "gh", "api", "-X", "PUT",
		fmt.Sprintf("repos/%s/%s/pulls/%d/merge", owner, repo, number),
		"-f", "merge_method=squash")
	if err != nil {
		if isPolicyRefusal(err) {
			return fmt.Errorf("%w: %s", ErrMergeBlocked, exitStderr(err))
		}
		return fmt.Errorf("merging PR: %w", err)
	}
	return nil
}

// MergePRAdmin squash-merges with the administrator override.
func (c *Client) MergePRAdmin(ctx context.Context, owner, repo string, number int) error {
	_, err := c.runner.Run(ctx, "gh", "pr", "merge", strconv.Itoa(number),
		"--repo", owner+"/"+repo, "--squash", "--admin")
	if err != nil {
		return fmt.Errorf("admin-merging PR: %w", err)
	}
	return nil
}

// PushEmptyCommit creates a commit with the same tree as head and advances
// the branch to it, forcing CI to start a fresh build. Returns the new SHA.
func (c *Client) PushEmptyCommit(ctx context.Context, owner, repo, branch, headSHA, message string) (string, error) {
	var head gogithub.Commit
	if err := c.getJSON(ctx, &head, "api", fmt.Sprintf("repos/%s/%s/git/commits/%s", owner, repo, headSHA)); err != nil {
		return "", fmt.Errorf("reading head commit: %w", err)
	}
	treeSHA := head.GetTree().GetSHA()
	if treeSHA == "" {
		return "", fmt.Errorf("head commit %s has no tree", headSHA)
	}

	body, err := json.Marshal(map[string]any{
		"message": message,
		"tree":    treeSHA,
		"parents": []string{headSHA},
	})
	if err != nil {
		return "", fmt.Errorf("encoding commit body: %w", err)
	}

	var created gogithub.Commit
	out, err := c.runner.RunWithStdin(ctx, string(body), "gh", "api", "-X", "POST",
		fmt.Sprintf("repos/%s/%s/git/commits", owner, repo), "--input", "-")
	if err != nil {
		return "", fmt.Errorf("creating commit: %w", err)
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		return "", fmt.Errorf("decoding created commit: %w", err)
	}
	newSHA := created.GetSHA()
	if newSHA == "" {
		return "", fmt.Errorf("created commit has no sha")
	}

	refBody, err := json.Marshal(map[string]any{"sha": newSHA, "force": false})
	if err != nil {
		return "", fmt.Errorf("encoding ref body: %w", err)
	}
	if _, err := c.runner.RunWithStdin(ctx, string(refBody), "gh", "api", "-X", "PATCH",
		fmt.Sprintf("repos/%s/%s/git/refs/heads/%s", owner, repo, branch), "--input", "-"); err != nil {
		return "", fmt.Errorf("updating branch ref: %w", err)
	}
	return newSHA, nil
}

// getJSON runs a gh command and decodes its stdout into v. Exit errors with
// a 4xx HTTP status and decode failures are permanent; other errors may be
// retried.
func (c *Client) getJSON(ctx context.Context, v any, args ...string) error {
	out, err := c.runner.Run(ctx, "gh", args...)
	if err != nil {
		return classifyErr(err)
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		return retry.Permanent(fmt.Errorf("decoding gh output: %w", err))
	}
	return nil
}

func (c *Client) retryOpts() []retry.Option {
	if len(c.backoff) > 0 {
		return []retry.Option{retry.WithBackoff(c.backoff...)}
	}
	return nil
}

func classifyErr(err error) error {
	var ee *shell.ExitError
	if errors.As(err, &ee) {
		if strings.Contains(ee.Stderr, "HTTP 4") {
			return retry.Permanent(err)
		}
	}
	return err
}

func isPolicyRefusal(err error) bool {
	var ee *shell.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	s := strings.ToLower(ee.Stderr)
	return strings.Contains(s, "405") ||
		strings.Contains(s, "method not allowed") ||
		strings.Contains(s, "protected branch") ||
		strings.Contains(s, "required status check") ||
		strings.Contains(s, "review is required") ||
		strings.Contains(s, "at least 1 approving review")
}

func exitStderr(err error) string {
	var ee *shell.ExitError
	if errors.As(err, &ee) {
		return ee.Stderr
	}
	return err.Error()
}
