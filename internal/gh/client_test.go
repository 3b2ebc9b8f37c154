package gh

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/m-nash/pr-copilot/internal/shell"
)

// fakeRunner replays canned subprocess results keyed by an argument
// substring, recording every invocation.
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   [][]string
	stdins  []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: make(map[string]string), errs: make(map[string]error)}
}

func (f *fakeRunner) lookup(args []string) (string, error) {
	joined := strings.Join(args, " ")
	for key, err := range f.errs {
		if strings.Contains(joined, key) {
			return "", err
		}
	}
	// Longest matching key wins so specific fixtures shadow generic ones.
	var best string
	found := false
	for key := range f.outputs {
		if strings.Contains(joined, key) && (!found || len(key) > len(best)) {
			best = key
			found = true
		}
	}
	if found {
		return f.outputs[best], nil
	}
	return "", &shell.ExitError{Code: 1, Stderr: "HTTP 404: Not Found", Cmd: joined}
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	f.stdins = append(f.stdins, "")
	return f.lookup(args)
}

func (f *fakeRunner) RunWithStdin(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	f.stdins = append(f.stdins, stdin)
	return f.lookup(args)
}

func newTestClient(r *fakeRunner) *Client {
	return New(WithRunner(r), WithRetryBackoff(time.Millisecond))
}

func TestPRInfo_Decodes(t *testing.T) {
	r := newFakeRunner()
	r.outputs["repos/octo/repo/pulls/7"] = `{
		"title": "Add widget",
		"html_url": "https://example.test/pr/7",
		"user": {"login": "me"},
		"mergeable": false,
		"mergeable_state": "dirty",
		"merged": false,
		"head": {"sha": "abc123", "ref": "feature"}
	}`
	c := newTestClient(r)

	info, err := c.PRInfo(context.Background(), "octo", "repo", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Title != "Add widget" || info.Author != "me" {
		t.Fatalf("info = %+v", info)
	}
	if info.HeadSHA != "abc123" || info.HeadBranch != "feature" {
		t.Fatalf("head = %+v", info)
	}
	if info.Mergeable || info.MergeableState != "dirty" || info.Merged {
		t.Fatalf("merge fields = %+v", info)
	}
}

func TestCheckRuns_Decodes(t *testing.T) {
	r := newFakeRunner()
	r.outputs["check-runs"] = `{
		"total_count": 2,
		"check_runs": [
			{"name": "build", "status": "completed", "conclusion": "success"},
			{"name": "test", "status": "in_progress",
			 "output": {"title": "running"}, "details_url": "https://ci/2", "external_id": "x2"}
		]
	}`
	c := newTestClient(r)

	runs, err := c.CheckRuns(context.Background(), "octo", "repo", "abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs", len(runs))
	}
	if runs[0].GetName() != "build" || runs[0].GetConclusion() != "success" {
		t.Fatalf("run[0] = %+v", runs[0])
	}
	if runs[1].GetStatus() != "in_progress" || runs[1].GetExternalID() != "x2" {
		t.Fatalf("run[1] = %+v", runs[1])
	}
}

func TestReviewThreads_Paginates(t *testing.T) {
	r := newFakeRunner()
	page1 := `{"data":{"repository":{"pullRequest":{"reviewThreads":{
		"pageInfo":{"hasNextPage":true,"endCursor":"CUR1"},
		"nodes":[{"id":"T1","isResolved":false,"path":"a.go",
			"comments":{"nodes":[{"author":{"login":"alice"},"body":"hm","url":"u1"}]}}]}}}}}`
	page2 := `{"data":{"repository":{"pullRequest":{"reviewThreads":{
		"pageInfo":{"hasNextPage":false,"endCursor":""},
		"nodes":[{"id":"T2","isResolved":true,"path":"b.go",
			"comments":{"nodes":[{"author":{"login":"bob"},"body":"ok","url":"u2"}]}}]}}}}}`
	r.outputs["cursor=CUR1"] = page2
	r.outputs["graphql"] = page1

	c := newTestClient(r)
	threads, err := c.ReviewThreads(context.Background(), "octo", "repo", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("got %d threads", len(threads))
	}
	if threads[0].ID != "T1" || threads[0].Comments[0].Author != "alice" {
		t.Fatalf("threads[0] = %+v", threads[0])
	}
	if !threads[1].IsResolved {
		t.Fatalf("threads[1] = %+v", threads[1])
	}
}

func TestMergePR_PolicyRefusal(t *testing.T) {
	r := newFakeRunner()
	r.errs["merge"] = &shell.ExitError{
		Code:   1,
		Stderr: "HTTP 405: At least 1 approving review is required by reviewers with write access.",
		Cmd:    "gh api",
	}
	c := newTestClient(r)

	err := c.MergePR(context.Background(), "octo", "repo", 7)
	if !errors.Is(err, ErrMergeBlocked) {
		t.Fatalf("expected ErrMergeBlocked, got %v", err)
	}
}

func TestMergePR_OtherFailureIsNotBlocked(t *testing.T) {
	r := newFakeRunner()
	r.errs["merge"] = &shell.ExitError{Code: 1, Stderr: "HTTP 500: boom", Cmd: "gh api"}
	c := newTestClient(r)

	err := c.MergePR(context.Background(), "octo", "repo", 7)
	if err == nil || errors.Is(err, ErrMergeBlocked) {
		t.Fatalf("expected plain failure, got %v", err)
	}
}

func TestPushEmptyCommit_Sequence(t *testing.T) {
	r := newFakeRunner()
	r.outputs["git/commits/abc123"] = `{"sha":"abc123","tree":{"sha":"tree9"}}`
	r.outputs["-X POST repos/octo/repo/git/commits"] = `{"sha":"new42"}`
	r.outputs["git/refs/heads/feature"] = `{}`
	c := newTestClient(r)

	sha, err := c.PushEmptyCommit(context.Background(), "octo", "repo", "feature", "abc123", "Trigger new build")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sha != "new42" {
		t.Fatalf("sha = %s", sha)
	}
	if len(r.calls) != 3 {
		t.Fatalf("expected read-commit, create-commit, update-ref; got %d calls", len(r.calls))
	}

	// The created commit reuses the head's tree and parents the head.
	body := r.stdins[1]
	if !strings.Contains(body, `"tree":"tree9"`) || !strings.Contains(body, `"abc123"`) {
		t.Fatalf("create-commit body = %s", body)
	}
	ref := strings.Join(r.calls[2], " ")
	if !strings.Contains(ref, "PATCH") || !strings.Contains(ref, "refs/heads/feature") {
		t.Fatalf("ref update call = %s", ref)
	}
}

func TestGetJSON_RetriesTransientErrors(t *testing.T) {
	r := newFakeRunner()
	// A 5xx stderr is transient; the client should retry it. The fake
	// always fails, so the call errors after exhausting attempts.
	r.errs["user"] = &shell.ExitError{Code: 1, Stderr: "HTTP 502: Bad Gateway", Cmd: "gh api user"}
	c := newTestClient(r)

	_, err := c.CurrentUser(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(r.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(r.calls))
	}
}

func TestGetJSON_ClientErrorIsPermanent(t *testing.T) {
	r := newFakeRunner()
	r.errs["user"] = &shell.ExitError{Code: 1, Stderr: "HTTP 404: Not Found", Cmd: "gh api user"}
	c := newTestClient(r)

	_, err := c.CurrentUser(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(r.calls) != 1 {
		t.Fatalf("4xx retried: %d attempts", len(r.calls))
	}
}
