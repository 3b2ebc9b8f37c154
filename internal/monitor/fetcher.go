package monitor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	gogithub "github.com/google/go-github/v68/github"

	"github.com/m-nash/pr-copilot/internal/config"
	"github.com/m-nash/pr-copilot/internal/gh"
	"github.com/m-nash/pr-copilot/internal/retry"
)

// maxOutputTitle bounds the failure title carried into directives and the
// status log.
const maxOutputTitle = 140

// PRInfoFetcher fetches pull-request details.
type PRInfoFetcher interface {
	PRInfo(ctx context.Context, owner, repo string, number int) (gh.PRInfo, error)
}

// CheckFetcher fetches check runs and the legacy status rollup for a ref.
type CheckFetcher interface {
	CheckRuns(ctx context.Context, owner, repo, ref string) ([]*gogithub.CheckRun, error)
	CombinedStatus(ctx context.Context, owner, repo, ref string) (*gogithub.CombinedStatus, error)
}

// ReviewFetcher fetches reviews on a pull request.
type ReviewFetcher interface {
	Reviews(ctx context.Context, owner, repo string, number int) ([]*gogithub.PullRequestReview, error)
}

// ThreadFetcher fetches review threads and resolves them.
type ThreadFetcher interface {
	ReviewThreads(ctx context.Context, owner, repo string, number int) ([]gh.ReviewThread, error)
	ResolveThread(ctx context.Context, threadID string) error
}

// UserFetcher returns the authenticated login.
type UserFetcher interface {
	CurrentUser(ctx context.Context) (string, error)
}

// PlatformClient combines everything the fetcher needs from the platform.
type PlatformClient interface {
	PRInfoFetcher
	CheckFetcher
	ReviewFetcher
	ThreadFetcher
	UserFetcher
}

// Fetcher reduces noisy upstream data to the canonical records the engine
// consumes. It is stateless; all session state lives in MonitorState.
type Fetcher struct {
	client PlatformClient
	cfg    *config.Config
	logger *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(client PlatformClient, cfg *config.Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, cfg: cfg, logger: logger}
}

// FetchPRInfo returns the PR record plus the merge-conflict flag derived
// from the mergeable state.
func (f *Fetcher) FetchPRInfo(ctx context.Context, owner, repo string, number int) (gh.PRInfo, bool, error) {
	info, err := f.client.PRInfo(ctx, owner, repo, number)
	if err != nil {
		return gh.PRInfo{}, false, err
	}
	conflict := !info.Mergeable && info.MergeableState == "dirty"
	return info, conflict, nil
}

// FetchCheckStatus merges modern check runs and legacy commit statuses into
// one count record plus the failure list. Noise checks are dropped, names
// deduplicate case-insensitively with the first occurrence winning, and
// classification follows the platform's conclusion vocabulary.
func (f *Fetcher) FetchCheckStatus(ctx context.Context, owner, repo, ref string) (CheckCounts, []FailedCheck, error) {
	runs, err := f.client.CheckRuns(ctx, owner, repo, ref)
	if err != nil {
		return CheckCounts{}, nil, err
	}
	combined, err := f.client.CombinedStatus(ctx, owner, repo, ref)
	if err != nil {
		return CheckCounts{}, nil, err
	}

	var counts CheckCounts
	var failures []FailedCheck
	seen := make(map[string]bool)

	record := func(name string) bool {
		key := strings.ToLower(name)
		if name == "" || seen[key] || f.isNoiseCheck(key) {
			return false
		}
		seen[key] = true
		counts.Total++
		return true
	}

	for _, run := range runs {
		if !record(run.GetName()) {
			continue
		}
		switch run.GetStatus() {
		case "queued":
			counts.Queued++
			continue
		case "in_progress":
			counts.Pending++
			continue
		}
		switch run.GetConclusion() {
		case "success", "skipped", "neutral":
			counts.Passed++
		case "failure", "timed_out", "action_required":
			counts.Failed++
			failures = append(failures, failedCheckFromRun(run))
		case "cancelled":
			counts.Cancelled++
		default:
			// Completed with an unrecognized conclusion: still settling.
			counts.Pending++
		}
	}

	if combined != nil {
		for _, st := range combined.Statuses {
			if !record(st.GetContext()) {
				continue
			}
			switch st.GetState() {
			case "pending":
				counts.Pending++
			case "success":
				counts.Passed++
			case "failure", "error":
				counts.Failed++
				failures = append(failures, FailedCheck{
					Name:       st.GetContext(),
					Conclusion: st.GetState(),
					Title:      truncate(st.GetDescription(), maxOutputTitle),
					DetailsURL: st.GetTargetURL(),
				})
			}
		}
	}

	return counts, failures, nil
}

// FetchReviews classifies reviews into current-head approvals and stale
// approvals. CI-bot logins are dropped; explicitly kept reviewer logins
// survive even when they match a bot entry. Only each user's
// chronologically last review counts.
func (f *Fetcher) FetchReviews(ctx context.Context, owner, repo string, number int, headSHA string) (approvals, stale []string, err error) {
	reviews, err := f.client.Reviews(ctx, owner, repo, number)
	if err != nil {
		return nil, nil, err
	}

	last := make(map[string]*gogithub.PullRequestReview)
	var order []string
	for _, r := range reviews {
		login := r.GetUser().GetLogin()
		if login == "" || f.isCIBot(login) {
			continue
		}
		prev, ok := last[login]
		if !ok {
			order = append(order, login)
			last[login] = r
			continue
		}
		if r.GetSubmittedAt().After(prev.GetSubmittedAt().Time) {
			last[login] = r
		}
	}

	for _, login := range order {
		r := last[login]
		if r.GetState() != "APPROVED" {
			continue
		}
		if r.GetCommitID() == headSHA {
			approvals = append(approvals, login)
		} else {
			stale = append(stale, login)
		}
	}
	return approvals, stale, nil
}

// FetchThreads splits unresolved review threads into needs-action and
// waiting-for-reply lists. Resolved threads, bot-opened threads, and
// ignored ids are dropped before the split.
func (f *Fetcher) FetchThreads(ctx context.Context, owner, repo string, number int, prAuthor string, ignored map[string]bool) (needsAction, waiting []Thread, err error) {
	raw, err := f.client.ReviewThreads(ctx, owner, repo, number)
	if err != nil {
		return nil, nil, err
	}

	for _, rt := range raw {
		if rt.IsResolved || len(rt.Comments) == 0 || ignored[rt.ID] {
			continue
		}
		first := rt.Comments[0]
		if f.isCIBot(first.Author) {
			continue
		}
		lastComment := rt.Comments[len(rt.Comments)-1]
		t := Thread{
			ID:          rt.ID,
			Path:        rt.Path,
			Author:      first.Author,
			Body:        first.Body,
			URL:         first.URL,
			LastAuthor:  lastComment.Author,
			NumComments: len(rt.Comments),
		}
		if t.NumComments >= 2 && t.LastAuthor == prAuthor {
			waiting = append(waiting, t)
		} else {
			needsAction = append(needsAction, t)
		}
	}
	return needsAction, waiting, nil
}

// ResolveThread resolves a review thread with at most one silent retry
// after a one-second back-off.
func (f *Fetcher) ResolveThread(ctx context.Context, threadID string) error {
	return retry.Do(ctx, func() error {
		return f.client.ResolveThread(ctx, threadID)
	}, retry.WithMaxAttempts(2), retry.WithBackoff(time.Second))
}

// CurrentUser returns the authenticated login.
func (f *Fetcher) CurrentUser(ctx context.Context) (string, error) {
	return f.client.CurrentUser(ctx)
}

func (f *Fetcher) isNoiseCheck(lowerName string) bool {
	for _, pattern := range f.cfg.NoiseCheckPatterns {
		ok, err := doublestar.Match(strings.ToLower(pattern), lowerName)
		if err != nil {
			f.logger.Debug("bad noise pattern", "pattern", pattern, "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func (f *Fetcher) isCIBot(login string) bool {
	for _, keep := range f.cfg.KeepReviewerLogins {
		if strings.EqualFold(login, keep) {
			return false
		}
	}
	for _, bot := range f.cfg.CIBotLogins {
		if strings.EqualFold(login, bot) {
			return true
		}
	}
	return false
}

func failedCheckFromRun(run *gogithub.CheckRun) FailedCheck {
	fc := FailedCheck{
		Name:       run.GetName(),
		Conclusion: run.GetConclusion(),
		DetailsURL: run.GetDetailsURL(),
		ExternalID: run.GetExternalID(),
	}
	if run.Output != nil {
		fc.Title = truncate(run.Output.GetTitle(), maxOutputTitle)
	}
	return fc
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
