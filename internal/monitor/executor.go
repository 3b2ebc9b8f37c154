package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/m-nash/pr-copilot/internal/gh"
)

// Merger merges a pull request.
type Merger interface {
	MergePR(ctx context.Context, owner, repo string, number int) error
	MergePRAdmin(ctx context.Context, owner, repo string, number int) error
}

// BuildTriggerer pushes an empty commit to force a fresh CI run.
type BuildTriggerer interface {
	PushEmptyCommit(ctx context.Context, owner, repo, branch, headSHA, message string) (string, error)
}

// ExecClient combines the platform mutations the executor performs.
type ExecClient interface {
	Merger
	BuildTriggerer
}

// Executor performs deterministic platform tasks without the LLM. Failures
// come back as ask_user directives with task-specific choices, never as
// errors.
type Executor struct {
	client ExecClient
}

// NewExecutor creates an Executor.
func NewExecutor(client ExecClient) *Executor {
	return &Executor{client: client}
}

// Run performs one auto-execute task against the session's state and
// returns the next directive.
func (e *Executor) Run(ctx context.Context, sess *Session, task string) Directive {
	switch task {
	case TaskResolveThread:
		return e.resolveThread(ctx, sess)
	case TaskMergePR:
		return e.merge(ctx, sess, false)
	case TaskMergePRAdmin:
		return e.merge(ctx, sess, true)
	case TaskRunNewBuild:
		return e.runNewBuild(ctx, sess)
	}
	return recoveryPrompt(sess.State, fmt.Sprintf("unknown task %q", task))
}

func (e *Executor) resolveThread(ctx context.Context, sess *Session) Directive {
	st := sess.State

	var threadID string
	if st.ActiveWaiting != nil {
		threadID = st.ActiveWaiting.ID
	} else if st.CommentIndex < len(st.Unresolved) {
		threadID = st.Unresolved[st.CommentIndex].ID
	}
	if threadID == "" {
		return ProcessEvent(st, EventTaskComplete, "")
	}

	if err := sess.Fetcher.ResolveThread(ctx, threadID); err != nil {
		sess.Debug.Warn("resolving thread failed", "thread_id", threadID, "error", err)
		st.State = StateAwaitingUser
		q := fmt.Sprintf("I couldn't resolve the thread: %v. How should I proceed?", err)
		return askUser(q, []string{choiceResumeMonitoring, choiceHandleMyself}, nil)
	}
	return ProcessEvent(st, EventTaskComplete, "")
}

func (e *Executor) merge(ctx context.Context, sess *Session, admin bool) Directive {
	st := sess.State

	var err error
	if admin {
		err = e.client.MergePRAdmin(ctx, st.Owner, st.Repo, st.Number)
	} else {
		err = e.client.MergePR(ctx, st.Owner, st.Repo, st.Number)
	}

	if err != nil {
		sess.Debug.Warn("merge failed", "admin", admin, "error", err)
		st.State = StateAwaitingUser
		if !admin && errors.Is(err, gh.ErrMergeBlocked) {
			q := fmt.Sprintf("The merge was refused by branch policy: %v. What now?", err)
			return askUser(q, []string{
				choiceMergeAdmin, choiceWaitForApprover,
				choiceResumeMonitoring, choiceHandleMyself,
			}, nil)
		}
		q := fmt.Sprintf("The merge failed: %v. How should I proceed?", err)
		return askUser(q, []string{choiceResumeMonitoring, choiceHandleMyself}, nil)
	}

	st.enterStopped()
	sess.Log.Stopped("PR merged")
	return merged(fmt.Sprintf("PR #%d merged.", st.Number))
}

func (e *Executor) runNewBuild(ctx context.Context, sess *Session) Directive {
	st := sess.State

	sha, err := e.client.PushEmptyCommit(ctx, st.Owner, st.Repo, st.HeadBranch, st.HeadSHA,
		"Trigger new build")
	if err != nil {
		sess.Debug.Warn("triggering new build failed", "error", err)
		st.State = StateAwaitingUser
		q := fmt.Sprintf("I couldn't push the build-trigger commit: %v. How should I proceed?", err)
		return askUser(q, []string{choiceResumeMonitoring, choiceHandleMyself}, nil)
	}

	st.HeadSHA = sha
	st.enterPolling()
	return polling("New build triggered; watching it.")
}
