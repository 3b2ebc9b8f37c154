package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m-nash/pr-copilot/internal/config"
	"github.com/m-nash/pr-copilot/internal/statuslog"
)

// ErrWorkerReplaced reports that a poll worker was cancelled because a
// newer worker took over; the session itself is still alive.
var ErrWorkerReplaced = errors.New("poll worker replaced")

// Session owns one MonitorState and the concurrent helpers around it: the
// poll worker, the trigger watcher, and the heartbeat. The state record is
// mutated only on the next_step path (which includes the poll worker and
// auto-execute); the watcher touches only the pending-trigger slot.
type Session struct {
	ID      string
	State   *MonitorState
	Log     *statuslog.Writer
	Debug   *slog.Logger
	Fetcher *Fetcher

	cfg *config.Config

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pollCancel context.CancelFunc
	pending    *Trigger
	wake       chan struct{}

	pausedLogged bool
	debugFile    *os.File
}

// NewSession creates the session, its debug logger, and its trigger
// watcher. The watcher runs until the session is closed.
func NewSession(state *MonitorState, fetcher *Fetcher, cfg *config.Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	debugFile, err := os.OpenFile(state.DebugLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	var debug *slog.Logger
	if err != nil {
		debug = slog.Default()
	} else {
		debug = slog.New(slog.NewTextHandler(debugFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	s := &Session{
		ID:        uuid.NewString(),
		State:     state,
		Log:       statuslog.NewWriter(state.LogPath(), debug),
		Debug:     debug,
		Fetcher:   fetcher,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		debugFile: debugFile,
	}

	watcher := NewTriggerWatcher(state.TriggerPath(), cfg.SettleDelay(), s.PublishTrigger, debug)
	go func() {
		defer s.recoverPanic("trigger watcher")
		watcher.Run(ctx)
	}()

	return s
}

// Close cancels every helper and releases the debug log.
func (s *Session) Close() {
	s.cancel()
	if s.debugFile != nil {
		s.debugFile.Close()
	}
}

// Done exposes the session's cancellation signal.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// PublishTrigger places a trigger in the pending slot and wakes a sleeping
// poll worker. When the worker is not sleeping, the trigger stays in the
// slot for the next next_step call to drain.
func (s *Session) PublishTrigger(t Trigger) {
	s.mu.Lock()
	s.pending = &t
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// TakeTrigger drains the pending-trigger slot.
func (s *Session) TakeTrigger() *Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.pending
	s.pending = nil
	return t
}

// PeekAction returns the pending trigger only when it is an ACTION record,
// draining it. Used by next_step's entry short-circuit.
func (s *Session) PeekAction() *Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil && s.pending.Kind == TriggerAction {
		t := s.pending
		s.pending = nil
		return t
	}
	return nil
}

// ReplacePollWorker cancels the previous worker, if any, and returns the
// context for a new one. At most one worker is active per session.
func (s *Session) ReplacePollWorker() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollCancel != nil {
		s.pollCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.pollCancel = cancel
	return ctx
}

// StopPollWorker cancels the active worker without cancelling the session.
func (s *Session) StopPollWorker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
}

// RunPollLoop blocks until a terminal condition, a viewer ACTION trigger,
// the PR merging, or cancellation. ErrWorkerReplaced is returned when a
// newer worker took over.
func (s *Session) RunPollLoop(ctx context.Context) (Directive, error) {
	for {
		if err := ctx.Err(); err != nil {
			return s.cancelDirective()
		}

		d, done, err := s.pollOnce(ctx)
		if err != nil {
			s.Debug.Warn("poll fetch failed", "error", err)
			s.Log.Error(fmt.Sprintf("fetch failed: %v", err))
		}
		if done {
			return d, nil
		}

		interval, afterHours := NextInterval(time.Now(), s.State.Checks, s.State.ExtensionUntil, s.cfg)
		if afterHours {
			if !s.pausedLogged {
				s.Log.Paused(fmt.Sprintf("after hours; sleeping until %s",
					NextWorkStart(time.Now(), s.cfg).Format("Mon 15:04")))
				s.pausedLogged = true
			}
		} else {
			s.pausedLogged = false
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.cancelDirective()
		case <-s.wake:
			timer.Stop()
			if d, done := s.handleTrigger(); done {
				return d, nil
			}
		case <-timer.C:
		}
	}
}

// Refresh runs one read-and-classify cycle: fetch everything, update the
// state record, and append a STATUS record. isMerged reports that the PR is
// gone from under us.
func (s *Session) Refresh(ctx context.Context) (isMerged bool, err error) {
	st := s.State

	info, conflict, err := s.Fetcher.FetchPRInfo(ctx, st.Owner, st.Repo, st.Number)
	if err != nil {
		return false, err
	}
	if info.Merged {
		return true, nil
	}

	st.Title = info.Title
	st.URL = info.URL
	st.Author = info.Author
	st.HeadSHA = info.HeadSHA
	st.HeadBranch = info.HeadBranch
	st.MergeConflict = conflict

	counts, failures, err := s.Fetcher.FetchCheckStatus(ctx, st.Owner, st.Repo, st.HeadSHA)
	if err != nil {
		return false, err
	}
	approvals, stale, err := s.Fetcher.FetchReviews(ctx, st.Owner, st.Repo, st.Number, st.HeadSHA)
	if err != nil {
		return false, err
	}
	needsAction, waiting, err := s.Fetcher.FetchThreads(ctx, st.Owner, st.Repo, st.Number, st.Author, st.Ignored)
	if err != nil {
		return false, err
	}

	st.Checks = counts
	st.FailedChecks = failures
	st.Approvals = approvals
	st.StaleApprovals = stale
	st.Unresolved = needsAction
	st.WaitingForReply = waiting
	st.PollCount++
	st.LastPoll = time.Now()

	interval, afterHours := NextInterval(time.Now(), counts, st.ExtensionUntil, s.cfg)
	s.Log.Status(s.snapshot(interval, afterHours))
	return false, nil
}

// pollOnce runs one Refresh plus terminal detection. done reports that
// polling is over and d should be returned.
func (s *Session) pollOnce(ctx context.Context) (d Directive, done bool, err error) {
	st := s.State

	isMerged, err := s.Refresh(ctx)
	if err != nil {
		return Directive{}, false, err
	}
	if isMerged {
		st.enterStopped()
		s.Log.Stopped("PR merged")
		return merged(fmt.Sprintf("PR #%d was merged.", st.Number)), true, nil
	}

	kind, ok := DetectTerminal(st, len(st.Unresolved), st.MergeConflict)
	if !ok {
		return Directive{}, false, nil
	}
	d = BuildTerminal(st, kind)
	s.Log.Terminal(kind.LogTag(), d.Question)
	return d, true, nil
}

// handleTrigger processes a trigger that woke the poll worker. done means
// the loop should return d; otherwise it re-polls immediately.
func (s *Session) handleTrigger() (Directive, bool) {
	t := s.TakeTrigger()
	if t == nil {
		return Directive{}, false
	}

	switch t.Kind {
	case TriggerExtend:
		ExtendAfterHours(s.State, time.Now())
		s.pausedLogged = false
		s.Log.Resuming(fmt.Sprintf("after-hours extended until %s",
			s.State.ExtensionUntil.Format("15:04")))
		return Directive{}, false

	case TriggerAction:
		for _, w := range s.State.WaitingForReply {
			if w.ID == t.ThreadID {
				return buildWaitingMenu(s.State, w), true
			}
		}
		s.Debug.Warn("ACTION trigger for unknown thread", "thread_id", t.ThreadID)
		return Directive{}, false
	}
	return Directive{}, false
}

// cancelDirective distinguishes a session stop from a worker replacement.
func (s *Session) cancelDirective() (Directive, error) {
	if s.ctx.Err() != nil {
		return stopped("Monitoring stopped."), nil
	}
	return Directive{}, ErrWorkerReplaced
}

// StartHeartbeat posts a progress line at the configured cadence until the
// returned stop function is called. Used to keep the LLM transport alive
// while next_step blocks.
func (s *Session) StartHeartbeat(progress func(string)) (stop func()) {
	if progress == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer s.recoverPanic("heartbeat")
		ticker := time.NewTicker(s.cfg.HeartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				progress(fmt.Sprintf("still monitoring PR #%d: state=%s, polls=%d",
					s.State.Number, s.State.State, s.State.PollCount))
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (s *Session) snapshot(next time.Duration, afterHours bool) statuslog.StatusSnapshot {
	st := s.State
	sum := statuslog.CheckSummary{
		Passed:    st.Checks.Passed,
		Failed:    st.Checks.Failed,
		Pending:   st.Checks.Pending,
		Queued:    st.Checks.Queued,
		Cancelled: st.Checks.Cancelled,
		Total:     st.Checks.Total,
	}
	for _, f := range st.FailedChecks {
		sum.Failures = append(sum.Failures, statuslog.CheckFailure{
			Name:       f.Name,
			Conclusion: f.Conclusion,
			Title:      f.Title,
			DetailsURL: f.DetailsURL,
			ExternalID: f.ExternalID,
		})
	}
	var waiting []statuslog.WaitingThread
	for _, w := range st.WaitingForReply {
		waiting = append(waiting, statuslog.WaitingThread{ID: w.ID, Author: w.Author, Path: w.Path})
	}
	return statuslog.StatusSnapshot{
		Checks:           sum,
		Waiting:          waiting,
		Approvals:        len(st.Approvals),
		StaleApprovals:   len(st.StaleApprovals),
		Unresolved:       len(st.Unresolved),
		WaitingForReply:  len(st.WaitingForReply),
		NextCheckSeconds: int(next / time.Second),
		AfterHours:       afterHours,
	}
}

// recoverPanic keeps a helper goroutine's failure from killing the
// process; the session itself continues.
func (s *Session) recoverPanic(what string) {
	if r := recover(); r != nil {
		s.Debug.Error("background failure", "in", what, "panic", r)
	}
}
