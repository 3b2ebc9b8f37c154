package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/m-nash/pr-copilot/internal/config"
	"github.com/m-nash/pr-copilot/internal/statuslog"
)

// Service is the tool surface: the three operations the LLM client drives.
// It owns the session registry and composes the fetcher, engine, executor,
// and session supervisor.
type Service struct {
	cfg      *config.Config
	fetch    PlatformClient
	exec     *Executor
	registry *Registry
	logger   *slog.Logger

	// launchViewer starts the dashboard binary; replaced in tests.
	launchViewer func(s *Session)
}

// NewService creates the Service around a platform client.
func NewService(client interface {
	PlatformClient
	ExecClient
}, cfg *config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		cfg:      cfg,
		fetch:    client,
		exec:     NewExecutor(client),
		registry: NewRegistry(),
		logger:   logger,
	}
	svc.launchViewer = svc.spawnViewer
	return svc
}

// StartParams identifies the PR to monitor.
type StartParams struct {
	Owner         string `json:"owner"`
	Repo          string `json:"repo"`
	Number        int    `json:"pr_number"`
	SessionFolder string `json:"session_folder"`
}

// StartResult summarizes the created (or already running) session.
type StartResult struct {
	MonitorID string `json:"monitor_id"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Author    string `json:"author"`
	HeadSHA   string `json:"head_sha"`
	Resumed   bool   `json:"resumed"`
	Message   string `json:"message"`
}

// NextStepParams carries one event into the engine. Data is an optional
// JSON object; parse failures are ignored.
type NextStepParams struct {
	MonitorID string          `json:"monitor_id"`
	Event     string          `json:"event"`
	Choice    string          `json:"choice,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type nextStepData struct {
	Findings     string `json:"findings"`
	SuggestedFix string `json:"suggested_fix"`
	IssueType    string `json:"issue_type"`
}

// Start creates a session for the PR, runs the baseline fetch, and writes
// the log header. Starting an already monitored PR returns its summary.
func (svc *Service) Start(ctx context.Context, p StartParams) (StartResult, error) {
	id := MonitorID(p.Number)
	if existing := svc.registry.Get(id); existing != nil {
		st := existing.State
		return StartResult{
			MonitorID: id,
			Title:     st.Title,
			URL:       st.URL,
			Author:    st.Author,
			HeadSHA:   st.HeadSHA,
			Resumed:   true,
			Message:   fmt.Sprintf("Already monitoring PR #%d (%s).", st.Number, st.State),
		}, nil
	}

	if err := os.MkdirAll(p.SessionFolder, 0o755); err != nil {
		return StartResult{}, fmt.Errorf("creating session folder: %w", err)
	}

	state := NewState(p.Owner, p.Repo, p.Number, p.SessionFolder)
	if err := state.LoadIgnoreList(); err != nil {
		svc.logger.Warn("loading ignore list", "error", err)
	}

	fetcher := NewFetcher(svc.fetch, svc.cfg, svc.logger)
	sess := NewSession(state, fetcher, svc.cfg)

	// The header goes first so the dashboard can identify the PR before
	// the baseline STATUS record lands.
	info, _, err := fetcher.FetchPRInfo(ctx, p.Owner, p.Repo, p.Number)
	if err != nil {
		sess.Close()
		return StartResult{}, fmt.Errorf("baseline fetch: %w", err)
	}
	sess.Log.Head(statuslog.Header{
		Owner:  state.Owner,
		Repo:   state.Repo,
		Number: state.Number,
		Title:  info.Title,
		URL:    info.URL,
		Author: info.Author,
	})

	isMerged, err := sess.Refresh(ctx)
	if err != nil {
		sess.Close()
		return StartResult{}, fmt.Errorf("baseline fetch: %w", err)
	}
	if isMerged {
		sess.Log.Stopped("PR merged")
		sess.Close()
		return StartResult{
			MonitorID: id,
			Title:     info.Title,
			URL:       info.URL,
			Author:    info.Author,
			Message:   fmt.Sprintf("PR #%d is already merged; nothing to monitor.", p.Number),
		}, nil
	}

	svc.registry.Register(id, sess)
	svc.launchViewer(sess)

	return StartResult{
		MonitorID: id,
		Title:     state.Title,
		URL:       state.URL,
		Author:    state.Author,
		HeadSHA:   state.HeadSHA,
		Message:   fmt.Sprintf("Monitoring PR #%d. Call next_step with event \"ready\" to begin polling.", state.Number),
	}, nil
}

// NextStep is the one long-blocking operation: it feeds the event into the
// engine and, when told to poll, blocks inside the session's poll loop
// until something worth reporting happens. progress receives heartbeat
// messages while the call is in flight; it may be nil.
func (svc *Service) NextStep(ctx context.Context, p NextStepParams, progress func(string)) (Directive, error) {
	sess := svc.registry.Get(p.MonitorID)
	if sess == nil {
		return stopped(fmt.Sprintf("no active monitor %q; call start first", p.MonitorID)), nil
	}

	stopHeartbeat := sess.StartHeartbeat(progress)
	defer stopHeartbeat()

	st := sess.State

	// A viewer ACTION that arrived while no waiting-comment interaction
	// was in progress short-circuits the call.
	if st.ActiveWaiting == nil {
		if t := sess.PeekAction(); t != nil {
			for _, w := range st.WaitingForReply {
				if w.ID == t.ThreadID {
					d := buildWaitingMenu(st, w)
					return svc.finish(ctx, sess, d)
				}
			}
			sess.Debug.Warn("ACTION trigger for unknown thread", "thread_id", t.ThreadID)
		}
	}

	if len(p.Data) > 0 {
		var data nextStepData
		if err := json.Unmarshal(p.Data, &data); err == nil {
			if data.Findings != "" {
				st.Findings = data.Findings
			}
			if data.SuggestedFix != "" {
				st.SuggestedFix = data.SuggestedFix
			}
			if data.IssueType != "" {
				st.IssueType = data.IssueType
			}
		} else {
			sess.Debug.Debug("ignoring unparseable data", "error", err)
		}
	}

	d := ProcessEvent(st, p.Event, p.Choice)
	return svc.finish(ctx, sess, d)
}

// finish applies the trailing composition steps shared by every next_step
// path: drain auto-execute, run the poll loop, persist the ignore list,
// and append the matching log record.
func (svc *Service) finish(ctx context.Context, sess *Session, d Directive) (Directive, error) {
	st := sess.State

	for d.Action == ActionAutoExecute {
		d = svc.exec.Run(ctx, sess, d.Task)
	}

	// The ignore set persists after every mutation that touches it; the
	// poll loop below may block for a long time, so save before entering.
	if err := st.SaveIgnoreList(); err != nil {
		sess.Debug.Warn("persisting ignore list", "error", err)
	}

	if d.Action == ActionPolling {
		sess.Log.Resuming(d.Message)
		workerCtx := sess.ReplacePollWorker()
		polled, err := sess.RunPollLoop(workerCtx)
		if errors.Is(err, ErrWorkerReplaced) {
			if ctx.Err() != nil {
				return Directive{}, ctx.Err()
			}
			return stopped("superseded by a newer next_step call"), nil
		}
		if err != nil {
			return Directive{}, err
		}
		d = polled
	}

	if err := st.SaveIgnoreList(); err != nil {
		sess.Debug.Warn("persisting ignore list", "error", err)
	}

	switch d.Action {
	case ActionStop:
		if st.State == StateStopped {
			sess.Log.Stopped(d.Message)
		}
	case ActionMerged:
		sess.Close()
		svc.registry.Remove(MonitorID(st.Number))
	}

	return d, nil
}

// Stop cancels the session's poll worker and disposes the session.
func (svc *Service) Stop(ctx context.Context, monitorID string) (Directive, error) {
	sess := svc.registry.Remove(monitorID)
	if sess == nil {
		return stopped(fmt.Sprintf("no active monitor %q", monitorID)), nil
	}
	sess.State.enterStopped()
	sess.Log.Stopped("Monitoring stopped.")
	sess.Close()
	return stopped(fmt.Sprintf("Stopped monitoring %s.", monitorID)), nil
}

// Shutdown disposes every session; called on process exit.
func (svc *Service) Shutdown() {
	svc.registry.Shutdown()
}

// spawnViewer launches the dashboard binary detached, best-effort.
func (svc *Service) spawnViewer(s *Session) {
	if svc.cfg.ViewerCommand == "" {
		return
	}
	st := s.State
	cmd := exec.Command(svc.cfg.ViewerCommand,
		"--log", st.LogPath(),
		"--trigger", st.TriggerPath(),
		"--pid-file", st.ViewerPIDPath(),
	)
	if err := cmd.Start(); err != nil {
		svc.logger.Debug("launching viewer", "error", err)
		return
	}
	go func() {
		// Reap the child; the viewer outliving the session is fine.
		_ = cmd.Wait()
	}()
}
