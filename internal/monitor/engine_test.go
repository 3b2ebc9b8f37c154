package monitor

import (
	"testing"
)

func awaitingWithComments(t *testing.T, threads ...Thread) *MonitorState {
	t.Helper()
	s := NewState("octo", "repo", 7, t.TempDir())
	s.Unresolved = threads
	BuildTerminal(s, TerminalNewComment)
	return s
}

func TestProcessEvent_ReadyStartsPolling(t *testing.T) {
	s := NewState("octo", "repo", 7, t.TempDir())

	d := ProcessEvent(s, EventReady, "")
	if d.Action != ActionPolling {
		t.Fatalf("expected polling, got %s", d.Action)
	}
	if s.State != StatePolling {
		t.Fatalf("expected polling state, got %s", s.State)
	}
}

func TestProcessEvent_ReadyFromUnexpectedStateRecovers(t *testing.T) {
	s := NewState("octo", "repo", 7, t.TempDir())
	s.State = StateExecutingTask

	d := ProcessEvent(s, EventReady, "")
	if d.Action != ActionAskUser {
		t.Fatalf("expected recovery ask_user, got %s", d.Action)
	}
	if len(d.Choices) != 2 {
		t.Fatalf("expected resume-or-stop, got %v", d.Choices)
	}
}

func TestProcessEvent_UnknownEventRecovers(t *testing.T) {
	s := NewState("octo", "repo", 7, t.TempDir())
	s.State = StatePolling

	d := ProcessEvent(s, "bogus_event", "")
	if d.Action != ActionAskUser {
		t.Fatalf("expected recovery ask_user, got %s", d.Action)
	}
}

func TestProcessEvent_SingleCommentAddress(t *testing.T) {
	s := awaitingWithComments(t, Thread{ID: "T1", Author: "alice", Body: "rename"})

	d := ProcessEvent(s, EventUserChose, choiceAddress)
	if d.Action != ActionExecute || d.Task != TaskAddressComment {
		t.Fatalf("expected execute/address_comment, got %s/%s", d.Action, d.Task)
	}
	if s.State != StateExecutingTask {
		t.Fatalf("expected executing_task, got %s", s.State)
	}
	if d.Context[contextKeyCompletion] != EventCommentAddressed {
		t.Fatalf("completion event not set: %v", d.Context)
	}
}

func TestProcessEvent_SingleCommentIgnore(t *testing.T) {
	s := awaitingWithComments(t, Thread{ID: "T1", Author: "alice", Body: "rename"})

	d := ProcessEvent(s, EventUserChose, choiceIgnoreComment)
	if d.Action != ActionPolling {
		t.Fatalf("expected polling, got %s", d.Action)
	}
	if !s.Ignored["T1"] {
		t.Fatal("comment id not added to ignore set")
	}
	if s.CommentFlow != CommentFlowNone {
		t.Fatalf("sub-flow not reset: %s", s.CommentFlow)
	}
}

func TestProcessEvent_IgnoreAllComments(t *testing.T) {
	s := awaitingWithComments(t,
		Thread{ID: "T1", Author: "alice"},
		Thread{ID: "T2", Author: "bob"},
		Thread{ID: "T3", Author: "carol"},
	)

	d := ProcessEvent(s, EventUserChose, choiceIgnoreAll)
	if d.Action != ActionPolling {
		t.Fatalf("expected polling, got %s", d.Action)
	}
	for _, id := range []string{"T1", "T2", "T3"} {
		if !s.Ignored[id] {
			t.Fatalf("id %s not ignored", id)
		}
	}
}

func TestProcessEvent_AddressAllPromptsBeforeFirst(t *testing.T) {
	s := awaitingWithComments(t,
		Thread{ID: "T1", Author: "alice", Body: "one"},
		Thread{ID: "T2", Author: "bob", Body: "two"},
	)

	d := ProcessEvent(s, EventUserChose, choiceAddressAll)
	if d.Action != ActionAskUser {
		t.Fatalf("expected a go/skip/stop prompt before the first comment, got %s", d.Action)
	}
	if s.CommentFlow != CommentFlowAddressAll {
		t.Fatalf("expected address_all_iterating, got %s", s.CommentFlow)
	}
	if s.CommentIndex != 0 {
		t.Fatalf("expected index 0, got %d", s.CommentIndex)
	}
}

func TestProcessEvent_AddressAllFullCycle(t *testing.T) {
	s := awaitingWithComments(t,
		Thread{ID: "T1", Author: "alice", Body: "one"},
		Thread{ID: "T2", Author: "bob", Body: "two"},
	)

	// Enter the iterating flow and accept the first comment.
	ProcessEvent(s, EventUserChose, choiceAddressAll)
	d := ProcessEvent(s, EventUserChose, choiceGoAhead)
	if d.Action != ActionExecute || d.Task != TaskAddressComment {
		t.Fatalf("expected execute/address_comment, got %s/%s", d.Action, d.Task)
	}

	// The LLM reports it addressed the comment: auto-resolve fires.
	d = ProcessEvent(s, EventCommentAddressed, "")
	if d.Action != ActionAutoExecute || d.Task != TaskResolveThread {
		t.Fatalf("expected auto_execute/resolve_thread, got %s/%s", d.Action, d.Task)
	}
	if !s.PendingResolve || s.ActiveWaiting == nil || s.ActiveWaiting.ID != "T1" {
		t.Fatalf("pending-resolve bookkeeping wrong: pending=%v active=%v", s.PendingResolve, s.ActiveWaiting)
	}

	// Resolution done: the flow advances and re-prompts for the second.
	d = ProcessEvent(s, EventTaskComplete, "")
	if d.Action != ActionAskUser {
		t.Fatalf("expected prompt for second comment, got %s", d.Action)
	}
	if s.CommentIndex != 1 {
		t.Fatalf("expected index 1, got %d", s.CommentIndex)
	}
	if s.ActiveWaiting != nil {
		t.Fatal("active-waiting reference not cleared")
	}

	// Skip the second: the flow is exhausted and polling resumes.
	d = ProcessEvent(s, EventUserChose, choiceSkipThisOne)
	if d.Action != ActionPolling {
		t.Fatalf("expected polling after last comment, got %s", d.Action)
	}
	if s.CommentFlow != CommentFlowNone {
		t.Fatalf("sub-flow not reset: %s", s.CommentFlow)
	}
}

func TestProcessEvent_PickCommentByNumber(t *testing.T) {
	s := awaitingWithComments(t,
		Thread{ID: "T1", Author: "alice", Body: "one"},
		Thread{ID: "T2", Author: "bob", Body: "two"},
	)

	d := ProcessEvent(s, EventUserChose, choiceAddressSpecific)
	if d.Action != ActionAskUser || s.CommentFlow != CommentFlowPick {
		t.Fatalf("expected pick prompt, got %s flow=%s", d.Action, s.CommentFlow)
	}

	d = ProcessEvent(s, EventUserChose, "2. bob: two")
	if d.Action != ActionExecute || d.Task != TaskAddressComment {
		t.Fatalf("expected execute/address_comment, got %s/%s", d.Action, d.Task)
	}
	if s.CommentIndex != 1 {
		t.Fatalf("expected 1-based pick to select index 1, got %d", s.CommentIndex)
	}

	// Finishing the picked comment offers the remaining one.
	ProcessEvent(s, EventCommentAddressed, "")
	d = ProcessEvent(s, EventTaskComplete, "")
	if d.Action != ActionAskUser || s.CommentFlow != CommentFlowRemaining {
		t.Fatalf("expected remaining prompt, got %s flow=%s", d.Action, s.CommentFlow)
	}
	if len(s.Unresolved) != 1 || s.Unresolved[0].ID != "T1" {
		t.Fatalf("addressed comment not dropped from working list: %v", s.Unresolved)
	}
}

func TestProcessEvent_PickOutOfRangeRepresents(t *testing.T) {
	s := awaitingWithComments(t,
		Thread{ID: "T1", Author: "alice", Body: "one"},
		Thread{ID: "T2", Author: "bob", Body: "two"},
	)
	ProcessEvent(s, EventUserChose, choiceAddressSpecific)

	d := ProcessEvent(s, EventUserChose, "9")
	if d.Action != ActionAskUser || s.CommentFlow != CommentFlowPick {
		t.Fatalf("expected pick prompt again, got %s flow=%s", d.Action, s.CommentFlow)
	}
}

func TestProcessEvent_CIFailureInvestigatePath(t *testing.T) {
	s := NewState("octo", "repo", 7, t.TempDir())
	s.Checks = CheckCounts{Passed: 3, Failed: 2, Total: 5}
	s.FailedChecks = []FailedCheck{{Name: "build", Conclusion: "failure"}}
	BuildTerminal(s, TerminalCIFailure)

	d := ProcessEvent(s, EventUserChose, choiceInvestigate)
	if d.Action != ActionExecute || d.Task != TaskInvestigateFailure {
		t.Fatalf("expected execute/investigate_ci_failure, got %s/%s", d.Action, d.Task)
	}
	if s.State != StateInvestigating || s.CIFlow != CIFlowInvestigating {
		t.Fatalf("expected investigating, got %s/%s", s.State, s.CIFlow)
	}
}

func TestProcessEvent_DuplicateArtifactHasExactlyTwoChoices(t *testing.T) {
	s := NewState("octo", "repo", 7, t.TempDir())
	s.Checks = CheckCounts{Passed: 3, Failed: 2, Total: 5}
	s.FailedChecks = []FailedCheck{{Name: "build", Conclusion: "failure"}}
	BuildTerminal(s, TerminalCIFailure)
	ProcessEvent(s, EventUserChose, choiceInvestigate)

	s.IssueType = "duplicate_artifact"
	s.Findings = "artifact name collides with a previous run"
	s.SuggestedFix = "a fix that must not add a choice"

	d := ProcessEvent(s, EventInvestigationComplete, "")
	if d.Action != ActionAskUser {
		t.Fatalf("expected ask_user, got %s", d.Action)
	}
	want := []string{choiceRunNewBuild, choiceHandleMyself}
	if len(d.Choices) != len(want) {
		t.Fatalf("expected exactly %v, got %v", want, d.Choices)
	}
	for i := range want {
		if d.Choices[i] != want[i] {
			t.Fatalf("expected exactly %v, got %v", want, d.Choices)
		}
	}
}

func TestProcessEvent_InvestigationResultsWithFix(t *testing.T) {
	s := NewState("octo", "repo", 7, t.TempDir())
	s.Checks = CheckCounts{Failed: 1, Total: 1}
	BuildTerminal(s, TerminalCIFailure)
	ProcessEvent(s, EventUserChose, choiceInvestigate)

	s.IssueType = "test_failure"
	s.Findings = "the assertion is off by one"
	s.SuggestedFix = "bump the expected count"

	d := ProcessEvent(s, EventInvestigationComplete, "")
	if d.Choices[0] != choiceApplyFix {
		t.Fatalf("expected apply-fix first, got %v", d.Choices)
	}

	d = ProcessEvent(s, EventUserChose, choiceApplyFix)
	if d.Action != ActionExecute || d.Task != TaskApplyFix {
		t.Fatalf("expected execute/apply_fix, got %s/%s", d.Action, d.Task)
	}
	if s.State != StateApplyingFix {
		t.Fatalf("expected applying_fix, got %s", s.State)
	}

	d = ProcessEvent(s, EventPushCompleted, "")
	if d.Action != ActionPolling || s.State != StatePolling {
		t.Fatalf("expected polling after push, got %s state=%s", d.Action, s.State)
	}
}

func TestProcessEvent_InvestigationResultsWithoutFixOmitsApply(t *testing.T) {
	s := NewState("octo", "repo", 7, t.TempDir())
	s.Checks = CheckCounts{Failed: 1, Total: 1}
	BuildTerminal(s, TerminalCIFailure)
	ProcessEvent(s, EventUserChose, choiceInvestigate)

	s.IssueType = "infra_flake"
	s.Findings = "the runner lost network"

	d := ProcessEvent(s, EventInvestigationComplete, "")
	for _, c := range d.Choices {
		if c == choiceApplyFix {
			t.Fatalf("apply-fix offered without a suggested fix: %v", d.Choices)
		}
	}
}

func TestProcessEvent_WaitingMenuRouting(t *testing.T) {
	s := NewState("octo", "repo", 7, t.TempDir())
	s.State = StatePolling
	s.WaitingForReply = []Thread{{ID: "W1", Author: "alice", Body: "done?", NumComments: 2, LastAuthor: "me"}}

	d := buildWaitingMenu(s, s.WaitingForReply[0])
	if d.Action != ActionAskUser {
		t.Fatalf("expected ask_user, got %s", d.Action)
	}
	wantChoices := []string{choiceResolveThread, choiceFollowUp, choiceReSuggest, choiceGoBack}
	for i, c := range wantChoices {
		if d.Choices[i] != c {
			t.Fatalf("expected %v, got %v", wantChoices, d.Choices)
		}
	}

	d = ProcessEvent(s, EventUserChose, choiceResolveThread)
	if d.Action != ActionAutoExecute || d.Task != TaskResolveThread {
		t.Fatalf("expected auto_execute/resolve_thread, got %s/%s", d.Action, d.Task)
	}
	if !s.PendingResolve {
		t.Fatal("pending-resolve not set")
	}

	d = ProcessEvent(s, EventTaskComplete, "")
	if d.Action != ActionPolling {
		t.Fatalf("expected polling after resolve, got %s", d.Action)
	}
	if s.ActiveWaiting != nil {
		t.Fatal("active-waiting not cleared on return to polling")
	}
}

func TestProcessEvent_WaitingGoBack(t *testing.T) {
	s := NewState("octo", "repo", 7, t.TempDir())
	s.State = StatePolling
	w := Thread{ID: "W1", Author: "alice"}
	buildWaitingMenu(s, w)

	d := ProcessEvent(s, EventUserChose, choiceGoBack)
	if d.Action != ActionPolling {
		t.Fatalf("expected polling, got %s", d.Action)
	}
	if s.ActiveWaiting != nil {
		t.Fatal("active-waiting not cleared")
	}
}

func TestProcessEvent_TerminalLevelRouting(t *testing.T) {
	newApproved := func() *MonitorState {
		s := NewState("octo", "repo", 7, t.TempDir())
		s.Checks = greenChecks(5)
		s.Approvals = []string{"alice"}
		BuildTerminal(s, TerminalApprovedCIGreen)
		return s
	}

	s := newApproved()
	d := ProcessEvent(s, EventUserChose, choiceMerge)
	if d.Action != ActionAutoExecute || d.Task != TaskMergePR {
		t.Fatalf("expected auto_execute/merge_pr, got %s/%s", d.Action, d.Task)
	}

	s = newApproved()
	d = ProcessEvent(s, EventUserChose, choiceWaitForApprover)
	if d.Action != ActionPolling {
		t.Fatalf("expected polling, got %s", d.Action)
	}
	if !s.NeedsAdditionalApproval || s.ApprovalsAtRefusal != 1 {
		t.Fatalf("gate not armed: needs=%v captured=%d", s.NeedsAdditionalApproval, s.ApprovalsAtRefusal)
	}

	s = newApproved()
	d = ProcessEvent(s, EventUserChose, choiceStopMonitoring)
	if d.Action != ActionStop || s.State != StateStopped {
		t.Fatalf("expected stop, got %s state=%s", d.Action, s.State)
	}

	// The rebase choice has no mapping; it routes back to polling.
	s = NewState("octo", "repo", 7, t.TempDir())
	BuildTerminal(s, TerminalMergeConflict)
	d = ProcessEvent(s, EventUserChose, choiceRebase)
	if d.Action != ActionPolling {
		t.Fatalf("expected polling for unmapped choice, got %s", d.Action)
	}
}

func TestProcessEvent_TaskCompleteFromAwaitingUserIsRecovery(t *testing.T) {
	s := awaitingWithComments(t, Thread{ID: "T1", Author: "alice"})
	w := Thread{ID: "W1"}
	s.ActiveWaiting = &w

	d := ProcessEvent(s, EventTaskComplete, "")
	if d.Action != ActionPolling {
		t.Fatalf("expected silent recovery to polling, got %s", d.Action)
	}
	if s.ActiveWaiting != nil {
		t.Fatal("active-waiting not cleared by recovery")
	}
}

func TestProcessEvent_EveryPathYieldsWellFormedDirective(t *testing.T) {
	events := []string{
		EventReady, EventUserChose, EventCommentAddressed,
		EventInvestigationComplete, EventPushCompleted, EventTaskComplete, "junk",
	}
	states := []State{
		StateIdle, StatePolling, StateAwaitingUser, StateExecutingTask,
		StateInvestigating, StateInvestigationResults, StateApplyingFix, StateStopped,
	}

	for _, st := range states {
		for _, ev := range events {
			s := NewState("octo", "repo", 7, t.TempDir())
			s.State = st
			s.Unresolved = []Thread{{ID: "T1", Author: "alice"}}

			d := ProcessEvent(s, ev, "resume")
			switch d.Action {
			case ActionAskUser:
				if d.Question == "" || len(d.Choices) == 0 {
					t.Errorf("state=%s event=%s: ask_user without question/choices", st, ev)
				}
			case ActionExecute, ActionAutoExecute:
				if d.Task == "" {
					t.Errorf("state=%s event=%s: execute without task", st, ev)
				}
			case ActionPolling, ActionStop, ActionMerged:
			default:
				t.Errorf("state=%s event=%s: unknown action %q", st, ev, d.Action)
			}

			// Sub-flow invariants after the call.
			if s.State == StatePolling || s.State == StateStopped {
				if s.CommentFlow != CommentFlowNone || s.CIFlow != CIFlowNone || s.ActiveWaiting != nil {
					t.Errorf("state=%s event=%s: sub-flows not reset on %s", st, ev, s.State)
				}
			}
		}
	}
}

func TestDirectiveRoundTrip(t *testing.T) {
	s := NewState("octo", "repo", 7, t.TempDir())
	s.Unresolved = []Thread{{ID: "T1", Author: "alice", Body: "rename", Path: "main.go"}}
	d := BuildTerminal(s, TerminalNewComment)

	back, err := RoundTrip(d)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if back.Action != d.Action || back.Question != d.Question {
		t.Fatal("envelope changed across round trip")
	}
	if len(back.Choices) != len(d.Choices) {
		t.Fatal("choices changed across round trip")
	}
	if back.Instructions != d.Instructions {
		t.Fatal("instructions changed across round trip")
	}
}
