package monitor

import "fmt"

// Event names accepted by ProcessEvent.
const (
	EventReady                 = "ready"
	EventUserChose             = "user_chose"
	EventCommentAddressed      = "comment_addressed"
	EventInvestigationComplete = "investigation_complete"
	EventPushCompleted         = "push_completed"
	EventTaskComplete          = "task_complete"
)

// contextKeyCompletion names the event the LLM must send back when an
// execute task finishes.
const contextKeyCompletion = "completion_event"

// ProcessEvent is the engine's dispatch table: pure, total, no I/O. Every
// path writes the next top-level state before returning, and unknown
// (state, event) pairs recover with a resume-or-stop prompt rather than an
// error.
func ProcessEvent(s *MonitorState, event, choice string) Directive {
	if s.State == StateStopped && event != EventReady {
		return stopped("Monitoring is stopped.")
	}

	switch event {
	case EventReady:
		if s.State == StateIdle || s.State == StatePolling {
			s.enterPolling()
			return polling("Monitoring started.")
		}
		return recoveryPrompt(s, fmt.Sprintf("ready while %s", s.State))

	case EventUserChose:
		return routeUserChoice(s, choice)

	case EventCommentAddressed:
		return commentAddressed(s)

	case EventInvestigationComplete:
		if s.State == StateInvestigating || s.CIFlow == CIFlowInvestigating {
			return buildInvestigationResults(s)
		}
		return recoveryPrompt(s, fmt.Sprintf("investigation results while %s", s.State))

	case EventPushCompleted:
		if s.State == StateApplyingFix || s.State == StateExecutingTask {
			s.enterPolling()
			return polling("Fix pushed; watching the new build.")
		}
		return recoveryPrompt(s, fmt.Sprintf("push completed while %s", s.State))

	case EventTaskComplete:
		return taskComplete(s)
	}

	return recoveryPrompt(s, fmt.Sprintf("unknown event %q", event))
}

func routeUserChoice(s *MonitorState, choice string) Directive {
	if s.State != StateAwaitingUser && s.State != StateInvestigationResults {
		return recoveryPrompt(s, fmt.Sprintf("choice while %s", s.State))
	}

	tok := ChoiceToken(choice)

	if s.CommentFlow != CommentFlowNone {
		return routeCommentChoice(s, tok)
	}
	if s.CIFlow != CIFlowNone {
		return routeCIChoice(s, tok)
	}
	if s.ActiveWaiting != nil {
		return routeWaitingChoice(s, tok)
	}
	return routeTerminalChoice(s, tok)
}

func routeCommentChoice(s *MonitorState, tok string) Directive {
	switch s.CommentFlow {
	case CommentFlowSingle:
		switch tok {
		case "address":
			return startAddressComment(s, 0)
		case "explain":
			return startCommentTask(s, TaskExplainComment, 0)
		case "handle_myself":
			s.enterStopped()
			return stopped("You're taking over the comment; monitoring stopped.")
		case "ignore":
			for _, c := range s.Unresolved {
				s.MarkIgnored(c.ID)
			}
			s.enterPolling()
			return polling("Comment ignored; back to watching.")
		}
		s.enterPolling()
		return polling("Back to watching.")

	case CommentFlowMulti:
		switch tok {
		case "address_all":
			s.CommentIndex = 0
			return buildAddressAllPrompt(s)
		case "address_specific":
			return buildPickPrompt(s)
		case "ignore":
			for _, c := range s.Unresolved {
				s.MarkIgnored(c.ID)
			}
			s.enterPolling()
			return polling("All comments ignored; back to watching.")
		case "handle_myself":
			s.enterStopped()
			return stopped("You're taking over the comments; monitoring stopped.")
		}
		s.enterPolling()
		return polling("Back to watching.")

	case CommentFlowAddressAll:
		switch tok {
		case "continue":
			return startAddressComment(s, s.CommentIndex)
		case "skip":
			s.CommentIndex++
			if s.CommentIndex < len(s.Unresolved) {
				return buildAddressAllPrompt(s)
			}
			s.enterPolling()
			return polling("All comments handled; back to watching.")
		}
		s.enterPolling()
		return polling("Stopped addressing; back to watching.")

	case CommentFlowPick:
		if n, ok := leadingInt(tok); ok {
			if n < 1 || n > len(s.Unresolved) {
				return buildPickPrompt(s)
			}
			return startAddressComment(s, n-1)
		}
		if tok == "go_back" && len(s.Unresolved) > 1 {
			s.CommentFlow = CommentFlowMulti
			return BuildTerminal(s, TerminalNewComment)
		}
		s.enterPolling()
		return polling("Back to watching.")

	case CommentFlowRemaining:
		switch tok {
		case "address_specific":
			return buildPickPrompt(s)
		case "address_all":
			s.CommentIndex = 0
			return buildAddressAllPrompt(s)
		}
		s.enterPolling()
		return polling("Back to watching.")
	}

	s.enterPolling()
	return polling("Back to watching.")
}

func routeCIChoice(s *MonitorState, tok string) Directive {
	switch s.CIFlow {
	case CIFlowFailurePrompt:
		switch tok {
		case "investigate":
			s.State = StateInvestigating
			s.CIFlow = CIFlowInvestigating
			ctx := failuresContext(s.FailedChecks)
			ctx[contextKeyCompletion] = EventInvestigationComplete
			return execute(TaskInvestigateFailure, ctx)
		case "show_logs":
			s.State = StateExecutingTask
			return execute(TaskShowLogs, failuresContext(s.FailedChecks))
		case "rerun", "rerun_failed":
			s.State = StateExecutingTask
			return execute(TaskRerunViaBrowser, failuresContext(s.FailedChecks))
		case "run_new":
			s.State = StateExecutingTask
			return autoExecute(TaskRunNewBuild, nil)
		case "handle_myself":
			s.enterStopped()
			return stopped("You're taking over the failure; monitoring stopped.")
		}
		s.enterPolling()
		return polling("Back to watching.")

	case CIFlowResults:
		switch tok {
		case "apply_fix":
			s.State = StateApplyingFix
			ctx := map[string]any{
				"findings":           s.Findings,
				"suggested_fix":      s.SuggestedFix,
				contextKeyCompletion: EventPushCompleted,
			}
			return execute(TaskApplyFix, ctx)
		case "rerun":
			s.State = StateExecutingTask
			return execute(TaskRerunViaBrowser, failuresContext(s.FailedChecks))
		case "run_new":
			s.State = StateExecutingTask
			return autoExecute(TaskRunNewBuild, nil)
		case "handle_myself":
			s.enterStopped()
			return stopped("You're taking over the failure; monitoring stopped.")
		}
		s.enterPolling()
		return polling("Back to watching.")
	}

	s.enterPolling()
	return polling("Back to watching.")
}

func routeWaitingChoice(s *MonitorState, tok string) Directive {
	active := s.ActiveWaiting
	switch tok {
	case "resolve":
		s.PendingResolve = true
		s.State = StateExecutingTask
		return autoExecute(TaskResolveThread, threadContext(*active))
	case "follow_up":
		s.State = StateExecutingTask
		ctx := threadContext(*active)
		ctx[contextKeyCompletion] = EventTaskComplete
		return execute(TaskFollowUpComment, ctx)
	case "re_suggest":
		s.State = StateExecutingTask
		ctx := threadContext(*active)
		ctx[contextKeyCompletion] = EventTaskComplete
		return execute(TaskReSuggestChange, ctx)
	case "handle_myself":
		s.enterStopped()
		return stopped("You're taking over the thread; monitoring stopped.")
	}
	s.enterPolling()
	return polling("Back to watching.")
}

func routeTerminalChoice(s *MonitorState, tok string) Directive {
	switch tok {
	case "merge":
		s.State = StateExecutingTask
		return autoExecute(TaskMergePR, nil)
	case "merge_admin":
		s.State = StateExecutingTask
		return autoExecute(TaskMergePRAdmin, nil)
	case "wait_for_approver":
		s.NeedsAdditionalApproval = true
		s.ApprovalsAtRefusal = len(s.Approvals)
		s.enterPolling()
		return polling("Waiting for another approver.")
	case "done", "handle_myself":
		s.enterStopped()
		return stopped("Monitoring stopped.")
	}
	// Everything else, including the rebase choice, resumes polling.
	s.enterPolling()
	return polling("Back to watching.")
}

func startAddressComment(s *MonitorState, index int) Directive {
	if index >= len(s.Unresolved) {
		s.enterPolling()
		return polling("No comment at that position; back to watching.")
	}
	s.CommentIndex = index
	s.State = StateExecutingTask
	ctx := threadContext(s.Unresolved[index])
	ctx[contextKeyCompletion] = EventCommentAddressed
	return execute(TaskAddressComment, ctx)
}

func startCommentTask(s *MonitorState, task string, index int) Directive {
	if index >= len(s.Unresolved) {
		s.enterPolling()
		return polling("No comment at that position; back to watching.")
	}
	s.CommentIndex = index
	s.State = StateExecutingTask
	ctx := threadContext(s.Unresolved[index])
	ctx[contextKeyCompletion] = EventTaskComplete
	return execute(task, ctx)
}

// commentAddressed fires when the LLM reports it finished addressing a
// comment: remember it as active-waiting and auto-resolve its thread.
func commentAddressed(s *MonitorState) Directive {
	if s.CommentIndex < len(s.Unresolved) {
		c := s.Unresolved[s.CommentIndex]
		s.PendingResolve = true
		s.ActiveWaiting = &c
		s.State = StateExecutingTask
		return autoExecute(TaskResolveThread, threadContext(c))
	}
	s.enterPolling()
	return polling("Comment addressed; back to watching.")
}

// taskComplete advances whichever flow was executing. From AwaitingUser it
// is a protocol skip by the LLM and recovers silently.
func taskComplete(s *MonitorState) Directive {
	switch s.State {
	case StateAwaitingUser, StateInvestigationResults:
		if s.ActiveWaiting != nil {
			s.enterPolling()
			return polling("Back to watching.")
		}
		if s.CommentFlow == CommentFlowAddressAll && s.CommentIndex < len(s.Unresolved) {
			return buildAddressAllPrompt(s)
		}
		s.enterPolling()
		return polling("Back to watching.")

	case StateExecutingTask, StateInvestigating, StateApplyingFix:
		s.PendingResolve = false
		s.ActiveWaiting = nil

		switch s.CommentFlow {
		case CommentFlowAddressAll:
			s.CommentIndex++
			if s.CommentIndex < len(s.Unresolved) {
				return buildAddressAllPrompt(s)
			}
			s.enterPolling()
			return polling("All comments addressed; back to watching.")

		case CommentFlowPick, CommentFlowRemaining:
			// The addressed comment's thread is resolved; drop it from
			// the working list.
			if s.CommentIndex < len(s.Unresolved) {
				s.Unresolved = append(s.Unresolved[:s.CommentIndex], s.Unresolved[s.CommentIndex+1:]...)
			}
			if len(s.Unresolved) > 0 {
				return buildRemainingPrompt(s, len(s.Unresolved))
			}
			s.enterPolling()
			return polling("All comments addressed; back to watching.")
		}

		s.enterPolling()
		return polling("Task finished; back to watching.")
	}

	s.enterPolling()
	return polling("Back to watching.")
}
