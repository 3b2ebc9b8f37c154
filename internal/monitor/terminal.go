package monitor

import (
	"fmt"
	"strconv"
	"strings"
)

// Fixed choice strings. The LLM presents these verbatim; ChoiceToken maps a
// selection back to its internal token.
const (
	choiceAddress          = "Address the comment"
	choiceExplain          = "Explain instead of changing the code"
	choiceHandleMyself     = "I'll handle it myself"
	choiceIgnoreComment    = "Ignore this comment"
	choiceIgnoreAll        = "Ignore all comments"
	choiceSkipPolling      = "Skip and keep polling"
	choiceAddressAll       = "Address all comments"
	choiceAddressSpecific  = "Address a specific comment"
	choiceRebase           = "Resolve the conflict (rebase)"
	choiceKeepPolling      = "Keep polling"
	choiceInvestigate      = "Investigate the failure"
	choiceShowLogs         = "Show me the logs"
	choiceRerun            = "Re-run the checks"
	choiceRerunFailed      = "Re-run failed checks"
	choiceRunNewBuild      = "Run a new build"
	choiceMerge            = "Merge the PR"
	choiceMergeAdmin       = "Merge with admin override"
	choiceWaitForApprover  = "Wait for another approver"
	choiceStopMonitoring   = "Stop monitoring"
	choiceResumeMonitoring = "Resume monitoring"
	choiceApplyFix         = "Apply the suggested fix"
	choiceIgnoreAndPoll    = "Ignore and keep polling"
	choiceResolveThread    = "Resolve the thread"
	choiceFollowUp         = "Reply with a follow-up"
	choiceReSuggest        = "Suggest a different change"
	choiceGoBack           = "Go back"
	choiceGoAhead          = "Go ahead"
	choiceSkipThisOne      = "Skip this one"
	choiceStopAddressing   = "Stop addressing"
	choicePickAnother      = "Pick another comment"
	choiceAddressRemaining = "Address all remaining"
	choiceDoneForNow       = "Done for now"
)

var choiceTokens = map[string]string{
	choiceAddress:          "address",
	choiceExplain:          "explain",
	choiceHandleMyself:     "handle_myself",
	choiceIgnoreComment:    "ignore",
	choiceIgnoreAll:        "ignore",
	choiceSkipPolling:      "skip",
	choiceAddressAll:       "address_all",
	choiceAddressSpecific:  "address_specific",
	choiceKeepPolling:      "resume",
	choiceInvestigate:      "investigate",
	choiceShowLogs:         "show_logs",
	choiceRerun:            "rerun",
	choiceRerunFailed:      "rerun_failed",
	choiceRunNewBuild:      "run_new",
	choiceMerge:            "merge",
	choiceMergeAdmin:       "merge_admin",
	choiceWaitForApprover:  "wait_for_approver",
	choiceStopMonitoring:   "done",
	choiceResumeMonitoring: "resume",
	choiceApplyFix:         "apply_fix",
	choiceIgnoreAndPoll:    "ignore",
	choiceResolveThread:    "resolve",
	choiceFollowUp:         "follow_up",
	choiceReSuggest:        "re_suggest",
	choiceGoBack:           "go_back",
	choiceGoAhead:          "continue",
	choiceSkipThisOne:      "skip",
	choiceStopAddressing:   "done",
	choicePickAnother:      "address_specific",
	choiceAddressRemaining: "address_all",
	choiceDoneForNow:       "done",
}

var knownTokens = map[string]bool{
	"address_all": true, "address_specific": true, "address": true,
	"explain": true, "handle_myself": true, "skip": true, "done": true,
	"continue": true, "resume": true, "investigate": true, "show_logs": true,
	"rerun": true, "rerun_failed": true, "apply_fix": true, "ignore": true,
	"run_new": true, "merge": true, "merge_admin": true,
	"wait_for_approver": true, "resolve": true, "follow_up": true,
	"re_suggest": true, "go_back": true,
}

// ChoiceToken maps a user selection to its internal token. Display strings
// map through the fixed table, bare tokens pass through, and a leading
// integer (the pick-comment flow) maps to its decimal string. Anything else
// returns the empty token.
func ChoiceToken(choice string) string {
	choice = strings.TrimSpace(choice)
	if tok, ok := choiceTokens[choice]; ok {
		return tok
	}
	lower := strings.ToLower(choice)
	if knownTokens[lower] {
		return lower
	}
	if n, ok := leadingInt(choice); ok {
		return strconv.Itoa(n)
	}
	return ""
}

func leadingInt(s string) (int, bool) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, false
	}
	return n, true
}

// DetectTerminal applies the fixed priority rule to the freshly aggregated
// data and returns the highest-priority terminal kind whose condition
// holds. The needs-action count and conflict flag come from the poll that
// just completed; everything else is read off the state.
func DetectTerminal(s *MonitorState, freshNeedsAction int, mergeConflict bool) (TerminalKind, bool) {
	if freshNeedsAction > 0 {
		return TerminalNewComment, true
	}
	if mergeConflict {
		return TerminalMergeConflict, true
	}
	if s.Checks.Failed > 0 {
		return TerminalCIFailure, true
	}
	if s.Checks.Cancelled > 0 {
		return TerminalCICancelled, true
	}

	// The additional-approval gate: after a refused merge, ApprovedCiGreen
	// may not fire again until the approval count strictly exceeds the
	// count captured at refusal.
	gateOpen := !s.NeedsAdditionalApproval || len(s.Approvals) > s.ApprovalsAtRefusal

	if s.Checks.AllGreen() && len(s.Approvals) > 0 && gateOpen {
		return TerminalApprovedCIGreen, true
	}
	if s.Checks.AllGreen() && len(s.Ignored) > 0 && gateOpen {
		return TerminalCommentsIgnored, true
	}
	return "", false
}

// BuildTerminal records the terminal kind, moves to AwaitingUser, arms the
// matching sub-flow, and returns the fixed ask_user directive for the kind.
func BuildTerminal(s *MonitorState, kind TerminalKind) Directive {
	s.LastTerminal = kind
	s.State = StateAwaitingUser

	switch kind {
	case TerminalNewComment:
		if len(s.Unresolved) == 1 {
			s.CommentFlow = CommentFlowSingle
			s.CommentIndex = 0
			c := s.Unresolved[0]
			q := fmt.Sprintf("New comment from %s on %s:\n\n%s\n\nHow should I handle it?",
				c.Author, threadLocation(c), truncate(c.Body, 400))
			return askUser(q, []string{
				choiceAddress, choiceExplain, choiceHandleMyself,
				choiceIgnoreComment, choiceSkipPolling,
			}, threadContext(c))
		}
		s.CommentFlow = CommentFlowMulti
		q := fmt.Sprintf("There are %d unresolved comments:\n\n%s\nHow should I handle them?",
			len(s.Unresolved), commentList(s.Unresolved))
		return askUser(q, []string{
			choiceAddressAll, choiceAddressSpecific, choiceIgnoreAll,
			choiceHandleMyself, choiceSkipPolling,
		}, nil)

	case TerminalMergeConflict:
		q := "The PR has a merge conflict with its base branch and cannot be merged as-is."
		return askUser(q, []string{choiceRebase, choiceHandleMyself, choiceKeepPolling}, nil)

	case TerminalCIFailure:
		s.CIFlow = CIFlowFailurePrompt
		q := fmt.Sprintf("CI failed: %d of %d checks did not pass.\n\n%s\nWhat should I do?",
			s.Checks.Failed, s.Checks.Total, failureList(s.FailedChecks))
		return askUser(q, []string{
			choiceInvestigate, choiceShowLogs, choiceRerunFailed,
			choiceRunNewBuild, choiceHandleMyself,
		}, failuresContext(s.FailedChecks))

	case TerminalCICancelled:
		q := fmt.Sprintf("CI was cancelled: %d of %d checks were cancelled before finishing.",
			s.Checks.Cancelled, s.Checks.Total)
		return askUser(q, []string{
			choiceRerun, choiceRunNewBuild, choiceHandleMyself, choiceKeepPolling,
		}, nil)

	case TerminalApprovedCIGreen:
		q := fmt.Sprintf("All %d checks passed and the PR is approved (%d approval(s)). Ready to merge.",
			s.Checks.Total, len(s.Approvals))
		return askUser(q, []string{
			choiceMerge, choiceKeepPolling, choiceHandleMyself, choiceStopMonitoring,
		}, nil)

	case TerminalCommentsIgnored:
		q := fmt.Sprintf("All %d checks passed. %d comment(s) were ignored earlier and remain unresolved.",
			s.Checks.Total, len(s.Ignored))
		return askUser(q, []string{
			choiceMerge, choiceKeepPolling, choiceStopMonitoring,
		}, nil)
	}

	return recoveryPrompt(s, fmt.Sprintf("unknown terminal kind %q", kind))
}

// LogTag maps a terminal kind to its TERMINAL record state tag. The kinds
// already use the wire vocabulary.
func (k TerminalKind) LogTag() string { return string(k) }

// buildAddressAllPrompt asks go/skip/stop for the comment at the current
// iteration index. The flow prompts before every advance, including the
// first.
func buildAddressAllPrompt(s *MonitorState) Directive {
	s.State = StateAwaitingUser
	s.CommentFlow = CommentFlowAddressAll
	c := s.Unresolved[s.CommentIndex]
	q := fmt.Sprintf("Comment %d of %d, from %s on %s:\n\n%s\n\nAddress it?",
		s.CommentIndex+1, len(s.Unresolved), c.Author, threadLocation(c), truncate(c.Body, 400))
	return askUser(q, []string{choiceGoAhead, choiceSkipThisOne, choiceStopAddressing}, threadContext(c))
}

// buildPickPrompt presents the numbered comment list.
func buildPickPrompt(s *MonitorState) Directive {
	s.State = StateAwaitingUser
	s.CommentFlow = CommentFlowPick
	q := "Which comment should I address?\n\n" + commentList(s.Unresolved)
	choices := make([]string, 0, len(s.Unresolved)+1)
	for i, c := range s.Unresolved {
		choices = append(choices, fmt.Sprintf("%d. %s: %s", i+1, c.Author, truncate(c.Body, 60)))
	}
	choices = append(choices, choiceGoBack)
	return askUser(q, choices, nil)
}

// buildRemainingPrompt is offered after a picked comment is finished and
// unaddressed comments remain.
func buildRemainingPrompt(s *MonitorState, remaining int) Directive {
	s.State = StateAwaitingUser
	s.CommentFlow = CommentFlowRemaining
	q := fmt.Sprintf("Done. %d comment(s) remain unaddressed. What next?", remaining)
	return askUser(q, []string{choicePickAnother, choiceAddressRemaining, choiceDoneForNow}, nil)
}

// buildWaitingMenu presents the action menu for a waiting-for-reply thread,
// opened by a viewer ACTION trigger.
func buildWaitingMenu(s *MonitorState, t Thread) Directive {
	s.State = StateAwaitingUser
	s.ActiveWaiting = &t
	q := fmt.Sprintf("You replied last on the thread from %s on %s:\n\n%s\n\nWhat should I do with it?",
		t.Author, threadLocation(t), truncate(t.Body, 400))
	return askUser(q, []string{
		choiceResolveThread, choiceFollowUp, choiceReSuggest, choiceGoBack,
	}, threadContext(t))
}

// buildInvestigationResults presents the findings menu. A duplicate
// artifact has exactly one code path: a fresh build.
func buildInvestigationResults(s *MonitorState) Directive {
	s.State = StateInvestigationResults
	s.CIFlow = CIFlowResults

	if s.IssueType == "duplicate_artifact" {
		q := "The failure is a duplicate-artifact collision from a previous run. " +
			"The only fix is a fresh build.\n\n" + s.Findings
		return askUser(q, []string{choiceRunNewBuild, choiceHandleMyself}, nil)
	}

	q := "Investigation results:\n\n" + s.Findings + "\n\nHow should I proceed?"
	var choices []string
	if s.SuggestedFix != "" {
		choices = append(choices, choiceApplyFix)
	}
	choices = append(choices, choiceIgnoreAndPoll, choiceRerun, choiceHandleMyself)
	ctx := map[string]any{"findings": s.Findings}
	if s.SuggestedFix != "" {
		ctx["suggested_fix"] = s.SuggestedFix
	}
	return askUser(q, choices, ctx)
}

// recoveryPrompt handles unexpected (state, event) pairs: never an error,
// always a way forward.
func recoveryPrompt(s *MonitorState, detail string) Directive {
	s.State = StateAwaitingUser
	q := "I lost track of where we were (" + detail + "). Should I resume monitoring or stop?"
	return askUser(q, []string{choiceResumeMonitoring, choiceStopMonitoring}, nil)
}

func threadLocation(t Thread) string {
	if t.Path != "" {
		return t.Path
	}
	return "the PR"
}

func commentList(threads []Thread) string {
	var b strings.Builder
	for i, c := range threads {
		fmt.Fprintf(&b, "%d. %s on %s: %s\n", i+1, c.Author, threadLocation(c), truncate(c.Body, 120))
	}
	return b.String()
}

func failureList(failures []FailedCheck) string {
	var b strings.Builder
	for i, f := range failures {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, f.Name, f.Conclusion)
	}
	return b.String()
}
