package monitor

import "encoding/json"

// Action is the kind of directive returned to the LLM client.
type Action string

const (
	ActionAskUser     Action = "ask_user"
	ActionExecute     Action = "execute"
	ActionAutoExecute Action = "auto_execute"
	ActionPolling     Action = "polling"
	ActionStop        Action = "stop"
	ActionMerged      Action = "merged"
)

// Task tokens for execute and auto_execute directives.
const (
	TaskAddressComment     = "address_comment"
	TaskExplainComment     = "explain_comment"
	TaskFollowUpComment    = "follow_up_comment"
	TaskReSuggestChange    = "re_suggest_change"
	TaskInvestigateFailure = "investigate_ci_failure"
	TaskApplyFix           = "apply_fix"
	TaskShowLogs           = "show_logs"
	TaskRerunViaBrowser    = "rerun_via_browser"
	TaskResolveThread      = "resolve_thread"
	TaskMergePR            = "merge_pr"
	TaskMergePRAdmin       = "merge_pr_admin"
	TaskRunNewBuild        = "run_new_build"
)

// Directive is the structured instruction the engine returns and the tool
// surface serializes back to the LLM. The LLM never decides control flow;
// it only carries directives out.
type Directive struct {
	Action       Action         `json:"action"`
	Question     string         `json:"question,omitempty"`
	Choices      []string       `json:"choices,omitempty"`
	Task         string         `json:"task,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Message      string         `json:"message,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// askUserInstructions is attached to every ask_user directive so the LLM
// presents the question without editorializing.
const askUserInstructions = "Present this question to the user verbatim with the choices exactly as listed. " +
	"Then call next_step with event \"user_chose\" and the user's selected choice. " +
	"Do not answer on the user's behalf and do not reorder or reword the choices."

// executeInstructions is attached to every execute directive.
const executeInstructions = "Perform this task now. When it is finished, call next_step with the completion " +
	"event named in the context (default \"task_complete\") and include any findings in the data object."

func askUser(question string, choices []string, context map[string]any) Directive {
	return Directive{
		Action:       ActionAskUser,
		Question:     question,
		Choices:      choices,
		Instructions: askUserInstructions,
		Context:      context,
	}
}

func execute(task string, context map[string]any) Directive {
	return Directive{
		Action:       ActionExecute,
		Task:         task,
		Instructions: executeInstructions,
		Context:      context,
	}
}

func autoExecute(task string, context map[string]any) Directive {
	return Directive{Action: ActionAutoExecute, Task: task, Context: context}
}

func polling(message string) Directive {
	return Directive{Action: ActionPolling, Message: message}
}

func stopped(message string) Directive {
	return Directive{Action: ActionStop, Message: message}
}

func merged(message string) Directive {
	return Directive{Action: ActionMerged, Message: message}
}

// threadContext carries a review thread to the LLM or the viewer.
func threadContext(t Thread) map[string]any {
	return map[string]any{
		"comment": map[string]any{
			"id":           t.ID,
			"path":         t.Path,
			"author":       t.Author,
			"body":         t.Body,
			"url":          t.URL,
			"last_author":  t.LastAuthor,
			"num_comments": t.NumComments,
		},
	}
}

func failuresContext(failures []FailedCheck) map[string]any {
	items := make([]map[string]any, 0, len(failures))
	for _, f := range failures {
		items = append(items, map[string]any{
			"name":        f.Name,
			"conclusion":  f.Conclusion,
			"title":       f.Title,
			"details_url": f.DetailsURL,
			"external_id": f.ExternalID,
		})
	}
	return map[string]any{"failures": items}
}

// RoundTrip re-parses a serialized directive; the envelope is line-oriented
// JSON on the wire.
func RoundTrip(d Directive) (Directive, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return Directive{}, err
	}
	var out Directive
	if err := json.Unmarshal(data, &out); err != nil {
		return Directive{}, err
	}
	return out, nil
}
