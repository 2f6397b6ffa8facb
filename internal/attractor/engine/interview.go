package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/strongdm/attractor/internal/attractor/model"
	"github.com/strongdm/attractor/internal/attractor/runtime"
)

// Interviewer is the human-interaction channel for wait.human nodes. The
// engine ships two implementations: AutoApproveInterviewer for unattended
// runs and FileInterviewer for operator-driven ones.
type Interviewer interface {
	Ask(question Question) Answer
	AskMultiple(questions []Question) []Answer
	Inform(message string, stage string)
}

type QuestionType string

const (
	QuestionSingleSelect QuestionType = "SINGLE_SELECT"
	QuestionMultiSelect  QuestionType = "MULTI_SELECT"
	QuestionFreeText     QuestionType = "FREE_TEXT"
	QuestionConfirm      QuestionType = "CONFIRM"
)

type Question struct {
	Type    QuestionType
	Text    string
	Options []Option
	Timeout time.Duration // max wait; 0 means the interviewer's default
	Stage   string
	// Metadata carries arbitrary key-value pairs for frontends.
	Metadata map[string]any
}

type Option struct {
	Key   string
	Label string
	To    string
}

type Answer struct {
	Value    string
	Text     string
	TimedOut bool
	Skipped  bool
}

// AutoApproveInterviewer picks the first option for every question. It is
// the default so graphs with human gates stay runnable unattended.
type AutoApproveInterviewer struct{}

func (i *AutoApproveInterviewer) Ask(q Question) Answer {
	if len(q.Options) > 0 {
		return Answer{Value: q.Options[0].Key}
	}
	return Answer{Value: "YES"}
}

func (i *AutoApproveInterviewer) AskMultiple(questions []Question) []Answer {
	answers := make([]Answer, len(questions))
	for idx, q := range questions {
		answers[idx] = i.Ask(q)
	}
	return answers
}

func (i *AutoApproveInterviewer) Inform(message string, stage string) {
	// No-op for auto-approve.
}

// FileInterviewer asks questions by writing question.txt into the node's
// directory and waits for an operator to write an answer file next to it.
// It subscribes to filesystem notifications and keeps a slow poll as a
// fallback for filesystems where fsnotify is unreliable (NFS, some
// containers). An answer of "skip" declines the question.
type FileInterviewer struct {
	Root         string        // run directory root
	Timeout      time.Duration // per-question default when Question.Timeout is 0; 0 waits forever
	PollInterval time.Duration // fallback poll period; defaults to 500ms
}

func (i *FileInterviewer) Ask(q Question) Answer {
	stageDir := filepath.Join(i.Root, "nodes", q.Stage)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return Answer{Skipped: true}
	}
	i.writeQuestionFile(stageDir, q)
	answerPath := filepath.Join(stageDir, "answer")

	timeout := q.Timeout
	if timeout <= 0 {
		timeout = i.Timeout
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	poll := i.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(stageDir); err == nil {
			watchEvents = watcher.Events
			watchErrors = watcher.Errors
		}
	}

	// The answer may already be there (operator pre-staged it, or a resume).
	if ans, ok := readAnswerFile(answerPath); ok {
		return ans
	}
	for {
		select {
		case <-deadline:
			return Answer{TimedOut: true}
		case <-ticker.C:
			if ans, ok := readAnswerFile(answerPath); ok {
				return ans
			}
		case ev, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if filepath.Base(ev.Name) != "answer" {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if ans, ok := readAnswerFile(answerPath); ok {
				return ans
			}
		case _, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
			}
			// Poll fallback keeps us live even when the watcher breaks.
		}
	}
}

func (i *FileInterviewer) AskMultiple(questions []Question) []Answer {
	answers := make([]Answer, len(questions))
	for idx, q := range questions {
		answers[idx] = i.Ask(q)
	}
	return answers
}

func (i *FileInterviewer) Inform(message string, stage string) {
	stageDir := filepath.Join(i.Root, "nodes", stage)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(stageDir, "messages.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), message)
}

func (i *FileInterviewer) writeQuestionFile(stageDir string, q Question) {
	var b strings.Builder
	b.WriteString(q.Text)
	b.WriteString("\n\n")
	for _, o := range q.Options {
		fmt.Fprintf(&b, "  [%s] %s -> %s\n", o.Key, o.Label, o.To)
	}
	b.WriteString("\nwrite your choice to the `answer` file in this directory\n")
	_ = os.WriteFile(filepath.Join(stageDir, "question.txt"), []byte(b.String()), 0o644)
}

// readAnswerFile reports the operator's answer once the file exists and is
// non-empty. An empty file is treated as still being written.
func readAnswerFile(path string) (Answer, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Answer{}, false
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return Answer{}, false
	}
	if strings.EqualFold(s, "skip") {
		return Answer{Skipped: true}, true
	}
	return Answer{Value: s}, true
}

// WaitHumanHandler pauses the run at a human gate. The outgoing edge labels
// become the selectable options; the chosen option drives routing via
// PreferredLabel and SuggestedNextIDs.
type WaitHumanHandler struct{}

// SkipRetry implements SingleExecutionHandler. Re-asking the same question
// after a decline would loop the gate instead of routing its outcome.
func (h *WaitHumanHandler) SkipRetry() bool { return true }

func (h *WaitHumanHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	_ = ctx
	edges := exec.Graph.Outgoing(node.ID)
	if len(edges) == 0 {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "no outgoing edges for human gate"}, nil
	}

	options := make([]Option, 0, len(edges))
	used := map[string]bool{}
	for i, e := range edges {
		if e == nil {
			continue
		}
		label := strings.TrimSpace(e.Label)
		if label == "" {
			label = e.To
		}
		key := acceleratorKey(label)
		if key == "" || used[key] {
			// Stable fallback key when accelerator extraction is ambiguous.
			key = fmt.Sprintf("%d", i+1)
		}
		used[key] = true
		options = append(options, Option{Key: key, Label: label, To: e.To})
	}

	q := Question{
		Type:    QuestionSingleSelect,
		Text:    node.Attr("question", node.Attr("label", node.ID)),
		Options: options,
		Timeout: node.AttrDuration("timeout", 0),
		Stage:   node.ID,
	}
	exec.Engine.appendProgress(map[string]any{
		"event":    "human_question",
		"node_id":  node.ID,
		"question": q.Text,
	})

	interviewer := exec.Engine.Interviewer
	if interviewer == nil {
		interviewer = &AutoApproveInterviewer{}
	}
	ans := interviewer.Ask(q)

	if ans.TimedOut {
		dc := strings.TrimSpace(node.Attr("human.default_choice", exec.Graph.Attrs["human.default_choice"]))
		if dc != "" {
			for _, o := range options {
				if strings.EqualFold(o.Key, dc) || strings.EqualFold(o.To, dc) {
					return runtime.Outcome{
						Status:           runtime.StatusSuccess,
						SuggestedNextIDs: []string{o.To},
						PreferredLabel:   o.Label,
						ContextUpdates: map[string]any{
							"human.gate.selected": o.To,
							"human.gate.label":    o.Label,
						},
						Notes: "human gate timeout, used default choice",
					}, nil
				}
			}
		}
		return runtime.Outcome{Status: runtime.StatusRetry, FailureReason: "human gate timeout, no default"}, nil
	}
	if ans.Skipped {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "human gate skipped interaction"}, nil
	}

	selected := options[0]
	if want := strings.TrimSpace(ans.Value); want != "" {
		for _, o := range options {
			if strings.EqualFold(o.Key, want) || strings.EqualFold(o.To, want) || normalizeLabel(o.Label) == normalizeLabel(want) {
				selected = o
				break
			}
		}
	}
	exec.Engine.appendProgress(map[string]any{
		"event":   "human_answer",
		"node_id": node.ID,
		"answer":  selected.To,
	})

	return runtime.Outcome{
		Status:           runtime.StatusSuccess,
		SuggestedNextIDs: []string{selected.To},
		PreferredLabel:   selected.Label,
		ContextUpdates: map[string]any{
			"human.gate.selected": selected.To,
			"human.gate.label":    selected.Label,
		},
		Notes: "human gate selected",
	}, nil
}

// acceleratorKey extracts the shortcut token from an edge label, accepting
// the same prefix forms normalizeLabel strips: "[X] ", "X) ", "X - ".
func acceleratorKey(label string) string {
	s := strings.TrimSpace(label)
	if strings.HasPrefix(s, "[") {
		if end := strings.Index(s, "] "); end > 1 {
			token := s[1:end]
			if token != "" && !strings.ContainsAny(token, " \t") {
				return strings.ToUpper(token)
			}
		}
	}
	if len(s) >= 3 && s[1] == ')' && s[2] == ' ' {
		return strings.ToUpper(s[:1])
	}
	if len(s) >= 4 && s[1] == ' ' && s[2] == '-' && s[3] == ' ' {
		return strings.ToUpper(s[:1])
	}
	return ""
}
