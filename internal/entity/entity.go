package entity

import (
	"time"

	"github.com/google/uuid"
)

type ActionKind string

const (
	ActionNavigate       ActionKind = "navigate"
	ActionClick          ActionKind = "click"
	ActionType           ActionKind = "type"
	ActionSelectOption   ActionKind = "select_option"
	ActionWaitForVisible ActionKind = "wait_for_visible"
	ActionScrollIntoView ActionKind = "scroll_into_view"
	ActionPressKey       ActionKind = "press_key"

	// ActionTypeChars is a dispatch-level kind only: the Action Engine's
	// character-by-character typing fallback. Plans never carry it.
	ActionTypeChars ActionKind = "type_chars"
)

// BoundingBox is viewport geometry at capture time.
type BoundingBox struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// ElementDescriptor is one interactive element inside a single snapshot.
// The ID and Selector are only meaningful within the snapshot that produced
// them; elements are never assumed stable across captures.
type ElementDescriptor struct {
	ID          int
	Tag         string
	Role        string
	Text        string
	Label       string
	Placeholder string
	Selector    string
	Attributes  map[string]string
	Box         BoundingBox
	Visible     bool
	Enabled     bool
	ZIndex      int
}

// PageSnapshot is an immutable capture of the page's interactive surface.
type PageSnapshot struct {
	URL        string
	Title      string
	Elements   []ElementDescriptor
	CapturedAt time.Time
}

// TargetSpec describes what a plan step wants to act on, independent of any
// snapshot. Hints are a disjunction: any non-empty hint may produce matches.
type TargetSpec struct {
	ExactText   string
	FuzzyText   string
	Role        string
	Label       string
	Placeholder string
	Nth         int

	Action  ActionKind
	Payload string
}

type MatchKind string

const (
	MatchedByExactText   MatchKind = "exact_text"
	MatchedByExactLabel  MatchKind = "exact_label"
	MatchedByFuzzyText   MatchKind = "fuzzy_text"
	MatchedByRole        MatchKind = "role"
	MatchedByPlaceholder MatchKind = "placeholder"
)

// MatchCandidate pairs a target with one element of the current snapshot.
// Candidates only live for the duration of a single resolution.
type MatchCandidate struct {
	Element   ElementDescriptor
	Score     float64
	MatchedBy MatchKind
	Rank      int
}

type ConditionKind string

const (
	ConditionPageContainsText ConditionKind = "page_contains_text"
	ConditionURLChanges       ConditionKind = "url_changes"
	ConditionElementAppears   ConditionKind = "element_appears"
)

type Condition struct {
	Kind  ConditionKind
	Value string
}

type PlanStep struct {
	Index         int
	Description   string
	Target        TargetSpec
	Precondition  *Condition
	Postcondition *Condition
}

// Plan is replaced wholesale on every replan; steps are never edited in place.
type Plan struct {
	Objective string
	Revision  int
	Steps     []PlanStep
}

type StepStatus string

const (
	StepSucceeded          StepStatus = "succeeded"
	StepRecoverableFailure StepStatus = "recoverable_failure"
	StepFatalFailure       StepStatus = "fatal_failure"
)

// StepOutcome is the result of driving one plan step to a terminal state,
// plus the evidence the next planning call needs.
type StepOutcome struct {
	PlanRevision int
	StepIndex    int
	Action       ActionKind
	Status       StepStatus
	Reason       string
	Attempts     int
	PageURL      string
	PageSummary  string
	FinishedAt   time.Time
}

func (o StepOutcome) Recoverable() bool {
	return o.Status == StepRecoverableFailure
}

type Verdict string

const (
	VerdictNone      Verdict = ""
	VerdictCompleted Verdict = "completed"
	VerdictAborted   Verdict = "aborted"
)

// TaskState is the run state of one task. It is owned by exactly one
// orchestrator run and never shared across tasks.
type TaskState struct {
	TaskID              uuid.UUID
	Objective           string
	Plan                *Plan
	StepIndex           int
	ConsecutiveFailures int
	Replans             int
	History             []StepOutcome
	StartedAt           time.Time
	Verdict             Verdict
	Reason              string
}

// RecordOutcome appends to the bounded history, dropping the oldest entries
// once the window is full.
func (s *TaskState) RecordOutcome(outcome StepOutcome, window int) {
	s.History = append(s.History, outcome)
	if window > 0 && len(s.History) > window {
		s.History = s.History[len(s.History)-window:]
	}
}

func (s *TaskState) Terminal() bool {
	return s.Verdict != VerdictNone
}

// StepSummary is one line of the operator-facing report.
type StepSummary struct {
	PlanRevision int
	StepIndex    int
	Action       ActionKind
	Status       StepStatus
	Reason       string
}

// TaskReport is what the operator sees once a task reaches a terminal state.
type TaskReport struct {
	TaskID    uuid.UUID
	Objective string
	Verdict   Verdict
	Reason    string
	Replans   int
	Elapsed   time.Duration
	Steps     []StepSummary
}

type ActionStatus string

const (
	ActionSuccess      ActionStatus = "success"
	ActionObstructed   ActionStatus = "obstructed"
	ActionStaleElement ActionStatus = "stale_element"
	ActionError        ActionStatus = "error"
)

// ActionResult is the Action Engine's verdict for one perform call.
type ActionResult struct {
	Status    ActionStatus
	Detail    string
	Transient bool
}
