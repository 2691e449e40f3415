package types

import "time"

// InstanceState is the lifecycle state of a workflow instance.
type InstanceState string

const (
	StatePending   InstanceState = "pending"
	StateWaiting   InstanceState = "waiting"
	StateActive    InstanceState = "active"
	StateCompleted InstanceState = "completed"
	StateFailed    InstanceState = "failed"
	StateCancelled InstanceState = "cancelled"
)

// Terminal reports whether no transition can leave the state.
func (s InstanceState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Instance represents one running execution of a template for a subject.
type Instance struct {
	ID             uint64                 `json:"id"`
	TemplateID     string                 `json:"template_id"`
	SubjectID      string                 `json:"subject_id"`
	CurrentBlockID string                 `json:"current_block_id"`
	State          InstanceState          `json:"state"`
	WakeAt         *time.Time             `json:"wake_at,omitempty"` // set iff State == StateWaiting
	Context        map[string]interface{} `json:"context"`
	Anchors        map[string]time.Time   `json:"anchors,omitempty"`
	ExcludedBlocks []string               `json:"excluded_blocks,omitempty"` // entries of paths not taken at the last branch
	History        []BlockExecution       `json:"history,omitempty"`
	Error          string                 `json:"error,omitempty"`
	CreatedAt      int64                  `json:"created_at"`
	UpdatedAt      int64                  `json:"updated_at"`
}

// Excluded reports whether blockID is the entry of a path not taken.
func (i *Instance) Excluded(blockID string) bool {
	for _, id := range i.ExcludedBlocks {
		if id == blockID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no mutable slices or maps with i.
// Context values are copied one level deep.
func (i Instance) Clone() Instance {
	out := i
	if i.WakeAt != nil {
		w := *i.WakeAt
		out.WakeAt = &w
	}
	if i.Context != nil {
		out.Context = make(map[string]interface{}, len(i.Context))
		for k, v := range i.Context {
			out.Context[k] = v
		}
	}
	if i.Anchors != nil {
		out.Anchors = make(map[string]time.Time, len(i.Anchors))
		for k, v := range i.Anchors {
			out.Anchors[k] = v
		}
	}
	out.ExcludedBlocks = append([]string(nil), i.ExcludedBlocks...)
	out.History = append([]BlockExecution(nil), i.History...)
	return out
}

// BlockExecution records one evaluation of a block by an instance.
type BlockExecution struct {
	BlockID    string    `json:"block_id"`
	Kind       BlockKind `json:"kind"`
	Outcome    string    `json:"outcome"`
	Label      string    `json:"label,omitempty"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	RequestKey string    `json:"request_key,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         int64     `json:"at"`
}

// Decision verdicts.
const (
	VerdictChosen   = "chosen"
	VerdictEscalate = "escalate"
)

// DecisionRequest is handed to a decider when a condition block is evaluated.
type DecisionRequest struct {
	InstanceID uint64
	TemplateID string
	BlockID    string
	Prompt     string
	Paths      []ConditionPath
	// Labels holds the connection label of each path, "" when the path has none.
	Labels  []string
	Context map[string]interface{}
}

// Decision is a decider's choice among the paths of a condition block.
type Decision struct {
	Verdict    string  // VerdictChosen or VerdictEscalate
	PathIndex  int     // index into DecisionRequest.Paths when Verdict is VerdictChosen
	Reasoning  string
	Confidence float64
}
