package types

import "strings"

// TemplateType distinguishes workflows run per patient from workflows run for the practice.
type TemplateType string

const (
	TemplatePatient  TemplateType = "patient"
	TemplatePractice TemplateType = "practice"
)

// BlockKind is the normalized kind of a block.
type BlockKind string

const (
	KindTrigger     BlockKind = "trigger"
	KindWait        BlockKind = "wait"
	KindCondition   BlockKind = "condition"
	KindSendMessage BlockKind = "send-message"
	KindTask        BlockKind = "task"
	KindDocument    BlockKind = "document"
)

// IsAction reports whether blocks of this kind produce a dispatch request.
func (k BlockKind) IsAction() bool {
	return k == KindSendMessage || k == KindTask || k == KindDocument
}

// ConnectionType is the type of an edge between two blocks.
type ConnectionType string

const (
	ConnectionDirect      ConnectionType = "direct"
	ConnectionConditional ConnectionType = "conditional"
	ConnectionStatus      ConnectionType = "status-based"
)

// Wait units.
const (
	UnitHours = "hours"
	UnitDays  = "days"
)

// Template defines the structure of a workflow template.
type Template struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Type        TemplateType           `json:"type" yaml:"type"`
	Rating      float64                `json:"rating,omitempty" yaml:"rating,omitempty"`
	Category    string                 `json:"category,omitempty" yaml:"category,omitempty"`
	Tags        []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	Blocks      []Block                `json:"blocks" yaml:"blocks"`
	Connections []Connection           `json:"connections" yaml:"connections"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Block is a typed node in a template.
type Block struct {
	ID     string      `json:"id" yaml:"id"`
	Type   string      `json:"type" yaml:"type"` // "trigger-*", "wait", "condition", "send-message", "task", "document"
	Config BlockConfig `json:"config" yaml:"config"`
	Data   BlockData   `json:"data" yaml:"data"`
}

// Kind returns the normalized block kind. Every "trigger-*" type is a trigger.
func (b Block) Kind() BlockKind {
	if strings.HasPrefix(b.Type, string(KindTrigger)) {
		return KindTrigger
	}
	return BlockKind(b.Type)
}

// BlockConfig holds display settings. It is inert to execution.
type BlockConfig struct {
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Icon        string `json:"icon,omitempty" yaml:"icon,omitempty"`
	Color       string `json:"color,omitempty" yaml:"color,omitempty"`
}

// BlockData carries the kind-specific fields of a block. Only the fields of
// the block's own kind are meaningful.
type BlockData struct {
	// trigger
	TriggerEvents []string               `json:"triggerEvents,omitempty" yaml:"triggerEvents,omitempty"`
	Conditions    map[string]interface{} `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// wait
	Duration         int    `json:"duration,omitempty" yaml:"duration,omitempty"`
	Unit             string `json:"unit,omitempty" yaml:"unit,omitempty"`
	RelativeTo       string `json:"relativeTo,omitempty" yaml:"relativeTo,omitempty"`
	BusinessDaysOnly bool   `json:"businessDaysOnly,omitempty" yaml:"businessDaysOnly,omitempty"`

	// condition
	Prompt string          `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Paths  []ConditionPath `json:"paths,omitempty" yaml:"paths,omitempty"`

	// send-message
	MessageType string   `json:"messageType,omitempty" yaml:"messageType,omitempty"`
	Template    string   `json:"template,omitempty" yaml:"template,omitempty"`
	Channels    []string `json:"channels,omitempty" yaml:"channels,omitempty"`
	Priority    string   `json:"priority,omitempty" yaml:"priority,omitempty"`

	// task
	TaskType    string `json:"taskType,omitempty" yaml:"taskType,omitempty"`
	Assignee    string `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	DueDate     string `json:"dueDate,omitempty" yaml:"dueDate,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// document
	Documents      []string `json:"documents,omitempty" yaml:"documents,omitempty"`
	DeliveryMethod string   `json:"deliveryMethod,omitempty" yaml:"deliveryMethod,omitempty"`

	// MaxRetries overrides the engine dispatch retry limit for action blocks.
	MaxRetries int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

// ConditionPath is one branch of a condition block. A path is identified by NextBlockID.
type ConditionPath struct {
	Prompt      string `json:"prompt" yaml:"prompt"`
	NextBlockID string `json:"nextBlockId" yaml:"nextBlockId"`
	Default     bool   `json:"default,omitempty" yaml:"default,omitempty"`
}

// Connection is a directed edge between two blocks.
type Connection struct {
	From      string         `json:"from" yaml:"from"`
	To        string         `json:"to" yaml:"to"`
	Type      ConnectionType `json:"type" yaml:"type"`
	Condition string         `json:"condition,omitempty" yaml:"condition,omitempty"` // label for conditional and status-based edges
}

// Block returns the block with the given id.
func (t *Template) Block(id string) (Block, bool) {
	for _, b := range t.Blocks {
		if b.ID == id {
			return b, true
		}
	}
	return Block{}, false
}

// Outgoing returns the connections leaving the given block, in template order.
func (t *Template) Outgoing(id string) []Connection {
	var out []Connection
	for _, c := range t.Connections {
		if c.From == id {
			out = append(out, c)
		}
	}
	return out
}

// DirectEdge returns the single direct connection leaving the given block.
func (t *Template) DirectEdge(id string) (Connection, bool) {
	for _, c := range t.Connections {
		if c.From == id && c.Type == ConnectionDirect {
			return c, true
		}
	}
	return Connection{}, false
}

// LabeledEdge returns the conditional or status-based connection leaving the
// given block whose label equals label.
func (t *Template) LabeledEdge(id, label string) (Connection, bool) {
	for _, c := range t.Connections {
		if c.From == id && c.Type != ConnectionDirect && c.Condition == label {
			return c, true
		}
	}
	return Connection{}, false
}

// PathLabel returns the label of the conditional connection from the
// condition block id to nextBlockID.
func (t *Template) PathLabel(id, nextBlockID string) (string, bool) {
	for _, c := range t.Connections {
		if c.From == id && c.To == nextBlockID && c.Type == ConnectionConditional {
			return c.Condition, true
		}
	}
	return "", false
}

// Triggers returns the trigger blocks of the template.
func (t *Template) Triggers() []Block {
	var out []Block
	for _, b := range t.Blocks {
		if b.Kind() == KindTrigger {
			out = append(out, b)
		}
	}
	return out
}

// TriggerEvents returns every event name referenced by the template's triggers.
func (t *Template) TriggerEvents() []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range t.Triggers() {
		for _, name := range b.Data.TriggerEvents {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}
