package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DispatchRequest describes a side effect an action block asks the host to perform.
// Exactly one of Message, Task or Document is set, matching Kind.
type DispatchRequest struct {
	Kind       BlockKind        `json:"kind"`
	RequestKey string           `json:"request_key"` // stable per instance and block
	InstanceID uint64           `json:"instance_id"`
	TemplateID string           `json:"template_id"`
	BlockID    string           `json:"block_id"`
	SubjectID  string           `json:"subject_id"`
	Message    *MessageRequest  `json:"message,omitempty"`
	Task       *TaskRequest     `json:"task,omitempty"`
	Document   *DocumentRequest `json:"document,omitempty"`
}

// MessageRequest is the rendered payload of a send-message block.
type MessageRequest struct {
	MessageType string   `json:"message_type"`
	Body        string   `json:"body"`
	Channels    []string `json:"channels"`
	Priority    string   `json:"priority,omitempty"`
}

// TaskRequest is the rendered payload of a task block.
type TaskRequest struct {
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	TaskType    string     `json:"task_type"`
	Assignee    string     `json:"assignee"`
	Priority    string     `json:"priority,omitempty"`
	DueDate     string     `json:"due_date,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
}

// DocumentRequest is the rendered payload of a document block.
type DocumentRequest struct {
	Documents      []string `json:"documents"`
	DeliveryMethod string   `json:"delivery_method"`
}

var offsetPattern = regexp.MustCompile(`^\+?\s*(\d+)\s*(hour|hours|day|days)$`)

// ParseOffset parses a relative offset such as "+3 days" or "+12 hours".
func ParseOffset(s string) (time.Duration, error) {
	m := offsetPattern.FindStringSubmatch(strings.TrimSpace(strings.ToLower(s)))
	if m == nil {
		return 0, fmt.Errorf("invalid relative offset %q", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid relative offset %q: %w", s, err)
	}
	if strings.HasPrefix(m[2], "day") {
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.Duration(n) * time.Hour, nil
}
