package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/careflow/types"
)

// ErrValidation is wrapped by every ValidationError.
var ErrValidation = errors.New("template validation failed")

// ValidationError lists every problem found in one template.
type ValidationError struct {
	TemplateID string
	Problems   []string
}

func (e *ValidationError) Error() string {
	id := e.TemplateID
	if id == "" {
		id = "<unnamed>"
	}
	return fmt.Sprintf("%s: template %s: %s", ErrValidation, id, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type problems struct {
	list []string
}

func (p *problems) addf(format string, args ...interface{}) {
	p.list = append(p.list, fmt.Sprintf(format, args...))
}

// Validate checks the structural rules a template must satisfy before the
// engine may run it. It returns a *ValidationError carrying every problem.
func Validate(tpl types.Template) error {
	var p problems

	if tpl.ID == "" {
		p.addf("template id is empty")
	}
	if tpl.Type != "" && tpl.Type != types.TemplatePatient && tpl.Type != types.TemplatePractice {
		p.addf("unknown template type %q", tpl.Type)
	}
	if len(tpl.Blocks) == 0 {
		p.addf("template has no blocks")
	}

	blocks := make(map[string]types.Block, len(tpl.Blocks))
	for _, b := range tpl.Blocks {
		if b.ID == "" {
			p.addf("block with empty id")
			continue
		}
		if _, dup := blocks[b.ID]; dup {
			p.addf("duplicate block id %s", b.ID)
			continue
		}
		blocks[b.ID] = b
	}

	incoming := make(map[string]int)
	directs := make(map[string]int)
	labels := make(map[string]map[string]bool)
	for i, c := range tpl.Connections {
		if _, ok := blocks[c.From]; !ok {
			p.addf("connection %d references unknown block %q", i, c.From)
		}
		if _, ok := blocks[c.To]; !ok {
			p.addf("connection %d references unknown block %q", i, c.To)
		}
		incoming[c.To]++

		switch c.Type {
		case types.ConnectionDirect:
			directs[c.From]++
			if directs[c.From] == 2 {
				p.addf("block %s has more than one direct connection", c.From)
			}
		case types.ConnectionConditional, types.ConnectionStatus:
			if c.Condition == "" {
				p.addf("%s connection %s -> %s has no condition label", c.Type, c.From, c.To)
				continue
			}
			if labels[c.From] == nil {
				labels[c.From] = make(map[string]bool)
			}
			if labels[c.From][c.Condition] {
				p.addf("block %s has duplicate connection label %q", c.From, c.Condition)
			}
			labels[c.From][c.Condition] = true
		default:
			p.addf("connection %s -> %s has unknown type %q", c.From, c.To, c.Type)
		}
	}

	triggers := 0
	for _, b := range tpl.Blocks {
		if b.ID == "" {
			continue
		}
		outgoing := tpl.Outgoing(b.ID)

		switch b.Kind() {
		case types.KindTrigger:
			triggers++
			if len(b.Data.TriggerEvents) == 0 {
				p.addf("trigger %s has no trigger events", b.ID)
			}
			if incoming[b.ID] > 0 {
				p.addf("trigger %s has incoming connections", b.ID)
			}
			if len(outgoing) == 0 {
				p.addf("trigger %s has no outgoing connection", b.ID)
			}
		case types.KindWait:
			if b.Data.Unit != types.UnitHours && b.Data.Unit != types.UnitDays {
				p.addf("wait %s has unknown unit %q", b.ID, b.Data.Unit)
			}
			if len(outgoing) == 0 {
				p.addf("wait %s has no outgoing connection", b.ID)
			}
		case types.KindCondition:
			validateCondition(&p, &tpl, b, blocks)
		case types.KindTask:
			if b.Data.DueDate != "" {
				if _, err := types.ParseOffset(b.Data.DueDate); err != nil {
					p.addf("task %s: %v", b.ID, err)
				}
			}
		case types.KindSendMessage, types.KindDocument:
		default:
			p.addf("block %s has unknown type %q", b.ID, b.Type)
		}

		if b.Data.MaxRetries < 0 {
			p.addf("block %s has negative maxRetries", b.ID)
		}
	}
	if len(tpl.Blocks) > 0 && triggers == 0 {
		p.addf("template has no trigger block")
	}

	if len(p.list) > 0 {
		return &ValidationError{TemplateID: tpl.ID, Problems: p.list}
	}
	return nil
}

func validateCondition(p *problems, tpl *types.Template, b types.Block, blocks map[string]types.Block) {
	if len(b.Data.Paths) == 0 {
		p.addf("condition %s has no paths", b.ID)
		return
	}

	reachable := reachableFrom(tpl, b.ID)
	targets := make(map[string]bool, len(b.Data.Paths))
	defaults := 0
	for _, path := range b.Data.Paths {
		if path.Default {
			defaults++
		}
		if targets[path.NextBlockID] {
			p.addf("condition %s has duplicate path to %s", b.ID, path.NextBlockID)
		}
		targets[path.NextBlockID] = true

		if _, ok := blocks[path.NextBlockID]; !ok {
			p.addf("condition %s path references unknown block %q", b.ID, path.NextBlockID)
			continue
		}
		if !reachable[path.NextBlockID] {
			p.addf("condition %s path to %s is unreachable", b.ID, path.NextBlockID)
		}
	}
	if defaults > 1 {
		p.addf("condition %s has more than one default path", b.ID)
	}

	for _, c := range tpl.Outgoing(b.ID) {
		if c.Type == types.ConnectionConditional && !targets[c.To] {
			p.addf("condition %s label %q leads to %s which is not one of its paths", b.ID, c.Condition, c.To)
		}
	}
}

// reachableFrom returns every block reachable from id along any connection.
func reachableFrom(tpl *types.Template, id string) map[string]bool {
	seen := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range tpl.Outgoing(cur) {
			if !seen[c.To] {
				seen[c.To] = true
				queue = append(queue, c.To)
			}
		}
	}
	return seen
}
