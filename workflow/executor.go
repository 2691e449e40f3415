package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/careflow/events"
	"github.com/songzhibin97/careflow/resolver"
	"github.com/songzhibin97/careflow/types"
	"go.uber.org/zap"
)

// OutcomeKind enumerates what an executor asks the engine to do next.
type OutcomeKind int

const (
	OutcomeAdvance OutcomeKind = iota + 1
	OutcomePark
	OutcomeDispatch
	OutcomeBranch
	OutcomeTerminate
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAdvance:
		return "advance"
	case OutcomePark:
		return "park"
	case OutcomeDispatch:
		return "dispatch"
	case OutcomeBranch:
		return "branch"
	case OutcomeTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of evaluating one block.
type Outcome struct {
	Kind OutcomeKind

	ToBlockID string                 // advance; empty means the instance is done
	WakeAt    time.Time              // park
	Request   *types.DispatchRequest // dispatch
	Label     string                 // branch

	// Branch details recorded in the instance history.
	Decision *types.Decision
	Excluded []string // entries of the paths not taken
}

// StepInput carries what an executor may read besides the instance itself.
type StepInput struct {
	Template *types.Template
	Now      time.Time
	// Vars is the rendering context: the instance context merged with host variables.
	Vars map[string]interface{}
}

// Executor evaluates one kind of block. Executors never mutate the instance
// and never perform side effects.
type Executor interface {
	Evaluate(ctx context.Context, inst *types.Instance, block types.Block, in StepInput) (Outcome, error)
}

// soleSuccessor returns where an unlabeled step continues from id: the direct
// connection, else the only outgoing connection, else nowhere.
func soleSuccessor(tpl *types.Template, id string) (string, error) {
	if c, ok := tpl.DirectEdge(id); ok {
		return c.To, nil
	}
	out := tpl.Outgoing(id)
	switch len(out) {
	case 0:
		return "", nil
	case 1:
		return out[0].To, nil
	default:
		return "", fmt.Errorf("%w: block %s has %d labeled connections and no label was produced", ErrUnmatchedBranch, id, len(out))
	}
}

// triggerExecutor advances past the trigger that started the instance.
type triggerExecutor struct{}

func (triggerExecutor) Evaluate(_ context.Context, _ *types.Instance, block types.Block, in StepInput) (Outcome, error) {
	next, err := soleSuccessor(in.Template, block.ID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeAdvance, ToBlockID: next}, nil
}

// Match reports whether event starts the given trigger block: the event name
// is listed in triggerEvents and every condition equals the payload field of
// the same name. Numbers compare by value regardless of their Go type.
func Match(block types.Block, event events.Event) bool {
	if block.Kind() != types.KindTrigger {
		return false
	}

	listed := false
	for _, name := range block.Data.TriggerEvents {
		if name == event.Type {
			listed = true
			break
		}
	}
	if !listed {
		return false
	}

	for field, want := range block.Data.Conditions {
		got, ok := resolver.Resolve(field, event.Data)
		if want == nil {
			if ok {
				return false
			}
			continue
		}
		if !ok || !reflect.DeepEqual(normalize(want), normalize(got)) {
			return false
		}
	}
	return true
}

// normalize converts every numeric type to float64.
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return v
}

// waitExecutor parks the instance until the wait has elapsed.
type waitExecutor struct {
	logger *zap.Logger
}

func (w waitExecutor) Evaluate(_ context.Context, inst *types.Instance, block types.Block, in StepInput) (Outcome, error) {
	base := in.Now
	if anchor := block.Data.RelativeTo; anchor != "" {
		if at, ok := inst.Anchors[anchor]; ok {
			base = at
		} else {
			w.logger.Warn("wait anchor missing, waiting relative to park time",
				zap.Uint64("instance_id", inst.ID),
				zap.String("block_id", block.ID),
				zap.String("anchor", anchor),
			)
		}
	}
	return Outcome{Kind: OutcomePark, WakeAt: WakeTime(base, block.Data)}, nil
}

// WakeTime returns base shifted by the wait's signed duration. With
// businessDaysOnly a Saturday or Sunday result moves forward to Monday.
func WakeTime(base time.Time, data types.BlockData) time.Time {
	var at time.Time
	switch data.Unit {
	case types.UnitDays:
		at = base.AddDate(0, 0, data.Duration)
	default:
		at = base.Add(time.Duration(data.Duration) * time.Hour)
	}

	if data.BusinessDaysOnly {
		switch at.Weekday() {
		case time.Saturday:
			at = at.AddDate(0, 0, 2)
		case time.Sunday:
			at = at.AddDate(0, 0, 1)
		}
	}
	return at
}

// conditionExecutor delegates path selection to a Decider.
type conditionExecutor struct {
	decider Decider
	logger  *zap.Logger
}

func (c conditionExecutor) Evaluate(ctx context.Context, inst *types.Instance, block types.Block, in StepInput) (Outcome, error) {
	paths := block.Data.Paths
	if len(paths) == 0 {
		return Outcome{}, fmt.Errorf("%w: condition %s has no paths", ErrUnresolvedCondition, block.ID)
	}

	labels := make([]string, len(paths))
	for i, p := range paths {
		labels[i], _ = in.Template.PathLabel(block.ID, p.NextBlockID)
	}

	req := types.DecisionRequest{
		InstanceID: inst.ID,
		TemplateID: inst.TemplateID,
		BlockID:    block.ID,
		Prompt:     block.Data.Prompt,
		Paths:      paths,
		Labels:     labels,
		Context:    in.Vars,
	}

	decision, err := c.decide(ctx, req)
	if err != nil && !errors.Is(err, ErrUndecided) {
		c.logger.Warn("decider failed, trying default path",
			zap.Uint64("instance_id", inst.ID),
			zap.String("block_id", block.ID),
			zap.Error(err),
		)
	}

	chosen := -1
	if err == nil && decision.Verdict == types.VerdictChosen {
		if decision.PathIndex < 0 || decision.PathIndex >= len(paths) {
			return Outcome{}, fmt.Errorf("%w: condition %s: decider chose path %d of %d",
				ErrUnresolvedCondition, block.ID, decision.PathIndex, len(paths))
		}
		chosen = decision.PathIndex
	} else {
		chosen = defaultPath(paths)
		if chosen < 0 {
			if err != nil {
				return Outcome{}, fmt.Errorf("%w: condition %s: %w", ErrUnresolvedCondition, block.ID, err)
			}
			return Outcome{}, fmt.Errorf("%w: condition %s: %s", ErrUnresolvedCondition, block.ID, decision.Reasoning)
		}
		reasoning := "default path"
		if decision.Reasoning != "" {
			reasoning = decision.Reasoning + "; default path"
		}
		decision = types.Decision{Verdict: types.VerdictEscalate, PathIndex: chosen, Reasoning: reasoning}
	}

	c.logger.Info("condition decided",
		zap.Uint64("instance_id", inst.ID),
		zap.String("template_id", inst.TemplateID),
		zap.String("block_id", block.ID),
		zap.String("verdict", decision.Verdict),
		zap.String("next_block_id", paths[chosen].NextBlockID),
		zap.String("label", labels[chosen]),
		zap.String("reasoning", decision.Reasoning),
		zap.Float64("confidence", decision.Confidence),
	)

	if labels[chosen] == "" {
		return Outcome{}, fmt.Errorf("%w: condition %s path to %s has no conditional connection",
			ErrUnmatchedBranch, block.ID, paths[chosen].NextBlockID)
	}

	var excluded []string
	for i, p := range paths {
		if i != chosen {
			excluded = append(excluded, p.NextBlockID)
		}
	}
	return Outcome{
		Kind:     OutcomeBranch,
		Label:    labels[chosen],
		Decision: &decision,
		Excluded: excluded,
	}, nil
}

func (c conditionExecutor) decide(ctx context.Context, req types.DecisionRequest) (types.Decision, error) {
	if c.decider == nil {
		return types.Decision{}, ErrUndecided
	}
	return c.decider.Decide(ctx, req)
}

// defaultPath returns the path flagged default, else the only path, else -1.
func defaultPath(paths []types.ConditionPath) int {
	for i, p := range paths {
		if p.Default {
			return i
		}
	}
	if len(paths) == 1 {
		return 0
	}
	return -1
}

// requestNamespace scopes dispatch request keys.
var requestNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/songzhibin97/careflow/dispatch"))

// RequestKey returns the stable dispatch key of a block within an instance.
func RequestKey(instanceID uint64, blockID string) string {
	return uuid.NewSHA1(requestNamespace, []byte(fmt.Sprintf("%d/%s", instanceID, blockID))).String()
}

// actionExecutor renders send-message, task and document blocks into
// dispatch requests.
type actionExecutor struct {
	renderer Renderer
}

func (a actionExecutor) Evaluate(_ context.Context, inst *types.Instance, block types.Block, in StepInput) (Outcome, error) {
	render := func(s string) string { return a.renderer.Substitute(s, in.Vars) }

	req := &types.DispatchRequest{
		Kind:       block.Kind(),
		RequestKey: RequestKey(inst.ID, block.ID),
		InstanceID: inst.ID,
		TemplateID: inst.TemplateID,
		BlockID:    block.ID,
		SubjectID:  inst.SubjectID,
	}
	d := block.Data

	switch block.Kind() {
	case types.KindSendMessage:
		req.Message = &types.MessageRequest{
			MessageType: d.MessageType,
			Body:        render(d.Template),
			Channels:    append([]string(nil), d.Channels...),
			Priority:    d.Priority,
		}
	case types.KindTask:
		description := d.Description
		if description == "" {
			description = block.Config.Description
		}
		task := &types.TaskRequest{
			Title:       render(block.Config.Title),
			Description: render(description),
			TaskType:    d.TaskType,
			Assignee:    d.Assignee,
			Priority:    d.Priority,
			DueDate:     d.DueDate,
		}
		if d.DueDate != "" {
			offset, err := types.ParseOffset(d.DueDate)
			if err != nil {
				return Outcome{}, fmt.Errorf("task %s: %w", block.ID, err)
			}
			due := in.Now.Add(offset)
			task.DueAt = &due
		}
		req.Task = task
	case types.KindDocument:
		docs := make([]string, len(d.Documents))
		for i, doc := range d.Documents {
			docs[i] = render(doc)
		}
		req.Document = &types.DocumentRequest{Documents: docs, DeliveryMethod: d.DeliveryMethod}
	default:
		return Outcome{}, fmt.Errorf("block %s of type %s is not an action", block.ID, block.Type)
	}

	return Outcome{Kind: OutcomeDispatch, Request: req}, nil
}
