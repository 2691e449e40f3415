package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/songzhibin97/careflow/catalog"
	"github.com/songzhibin97/careflow/events"
	"github.com/songzhibin97/careflow/resolver"
	"github.com/songzhibin97/careflow/storage"
	"github.com/songzhibin97/careflow/types"
	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// Lifecycle event types published on the engine bus.
	EventInstanceStarted  = "instance_started"
	EventStateChanged     = "state_changed"
	EventConditionDecided = "condition_decided"
	EventDispatched       = "dispatched"
	EventDispatchFailed   = "dispatch_failed"
	EventErrorOccurred    = "error_occurred"

	// History outcomes besides the executor outcomes.
	historyResume = "resume"
	historyError  = "error"

	// MaxSteps bounds the blocks one activation may evaluate.
	MaxSteps = 100

	cancelAttempts = 8

	tracerName = "github.com/songzhibin97/careflow/workflow"
)

// Engine drives workflow instances through their templates.
type Engine struct {
	templates       map[string]types.Template
	dispatchers     map[types.BlockKind]Dispatcher
	executors       map[types.BlockKind]Executor
	storage         storage.Storage
	eventBus        *events.EventBus
	attached        []*attachment
	generate        generator.Generator
	decider         Decider
	renderer        Renderer
	contextProvider ContextProvider
	now             func() time.Time
	logger          *zap.Logger
	tracer          trace.Tracer
	limiter         *rate.Limiter
	mu              sync.RWMutex

	defaultMaxRetries int
	retryBaseDelay    time.Duration
	retryMaxDelay     time.Duration
	workers           int
	sweepLimit        int

	locks instanceLocks

	customErrorHandler func(ctx context.Context, inst *types.Instance, err error) error
}

type attachment struct {
	bus   *events.EventBus
	names map[string]bool
}

// NewEngine creates an Engine with the given id generator and storage.
// A nil storage defaults to an in-memory store.
func NewEngine(generate generator.Generator, store storage.Storage, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		templates:         make(map[string]types.Template),
		dispatchers:       make(map[types.BlockKind]Dispatcher),
		storage:           store,
		generate:          generate,
		renderer:          resolver.Renderer{},
		now:               time.Now,
		logger:            zap.NewNop(),
		tracer:            otel.Tracer(tracerName),
		defaultMaxRetries: 3,
		retryBaseDelay:    time.Second,
		retryMaxDelay:     30 * time.Second,
		workers:           8,
		locks:             instanceLocks{locks: make(map[uint64]*lockEntry)},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
	e.executors = map[types.BlockKind]Executor{
		types.KindTrigger:     triggerExecutor{},
		types.KindWait:        waitExecutor{logger: e.logger},
		types.KindCondition:   conditionExecutor{decider: e.decider, logger: e.logger},
		types.KindSendMessage: actionExecutor{renderer: e.renderer},
		types.KindTask:        actionExecutor{renderer: e.renderer},
		types.KindDocument:    actionExecutor{renderer: e.renderer},
	}
	return e, nil
}

// SubscribeEvent subscribes a handler to an engine lifecycle event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) events.SubscriptionID {
	return e.eventBus.Subscribe(eventType, handler)
}

// SetErrorHandler sets a handler notified of every instance failure.
func (e *Engine) SetErrorHandler(handler func(ctx context.Context, inst *types.Instance, err error) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.customErrorHandler = handler
}

// RegisterDispatcher registers the collaborator for one action kind.
func (e *Engine) RegisterDispatcher(kind types.BlockKind, d Dispatcher) error {
	if !kind.IsAction() {
		return fmt.Errorf("cannot register a dispatcher for %q blocks", kind)
	}
	if d == nil {
		return errors.New("dispatcher is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatchers[kind] = d
	return nil
}

// LoadTemplate validates, persists and caches a template. Templates are
// immutable once loaded; loading the same id again replaces the definition
// for instances started afterwards.
func (e *Engine) LoadTemplate(ctx context.Context, tpl types.Template) error {
	if err := catalog.Validate(tpl); err != nil {
		return err
	}
	if err := e.storage.SaveTemplate(ctx, tpl); err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[tpl.ID] = tpl
	for _, a := range e.attached {
		e.subscribeLocked(a, tpl)
	}
	return nil
}

// Restore caches every template already held by storage.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	tpls, err := e.storage.ListTemplates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list templates: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tpl := range tpls {
		e.templates[tpl.ID] = tpl
		for _, a := range e.attached {
			e.subscribeLocked(a, tpl)
		}
	}
	return len(tpls), nil
}

// Templates returns the loaded templates ordered by id.
func (e *Engine) Templates() []types.Template {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Template, 0, len(e.templates))
	for _, tpl := range e.templates {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Attach subscribes the engine to every trigger event name of the loaded
// templates, and of templates loaded later.
func (e *Engine) Attach(bus *events.EventBus) {
	a := &attachment{bus: bus, names: make(map[string]bool)}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.attached = append(e.attached, a)
	for _, tpl := range e.templates {
		e.subscribeLocked(a, tpl)
	}
}

func (e *Engine) subscribeLocked(a *attachment, tpl types.Template) {
	for _, name := range tpl.TriggerEvents() {
		if a.names[name] {
			continue
		}
		a.names[name] = true
		a.bus.SubscribeFunc(name, func(ctx context.Context, ev events.Event) error {
			_, err := e.HandleEvent(ctx, ev)
			return err
		})
	}
}

// template retrieves a template by id, checking the cache first then storage.
func (e *Engine) template(ctx context.Context, id string) (types.Template, error) {
	e.mu.RLock()
	tpl, ok := e.templates[id]
	e.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	tpl, err := e.storage.GetTemplate(ctx, id)
	if errors.Is(err, storage.ErrTemplateNotFound) {
		return types.Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	} else if err != nil {
		return types.Template{}, fmt.Errorf("failed to get template: %w", err)
	}

	e.mu.Lock()
	e.templates[tpl.ID] = tpl
	e.mu.Unlock()
	return tpl, nil
}

// HandleEvent starts an instance for every trigger block the event matches,
// in template id order, and runs each until it parks or finishes. It returns
// the ids of the started instances.
func (e *Engine) HandleEvent(ctx context.Context, ev events.Event) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}

	var (
		ids  []uint64
		errs []error
	)
	for _, tpl := range e.Templates() {
		for _, trigger := range tpl.Triggers() {
			if !Match(trigger, ev) {
				continue
			}
			id, err := e.start(ctx, tpl, trigger, ev)
			if id != 0 {
				ids = append(ids, id)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("template %s: %w", tpl.ID, err))
			}
		}
	}
	return ids, errors.Join(errs...)
}

func (e *Engine) start(ctx context.Context, tpl types.Template, trigger types.Block, ev events.Event) (uint64, error) {
	id, err := e.generate.NextID()
	if err != nil {
		return 0, fmt.Errorf("failed to generate ID: %w", err)
	}

	unlock := e.locks.lock(id)
	defer unlock()

	now := e.now()
	anchors := captureAnchors(&tpl, ev.Data, e.logger)
	inst := types.Instance{
		ID:             id,
		TemplateID:     tpl.ID,
		SubjectID:      ev.SubjectID,
		CurrentBlockID: trigger.ID,
		State:          types.StatePending,
		Context:        newInstanceContext(ev, anchors),
		Anchors:        anchors,
		CreatedAt:      now.UnixMilli(),
		UpdatedAt:      now.UnixMilli(),
	}
	if err := e.saveInstance(ctx, &inst); err != nil {
		return 0, err
	}
	e.logger.Info("instance started",
		zap.Uint64("instance_id", id),
		zap.String("template_id", tpl.ID),
		zap.String("event", ev.Type),
		zap.String("subject_id", ev.SubjectID),
	)
	e.publishEvent(ctx, EventInstanceStarted, &inst, map[string]interface{}{
		"template_id": tpl.ID,
		"block_id":    trigger.ID,
		"event":       ev.Type,
	})

	active, ok, err := e.storage.CompareAndSwapState(context.WithoutCancel(ctx), id,
		[]types.InstanceState{types.StatePending}, types.StateActive)
	if err != nil {
		return id, fmt.Errorf("failed to activate instance %d: %w", id, err)
	}
	if !ok {
		return id, nil
	}
	e.publishStateChanged(ctx, &active)
	return id, e.run(ctx, &active, &tpl)
}

// WakeSweep activates every waiting instance whose wake time has passed,
// using up to the configured number of workers. It returns how many
// instances this call activated.
func (e *Engine) WakeSweep(ctx context.Context) (int, error) {
	due, err := e.storage.ListDue(ctx, e.now(), e.sweepLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due instances: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var (
		g     errgroup.Group
		woken atomic.Int64
	)
	g.SetLimit(e.workers)
	for _, inst := range due {
		id := inst.ID
		g.Go(func() error {
			ok, err := e.activate(ctx, id)
			if ok {
				woken.Add(1)
			}
			return err
		})
	}
	err = g.Wait()
	return int(woken.Load()), err
}

// Wake activates a waiting instance now, before its wake time. It reports
// false when the instance was not waiting, e.g. because a sweep won the race.
func (e *Engine) Wake(ctx context.Context, id uint64) (bool, error) {
	return e.activate(ctx, id)
}

func (e *Engine) activate(ctx context.Context, id uint64) (bool, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	inst, ok, err := e.storage.CompareAndSwapState(ctx, id,
		[]types.InstanceState{types.StateWaiting}, types.StateActive)
	if err != nil {
		return false, e.lookupErr(err, id)
	}
	if !ok {
		return false, nil
	}
	e.publishStateChanged(ctx, &inst)

	tpl, err := e.template(ctx, inst.TemplateID)
	if err != nil {
		return true, e.fail(ctx, &inst, err)
	}
	return true, e.run(ctx, &inst, &tpl)
}

// Run sweeps for due instances every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := e.WakeSweep(ctx)
			if err != nil && ctx.Err() == nil {
				e.logger.Error("wake sweep failed", zap.Error(err))
			}
			if n > 0 {
				e.logger.Debug("wake sweep activated instances", zap.Int("count", n))
			}
		}
	}
}

// Cancel stops an instance. Pending and waiting instances are cancelled at
// once. For an active instance a cancel request is stored, and whichever
// engine runs the instance stops it at the next step boundary.
func (e *Engine) Cancel(ctx context.Context, id uint64) error {
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		inst, ok, err := e.storage.CompareAndSwapState(ctx, id,
			[]types.InstanceState{types.StatePending, types.StateWaiting}, types.StateCancelled)
		if err != nil {
			return e.lookupErr(err, id)
		}
		if ok {
			e.logger.Info("instance cancelled", zap.Uint64("instance_id", id))
			e.publishStateChanged(ctx, &inst)
			return nil
		}
		if inst.State.Terminal() {
			return fmt.Errorf("%w: instance %d is %s", ErrInstanceTerminal, id, inst.State)
		}

		state, requested, err := e.storage.RequestCancel(ctx, id)
		if err != nil {
			return e.lookupErr(err, id)
		}
		if requested {
			e.logger.Info("cancel requested for active instance", zap.Uint64("instance_id", id))
			return nil
		}
		if state.Terminal() {
			return fmt.Errorf("%w: instance %d is %s", ErrInstanceTerminal, id, state)
		}
		// the activation parked between the two checks
	}
	return fmt.Errorf("cannot cancel instance %d: state keeps changing", id)
}

// cancelRequested reports whether a cancel request is stored for the
// instance. A failed lookup counts as no request.
func (e *Engine) cancelRequested(ctx context.Context, id uint64) bool {
	requested, err := e.storage.CancelRequested(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("failed to check cancel request", zap.Uint64("instance_id", id), zap.Error(err))
		}
		return false
	}
	return requested
}

// GetInstance retrieves a workflow instance by ID.
func (e *Engine) GetInstance(ctx context.Context, id uint64) (*types.Instance, error) {
	inst, err := e.storage.GetInstance(ctx, id)
	if err != nil {
		return nil, e.lookupErr(err, id)
	}
	return &inst, nil
}

// ClearTerminal purges completed, failed and cancelled instances from storage.
func (e *Engine) ClearTerminal(ctx context.Context) (int, error) {
	return e.storage.ClearTerminal(ctx)
}

// Stop stops the lifecycle event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}

func (e *Engine) lookupErr(err error, id uint64) error {
	if errors.Is(err, storage.ErrInstanceNotFound) {
		return fmt.Errorf("%w: %d", ErrInstanceNotFound, id)
	}
	return err
}

// run is the step loop of one activation. The caller holds the instance
// lock and inst is active.
func (e *Engine) run(ctx context.Context, inst *types.Instance, tpl *types.Template) error {
	if inst.State.Terminal() {
		panic(fmt.Sprintf("workflow: step on terminal instance %d (%s)", inst.ID, inst.State))
	}

	ctx, span := e.tracer.Start(ctx, "workflow.activate", trace.WithAttributes(
		attribute.Int64("careflow.instance_id", int64(inst.ID)),
		attribute.String("careflow.template_id", inst.TemplateID),
		attribute.String("careflow.block_id", inst.CurrentBlockID),
	))
	defer span.End()

	vars := e.variables(ctx, inst)
	// step results are persisted even when ctx ends mid-step
	persistCtx := context.WithoutCancel(ctx)

	for steps := 0; ; steps++ {
		if steps >= MaxSteps {
			return e.fail(ctx, inst, fmt.Errorf("%w: %d blocks in one activation", ErrStepLimit, MaxSteps))
		}
		if e.cancelRequested(ctx, inst.ID) {
			return e.finish(ctx, inst, types.StateCancelled)
		}
		if ctx.Err() != nil {
			return e.suspend(ctx, inst)
		}

		block, ok := tpl.Block(inst.CurrentBlockID)
		if !ok {
			return e.fail(ctx, inst, fmt.Errorf("%w: %s in template %s", ErrBlockNotFound, inst.CurrentBlockID, tpl.ID))
		}
		now := e.now()

		if block.Kind() == types.KindWait && parkedAt(inst, block.ID) {
			next, err := soleSuccessor(tpl, block.ID)
			if err != nil {
				return e.fail(ctx, inst, err)
			}
			e.record(inst, block, types.BlockExecution{Outcome: historyResume}, now)
			if e.moveTo(inst, next) {
				return e.finish(ctx, inst, types.StateCompleted)
			}
			if err := e.saveInstance(persistCtx, inst); err != nil {
				return err
			}
			continue
		}

		exec, ok := e.executors[block.Kind()]
		if !ok {
			return e.fail(ctx, inst, fmt.Errorf("no executor for block %s of type %s", block.ID, block.Type))
		}
		out, err := exec.Evaluate(ctx, inst, block, StepInput{Template: tpl, Now: now, Vars: vars})
		if err != nil {
			return e.fail(ctx, inst, err)
		}

		var next string
		switch out.Kind {
		case OutcomeAdvance:
			next = out.ToBlockID
			e.record(inst, block, types.BlockExecution{Outcome: out.Kind.String()}, now)

		case OutcomePark:
			return e.park(ctx, inst, block, out.WakeAt)

		case OutcomeTerminate:
			e.record(inst, block, types.BlockExecution{Outcome: out.Kind.String()}, now)
			return e.finish(ctx, inst, types.StateCompleted)

		case OutcomeBranch:
			c, ok := tpl.LabeledEdge(block.ID, out.Label)
			if !ok || c.Type != types.ConnectionConditional {
				return e.fail(ctx, inst, fmt.Errorf("%w: block %s label %q", ErrUnmatchedBranch, block.ID, out.Label))
			}
			rec := types.BlockExecution{Outcome: out.Kind.String(), Label: out.Label}
			if out.Decision != nil {
				rec.Reasoning = out.Decision.Reasoning
				rec.Confidence = out.Decision.Confidence
				e.publishEvent(ctx, EventConditionDecided, inst, map[string]interface{}{
					"template_id": inst.TemplateID,
					"block_id":    block.ID,
					"verdict":     out.Decision.Verdict,
					"label":       out.Label,
				})
			}
			e.record(inst, block, rec, now)
			inst.ExcludedBlocks = out.Excluded
			next = c.To

		case OutcomeDispatch:
			res, err := e.dispatch(ctx, inst, block, *out.Request)
			if err != nil {
				if ctx.Err() != nil && isContextErr(err) {
					return e.suspend(ctx, inst)
				}
				return e.fail(ctx, inst, err)
			}
			next, err = nextAfterDispatch(tpl, block.ID, res)
			if err != nil {
				return e.fail(ctx, inst, err)
			}
			e.record(inst, block, types.BlockExecution{
				Outcome:    out.Kind.String(),
				Label:      res.Outcome,
				RequestKey: out.Request.RequestKey,
			}, now)

		default:
			panic(fmt.Sprintf("workflow: executor for %s returned %s", block.Type, out.Kind))
		}

		if e.moveTo(inst, next) {
			return e.finish(ctx, inst, types.StateCompleted)
		}
		if err := e.saveInstance(persistCtx, inst); err != nil {
			return err
		}
	}
}

// moveTo points inst at next and reports whether the instance is done: there
// is no next block, or next begins a path the last branch did not take.
func (e *Engine) moveTo(inst *types.Instance, next string) bool {
	if next == "" {
		return true
	}
	if inst.Excluded(next) {
		e.logger.Debug("path ends where a sibling path begins",
			zap.Uint64("instance_id", inst.ID),
			zap.String("block_id", next),
		)
		return true
	}
	inst.CurrentBlockID = next
	return false
}

// nextAfterDispatch picks the connection to follow after an acknowledged dispatch.
func nextAfterDispatch(tpl *types.Template, id string, res DispatchResult) (string, error) {
	if res.Outcome == "" {
		return soleSuccessor(tpl, id)
	}
	if c, ok := tpl.LabeledEdge(id, res.Outcome); ok {
		return c.To, nil
	}
	if c, ok := tpl.DirectEdge(id); ok {
		return c.To, nil
	}
	if len(tpl.Outgoing(id)) == 0 {
		return "", nil
	}
	return "", fmt.Errorf("%w: block %s outcome %q", ErrUnmatchedBranch, id, res.Outcome)
}

func parkedAt(inst *types.Instance, blockID string) bool {
	n := len(inst.History)
	return n > 0 && inst.History[n-1].BlockID == blockID && inst.History[n-1].Outcome == OutcomePark.String()
}

func (e *Engine) park(ctx context.Context, inst *types.Instance, block types.Block, wakeAt time.Time) error {
	if e.cancelRequested(ctx, inst.ID) {
		return e.finish(ctx, inst, types.StateCancelled)
	}

	now := e.now()
	e.record(inst, block, types.BlockExecution{Outcome: OutcomePark.String()}, now)
	inst.State = types.StateWaiting
	inst.WakeAt = &wakeAt
	inst.UpdatedAt = now.UnixMilli()
	persistCtx := context.WithoutCancel(ctx)
	if err := e.saveInstance(persistCtx, inst); err != nil {
		return err
	}
	if e.cancelRequested(persistCtx, inst.ID) {
		// requested while the instance was being parked
		cancelled, ok, err := e.storage.CompareAndSwapState(persistCtx, inst.ID,
			[]types.InstanceState{types.StateWaiting}, types.StateCancelled)
		if err == nil && ok {
			*inst = cancelled
			e.logger.Info("instance cancelled", zap.Uint64("instance_id", inst.ID))
			e.publishStateChanged(ctx, inst)
			return nil
		}
	}

	e.logger.Info("instance parked",
		zap.Uint64("instance_id", inst.ID),
		zap.String("block_id", block.ID),
		zap.Time("wake_at", wakeAt),
	)
	e.publishStateChanged(ctx, inst)
	return nil
}

// suspend parks an interrupted activation so a later sweep resumes it at the
// current block.
func (e *Engine) suspend(ctx context.Context, inst *types.Instance) error {
	persistCtx := context.WithoutCancel(ctx)
	now := e.now()
	inst.State = types.StateWaiting
	inst.WakeAt = &now
	inst.UpdatedAt = now.UnixMilli()
	if err := e.saveInstance(persistCtx, inst); err != nil {
		return err
	}
	e.logger.Warn("activation interrupted, instance re-queued",
		zap.Uint64("instance_id", inst.ID),
		zap.String("block_id", inst.CurrentBlockID),
		zap.Error(ctx.Err()),
	)
	e.publishStateChanged(persistCtx, inst)
	return ctx.Err()
}

// finish moves the instance to a terminal state. Storage drops any pending
// cancel request with the save.
func (e *Engine) finish(ctx context.Context, inst *types.Instance, state types.InstanceState) error {
	inst.State = state
	inst.WakeAt = nil
	inst.UpdatedAt = e.now().UnixMilli()
	if err := e.saveInstance(context.WithoutCancel(ctx), inst); err != nil {
		return err
	}

	e.logger.Info("instance finished",
		zap.Uint64("instance_id", inst.ID),
		zap.String("template_id", inst.TemplateID),
		zap.String("state", string(state)),
	)
	e.publishStateChanged(ctx, inst)
	return nil
}

// fail moves the instance to failed, records the error and notifies the
// host. It returns an error only when the failure could not be persisted.
func (e *Engine) fail(ctx context.Context, inst *types.Instance, err error) error {
	trace.SpanFromContext(ctx).RecordError(err)
	trace.SpanFromContext(ctx).SetStatus(codes.Error, err.Error())

	if block, ok := e.currentBlock(ctx, inst); ok {
		e.record(inst, block, types.BlockExecution{Outcome: historyError, Error: err.Error()}, e.now())
	}
	inst.Error = err.Error()
	if saveErr := e.finish(context.WithoutCancel(ctx), inst, types.StateFailed); saveErr != nil {
		return fmt.Errorf("original error: %v, failed to save error state: %w", err, saveErr)
	}

	e.logger.Error("instance failed",
		zap.Uint64("instance_id", inst.ID),
		zap.String("template_id", inst.TemplateID),
		zap.String("block_id", inst.CurrentBlockID),
		zap.Error(err),
	)
	e.publishEvent(ctx, EventErrorOccurred, inst, map[string]interface{}{
		"template_id": inst.TemplateID,
		"block_id":    inst.CurrentBlockID,
		"state":       string(inst.State),
		"error":       err.Error(),
	})

	e.mu.RLock()
	handler := e.customErrorHandler
	e.mu.RUnlock()
	if handler != nil {
		if herr := handler(ctx, inst, err); herr != nil {
			e.logger.Error("error handler failed", zap.Uint64("instance_id", inst.ID), zap.Error(herr))
		}
	}
	return nil
}

func (e *Engine) currentBlock(ctx context.Context, inst *types.Instance) (types.Block, bool) {
	tpl, err := e.template(ctx, inst.TemplateID)
	if err != nil {
		return types.Block{}, false
	}
	return tpl.Block(inst.CurrentBlockID)
}

func (e *Engine) record(inst *types.Instance, block types.Block, rec types.BlockExecution, at time.Time) {
	rec.BlockID = block.ID
	rec.Kind = block.Kind()
	rec.At = at.UnixMilli()
	inst.History = append(inst.History, rec)
	inst.UpdatedAt = at.UnixMilli()
}

// saveInstance persists the instance.
func (e *Engine) saveInstance(ctx context.Context, inst *types.Instance) error {
	if err := e.storage.SaveInstance(ctx, *inst); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

// variables builds the rendering context of an activation.
func (e *Engine) variables(ctx context.Context, inst *types.Instance) map[string]interface{} {
	vars := make(map[string]interface{}, len(inst.Context))
	for k, v := range inst.Context {
		vars[k] = v
	}
	if e.contextProvider == nil {
		return vars
	}

	host, err := e.contextProvider.Variables(ctx, *inst)
	if err != nil {
		e.logger.Warn("context provider failed, rendering with instance context only",
			zap.Uint64("instance_id", inst.ID),
			zap.Error(err),
		)
		return vars
	}
	for k, v := range host {
		vars[k] = v
	}
	return vars
}

// dispatch hands a request to its dispatcher, retrying with exponential
// backoff. A request key already acknowledged is not sent again.
func (e *Engine) dispatch(ctx context.Context, inst *types.Instance, block types.Block, req types.DispatchRequest) (DispatchResult, error) {
	outcome, found, err := e.storage.LookupDispatch(ctx, req.RequestKey)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("failed to look up dispatch %s: %w", req.RequestKey, err)
	}
	if found {
		e.logger.Info("dispatch already acknowledged, not resending",
			zap.Uint64("instance_id", inst.ID),
			zap.String("block_id", block.ID),
			zap.String("request_key", req.RequestKey),
		)
		return DispatchResult{Outcome: outcome}, nil
	}

	e.mu.RLock()
	d, ok := e.dispatchers[req.Kind]
	e.mu.RUnlock()
	if !ok {
		return DispatchResult{}, fmt.Errorf("%w: %s", ErrDispatcherNotRegistered, req.Kind)
	}

	maxRetries := e.defaultMaxRetries
	if block.Data.MaxRetries > 0 {
		maxRetries = block.Data.MaxRetries
	}
	delay := e.retryBaseDelay

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ { // 1 initial attempt + maxRetries
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return DispatchResult{}, err
			}
		}

		res, err := d.Dispatch(ctx, req)
		if err == nil {
			if recErr := e.storage.RecordDispatch(context.WithoutCancel(ctx), req.RequestKey, res.Outcome); recErr != nil {
				e.logger.Error("failed to record dispatch",
					zap.String("request_key", req.RequestKey),
					zap.Error(recErr),
				)
			}
			e.logger.Info("dispatched",
				zap.Uint64("instance_id", inst.ID),
				zap.String("block_id", block.ID),
				zap.String("kind", string(req.Kind)),
				zap.String("request_key", req.RequestKey),
				zap.String("outcome", res.Outcome),
				zap.Int("attempts", attempt+1),
			)
			e.publishEvent(ctx, EventDispatched, inst, map[string]interface{}{
				"template_id": inst.TemplateID,
				"block_id":    block.ID,
				"kind":        string(req.Kind),
				"request_key": req.RequestKey,
				"outcome":     res.Outcome,
				"attempts":    attempt + 1,
			})
			return res, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return DispatchResult{}, ctx.Err()
		}
		e.logger.Warn("dispatch attempt failed",
			zap.Uint64("instance_id", inst.ID),
			zap.String("block_id", block.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		e.publishEvent(ctx, EventDispatchFailed, inst, map[string]interface{}{
			"template_id": inst.TemplateID,
			"block_id":    block.ID,
			"kind":        string(req.Kind),
			"attempt":     attempt + 1,
			"error":       err.Error(),
		})

		if attempt < maxRetries {
			if err := sleepContext(ctx, delay); err != nil {
				return DispatchResult{}, err
			}
			delay *= 2
			if delay > e.retryMaxDelay {
				delay = e.retryMaxDelay
			}
		}
	}
	return DispatchResult{}, fmt.Errorf("%w: block %s after %d attempts: %w", ErrDispatchFailure, block.ID, maxRetries+1, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) publishStateChanged(ctx context.Context, inst *types.Instance) {
	e.publishEvent(ctx, EventStateChanged, inst, map[string]interface{}{
		"template_id": inst.TemplateID,
		"block_id":    inst.CurrentBlockID,
		"state":       string(inst.State),
	})
}

// publishEvent publishes a lifecycle event asynchronously to the event bus.
func (e *Engine) publishEvent(ctx context.Context, eventType string, inst *types.Instance, data map[string]interface{}) {
	err := e.eventBus.Publish(context.WithoutCancel(ctx), events.Event{
		Type:       eventType,
		InstanceID: inst.ID,
		SubjectID:  inst.SubjectID,
		Data:       data,
		Timestamp:  e.now(),
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Debug("lifecycle event dropped", zap.String("event", eventType), zap.Error(err))
	}
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// instanceLocks is a keyed mutex giving one goroutine at a time ownership
// of an instance.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[uint64]*lockEntry
}

func (l *instanceLocks) lock(id uint64) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &lockEntry{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
