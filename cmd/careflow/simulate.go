package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/careflow/events"
	"github.com/songzhibin97/careflow/storage"
	"github.com/songzhibin97/careflow/types"
	"github.com/songzhibin97/careflow/workflow"
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one event through the loaded templates on a simulated clock",
	Long: `Simulate feeds one event to an in-memory engine, then jumps a simulated
clock to each wake time and sweeps until every started instance finishes or
the horizon is reached. Dispatch requests are printed with their simulated
time.

Example:
  careflow simulate --event order-created --data '{"orderType":"lab-test","status":"active"}'`,
	RunE: runSimulate,
}

var (
	simEvent   string
	simSubject string
	simData    string
	simStart   string
	simHorizon time.Duration
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simEvent, "event", "", "event name, e.g. order-created")
	simulateCmd.Flags().StringVar(&simSubject, "subject", "patient-001", "subject id of the event")
	simulateCmd.Flags().StringVar(&simData, "data", "{}", "event payload as a JSON object")
	simulateCmd.Flags().StringVar(&simStart, "start", "", "simulated start time, RFC 3339 (default now)")
	simulateCmd.Flags().DurationVar(&simHorizon, "horizon", 400*24*time.Hour, "stop simulating after this much simulated time")
	_ = simulateCmd.MarkFlagRequired("event")
}

// simClock is a clock that only moves when told to.
type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(simData), &payload); err != nil {
		return fmt.Errorf("invalid --data: %w", err)
	}

	start := time.Now().UTC().Truncate(time.Second)
	if simStart != "" {
		if start, err = time.Parse(time.RFC3339, simStart); err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
	}
	clock := &simClock{now: start}

	opts, err := engineOptions(cfg, log)
	if err != nil {
		return err
	}
	opts = append(opts, workflow.WithClock(clock.Now), workflow.WithRetry(0, time.Millisecond, time.Millisecond))

	engine, err := workflow.NewEngine(newGenerator(cfg), storage.NewMemoryStorage(), opts...)
	if err != nil {
		return err
	}
	defer engine.Stop(context.Background())

	err = registerDispatchers(engine, &logDispatcher{
		logger: log,
		now:    clock.Now,
		onDispatch: func(req types.DispatchRequest, at time.Time) {
			fmt.Fprintf(out, "%s  %-12s %s/%s  %s\n", at.Format(time.RFC3339), req.Kind, req.TemplateID, req.BlockID, describe(req))
		},
	})
	if err != nil {
		return err
	}
	if _, err := loadTemplates(ctx, engine, cfg); err != nil {
		return err
	}

	ids, err := engine.HandleEvent(ctx, events.Event{Type: simEvent, SubjectID: simSubject, Data: payload, Timestamp: start})
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintf(out, "no template matched event %s\n", simEvent)
		return nil
	}

	end := start.Add(simHorizon)
	for {
		next, ok, err := earliestWake(ctx, engine, ids)
		if err != nil {
			return err
		}
		if !ok || next.After(end) {
			break
		}
		clock.Set(next)
		if _, err := engine.WakeSweep(ctx); err != nil {
			return err
		}
	}

	for _, id := range ids {
		inst, err := engine.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("instance %d (%s): %s at %s", inst.ID, inst.TemplateID, inst.State, inst.CurrentBlockID)
		switch {
		case inst.State == types.StateWaiting && inst.WakeAt != nil:
			line += fmt.Sprintf(", wakes %s", inst.WakeAt.Format(time.RFC3339))
		case inst.Error != "":
			line += ": " + inst.Error
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func earliestWake(ctx context.Context, engine *workflow.Engine, ids []uint64) (time.Time, bool, error) {
	var (
		next  time.Time
		found bool
	)
	for _, id := range ids {
		inst, err := engine.GetInstance(ctx, id)
		if err != nil {
			return time.Time{}, false, err
		}
		if inst.State != types.StateWaiting || inst.WakeAt == nil {
			continue
		}
		if !found || inst.WakeAt.Before(next) {
			next, found = *inst.WakeAt, true
		}
	}
	return next, found, nil
}

func describe(req types.DispatchRequest) string {
	switch {
	case req.Message != nil:
		return fmt.Sprintf("%v %q", req.Message.Channels, req.Message.Body)
	case req.Task != nil:
		s := fmt.Sprintf("%q for %s", req.Task.Title, req.Task.Assignee)
		if req.Task.DueAt != nil {
			s += " due " + req.Task.DueAt.Format(time.RFC3339)
		}
		return s
	case req.Document != nil:
		return fmt.Sprintf("%v via %s", req.Document.Documents, req.Document.DeliveryMethod)
	}
	return ""
}
