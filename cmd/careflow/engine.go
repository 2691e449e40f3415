package main

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/careflow/catalog"
	"github.com/songzhibin97/careflow/config"
	"github.com/songzhibin97/careflow/rules"
	"github.com/songzhibin97/careflow/storage"
	"github.com/songzhibin97/careflow/types"
	"github.com/songzhibin97/careflow/workflow"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// newGenerator returns the snowflake instance id generator of this node.
func newGenerator(cfg *config.Config) generator.Generator {
	return generator.NewSnowflake(time.Now().Add(-1*time.Second), cfg.Engine.MachineID)
}

// engineOptions maps the engine section of the config to engine options.
func engineOptions(cfg *config.Config, log *zap.Logger) ([]workflow.Option, error) {
	decider := rules.NewExprDecider(nil, cfg.Decisions.Rules)
	if err := decider.Validate(); err != nil {
		return nil, err
	}

	opts := []workflow.Option{
		workflow.WithLogger(log),
		workflow.WithDecider(decider),
		workflow.WithRetry(cfg.Engine.MaxRetries, cfg.Engine.RetryBaseDelay, cfg.Engine.RetryMaxDelay),
		workflow.WithWorkers(cfg.Engine.Workers),
	}
	if cfg.Engine.DispatchRate > 0 {
		burst := cfg.Engine.DispatchBurst
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, workflow.WithDispatchLimiter(rate.NewLimiter(rate.Limit(cfg.Engine.DispatchRate), burst)))
	}
	return opts, nil
}

// openStorage opens the configured storage driver. The returned close
// function is never nil.
func openStorage(cfg *config.Config) (storage.Storage, func() error, error) {
	switch cfg.Storage.Driver {
	case config.DriverRedis:
		r := cfg.Storage.Redis
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         r.Addr,
			Password:     r.Password,
			DB:           r.DB,
			PoolSize:     r.PoolSize,
			MinIdleConns: r.MinIdleConns,
			IdleTimeout:  r.IdleTimeout,
			Prefix:       r.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return storage.NewMemoryStorage(), func() error { return nil }, nil
	}
}

// loadTemplates loads the built-in catalog when enabled, then every
// configured template path.
func loadTemplates(ctx context.Context, engine *workflow.Engine, cfg *config.Config) (int, error) {
	var tpls []types.Template
	if cfg.Templates.Builtin {
		builtin, err := catalog.Builtin()
		if err != nil {
			return 0, err
		}
		tpls = append(tpls, builtin...)
	}
	for _, path := range cfg.Templates.Paths {
		loaded, err := catalog.LoadPath(path)
		if err != nil {
			return 0, fmt.Errorf("failed to load templates from %s: %w", path, err)
		}
		tpls = append(tpls, loaded...)
	}

	for _, tpl := range tpls {
		if err := engine.LoadTemplate(ctx, tpl); err != nil {
			return 0, fmt.Errorf("failed to load template %s: %w", tpl.ID, err)
		}
	}
	return len(tpls), nil
}

// logDispatcher acknowledges every request by logging it. It stands in for
// the messaging, task and document services of a host application.
type logDispatcher struct {
	logger *zap.Logger
	now    func() time.Time
	// onDispatch, when set, observes each acknowledged request.
	onDispatch func(req types.DispatchRequest, at time.Time)
}

func (d *logDispatcher) Dispatch(_ context.Context, req types.DispatchRequest) (workflow.DispatchResult, error) {
	at := d.now()
	fields := []zap.Field{
		zap.String("kind", string(req.Kind)),
		zap.Uint64("instance_id", req.InstanceID),
		zap.String("template_id", req.TemplateID),
		zap.String("block_id", req.BlockID),
		zap.String("subject_id", req.SubjectID),
		zap.String("request_key", req.RequestKey),
	}
	switch {
	case req.Message != nil:
		fields = append(fields, zap.Strings("channels", req.Message.Channels), zap.String("body", req.Message.Body))
	case req.Task != nil:
		fields = append(fields, zap.String("title", req.Task.Title), zap.String("assignee", req.Task.Assignee))
		if req.Task.DueAt != nil {
			fields = append(fields, zap.Time("due_at", *req.Task.DueAt))
		}
	case req.Document != nil:
		fields = append(fields, zap.Strings("documents", req.Document.Documents))
	}
	d.logger.Info("dispatch request", fields...)

	if d.onDispatch != nil {
		d.onDispatch(req, at)
	}
	return workflow.DispatchResult{}, nil
}

func registerDispatchers(engine *workflow.Engine, d workflow.Dispatcher) error {
	for _, kind := range []types.BlockKind{types.KindSendMessage, types.KindTask, types.KindDocument} {
		if err := engine.RegisterDispatcher(kind, d); err != nil {
			return err
		}
	}
	return nil
}
