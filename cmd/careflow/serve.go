package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/songzhibin97/careflow/events"
	"github.com/songzhibin97/careflow/metrics"
	"github.com/songzhibin97/careflow/types"
	"github.com/songzhibin97/careflow/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with HTTP event intake and a periodic wake sweep",
	Long: `Serve loads the configured templates, accepts events on POST /events,
exposes instances under /instances/{id} and Prometheus metrics on /metrics,
and sweeps for due instances every engine.sweep_interval.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	opts, err := engineOptions(cfg, log)
	if err != nil {
		return err
	}
	engine, err := workflow.NewEngine(newGenerator(cfg), store, opts...)
	if err != nil {
		return err
	}
	defer engine.Stop(context.Background())

	if err := registerDispatchers(engine, &logDispatcher{logger: log.Named("dispatch"), now: time.Now}); err != nil {
		return err
	}
	engine.SetErrorHandler(func(ctx context.Context, inst *types.Instance, err error) error {
		log.Warn("instance needs attention",
			zap.Uint64("instance_id", inst.ID),
			zap.String("template_id", inst.TemplateID),
			zap.String("subject_id", inst.SubjectID),
			zap.Error(err),
		)
		return nil
	})

	registry := prometheus.NewRegistry()
	metrics.NewPrometheusCollector(registry).Attach(engine)

	if _, err := engine.Restore(ctx); err != nil {
		return err
	}
	n, err := loadTemplates(ctx, engine, cfg)
	if err != nil {
		return err
	}
	log.Info("templates loaded", zap.Int("count", n))

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newHandler(engine, registry, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := engine.Run(ctx, cfg.Engine.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		log.Error("server stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("http shutdown failed", zap.Error(shutdownErr))
	}
	return err
}

type eventRequest struct {
	Type      string                 `json:"type"`
	SubjectID string                 `json:"subjectId"`
	Data      map[string]interface{} `json:"data"`
}

func newHandler(engine *workflow.Engine, registry *prometheus.Registry, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /events", func(w http.ResponseWriter, r *http.Request) {
		var req eventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid event: %w", err))
			return
		}
		if req.Type == "" {
			writeError(w, http.StatusBadRequest, errors.New("event type is required"))
			return
		}
		ids, err := engine.HandleEvent(r.Context(), events.Event{Type: req.Type, SubjectID: req.SubjectID, Data: req.Data})
		if err != nil {
			log.Error("event handling failed", zap.String("event", req.Type), zap.Error(err))
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"instances": ids})
	})

	mux.HandleFunc("GET /instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := instanceID(w, r)
		if !ok {
			return
		}
		inst, err := engine.GetInstance(r.Context(), id)
		if err != nil {
			writeLookupError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	})

	mux.HandleFunc("POST /instances/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id, ok := instanceID(w, r)
		if !ok {
			return
		}
		if err := engine.Cancel(r.Context(), id); err != nil {
			writeLookupError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /instances/{id}/wake", func(w http.ResponseWriter, r *http.Request) {
		id, ok := instanceID(w, r)
		if !ok {
			return
		}
		woken, err := engine.Wake(r.Context(), id)
		if err != nil && !woken {
			writeLookupError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"woken": woken})
	})

	mux.HandleFunc("GET /templates", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, engine.Templates())
	})
	return mux
}

func instanceID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid instance id: %w", err))
		return 0, false
	}
	return id, true
}

func writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, workflow.ErrInstanceTerminal):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
