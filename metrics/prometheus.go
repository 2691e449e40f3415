// Package metrics exports engine lifecycle events as Prometheus metrics.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/songzhibin97/careflow/events"
	"github.com/songzhibin97/careflow/types"
	"github.com/songzhibin97/careflow/workflow"
)

// Subscriber is the part of the engine the collector listens on.
type Subscriber interface {
	SubscribeEvent(eventType string, handler events.EventHandler) events.SubscriptionID
}

type PrometheusCollector struct {
	instancesStarted  *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	instancesParked   *prometheus.CounterVec
	conditions        *prometheus.CounterVec
	dispatches        *prometheus.CounterVec
	dispatchFailures  *prometheus.CounterVec
	dispatchAttempts  *prometheus.HistogramVec
	errors            *prometheus.CounterVec
}

func NewPrometheusCollector(registry prometheus.Registerer) *PrometheusCollector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &PrometheusCollector{
		instancesStarted: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "careflow_instances_started_total",
				Help: "Total number of workflow instances started by a trigger event",
			},
			[]string{"template_id", "event"},
		),
		instancesFinished: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "careflow_instances_finished_total",
				Help: "Total number of workflow instances that reached a terminal state",
			},
			[]string{"template_id", "state"},
		),
		instancesParked: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "careflow_instances_parked_total",
				Help: "Total number of times an instance parked on a wait block",
			},
			[]string{"template_id", "block_id"},
		),
		conditions: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "careflow_conditions_decided_total",
				Help: "Total number of condition block decisions",
			},
			[]string{"template_id", "block_id", "verdict"},
		),
		dispatches: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "careflow_dispatches_total",
				Help: "Total number of acknowledged dispatch requests",
			},
			[]string{"template_id", "kind"},
		),
		dispatchFailures: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "careflow_dispatch_failures_total",
				Help: "Total number of failed dispatch attempts",
			},
			[]string{"template_id", "kind"},
		),
		dispatchAttempts: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "careflow_dispatch_attempts",
				Help:    "Attempts needed for an acknowledged dispatch",
				Buckets: []float64{1, 2, 3, 4, 6, 8},
			},
			[]string{"kind"},
		),
		errors: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "careflow_instance_errors_total",
				Help: "Total number of instance failures",
			},
			[]string{"template_id", "block_id"},
		),
	}
}

// Attach subscribes the collector to the engine lifecycle events.
func (c *PrometheusCollector) Attach(s Subscriber) {
	s.SubscribeEvent(workflow.EventInstanceStarted, events.EventHandlerFunc(c.handleStarted))
	s.SubscribeEvent(workflow.EventStateChanged, events.EventHandlerFunc(c.handleStateChanged))
	s.SubscribeEvent(workflow.EventConditionDecided, events.EventHandlerFunc(c.handleConditionDecided))
	s.SubscribeEvent(workflow.EventDispatched, events.EventHandlerFunc(c.handleDispatched))
	s.SubscribeEvent(workflow.EventDispatchFailed, events.EventHandlerFunc(c.handleDispatchFailed))
	s.SubscribeEvent(workflow.EventErrorOccurred, events.EventHandlerFunc(c.handleError))
}

func (c *PrometheusCollector) handleStarted(_ context.Context, ev events.Event) error {
	c.instancesStarted.WithLabelValues(str(ev, "template_id"), str(ev, "event")).Inc()
	return nil
}

func (c *PrometheusCollector) handleStateChanged(_ context.Context, ev events.Event) error {
	state := types.InstanceState(str(ev, "state"))
	switch {
	case state.Terminal():
		c.instancesFinished.WithLabelValues(str(ev, "template_id"), string(state)).Inc()
	case state == types.StateWaiting:
		c.instancesParked.WithLabelValues(str(ev, "template_id"), str(ev, "block_id")).Inc()
	}
	return nil
}

func (c *PrometheusCollector) handleConditionDecided(_ context.Context, ev events.Event) error {
	c.conditions.WithLabelValues(str(ev, "template_id"), str(ev, "block_id"), str(ev, "verdict")).Inc()
	return nil
}

func (c *PrometheusCollector) handleDispatched(_ context.Context, ev events.Event) error {
	kind := str(ev, "kind")
	c.dispatches.WithLabelValues(str(ev, "template_id"), kind).Inc()
	if n, ok := number(ev, "attempts"); ok {
		c.dispatchAttempts.WithLabelValues(kind).Observe(n)
	}
	return nil
}

func (c *PrometheusCollector) handleDispatchFailed(_ context.Context, ev events.Event) error {
	c.dispatchFailures.WithLabelValues(str(ev, "template_id"), str(ev, "kind")).Inc()
	return nil
}

func (c *PrometheusCollector) handleError(_ context.Context, ev events.Event) error {
	c.errors.WithLabelValues(str(ev, "template_id"), str(ev, "block_id")).Inc()
	return nil
}

func str(ev events.Event, key string) string {
	s, _ := ev.Data[key].(string)
	return s
}

func number(ev events.Event, key string) (float64, bool) {
	switch n := ev.Data[key].(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
