package workflow

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/songzhibin97/careflow/events"
	"github.com/songzhibin97/careflow/resolver"
	"github.com/songzhibin97/careflow/types"
	"go.uber.org/zap"
)

// Keys of the instance context.
const (
	ContextEvent     = "event"
	ContextEventType = "eventType"
	ContextSubject   = "subject"
	ContextAnchors   = "anchors"
)

// newInstanceContext builds the variables an instance carries from its
// triggering event.
func newInstanceContext(ev events.Event, anchors map[string]time.Time) map[string]interface{} {
	payload := make(map[string]interface{}, len(ev.Data))
	for k, v := range ev.Data {
		payload[k] = v
	}
	anchorVars := make(map[string]interface{}, len(anchors))
	for name, at := range anchors {
		anchorVars[name] = at.Format(time.RFC3339)
	}
	return map[string]interface{}{
		ContextEvent:     payload,
		ContextEventType: ev.Type,
		ContextSubject:   map[string]interface{}{"id": ev.SubjectID},
		ContextAnchors:   anchorVars,
	}
}

// captureAnchors reads the anchor of every wait block's relativeTo from the
// event payload. "appointment-date" is looked up as written, then as
// "appointmentDate", then as "appointment_date".
func captureAnchors(tpl *types.Template, payload map[string]interface{}, logger *zap.Logger) map[string]time.Time {
	var anchors map[string]time.Time
	for _, b := range tpl.Blocks {
		name := b.Data.RelativeTo
		if b.Kind() != types.KindWait || name == "" {
			continue
		}
		if _, done := anchors[name]; done {
			continue
		}

		for _, key := range anchorKeys(name) {
			v, ok := resolver.Resolve(key, payload)
			if !ok {
				continue
			}
			at, ok := toTime(v)
			if !ok {
				logger.Warn("anchor value is not a time", zap.String("anchor", name), zap.Any("value", v))
				continue
			}
			if anchors == nil {
				anchors = make(map[string]time.Time)
			}
			anchors[name] = at
			break
		}
	}
	return anchors
}

func anchorKeys(name string) []string {
	keys := []string{name}
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '_' })
	if len(parts) < 2 {
		return keys
	}

	var camel strings.Builder
	for i, p := range parts {
		if i == 0 {
			camel.WriteString(strings.ToLower(p))
			continue
		}
		camel.WriteString(strings.ToUpper(p[:1]) + strings.ToLower(p[1:]))
	}
	snake := strings.Join(parts, "_")

	for _, k := range []string{camel.String(), snake} {
		if k != name {
			keys = append(keys, k)
		}
	}
	return keys
}

// toTime accepts a time.Time, an RFC 3339 or YYYY-MM-DD string, or unix milliseconds.
func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	case string:
		if at, err := time.Parse(time.RFC3339, t); err == nil {
			return at, true
		}
		if at, err := time.Parse(time.DateOnly, t); err == nil {
			return at, true
		}
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return time.UnixMilli(ms), true
		}
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	case int:
		return time.UnixMilli(int64(t)), true
	}
	return time.Time{}, false
}
