package otel

import (
	"context"
	"fmt"

	"github.com/branchbox/branchbox/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// convertToLogRecord converts an orchestrator Event to an OTEL log Record
// for use with Logger.Emit().
func convertToLogRecord(ev types.Event) otellog.Record {
	var rec otellog.Record

	rec.SetTimestamp(ev.Timestamp)
	rec.SetBody(otellog.StringValue(eventBody(ev)))
	sev := eventSeverity(ev)
	rec.SetSeverity(sev)
	rec.SetSeverityText(sev.String())
	rec.AddAttributes(eventAttributes(ev)...)

	return rec
}

// eventBody returns a human-readable summary of the event.
func eventBody(ev types.Event) string {
	switch {
	case ev.Branch != "" && ev.RepositoryID != 0:
		return fmt.Sprintf("%s: repo %d branch %s", ev.Type, ev.RepositoryID, ev.Branch)
	case ev.SessionID != "":
		return fmt.Sprintf("%s: session %s", ev.Type, ev.SessionID)
	default:
		return ev.Type
	}
}

// eventSeverity maps session failures onto OTEL severity levels.
func eventSeverity(ev types.Event) otellog.Severity {
	switch ev.Type {
	case types.EventSessionError:
		return otellog.SeverityError
	case types.EventSessionReaped:
		return otellog.SeverityWarn
	case types.EventHealthCheck:
		if healthy, ok := ev.Fields["healthy"].(bool); ok && !healthy {
			return otellog.SeverityWarn
		}
		return otellog.SeverityInfo
	default:
		return otellog.SeverityInfo
	}
}

// eventAttributes builds OTEL log attributes using the branchbox.*
// namespace for orchestrator fields.
func eventAttributes(ev types.Event) []otellog.KeyValue {
	var attrs []otellog.KeyValue

	if ev.ID != "" {
		attrs = append(attrs, otellog.String("branchbox.event.id", ev.ID))
	}
	attrs = append(attrs, otellog.String("branchbox.event.type", ev.Type))
	if ev.SessionID != "" {
		attrs = append(attrs, otellog.String("branchbox.session.id", ev.SessionID))
	}
	if ev.UserID != 0 {
		attrs = append(attrs, otellog.Int64("branchbox.user.id", ev.UserID))
	}
	if ev.RepositoryID != 0 {
		attrs = append(attrs, otellog.Int64("branchbox.repository.id", ev.RepositoryID))
	}
	if ev.Branch != "" {
		attrs = append(attrs, otellog.String("branchbox.branch", ev.Branch))
	}

	// Selected well-known fields.
	if ev.Fields != nil {
		for _, key := range []string{
			"state", "reason", "container_url", "base_branch",
			"healthy", "duration_ms", "error",
		} {
			v, ok := ev.Fields[key]
			if !ok {
				continue
			}
			switch val := v.(type) {
			case string:
				if val != "" {
					attrs = append(attrs, otellog.String("branchbox."+key, val))
				}
			case bool:
				attrs = append(attrs, otellog.Bool("branchbox."+key, val))
			case int:
				attrs = append(attrs, otellog.Int("branchbox."+key, val))
			case int64:
				attrs = append(attrs, otellog.Int64("branchbox."+key, val))
			case float64:
				attrs = append(attrs, otellog.Float64("branchbox."+key, val))
			}
		}
	}

	return attrs
}

// BuildResource creates an OTEL Resource with the branchbox service name
// and optional extra attributes.
func BuildResource(serviceName string, extraAttrs map[string]string) *resource.Resource {
	kvs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
	}
	for k, v := range extraAttrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	res, _ := resource.New(
		context.Background(),
		resource.WithAttributes(kvs...),
	)
	return res
}
