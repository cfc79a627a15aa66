// Package telemetry provides observability instrumentation for BSig agents.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing. The engine
// holds pointers to the tracer, metrics and event publisher; all three are
// nil-safe so tests and embedded uses can leave them unset.
//
// # Usage
//
// Initialize telemetry at agent startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
//	logger := tel.Logger.WithField("component", "engine").Zerolog()
//	logger.Info().Str("operator", "$.web.apache.install").Msg("Invoking operator")
//
// tel.WithContext puts the telemetry in a context. StartOperation then opens
// a span and a correlated logger for work done under that context.
//
// # Tracing
//
// Spans follow the repair recursion:
//
//	bsig.achieve    one attempt to satisfy a goal at a pi floor
//	bsig.operator   lock, preconditions and invocation of one operator
//	bsig.delegate   a goal fragment sent to a peer
//	bsig.bootstrap  provisioning of a newly created peer
//
// Supported exporters: otlp, stdout, none.
//
// # Metrics
//
// All metric names carry the configured namespace (bsig by default):
//
//	achieve_total{mode,status}
//	operator_invocations_total{action,result}
//	operator_duration_seconds{action}
//	operator_lock_contention_total
//	delegations_total{direction,result}
//	satisfiers_active
//	bootstrap_total{action,result}
//	registry_broadcasts_total{result}
//	cycle_duration_seconds{status}
//	errors_by_class_total{class}
//	errors_by_code_total{code}
//
// Metrics are served on the agent's /metrics route and, when
// Metrics.ListenAddress is set, on a dedicated server as well.
//
// # Events
//
// The EventPublisher fans events out to subscribers, either synchronously
// or from a background goroutine. The agent subscribes its audit store so
// that "bsig-agent events" can list recent activity.
package telemetry
