// Package telemetry provides observability instrumentation for agentd.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and a runtime activity publisher into a
// unified system for monitoring agents and their workers.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Component loggers carry agent and worker identity:
//
//	logger := tel.Logger.NewComponentLogger("supervisor")
//	logger = logger.WithAgent(agent.ID, agent.Name).WithWorkerID(workerID)
//	logger.WithError(err).Error("Worker failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// The engine opens a span per invocation ("agent.check", "agent.receive",
// "agent.dry_run") and the supervisor one per worker run loop ("worker.run"):
//
//	ctx, span := tel.Tracer.StartAgentSpan(ctx, "agent.check", agent.ID, agent.Type)
//	defer span.End()
//
// Supported exporters: OTLP over gRPC, stdout, none.
//
// # Metrics
//
// Key metrics exposed on the API's /metrics endpoint:
//
//   - agentd_agent_invocations_total{type,operation,status}
//   - agentd_agent_invocation_duration_seconds{type,operation}
//   - agentd_events_created_total{type}
//   - agentd_sort_fallbacks_total{type}
//   - agentd_worker_runs_total{type}
//   - agentd_worker_restarts_total{type}
//   - agentd_worker_errors_total{type}
//   - agentd_workers_running
//   - agentd_control_actions_total{action,status}
//   - agentd_dry_runs_total{type,status}
//   - agentd_errors_by_class_total{class}
//
// # Activities
//
// Activities are in-process notifications (worker started, worker restarted,
// agent checked) for subscribers such as the serve command's debug logger.
// They are unrelated to agent events and are never persisted:
//
//	tel.Events.Subscribe(func(a telemetry.Activity) {
//	    fmt.Println(a.Type, a.Message)
//	}, telemetry.FilterByLevel(telemetry.LevelWarning))
package telemetry
