// Package telemetry provides observability for the warmpool engine.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	go tel.Metrics.Serve(ctx, tel.Logger)
//
// # Logging
//
// Loggers are scoped with NewComponentLogger and the WithPool, WithVM and
// WithWorker helpers:
//
//	log := tel.Logger.NewComponentLogger("pool-worker").WithPool("debian-12")
//	log.WithVM(id).Info("VM moved to ready")
//
// # Metrics
//
// All recorders are safe on a disabled collector. The main series are
// pool_vms{pool,queue}, pool_empty{pool}, vm_transitions_total, the
// clone/boot/destroy duration histograms, provider_calls_total and
// worker_restarts_total, all under the configured namespace.
//
// # Tracing
//
// Pool ticks, per-VM operations and provider calls each get a span.
// Exporters are "otlp" (gRPC), "stdout" and "none".
//
// # Events
//
// The engine publishes vm.transition, vm.discovered, vm.cloned,
// vm.clone_failed, vm.destroyed, pool.empty and worker.restarted events.
// Subscribers may filter by type, level or pool.
package telemetry
