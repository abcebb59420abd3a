// Package telemetry provides observability instrumentation for a vire node.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing.
//
// # Usage
//
// Initialize telemetry at startup and put it in the context:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.StartMetricsServer()
//	ctx = tel.WithContext(ctx)
//
// # Engine Observer
//
// Metrics implements engine.Observer, so the same instance that serves
// /metrics is handed to the engine:
//
//	eng, err := engine.New(cfg, engine.Dependencies{
//	    Runtime:  rt,
//	    Store:    store,
//	    Observer: tel.Metrics,
//	})
//
// # Installs
//
// TrackInstall wraps one install in a delivery span, records its error
// class, logs the outcome and publishes an install event:
//
//	res, err := telemetry.TrackInstall(ctx, "inbox/graph.vire",
//	    func(ctx context.Context) (*engine.InstallResult, error) {
//	        return eng.Deliver(ctx, blob)
//	    })
//
// # Events
//
// Subscribers see events one at a time in publish order. Shutdown delivers
// whatever is still buffered:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    history.Record(e)
//	}, telemetry.FilterByType(telemetry.EventTypeInstallSucceeded, telemetry.EventTypeInstallFailed))
package telemetry
