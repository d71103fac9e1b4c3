// Package observability provides logging, metrics, and tracing
// for the mTLS proxy.
//
// Structured logging is built on zap behind the Logger interface:
//
//	logger, err := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "/var/log/avamtls/proxy.log",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// Metrics are exposed from a private Prometheus registry on the
// operator port, separate from the TLS listener:
//
//	metrics := observability.NewMetrics("avamtls")
//	mux.Handle("/metrics", metrics.Handler())
//
// Tracing uses OpenTelemetry with an optional OTLP gRPC exporter.
package observability
