// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection opens, closes and close reasons per side
//   - Operation counts, outcomes and latencies
//   - Protocol violations and liveness events
//   - Retries, rate-limited calls and journal flushes
package metrics
