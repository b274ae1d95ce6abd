// Package metrics defines the Prometheus metrics of an apply: run outcomes,
// apply duration, per-service results, created networks and volumes, and
// readiness probe latency. topo is a short-lived CLI, so metrics are not
// served over HTTP; WriteTextfile hands them to node_exporter's textfile
// collector.
package metrics
