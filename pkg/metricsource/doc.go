// Package metricsource reads error rate, p95 latency and resource usage of a
// release from Prometheus. Queries are text/template strings rendered with
// Namespace, App, Label and Window; empty and NaN results read as zero.
package metricsource
