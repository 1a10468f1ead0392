// Package metrics defines the Prometheus collectors updated by the custody
// components and the server that exposes them.
package metrics
