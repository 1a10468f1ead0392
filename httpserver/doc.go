/*
Package httpserver implements the operational HTTP surface of the custody daemon.

Routes:

  - GET  /livez, /readyz: liveness and readiness probes
  - GET  /drain, /undrain: toggle readiness ahead of a shutdown
  - GET  /internal/owners/{ownerID}/status: inactivity status of one owner
  - POST /internal/sweep: run one inactivity sweep; external schedulers use
    this as the tick when the daemon's own interval is disabled
  - POST /api/retrievals: redeem a retrieval grant passed as a bearer token
  - /debug/pprof: when EnablePprof is set

The /internal routes carry no authentication and are meant to be bound to a
private interface. Prometheus metrics are served on a separate listener at
MetricsAddr.
*/
package httpserver
