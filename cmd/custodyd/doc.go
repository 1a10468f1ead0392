// Package main (cmd/custodyd) runs the custody daemon.
//
// The daemon loads its configuration (see package config), migrates the
// database and wires the activity ledger, notification dispatcher, handover
// orchestrator and inactivity monitor. It serves the operational API of
// package httpserver and, unless monitor.interval is zero, sweeps all owners
// on its own ticker. With the interval set to zero an external scheduler is
// expected to POST /internal/sweep instead.
//
// Example:
//
//	CUSTODY_SIGNING_SECRET=$(openssl rand -hex 32) custodyd --config custody.yaml --log-json
package main
