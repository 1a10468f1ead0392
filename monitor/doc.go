// Package monitor measures owner inactivity against per-owner thresholds,
// compensating for declared downtime, and drives reminders and handover
// initiation from periodic sweeps.
package monitor
