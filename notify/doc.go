// Package notify turns inactivity reminders and handover events into
// messages for an external sender and keeps the delivery audit trail.
package notify
