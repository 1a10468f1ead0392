// Package ledger records owner activity as an append-only sequence of
// HMAC-SHA256 signed records.
//
// Each record signs the canonical JSON form of its owner, activity type,
// client type, millisecond timestamp and metadata. Any change to a stored
// record, or a change of signing secret, makes verification fail with
// interfaces.ErrIntegrity. The most recent verified record is the origin of
// the owner's inactivity clock.
package ledger
