// Package interfaces defines core types and contracts for the custody handover
// system, separating definitions from implementations.
//
// # Domain Types
//
// Owner: the account whose secrets are protected, with its inactivity threshold
// (30 to 365 days) and pause state.
//
// ActivityRecord: one HMAC-signed ledger entry. Records are immutable and
// ordered by timestamp.
//
// DowntimeWindow: a declared maintenance or outage interval. Closed windows
// that start after an owner's last activity are excused from inactivity.
//
// Successor: a designated recipient, verified exactly once by token, holding at
// most one encrypted share.
//
// HandoverProcess: the state machine record. At most one non-terminal process
// exists per owner; ActiveOwnerID enforces this at the storage layer.
//
// NotificationDelivery: the audit trail of outbound messages, also used for
// reminder cooldowns.
//
// # Closed Enumerations
//
// ActivityType, SystemStatus, HandoverStatus, ReminderType, NotificationType,
// DeliveryStatus, DeliveryMethod and SuccessorResponse are string enums with
// Valid methods. Consumers switch over them exhaustively.
//
// # Collaborator Contracts
//
// Store: transactional access to the durable entity stores.
//
// KVStore: ephemeral per-owner locks and counters.
//
// MessageSender: the external "send message" capability.
//
// ArchiveBackend: content-addressed archives for sealed shares and exported
// ledger evidence across file, S3 and Vault backends.
//
// # Errors
//
// ErrValidation, ErrDecryption, ErrIntegrity, ErrKeyDerivation, ErrNotFound,
// ErrConflict and ErrLockHeld form the shared taxonomy. Wrap them with %w and
// test with errors.Is.
package interfaces
