// Package kvstore implements the ephemeral key-value store used for per-owner
// locks, rate counters and the outbound message stream.
//
// RedisKV is the production implementation. MemoryKV serves tests and
// single-process deployments.
package kvstore
