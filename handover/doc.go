// Package handover implements the custody handover state machine and the
// retrieval grants that release encrypted shares to successors.
//
// At most one non-terminal process exists per owner. The store enforces this
// with a unique active slot; the orchestrator additionally serializes every
// mutation of an owner's processes through a lock in the KV store.
package handover
