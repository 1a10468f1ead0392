// Package custody manages successors and distributes sealed Shamir shares
// of an owner's master key among them.
package custody
