// Package main (cmd/custodyctl) is the operator tool for custody-switch.
//
// The shares and keys commands work offline: they split, combine and verify
// Shamir shares, seal shares for successors, and derive or use AES-256 keys.
//
// The remaining commands load the same configuration as custodyd and act on
// its database: creating owners, managing successors, provisioning shares,
// declaring downtime, driving handover processes, auditing and exporting the
// activity ledger, and running a sweep by hand.
//
// Example:
//
//	custodyctl --config custody.yaml owner create --email owner@example.com --threshold-days 30
//	custodyctl --config custody.yaml successor add --owner $OWNER --email heir@example.com
//	custodyctl --config custody.yaml provision --owner $OWNER -t 2 --master-key-file key.hex \
//	    --passphrase-file $HEIR1=heir1.pass --passphrase-file $HEIR2=heir2.pass
package main
