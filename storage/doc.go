// Package storage archives content-addressed blobs: sealed successor shares
// and exported ledger evidence.
//
// Content is identified by the SHA-256 hash of its bytes, so every backend
// verifies what it reads against the requested ID. Backends are created from
// location URIs:
//
//	file:///var/lib/custody/archive
//	s3://bucket/prefix?region=eu-west-1
//	vault://vault.internal:8200/secret/custody
//
// MultiStorageBackend replicates writes across several locations and falls
// back between them on reads. Only ciphertext is ever handed to a backend.
package storage
