// Package common holds helpers shared by several services.
//
// It provides a lightweight gRPC client for the ingest service with timeouts
// and health checks, and a helper to detect the current system actor
// (username@hostname) for manual submissions.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
