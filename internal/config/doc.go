// Package config defines the Overwatch service settings and provides helpers
// to load, validate and save them in YAML format.
//
// Validate fills defaults for every section, so a minimal file that only sets
// the listen addresses is enough to start a single-node server with in-memory
// storage and local locking.
package config
