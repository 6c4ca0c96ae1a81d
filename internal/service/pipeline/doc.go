// Package pipeline wires event ingestion: persistence and correlation run
// synchronously inside Submit, rule evaluation and broadcasting run on a
// bounded worker pool.
package pipeline
