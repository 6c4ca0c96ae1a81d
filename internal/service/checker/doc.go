// Package checker implements the overwatch-ctl health command.
//
// It asks the gRPC health service about the ingest service, either once or on
// an interval, logging every status transition.
package checker
