// Package client implements the overwatch-ctl commands.
//
// Run submits a manual event over gRPC, retrying while the server is
// unavailable. ValidateRules parses rule files offline so operators can check
// them before a deploy.
package client
