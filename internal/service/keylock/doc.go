// Package keylock serializes work per key.
//
// Local is a striped in-process lock for single-node deployments. Redis uses
// SET NX PX with a token-checked release so several nodes can share a
// correlation key space. Redis reports contention with errs.ErrCorrelationRace
// and Acquire retries until the key is won or the context ends.
package keylock
