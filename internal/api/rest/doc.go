// Package rest exposes the operator REST API, the live WebSocket stream and
// the health and metrics endpoints over a chi router.
package rest
