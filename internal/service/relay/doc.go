// Package relay shares broadcasts between server nodes over NATS so a
// subscriber connected to one node sees alarm updates made on another.
package relay
