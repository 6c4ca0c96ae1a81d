// Package notification defines notification channels, targets and delivery attempts.
package notification
