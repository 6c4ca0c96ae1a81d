// Package rules holds the active rule set and evaluates it against correlated
// events.
//
// Rules are evaluated in ascending priority, then id. A matching rule runs
// its actions in order unless it is within its cooldown for the matching
// scope; suppression skips the actions only, the match is still reported.
// Actions are dispatched to the alarm manager, the notification dispatcher
// and the automation hooks.
package rules
