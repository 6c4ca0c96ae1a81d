// Package alarm implements persistence for the alarm aggregate.
//
// Every method works on copies: callers mutate the alarm they got from Get and
// write it back with Update while holding the per-alarm lock.
package alarm
