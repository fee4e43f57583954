// Package moderation decides whether a group chat message is spam. It screens
// text for links and banned keywords, detects rapid repeats per sender, keeps
// per-sender warning counts and escalates repeat offenders so administrators
// can be notified.
//
// The package performs no I/O. All state lives in process-wide keyed stores
// that are safe for concurrent use.
package moderation
