// Package scheduler is the public facade over the task engine.
//
// It turns calendar rules (monthly, yearly, cron), intervals and one-shot
// times into engine tasks, wraps external API/event calls as tasks, and keeps
// the declarative job set loaded from config in sync.
package scheduler
