// Package scheduler is the schedule registry: one timer per recurring task,
// computed with the cron calculator in the configured timezone, plus a
// periodic scan that picks up one-shot tasks whose scheduledFor has passed.
//
// The registry only triggers. Claiming, execution and terminal writes belong
// to the execution machine behind Runner.
package scheduler
