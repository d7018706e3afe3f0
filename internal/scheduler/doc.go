// Package scheduler contains the dispatcher loop and the executor.
//
// The dispatcher is the single polling loop that selects pending tasks in
// (priority, created_at) order, gates admission on system load and a bounded
// worker pool, and hands released tasks to the executor. The executor runs
// one task's command as a /bin/sh child process and reports an Outcome; the
// dispatcher consumes the outcome to drive the task state machine.
package scheduler
