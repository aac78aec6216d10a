// Package scheduler turns cron specs and intervals into engine jobs.
//
// It only decides when something runs: the dispatcher tick and the progress
// checkpoint are registered here and executed by the task engine.
package scheduler
