// Package scheduler triggers periodic jobs (cron or interval) such as the
// dispatch tick.
//
// A schedule never overlaps itself: a trigger that fires while the previous
// run is still in flight is skipped and counted.
package scheduler
