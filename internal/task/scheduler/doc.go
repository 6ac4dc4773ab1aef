// Package scheduler fires in-process triggers (cron or fixed interval) and
// hands the work to the task engine. It never executes anything itself.
//
// The periodic scheduled pass is registered here; channel schedules are
// evaluated by the recurrence package, not by cron.
package scheduler
