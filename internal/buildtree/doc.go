// Package buildtree slices tree-realization work across rendering frames.
//
// Callers register prioritized work items with a Scheduler. While work is
// pending, the Scheduler holds exactly one subscription on a per-frame
// notification source. Each frame it drains the highest-priority items until
// its time budget is spent, then returns control to the host loop. When the
// queue empties it drops the frame subscription and notifies completion
// observers.
//
// A Scheduler belongs to one goroutine (the UI loop). Work items run on that
// goroutine and may themselves call RegisterWork or consult ShouldYield to
// split their own work.
package buildtree
