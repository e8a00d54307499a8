// Package workload produces tree-building work on a schedule.
//
// A Service triggers named jobs from cron expressions or fixed intervals. A
// Realizer turns a workload definition into one such job: every run posts a
// batch of prioritized work items onto the UI loop, the way a view hierarchy
// would be realized element by element.
package workload
