// Package engine schedules batches of simulation jobs. Each job is looked up
// in the cache, run through the process supervisor on a miss, recorded in the
// run ledger and reported to observers.
//
// Run drives a batch with a bounded worker pool. Stream drives the same per
// job algorithm from a pull iterator that only admits new jobs while the
// consumer is asking for events, so breaking out of the loop leaves the rest
// of the batch unstarted. Submit runs a batch in the background and publishes
// its events on the ProgressBroker.
package engine
