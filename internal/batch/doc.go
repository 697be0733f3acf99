// Package batch runs population-scale operations, such as deleting or
// migrating process instances, as partitions driven by jobs.
//
// A parallel batch creates one compute part per partition up front. Each
// compute job resolves the ids of its partition; a repeating status-poll job
// waits until every compute part is complete and then fans out one apply
// part per compute result, or fails the batch when any compute part failed.
// The poller stops repeating once the batch is terminal.
//
// A sequential batch keeps a single part in flight. Each part processes the
// next page after its predecessor's last id and schedules its successor; an
// empty or short page completes the batch. A failed sequential part fails
// the batch immediately.
package batch
