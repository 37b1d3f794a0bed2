// Package workflow moves queued units through processing for one source.
//
// A Worker owns an in-memory FIFO of QueueItems. Submit appends an item and
// starts a drain goroutine when none is running; the drain processes items
// one at a time and exits once the queue is empty, so at most one unit per
// source is ever in flight. For each item the worker moves the file into
// Processing, confirms its digest has not already been processed, hands the
// stage-local path to the Processor, and on success records the digest as
// processed before archiving the file. A unit whose callback fails stays in
// Processing with its digest unprocessed.
//
// A Gate shared by several workers extends the one-in-flight guarantee across
// sources. The Reclaimer re-drives units stranded in Processing by a crash or
// a failed callback, either on a timer or on operator request.
package workflow
