// Package scheduler executes the sub-job graph of an original job and reshapes
// it as experts report back.
//
// # How It Works
//
// Each Run keeps four pieces of state: the pending vertices, the running
// vertices, the results of finished vertices, and the lessons queued for
// re-executions. Every iteration:
//
//  1. Dispatches each pending vertex whose predecessors have all finished.
//  2. Declares a deadlock if nothing is running and nothing could start.
//  3. Blocks until a worker reports, then routes every available outcome:
//     - Success records the result.
//     - InputDataError rewinds the vertex and its direct predecessors, handing
//     the predecessors the reported lesson.
//     - TooComplicated spends one unit of the vertex's life cycle and splices
//     a finer decomposition in its place.
//     - Anything else fails the job graph.
//
// Once a run is halted (fatal outcome, stop or cancellation) nothing new is
// dispatched; in-flight executions are drained and their results discarded.
package scheduler
