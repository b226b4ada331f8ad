// Package leader is the lifecycle controller of original jobs.
//
// A Leader turns a submitted job into a graph of sub-jobs through the
// planner, hands the graph to the scheduler, and records how it ended. It is
// also the scheduler's Failer and Gate: a failing sub-job fails the whole
// graph through FailJobGraph, and a stopped or failed original job halts
// further dispatch.
//
// Every original job has at most one active run goroutine. StopJobGraph does
// not interrupt executions in flight, and a stopped job can be resumed with
// RecoverOriginalJob once its previous run has drained.
package leader
