// Package jobgraph provides the mutable directed acyclic graph that holds the
// sub-jobs of one original job.
//
// # Vertex attributes
//
// The execution graph of an original job is not written once. It grows when the job is first decomposed, and it is rewritten in
// place whenever a sub-job reports that it was too complicated and is spliced
// out for a finer-grained subgraph. The graph therefore carries, per vertex:
//
//   - job:      the *job.SubJob the vertex executes
//   - expertID: the expert the sub-job is routed to
//   - legacy:   the sub-job as it was when the vertex was removed; kept for
//     audit and never deleted, even after the vertex is gone
//   - result:   the terminal *job.Result, set only on completion
//
// # Thread-Safety
//
// Graph is NOT safe for concurrent mutation. Ownership of a graph belongs to
// graphstore.Store, which serializes writes per original job and hands
// readers deep copies (Clone).
package jobgraph
