// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package job provides the value types that flow through the expertgrid
// scheduler: the user's original job, the sub-jobs a decomposer produces from
// it, the status state machine both follow, and the terminal result recorded
// for each of them.
//
// # Core Concepts
//
//   - Job: The top-level goal submitted by a user. It is decomposed into a
//     graph of sub-jobs and is the unit the lifecycle controller stops,
//     fails and recovers.
//
//   - SubJob: One vertex of the execution graph. It is scoped to exactly one
//     expert and carries a LifeCycle, a strictly decreasing bound on how many
//     more times it may ask to be decomposed again.
//
//   - Status: CREATED -> RUNNING -> {FINISHED | FAILED | STOPPED}. STOPPED is
//     resumable; FINISHED and FAILED are terminal.
//
//   - Result / Message: What an expert produced for a job, or the system
//     message explaining why the job stopped or failed.
//
// Why a separate job package?
//
// The graph, the stores, the scheduler and the lifecycle controller all need
// to agree on these types without depending on each other. Keeping them in a
// leaf package with no internal imports keeps that dependency graph acyclic.
package job
