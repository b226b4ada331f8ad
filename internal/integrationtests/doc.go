// Package integrationtests runs whole original jobs through HCL plans, the
// planner, the leader and the scheduler together.
package integrationtests
