// Package app contains the core application logic. It wires the plan
// catalogue, the stores, the experts and the leader together and runs one
// original job, decoupled from any specific entrypoint like a CLI.
package app
