// Package sandbox defines the isolated execution surface: a JSON step
// DSL for calls, deployments and transfers, a compiler that packs steps
// into calldata against contract ABIs, and the Sandbox interface for
// fork lifecycle and script submission. The go-ethereum backed
// implementation lives in sandbox/ethereum.
package sandbox
