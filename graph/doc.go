// Package graph provides the immutable graph definition authored before
// execution and the compiler that turns it into an executable plan.
//
// A Graph is built from named nodes, declared state channels, static edges,
// and conditional branches with declared candidate targets. Compile validates
// the definition (reachability from the entry point, a path to the terminal
// sentinel, endpoint existence) and resolves edges into channel subscriptions:
// every node receives an internal trigger channel written by its predecessors,
// plus any explicitly subscribed data channels.
//
// The compiler is pure and side-effect-free; compiling the same definition
// twice yields structurally equivalent plans.
package graph
