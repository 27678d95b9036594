// Package evaluator classifies the output of one test case run and aggregates a score.
// It is pure: no I/O, no clocks, no shared state.
package evaluator
