// Package runner injects submitted code into a leased sandbox instance, compiles it once
// and runs it once per test case under a hard wall-clock timeout.
//
// A run that outlives its timeout is reported with Output.TimedOut set; the engine has
// already killed everything it started, and the instance must not be reused.
package runner
