// Package pool manages the lifecycle of sandbox instances.
//
// The Pool is the single owner of the instance registry. Every instance moves through
// Created, Ready, Running and Idle before being reused or destroyed, and every
// transition happens under one mutex that is never held across an engine call.
// Capacity is reserved before provisioning starts, so the number of live instances
// never exceeds the configured ceiling and excess requests are rejected immediately
// with sandbox.ErrAdmissionRejected instead of queueing.
//
// The Reaper runs alongside the pool and destroys instances that have been idle for
// longer than the configured TTL. It never touches a Running instance.
package pool
