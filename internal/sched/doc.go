// Package sched implements the three-class preemptive scheduler.
//
// Classes are strictly ordered RT > DL > BE. RT threads run by fixed
// priority with FIFO (or optional round robin) within a level. DL
// threads declare (period, budget) reservations, gated by a per-core
// utilization test and dispatched earliest-deadline-first; budget
// overruns demote the thread to best effort until its next period
// boundary. BE threads share what remains through weighted round
// robin and migrate freely across cores.
//
// Each core runs an independent dispatch loop against its own ready
// set. Preemption is cooperative: a higher-priority arrival cancels
// the running step's context, and the step vacates at its next
// preemption point. Every dispatch lands in a fixed-size event ring
// queryable through the telemetry capability.
package sched
