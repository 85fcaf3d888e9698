// Package pipeline turns a voice or text request into a stored, estimated task.
//
// A run moves through a fixed sequence of stages:
//
//	transcribe (voice only) -> extract -> resolve -> deadline -> retrieve
//	-> estimate -> assemble -> format
//
// Each stage receives a copy of State and returns an updated copy. The
// business context resolved in the resolve stage is bound to the run; every
// later read and write is checked against it with business.EnsureSame, and a
// mismatch aborts the run with business.ErrIsolationBreach before anything is
// written.
//
// Recoverable failures are returned as *Error with a Kind and a short Russian
// message for the requester (see UserMessage).
//
// Recorder is the separate entry point that records the actual duration of a
// finished task. Completed tasks are what later runs of the same business
// retrieve as history.
package pipeline
