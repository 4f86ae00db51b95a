// Package syncx provides the timing primitives every media-driven step
// builds on: bounded waits, media-time polling, transition completion,
// one-shot signals, futures and generation tokens.
//
// Every blocking helper takes a context.Context and gives up with a
// *TimeoutError instead of hanging when its ceiling elapses. None of them
// cancel the work they are waiting on; callers halt side effects through
// a Token obtained from a Generation.
package syncx
