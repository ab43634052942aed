// Package scheduler runs a job once or on a fixed interval in the background.
//
// Controller owns at most one loop goroutine at a time and moves through an
// explicit state machine (idle -> running -> stop_requested -> idle) guarded
// by a single mutex. Only the loop goroutine itself returns the state to idle.
//
// Cancellation is cooperative: StopLoop closes the loop instance's stop
// channel, which wakes the interval wait immediately, but an Execute already
// in progress is never interrupted. Job failures and panics are converted to
// "Error: <message>" progress lines and never escape the controller.
package scheduler
