// Package command implements the per-device command queue and its lifecycle
// state machine.
//
// Every command starts pending and ends in exactly one terminal status:
//
//	pending ──► completed   (device reported success, or pull hand-off)
//	   │ ────► failed       (device reported failure)
//	   └─────► timeout      (no outcome within the timeout window)
//
// Terminal statuses are final. Every transition is a check-and-set under the
// owning device's lock, so a late outcome report racing the timeout timer
// (or a retried report) is a no-op that returns the recorded command.
//
// # Delivery
//
// Pull: DrainPending hands all pending commands to the device and marks them
// completed at hand-off. There is no acknowledgement round-trip, so a second
// immediate drain returns nothing.
//
// Push: MarkPushed stamps pending commands that have not yet been pushed.
// They stay pending until the device reports an outcome or the timer fires.
//
// # Retention
//
// Sweep removes terminal commands older than the retention window. Pending
// commands are never swept.
package command
