// Package audit records the command lifecycle in the audit_logs table and
// serves it back for history queries.
//
// Writes go through a Recorder: a bounded queue drained by one goroutine,
// so recording never blocks a gateway operation. When the queue is full the
// entry is dropped and counted.
package audit
