package server

import "time"

// MetricsCollector is an optional interface for collecting server metrics.
// Implementations can forward them to Prometheus, StatsD, and the like.
//
// Methods are called from the router goroutine and from data transfer
// goroutines, so they must be safe for concurrent use and should not block:
// a slow RecordConnection or RecordPortReservation stalls connection routing
// for every session.
type MetricsCollector interface {
	// RecordConnection records the outcome of routing a proxied connection.
	// kind is "control" or "data"; reason gives context such as "accepted",
	// "matched", "no_reservation", "port_not_passive" or
	// "global_limit_reached".
	RecordConnection(kind string, accepted bool, reason string)

	// RecordPortReservation records a passive port request. success is false
	// when the passive range was exhausted.
	RecordPortReservation(success bool)

	// RecordTransfer records a completed file transfer.
	// operation is "RETR", "STOR" or "STOU".
	RecordTransfer(operation string, bytes int64, duration time.Duration)
}
