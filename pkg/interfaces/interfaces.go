package interfaces

import (
	"context"
	"time"
)

// Engine is a running proxy that a monitoring session drives.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	// Addr is the bound listen address, valid while running.
	Addr() string
}

// MetricsCollector collects metrics
type MetricsCollector interface {
	RecordConnection(kind string)
	RecordRequest(method, host string, duration time.Duration, success bool)
	RecordBytesRelayed(bytes int64)
	RecordBytesCaptured(bytes int64)
	RecordCredential()
	RecordRecords(count int)
	RecordError(err error)
	GetStats() interface{}
}
