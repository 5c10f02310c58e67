package replica

import (
	"fmt"

	"go.uber.org/atomic"
)

// IngestStatus is the process-wide state of the bulk-ingest workflow for one
// replica. It is flipped asynchronously by the ingestion worker and read by
// admin queries.
type IngestStatus int32

const (
	IngestNotRunning IngestStatus = iota
	IngestRunning
	IngestSucceeded
	IngestFailed
)

// String returns the status name reported on admin surfaces.
func (s IngestStatus) String() string {
	switch s {
	case IngestNotRunning:
		return "not_running"
	case IngestRunning:
		return "running"
	case IngestSucceeded:
		return "succeeded"
	case IngestFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Base carries a replica's identity and the small amount of shared mutable
// state the write path exposes to other threads.
type Base struct {
	AppID          int32
	PartitionIndex int32
	Address        string

	primary      atomic.Bool
	ingestStatus atomic.Int32
}

// NewBase creates a replica identity. The replica starts as non-primary with
// no ingestion running.
func NewBase(appID, partitionIndex int32, address string) *Base {
	return &Base{AppID: appID, PartitionIndex: partitionIndex, Address: address}
}

// Gpid returns the global partition id string used as the partition label of
// all telemetry.
func (b *Base) Gpid() string {
	return fmt.Sprintf("%d.%d", b.AppID, b.PartitionIndex)
}

// IsPrimary reports whether this replica currently serves as the primary.
func (b *Base) IsPrimary() bool { return b.primary.Load() }

// SetPrimary is called by the membership layer on role changes.
func (b *Base) SetPrimary(primary bool) { b.primary.Store(primary) }

// IngestStatus returns the current bulk-ingest state.
func (b *Base) IngestStatus() IngestStatus {
	return IngestStatus(b.ingestStatus.Load())
}

// SetIngestStatus flips the bulk-ingest state.
func (b *Base) SetIngestStatus(s IngestStatus) { b.ingestStatus.Store(int32(s)) }
