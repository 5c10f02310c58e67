package model

import "github.com/driftkv/replica-node/internal/status"

// ResponseHeader carries the fields every write response reports, populated
// on success and failure alike.
type ResponseHeader struct {
	Error          status.Code
	AppID          int32
	PartitionIndex int32
	Decree         int64
	Server         string
}

// Header exposes the shared fields for deferred error population.
func (h *ResponseHeader) Header() *ResponseHeader { return h }

// Response is implemented by every write response type.
type Response interface {
	Header() *ResponseHeader
}

// UpdateResponse answers put, remove and multi-put operations.
type UpdateResponse struct {
	ResponseHeader
}

// MultiRemoveResponse answers multi-remove; Count is the number of sort keys
// removed.
type MultiRemoveResponse struct {
	ResponseHeader
	Count int64
}

// IncrResponse answers incr; NewValue is the value after the increment, or
// the unchanged stored value when the increment would overflow.
type IncrResponse struct {
	ResponseHeader
	NewValue int64
}

// CheckAndSetResponse answers check-and-set.
type CheckAndSetResponse struct {
	ResponseHeader
	CheckValueReturned bool
	CheckValueExist    bool
	CheckValue         []byte
}

// CheckAndMutateResponse answers check-and-mutate.
type CheckAndMutateResponse struct {
	ResponseHeader
	CheckValueReturned bool
	CheckValueExist    bool
	CheckValue         []byte
}

// DuplicateResponse answers a replayed foreign-cluster write. ErrorHint
// explains non-zero errors to the duplication pipeline.
type DuplicateResponse struct {
	ResponseHeader
	ErrorHint string
}

// IngestResponse answers a bulk-ingest request. EngineError carries the
// engine code of the failed commit barrier when Error is TryAgain.
type IngestResponse struct {
	ResponseHeader
	EngineError status.Code
}
